package ipc

import (
	"encoding/json"

	"github.com/tonimelisma/shadowgate/internal/names"
	"github.com/tonimelisma/shadowgate/internal/shadow"
)

// updateAcceptedMessage echoes the accepted patch back to subscribers:
// the raw state node as supplied, the metadata leaves the patch touched,
// and the newly assigned version.
type updateAcceptedMessage struct {
	State       json.RawMessage `json:"state"`
	Metadata    *metadataBody   `json:"metadata,omitempty"`
	Version     int64           `json:"version"`
	Timestamp   int64           `json:"timestamp"`
	ClientToken string          `json:"clientToken,omitempty"`
}

type metadataBody struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
}

type deleteAcceptedMessage struct {
	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`
}

type rejectedMessage struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
	ClientToken string `json:"clientToken,omitempty"`
}

type deltaMessage struct {
	State       map[string]any `json:"state"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Version     int64          `json:"version"`
	Timestamp   int64          `json:"timestamp"`
	ClientToken string         `json:"clientToken,omitempty"`
}

// documentsMessage carries the before/after view of an accepted mutation.
// Previous is null for document creation.
type documentsMessage struct {
	Previous    *documentsEntry `json:"previous"`
	Current     *documentsEntry `json:"current"`
	Timestamp   int64           `json:"timestamp"`
	ClientToken string          `json:"clientToken,omitempty"`
}

type documentsEntry struct {
	State    documentsState `json:"state"`
	Metadata *metadataBody  `json:"metadata,omitempty"`
	Version  int64          `json:"version"`
}

type documentsState struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
	Delta    map[string]any `json:"delta,omitempty"`
}

func newDocumentsEntry(d *shadow.Document) *documentsEntry {
	if d == nil {
		return nil
	}

	entry := &documentsEntry{
		State: documentsState{
			Desired:  d.Desired,
			Reported: d.Reported,
		},
		Version: d.Version,
	}

	if delta, ok := shadow.Delta(d); ok {
		entry.State.Delta = delta.State
	}

	if d.Metadata.Desired != nil || d.Metadata.Reported != nil {
		entry.Metadata = &metadataBody{
			Desired:  d.Metadata.Desired,
			Reported: d.Metadata.Reported,
		}
	}

	return entry
}

func touchedMetadata(m shadow.Metadata) *metadataBody {
	if m.Desired == nil && m.Reported == nil {
		return nil
	}

	return &metadataBody{Desired: m.Desired, Reported: m.Reported}
}

// publish marshals and delivers a notification. Notification delivery is
// best effort; failures are logged, never surfaced to the caller.
func (h *Handlers) publish(topic string, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Marshaling notification failed", "topic", topic, "error", err)
		return
	}

	if err := h.pub.Publish(topic, data); err != nil {
		h.logger.Warn("Publishing notification failed", "topic", topic, "error", err)
	}
}

func (h *Handlers) publishRejected(key names.Key, op string, reqErr *RequestError, clientToken string, now int64) {
	h.publish(key.RejectedTopic(op), rejectedMessage{
		Code:        reqErr.Code,
		Message:     reqErr.Message,
		Timestamp:   now,
		ClientToken: clientToken,
	})
}

func (h *Handlers) publishUpdateAccepted(key names.Key, state json.RawMessage, touched shadow.Metadata, version, now int64, clientToken string) []byte {
	msg := updateAcceptedMessage{
		State:       state,
		Metadata:    touchedMetadata(touched),
		Version:     version,
		Timestamp:   now,
		ClientToken: clientToken,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Marshaling accepted message failed", "key", key, "error", err)
		return nil
	}

	if err := h.pub.Publish(key.AcceptedTopic(names.OpUpdate), data); err != nil {
		h.logger.Warn("Publishing accepted message failed", "key", key, "error", err)
	}

	return data
}

// publishDelta emits the delta message when the merged document has a
// non-empty delta. Ordering contract: called after the store write and
// before the accepted publish.
func (h *Handlers) publishDelta(key names.Key, doc *shadow.Document, now int64, clientToken string) {
	delta, ok := shadow.Delta(doc)
	if !ok {
		return
	}

	h.publish(key.DeltaTopic(), deltaMessage{
		State:       delta.State,
		Metadata:    delta.Metadata,
		Version:     doc.Version,
		Timestamp:   now,
		ClientToken: clientToken,
	})
}

func (h *Handlers) publishDocuments(key names.Key, previous, current *shadow.Document, now int64, clientToken string) {
	h.publish(key.DocumentsTopic(), documentsMessage{
		Previous:    newDocumentsEntry(previous),
		Current:     newDocumentsEntry(current),
		Timestamp:   now,
		ClientToken: clientToken,
	})
}

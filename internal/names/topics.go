package names

import (
	"fmt"
	"strings"
)

// Shadow topic operations.
const (
	OpUpdate = "update"
	OpDelete = "delete"
	OpGet    = "get"
)

// Shadow topic suffixes.
const (
	SuffixAccepted  = "accepted"
	SuffixRejected  = "rejected"
	SuffixDelta     = "delta"
	SuffixDocuments = "documents"
)

const topicRoot = "$aws/things/"

// Topic builds the full shadow topic for an operation and suffix:
//
//	$aws/things/<thing>/shadow[/name/<shadow>]/<op>/<suffix>
func (k Key) Topic(op, suffix string) string {
	return k.topicPrefix() + "/" + op + "/" + suffix
}

// AcceptedTopic, RejectedTopic, DeltaTopic and DocumentsTopic are the
// publish targets for a single handler operation. Delta and documents are
// only ever emitted for updates.
func (k Key) AcceptedTopic(op string) string  { return k.Topic(op, SuffixAccepted) }
func (k Key) RejectedTopic(op string) string  { return k.Topic(op, SuffixRejected) }
func (k Key) DeltaTopic() string              { return k.Topic(OpUpdate, SuffixDelta) }
func (k Key) DocumentsTopic() string          { return k.Topic(OpUpdate, SuffixDocuments) }

// SyncTopics returns the two cloud-side topics subscribed for a synced
// shadow: update/accepted and delete/accepted.
func (k Key) SyncTopics() []string {
	return []string{
		k.Topic(OpUpdate, SuffixAccepted),
		k.Topic(OpDelete, SuffixAccepted),
	}
}

// ParsedTopic is the result of decoding an inbound shadow topic.
type ParsedTopic struct {
	Key    Key
	Op     string // update | delete | get
	Suffix string // accepted | rejected | delta | documents
}

// ParseTopic decodes a shadow topic back into its key, operation and suffix.
// Returns an error for anything outside the documented grammar; callers log
// and drop such messages.
func ParseTopic(topic string) (ParsedTopic, error) {
	rest, ok := strings.CutPrefix(topic, topicRoot)
	if !ok {
		return ParsedTopic{}, fmt.Errorf("names: topic %q is not a shadow topic", topic)
	}

	parts := strings.Split(rest, "/")

	// Shortest form: <thing>/shadow/<op>/<suffix>. Named adds "name/<shadow>".
	if len(parts) != 4 && len(parts) != 6 {
		return ParsedTopic{}, fmt.Errorf("names: topic %q has unexpected segment count", topic)
	}

	if parts[1] != "shadow" {
		return ParsedTopic{}, fmt.Errorf("names: topic %q missing shadow segment", topic)
	}

	thing := parts[0]
	shadow := ""
	opIdx := 2

	if len(parts) == 6 {
		if parts[2] != "name" {
			return ParsedTopic{}, fmt.Errorf("names: topic %q missing name segment", topic)
		}

		shadow = parts[3]
		opIdx = 4
	}

	key, err := NewKey(thing, shadow)
	if err != nil {
		return ParsedTopic{}, fmt.Errorf("names: topic %q: %w", topic, err)
	}

	op := parts[opIdx]
	suffix := parts[opIdx+1]

	switch op {
	case OpUpdate, OpDelete, OpGet:
	default:
		return ParsedTopic{}, fmt.Errorf("names: topic %q has unknown operation %q", topic, op)
	}

	switch suffix {
	case SuffixAccepted, SuffixRejected, SuffixDelta, SuffixDocuments:
	default:
		return ParsedTopic{}, fmt.Errorf("names: topic %q has unknown suffix %q", topic, suffix)
	}

	return ParsedTopic{Key: key, Op: op, Suffix: suffix}, nil
}

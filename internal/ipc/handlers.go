package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/shadowgate/internal/names"
	"github.com/tonimelisma/shadowgate/internal/pagetoken"
	"github.com/tonimelisma/shadowgate/internal/shadow"
	"github.com/tonimelisma/shadowgate/pkg/keymutex"
)

const (
	// DefaultDocumentSizeLimit caps update payloads at 8 KiB unless
	// configured otherwise.
	DefaultDocumentSizeLimit = 8 * 1024

	// DefaultPageSize and MaxPageSize bound named shadow listing.
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Options configures a handler set. Store and Publisher are required.
type Options struct {
	Store     Store
	Publisher Publisher

	// Authorizer may be nil, which grants every request.
	Authorizer Authorizer

	// Limiter may be nil, which disables request throttling.
	Limiter RateLimiter

	// Sync may be nil when no shadows are synchronized.
	Sync SyncEnqueuer

	Logger *slog.Logger

	// DocumentSizeLimit is the update payload byte cap; zero selects
	// DefaultDocumentSizeLimit.
	DocumentSizeLimit int

	// MaxDocumentDepth is the state nesting cap; zero selects
	// shadow.DefaultMaxDepth.
	MaxDocumentDepth int

	// NowFunc overrides the clock in tests.
	NowFunc func() time.Time
}

// Handlers implements the local shadow operations. Every write for a given
// key is serialized through a per-key mutex so version assignment and the
// store write happen atomically with respect to other local writers,
// including the cloud-applied mutation path.
type Handlers struct {
	store   Store
	pub     Publisher
	authz   Authorizer
	limiter RateLimiter
	locks   *keymutex.Mutex[names.Key]
	logger  *slog.Logger
	nowFunc func() time.Time

	mu        sync.RWMutex
	sync      SyncEnqueuer
	sizeLimit int
	maxDepth  int
}

// New validates options and builds the handler set.
func New(opts Options) (*Handlers, error) {
	if opts.Store == nil {
		return nil, errors.New("ipc: store is required")
	}

	if opts.Publisher == nil {
		return nil, errors.New("ipc: publisher is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nowFunc := opts.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	sizeLimit := opts.DocumentSizeLimit
	if sizeLimit <= 0 {
		sizeLimit = DefaultDocumentSizeLimit
	}

	maxDepth := opts.MaxDocumentDepth
	if maxDepth <= 0 {
		maxDepth = shadow.DefaultMaxDepth
	}

	return &Handlers{
		store:     opts.Store,
		pub:       opts.Publisher,
		authz:     opts.Authorizer,
		limiter:   opts.Limiter,
		sync:      opts.Sync,
		locks:     keymutex.New[names.Key](),
		logger:    logger,
		nowFunc:   nowFunc,
		sizeLimit: sizeLimit,
		maxDepth:  maxDepth,
	}, nil
}

// SetSync wires (or replaces) the sync enqueuer. The sync engine consumes
// these handlers as its local mutation path, so it is constructed after
// them and attached here.
func (h *Handlers) SetSync(s SyncEnqueuer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sync = s
}

func (h *Handlers) syncTarget() SyncEnqueuer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.sync
}

// SetLimits applies new document limits from a configuration reload.
func (h *Handlers) SetLimits(sizeLimit, maxDepth int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sizeLimit > 0 {
		h.sizeLimit = sizeLimit
	}

	if maxDepth > 0 {
		h.maxDepth = maxDepth
	}
}

func (h *Handlers) limits() (int, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.sizeLimit, h.maxDepth
}

func (h *Handlers) now() int64 {
	return h.nowFunc().Unix()
}

// checkAccess runs the rate limit and authorization gates shared by every
// operation. The returned error is ready for the direct reply; the caller
// decides whether a rejected publish is possible.
func (h *Handlers) checkAccess(ctx context.Context, caller, thing, operation, resource string) *RequestError {
	if h.limiter != nil && !h.limiter.Allow(thing) {
		return throttled()
	}

	if h.authz != nil {
		if err := h.authz.Authorize(ctx, caller, operation, resource); err != nil {
			h.logger.Debug("Authorization denied", "caller", caller, "operation", operation, "resource", resource, "error", err)
			return unauthorized(caller, resource)
		}
	}

	return nil
}

func parseUpdateError(err error) *RequestError {
	switch {
	case errors.Is(err, shadow.ErrInvalidDocument):
		return invalidPayload("Invalid JSON")
	case errors.Is(err, shadow.ErrDepthExceeded):
		return invalidPayload("State nests deeper than the maximum allowed depth")
	default:
		return invalidPayload("Invalid payload schema")
	}
}

// UpdateThingShadow merges an update payload into the shadow. The direct
// reply is the accepted message; delta and documents notifications go out
// after the store write and before the accepted publish.
func (h *Handlers) UpdateThingShadow(ctx context.Context, caller, thing, shadowName string, payload []byte) ([]byte, error) {
	now := h.now()

	key, err := names.NewKey(thing, shadowName)
	if err != nil {
		return nil, invalidArguments("%s", nameErrorMessage(err))
	}

	fail := func(reqErr *RequestError, clientToken string) ([]byte, error) {
		h.publishRejected(key, names.OpUpdate, reqErr, clientToken, now)
		return nil, replyError(reqErr)
	}

	if reqErr := h.checkAccess(ctx, caller, thing, OpUpdateThingShadow, key.AuthzResource()); reqErr != nil {
		return fail(reqErr, "")
	}

	sizeLimit, maxDepth := h.limits()
	if len(payload) > sizeLimit {
		return fail(payloadTooLarge(sizeLimit), "")
	}

	u, err := shadow.ParseUpdate(payload)
	if err != nil {
		h.logger.Debug("Update payload rejected", "key", key, "error", err)
		return fail(parseUpdateError(err), "")
	}

	if err := u.ValidateDepth(maxDepth); err != nil {
		return fail(parseUpdateError(err), u.ClientToken)
	}

	unlock := h.locks.Lock(key)
	defer unlock()

	curDoc, nextVersion, err := h.loadForWrite(ctx, key)
	if err != nil {
		return fail(serviceError(err), u.ClientToken)
	}

	if err := u.ValidateVersion(nextVersion); err != nil {
		h.logger.Debug("Update version rejected", "key", key, "expected", nextVersion, "error", err)
		return fail(versionConflict(), u.ClientToken)
	}

	merged, touched := shadow.Merge(curDoc, u, nextVersion, now)

	data, err := merged.Marshal()
	if err != nil {
		return fail(serviceError(err), u.ClientToken)
	}

	written, err := h.store.UpdateDocument(ctx, key, data, nextVersion, now)
	if err != nil {
		return fail(serviceError(err), u.ClientToken)
	}

	if !written {
		// A writer outside this process's lock discipline took the version.
		return fail(versionConflict(), u.ClientToken)
	}

	h.logger.Debug("Shadow updated", "key", key, "version", nextVersion)

	h.publishDelta(key, merged, now, u.ClientToken)
	h.publishDocuments(key, curDoc, merged, now, u.ClientToken)
	reply := h.publishUpdateAccepted(key, u.State, touched, nextVersion, now, u.ClientToken)

	h.enqueueCloudUpdate(key, u.State)

	return reply, nil
}

// GetThingShadow returns the rendered document including metadata and the
// computed delta.
func (h *Handlers) GetThingShadow(ctx context.Context, caller, thing, shadowName string) ([]byte, error) {
	now := h.now()

	key, err := names.NewKey(thing, shadowName)
	if err != nil {
		return nil, invalidArguments("%s", nameErrorMessage(err))
	}

	fail := func(reqErr *RequestError) ([]byte, error) {
		h.publishRejected(key, names.OpGet, reqErr, "", now)
		return nil, replyError(reqErr)
	}

	if reqErr := h.checkAccess(ctx, caller, thing, OpGetThingShadow, key.AuthzResource()); reqErr != nil {
		return fail(reqErr)
	}

	doc, err := h.store.GetDocument(ctx, key)
	if err != nil {
		return fail(serviceError(err))
	}

	if doc == nil {
		return fail(notFound(key.String()))
	}

	parsed, err := shadow.ParseDocument(doc.Document)
	if err != nil {
		return fail(serviceError(err))
	}

	data, err := parsed.Render(true)
	if err != nil {
		return fail(serviceError(err))
	}

	h.publish(key.AcceptedTopic(names.OpGet), json.RawMessage(data))

	return data, nil
}

// DeleteThingShadow soft-deletes the shadow. The direct reply payload is
// empty; subscribers get {version, timestamp} on the accepted topic.
func (h *Handlers) DeleteThingShadow(ctx context.Context, caller, thing, shadowName string) ([]byte, error) {
	now := h.now()

	key, err := names.NewKey(thing, shadowName)
	if err != nil {
		return nil, invalidArguments("%s", nameErrorMessage(err))
	}

	fail := func(reqErr *RequestError) ([]byte, error) {
		h.publishRejected(key, names.OpDelete, reqErr, "", now)
		return nil, replyError(reqErr)
	}

	if reqErr := h.checkAccess(ctx, caller, thing, OpDeleteThingShadow, key.AuthzResource()); reqErr != nil {
		return fail(reqErr)
	}

	unlock := h.locks.Lock(key)
	defer unlock()

	prior, err := h.store.DeleteDocument(ctx, key, now)
	if err != nil {
		return fail(serviceError(err))
	}

	if prior == nil {
		return fail(notFound(key.String()))
	}

	h.logger.Debug("Shadow deleted", "key", key, "version", prior.Version)

	h.publish(key.AcceptedTopic(names.OpDelete), deleteAcceptedMessage{
		Version:   prior.Version,
		Timestamp: now,
	})

	if s := h.syncTarget(); s != nil {
		s.EnqueueCloudDelete(key)
	}

	return nil, nil
}

// ListNamedShadowsForThing pages through the named shadows of a thing in
// lexical order. The page token is bound to the caller and thing.
func (h *Handlers) ListNamedShadowsForThing(ctx context.Context, caller, thing string, pageSize int, nextToken string) (*ListResult, error) {
	now := h.now()

	if err := names.ValidateThingName(thing); err != nil {
		return nil, invalidArguments("%s", nameErrorMessage(err))
	}

	resource := names.Key{Thing: thing}.AuthzResource()
	if reqErr := h.checkAccess(ctx, caller, thing, OpListNamedShadowsForThing, resource); reqErr != nil {
		return nil, replyError(reqErr)
	}

	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	if pageSize < 0 || pageSize > MaxPageSize {
		return nil, invalidArguments("pageSize must be between 1 and %d", MaxPageSize)
	}

	var offset uint64
	if nextToken != "" {
		decoded, err := pagetoken.Decode(caller, thing, nextToken)
		if err != nil {
			h.logger.Debug("Rejecting invalid page token", "caller", caller, "thing", thing, "error", err)
			return nil, invalidArguments("Invalid nextToken")
		}

		offset = decoded
	}

	results, err := h.store.ListNamedShadows(ctx, thing, int(offset), pageSize)
	if err != nil {
		return nil, replyError(serviceError(err))
	}

	result := &ListResult{
		Results:   results,
		Timestamp: now,
	}

	if len(results) == pageSize {
		token, err := pagetoken.Encode(caller, thing, offset+uint64(pageSize))
		if err != nil {
			return nil, replyError(serviceError(err))
		}

		result.NextToken = token
	}

	return result, nil
}

// loadForWrite returns the parsed current document (nil when absent) and the
// version the next write must carry, continuing past any tombstone. Callers
// must hold the key lock.
func (h *Handlers) loadForWrite(ctx context.Context, key names.Key) (*shadow.Document, int64, error) {
	cur, err := h.store.GetDocument(ctx, key)
	if err != nil {
		return nil, 0, err
	}

	if cur != nil {
		doc, err := shadow.ParseDocument(cur.Document)
		if err != nil {
			return nil, 0, err
		}

		return doc, cur.Version + 1, nil
	}

	deleted, err := h.store.GetDeletedVersion(ctx, key)
	if err != nil {
		return nil, 0, err
	}

	return nil, deleted + 1, nil
}

func (h *Handlers) enqueueCloudUpdate(key names.Key, state json.RawMessage) {
	s := h.syncTarget()
	if s == nil {
		return
	}

	patch, err := json.Marshal(map[string]json.RawMessage{"state": state})
	if err != nil {
		h.logger.Error("Marshaling sync patch failed", "key", key, "error", err)
		return
	}

	s.EnqueueCloudUpdate(key, patch)
}

// nameErrorMessage strips the package prefix from a names validation error
// for user-facing messages.
func nameErrorMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "names: ")
}

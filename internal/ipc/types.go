package ipc

import (
	"context"

	"github.com/tonimelisma/shadowgate/internal/names"
	"github.com/tonimelisma/shadowgate/internal/store"
)

// Store is the persistence surface handlers require.
type Store interface {
	GetDocument(ctx context.Context, key names.Key) (*store.Doc, error)
	UpdateDocument(ctx context.Context, key names.Key, document []byte, version, updateTime int64) (bool, error)
	DeleteDocument(ctx context.Context, key names.Key, deleteTime int64) (*store.Doc, error)
	GetDeletedVersion(ctx context.Context, key names.Key) (int64, error)
	ListNamedShadows(ctx context.Context, thing string, offset, limit int) ([]string, error)
}

// Publisher delivers notification messages to local subscribers.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Authorizer decides whether a caller may perform an operation on a
// resource. A nil error means access is granted.
type Authorizer interface {
	Authorize(ctx context.Context, caller, operation, resource string) error
}

// RateLimiter gates inbound local requests per thing.
type RateLimiter interface {
	Allow(thing string) bool
}

// SyncEnqueuer receives cloud-bound work after successful local mutations.
// Implementations decide whether the shadow is configured for syncing.
type SyncEnqueuer interface {
	EnqueueCloudUpdate(key names.Key, patch []byte)
	EnqueueCloudDelete(key names.Key)
}

// ListResult is the reply shape for named shadow listing.
type ListResult struct {
	Results   []string `json:"results"`
	Timestamp int64    `json:"timestamp"`
	NextToken string   `json:"nextToken,omitempty"`
}

// Operation names used for authorization checks.
const (
	OpGetThingShadow           = "GetThingShadow"
	OpUpdateThingShadow        = "UpdateThingShadow"
	OpDeleteThingShadow        = "DeleteThingShadow"
	OpListNamedShadowsForThing = "ListNamedShadowsForThing"
)

// Package sync keeps the local shadow store and the cloud shadow service
// converging. Local mutations enqueue cloud-bound requests, inbound cloud
// notifications enqueue local-bound requests, and a bounded worker pool
// drains per-shadow FIFO queues with merge-on-enqueue coalescing. Full
// reconciliation (three-way merge against the last synced document) repairs
// any divergence the incremental paths cannot prove safe.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/tonimelisma/shadowgate/internal/names"
	"github.com/tonimelisma/shadowgate/internal/shadow"
	"github.com/tonimelisma/shadowgate/internal/store"
)

// Kind tags a sync request. Local* kinds apply inbound cloud changes to the
// local store; Cloud* kinds push local changes to the cloud.
type Kind int

const (
	// KindLocalUpdate applies an inbound cloud update locally.
	KindLocalUpdate Kind = iota

	// KindLocalDelete applies an inbound cloud delete locally.
	KindLocalDelete

	// KindCloudUpdate pushes a local patch to the cloud data plane.
	KindCloudUpdate

	// KindCloudDelete deletes the cloud copy after a local delete.
	KindCloudDelete

	// KindFullSync reconciles both sides via three-way merge.
	KindFullSync

	// KindOverwriteCloud unconditionally replaces the cloud copy with the
	// local document. Used instead of FullSync when the sync direction
	// forbids cloud-to-device writes.
	KindOverwriteCloud

	// KindOverwriteLocal unconditionally replaces the local copy with the
	// cloud document. Used instead of FullSync when the sync direction
	// forbids device-to-cloud writes.
	KindOverwriteLocal
)

func (k Kind) String() string {
	switch k {
	case KindLocalUpdate:
		return "local_update"
	case KindLocalDelete:
		return "local_delete"
	case KindCloudUpdate:
		return "cloud_update"
	case KindCloudDelete:
		return "cloud_delete"
	case KindFullSync:
		return "full_sync"
	case KindOverwriteCloud:
		return "overwrite_cloud"
	case KindOverwriteLocal:
		return "overwrite_local"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request is one unit of sync work for a single shadow key.
type Request struct {
	Key  names.Key
	Kind Kind

	// Patch carries the update payload: the local patch for CloudUpdate,
	// or the extracted cloud state for LocalUpdate, always shaped as
	// {"state": {...}}.
	Patch []byte

	// Version is the cloud version carried by inbound notifications
	// (LocalUpdate and LocalDelete).
	Version int64
}

// Direction restricts which side may drive mutations onto the other.
type Direction int

const (
	// DirectionBetweenDeviceAndCloud syncs both ways (default).
	DirectionBetweenDeviceAndCloud Direction = iota

	// DirectionDeviceToCloud pushes local changes up; inbound cloud events
	// are dropped.
	DirectionDeviceToCloud

	// DirectionCloudToDevice pulls cloud changes down; local changes never
	// reach the cloud.
	DirectionCloudToDevice
)

func (d Direction) String() string {
	switch d {
	case DirectionDeviceToCloud:
		return "deviceToCloud"
	case DirectionCloudToDevice:
		return "cloudToDevice"
	default:
		return "betweenDeviceAndCloud"
	}
}

// ParseDirection maps a configuration string to a Direction. Unknown values
// return an error so misconfiguration is caught at load time.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "betweenDeviceAndCloud":
		return DirectionBetweenDeviceAndCloud, nil
	case "deviceToCloud":
		return DirectionDeviceToCloud, nil
	case "cloudToDevice":
		return DirectionCloudToDevice, nil
	default:
		return DirectionBetweenDeviceAndCloud, fmt.Errorf("sync: unknown direction %q", s)
	}
}

// StrategyType selects the dispatch timing discipline.
type StrategyType int

const (
	// StrategyRealTime drains queues continuously.
	StrategyRealTime StrategyType = iota

	// StrategyPeriodic wakes on a fixed interval and drains everything
	// ready in one pass; requests accumulate and merge between ticks.
	StrategyPeriodic
)

func (s StrategyType) String() string {
	if s == StrategyPeriodic {
		return "periodic"
	}

	return "realTime"
}

// Strategy is the dispatch discipline plus its periodic delay.
type Strategy struct {
	Type  StrategyType
	Delay time.Duration
}

// Store is the persistence surface the engine requires.
type Store interface {
	GetDocument(ctx context.Context, key names.Key) (*store.Doc, error)
	GetDeletedVersion(ctx context.Context, key names.Key) (int64, error)
	GetSyncInfo(ctx context.Context, key names.Key) (*store.SyncInfo, error)
	UpdateSyncInfo(ctx context.Context, info *store.SyncInfo) error
	DeleteSyncInfo(ctx context.Context, key names.Key) error
}

// CloudClient is the cloud data-plane surface the engine requires.
type CloudClient interface {
	GetThingShadow(ctx context.Context, key names.Key) ([]byte, error)
	UpdateThingShadow(ctx context.Context, key names.Key, payload []byte) ([]byte, error)
	DeleteThingShadow(ctx context.Context, key names.Key) error
}

// LocalMutator applies cloud-sourced changes through the local mutation
// path, so cloud writes share locking and notification fan-out with local
// requests without the engine depending on the handler package.
type LocalMutator interface {
	ApplyCloudUpdate(ctx context.Context, key names.Key, patch []byte) (int64, error)
	ApplyCloudDelete(ctx context.Context, key names.Key) (int64, error)
	ReplaceDocument(ctx context.Context, key names.Key, doc *shadow.Document) (int64, error)
}

// Connection is the MQTT session surface used for shadow topic
// subscriptions. Subscribe and Unsubscribe must be idempotent.
type Connection interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Connected() bool
}

// Status is a point-in-time view of one synced shadow, merging queue state
// with persisted sync bookkeeping.
type Status struct {
	Thing        string `json:"thingName"`
	Shadow       string `json:"shadowName,omitempty"`
	Pending      int    `json:"pending"`
	InFlight     bool   `json:"inFlight"`
	CloudVersion int64  `json:"cloudVersion,omitempty"`
	LocalVersion int64  `json:"localVersion,omitempty"`
	CloudDeleted bool   `json:"cloudDeleted,omitempty"`
	LastSyncTime int64  `json:"lastSyncTime,omitempty"`
}

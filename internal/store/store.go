// Package store defines the local store the reconciler writes query-map
// records into. Implementations must make ApplyDiff atomic per map so
// concurrent readers never observe a partially-updated map.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStoreWrite wraps any failure to apply a diff.
var ErrStoreWrite = errors.New("store write failed")

// Record is one storage key/value pair tagged with the block height it was
// observed at.
type Record struct {
	Key    []byte `json:"key"`
	Value  []byte `json:"value"`
	Height uint64 `json:"height"`
}

// DescriptorState is the per-map sync watermark.
type DescriptorState struct {
	Height   uint64    `json:"height"`
	SyncedAt time.Time `json:"syncedAt"`
}

// Diff is the set of changes one reconcile cycle applies to a map.
type Diff struct {
	Inserts []Record
	Updates []Record
	Deletes [][]byte
}

// Empty reports whether the diff changes nothing.
func (d Diff) Empty() bool {
	return len(d.Inserts) == 0 && len(d.Updates) == 0 && len(d.Deletes) == 0
}

// Store is the local store for query-map records. The reconciler is the only
// writer; foreground readers only read.
type Store interface {
	// ReadMap returns the current records for a map in key order.
	ReadMap(ctx context.Context, mapID string) ([]Record, error)
	// ApplyDiff applies a diff and advances the descriptor state in one
	// atomic unit.
	ApplyDiff(ctx context.Context, mapID string, diff Diff, state DescriptorState) error
	// ReadDescriptorState returns the last synced height and timestamp.
	ReadDescriptorState(ctx context.Context, mapID string) (DescriptorState, error)
	// Close releases the underlying storage.
	Close() error
}

// Package querymap implements bulk paginated retrieval of chain storage maps.
package querymap

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Descriptor identifies one storage map (pallet + storage item) and carries
// its sync cadence. Registered once at startup; the watermark fields are
// mutated only after a successful sync cycle.
type Descriptor struct {
	Pallet   string
	Item     string
	PageSize uint32
	Interval time.Duration

	mu             sync.Mutex
	lastHeight     uint64
	lastSyncedAt   time.Time
	lastAttemptAt  time.Time
	failedAttempts int

	syncing atomic.Bool
}

// ParseDescriptor parses "Pallet.Item" into a descriptor with the given
// defaults.
func ParseDescriptor(name string, pageSize uint32, interval time.Duration) (*Descriptor, error) {
	pallet, item, ok := strings.Cut(strings.TrimSpace(name), ".")
	if !ok || pallet == "" || item == "" {
		return nil, fmt.Errorf("invalid query map name %q, want Pallet.Item", name)
	}
	return &Descriptor{Pallet: pallet, Item: item, PageSize: pageSize, Interval: interval}, nil
}

// ID returns the map identity used as the store key, e.g. "System.Account".
func (d *Descriptor) ID() string {
	return d.Pallet + "." + d.Item
}

// TryLock marks a sync cycle in flight. Returns false when one already is,
// giving each descriptor at most one concurrent cycle.
func (d *Descriptor) TryLock() bool {
	return d.syncing.CompareAndSwap(false, true)
}

// Unlock ends the in-flight cycle.
func (d *Descriptor) Unlock() {
	d.syncing.Store(false)
}

// MarkSynced records a successful cycle at the given height.
func (d *Descriptor) MarkSynced(height uint64, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHeight = height
	d.lastSyncedAt = at
	d.lastAttemptAt = at
	d.failedAttempts = 0
}

// MarkAttempt records the start of a cycle.
func (d *Descriptor) MarkAttempt(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAttemptAt = at
}

// MarkFailed records a failed cycle.
func (d *Descriptor) MarkFailed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failedAttempts++
}

// LastSynced returns the last successful height and timestamp.
func (d *Descriptor) LastSynced() (uint64, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHeight, d.lastSyncedAt
}

// Due reports whether a cycle should run at now. Failed descriptors back off
// by failureBackoff per consecutive failure before the regular interval
// applies again.
func (d *Descriptor) Due(now time.Time, failureBackoff time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastAttemptAt.IsZero() {
		return true
	}
	wait := d.Interval
	if d.failedAttempts > 0 {
		wait = failureBackoff * time.Duration(d.failedAttempts)
		if wait > d.Interval && d.Interval > 0 {
			wait = d.Interval
		}
	}
	return now.Sub(d.lastAttemptAt) >= wait
}

// Package reconcile diffs a freshly fetched query-map snapshot against the
// local store and applies the difference atomically per map.
package reconcile

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/chainsync/internal/querymap"
	"github.com/tensorplex-labs/chainsync/internal/store"
)

// Result counts what one reconcile cycle changed.
type Result struct {
	Inserted  int
	Updated   int
	Deleted   int
	Unchanged int
}

// Reconciler writes snapshots into the local store. It is the store's only
// writer.
type Reconciler struct {
	store store.Store
}

// New creates a reconciler over the given store.
func New(s store.Store) *Reconciler {
	return &Reconciler{store: s}
}

// Reconcile computes the key-wise difference between the snapshot and the
// store's current records for the map and applies it in one atomic unit.
// On success the descriptor's watermark advances to the snapshot height.
func (r *Reconciler) Reconcile(ctx context.Context, desc *querymap.Descriptor, snap *querymap.Snapshot) (Result, error) {
	current, err := r.store.ReadMap(ctx, snap.MapID)
	if err != nil {
		return Result{}, err
	}

	existing := make(map[string]store.Record, len(current))
	for _, rec := range current {
		existing[string(rec.Key)] = rec
	}

	var res Result
	var diff store.Diff
	seen := make(map[string]struct{}, len(snap.Records))

	for _, rec := range snap.Records {
		k := string(rec.Key)
		seen[k] = struct{}{}
		old, ok := existing[k]
		switch {
		case !ok:
			diff.Inserts = append(diff.Inserts, rec)
			res.Inserted++
		case !bytes.Equal(old.Value, rec.Value):
			diff.Updates = append(diff.Updates, rec)
			res.Updated++
		default:
			res.Unchanged++
		}
	}
	for _, rec := range current {
		if _, ok := seen[string(rec.Key)]; !ok {
			diff.Deletes = append(diff.Deletes, rec.Key)
			res.Deleted++
		}
	}

	now := time.Now()
	state := store.DescriptorState{Height: snap.Height, SyncedAt: now}
	if err := r.store.ApplyDiff(ctx, snap.MapID, diff, state); err != nil {
		return Result{}, err
	}
	desc.MarkSynced(snap.Height, now)

	log.Info().
		Str("map", snap.MapID).
		Uint64("height", snap.Height).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("deleted", res.Deleted).
		Int("unchanged", res.Unchanged).
		Msg("query map reconciled")
	return res, nil
}

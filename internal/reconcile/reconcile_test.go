package reconcile

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tensorplex-labs/chainsync/internal/querymap"
	"github.com/tensorplex-labs/chainsync/internal/store"
)

// memStore is an in-memory store with the same atomicity contract.
type memStore struct {
	maps   map[string]map[string]store.Record
	states map[string]store.DescriptorState
	fail   error
}

func newMemStore() *memStore {
	return &memStore{
		maps:   map[string]map[string]store.Record{},
		states: map[string]store.DescriptorState{},
	}
}

func (m *memStore) ReadMap(_ context.Context, mapID string) ([]store.Record, error) {
	recs := make([]store.Record, 0, len(m.maps[mapID]))
	for _, r := range m.maps[mapID] {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return string(recs[i].Key) < string(recs[j].Key) })
	return recs, nil
}

func (m *memStore) ApplyDiff(_ context.Context, mapID string, diff store.Diff, state store.DescriptorState) error {
	if m.fail != nil {
		return m.fail
	}
	byKey := m.maps[mapID]
	if byKey == nil {
		byKey = map[string]store.Record{}
		m.maps[mapID] = byKey
	}
	for _, r := range diff.Inserts {
		byKey[string(r.Key)] = r
	}
	for _, r := range diff.Updates {
		byKey[string(r.Key)] = r
	}
	for _, k := range diff.Deletes {
		delete(byKey, string(k))
	}
	m.states[mapID] = state
	return nil
}

func (m *memStore) ReadDescriptorState(_ context.Context, mapID string) (store.DescriptorState, error) {
	return m.states[mapID], nil
}

func (m *memStore) Close() error { return nil }

func rec(key, value string, height uint64) store.Record {
	return store.Record{Key: []byte(key), Value: []byte(value), Height: height}
}

func testSnapshot(height uint64, records ...store.Record) *querymap.Snapshot {
	return &querymap.Snapshot{MapID: "System.Account", Height: height, Records: records}
}

func testDescriptor() *querymap.Descriptor {
	return &querymap.Descriptor{Pallet: "System", Item: "Account", PageSize: 100, Interval: time.Hour}
}

func TestReconcileDiff(t *testing.T) {
	ms := newMemStore()
	r := New(ms)
	desc := testDescriptor()

	// preload {a:1, b:2}
	_, err := r.Reconcile(context.Background(), desc, testSnapshot(100, rec("a", "1", 100), rec("b", "2", 100)))
	require.NoError(t, err)

	// snapshot {b:2, c:3}: insert c, delete a, leave b untouched
	res, err := r.Reconcile(context.Background(), desc, testSnapshot(101, rec("b", "2", 101), rec("c", "3", 101)))
	require.NoError(t, err)
	require.Equal(t, Result{Inserted: 1, Updated: 0, Deleted: 1, Unchanged: 1}, res)

	recs, err := ms.ReadMap(context.Background(), "System.Account")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, []byte("b"), recs[0].Key)
	require.Equal(t, []byte("c"), recs[1].Key)
}

func TestReconcileDetectsValueChange(t *testing.T) {
	ms := newMemStore()
	r := New(ms)
	desc := testDescriptor()

	_, err := r.Reconcile(context.Background(), desc, testSnapshot(100, rec("a", "1", 100)))
	require.NoError(t, err)

	res, err := r.Reconcile(context.Background(), desc, testSnapshot(101, rec("a", "2", 101)))
	require.NoError(t, err)
	require.Equal(t, Result{Updated: 1}, res)
}

func TestReconcileIdempotent(t *testing.T) {
	ms := newMemStore()
	r := New(ms)
	desc := testDescriptor()
	snap := testSnapshot(100, rec("a", "1", 100), rec("b", "2", 100), rec("c", "3", 100))

	res, err := r.Reconcile(context.Background(), desc, snap)
	require.NoError(t, err)
	require.Equal(t, Result{Inserted: 3}, res)

	res, err = r.Reconcile(context.Background(), desc, snap)
	require.NoError(t, err)
	require.Equal(t, Result{Unchanged: 3}, res)
}

func TestReconcileAdvancesWatermark(t *testing.T) {
	ms := newMemStore()
	r := New(ms)
	desc := testDescriptor()

	_, err := r.Reconcile(context.Background(), desc, testSnapshot(42, rec("a", "1", 42)))
	require.NoError(t, err)

	height, at := desc.LastSynced()
	require.Equal(t, uint64(42), height)
	require.False(t, at.IsZero())

	state, err := ms.ReadDescriptorState(context.Background(), "System.Account")
	require.NoError(t, err)
	require.Equal(t, uint64(42), state.Height)
}

func TestReconcileStoreFailureLeavesWatermark(t *testing.T) {
	ms := newMemStore()
	r := New(ms)
	desc := testDescriptor()

	ms.fail = errors.New("disk full")
	_, err := r.Reconcile(context.Background(), desc, testSnapshot(100, rec("a", "1", 100)))
	require.Error(t, err)

	height, _ := desc.LastSynced()
	require.Zero(t, height, "watermark must not advance on a failed apply")
}

func TestReconcileEmptySnapshotDeletesAll(t *testing.T) {
	ms := newMemStore()
	r := New(ms)
	desc := testDescriptor()

	_, err := r.Reconcile(context.Background(), desc, testSnapshot(100, rec("a", "1", 100), rec("b", "2", 100)))
	require.NoError(t, err)

	res, err := r.Reconcile(context.Background(), desc, testSnapshot(101))
	require.NoError(t, err)
	require.Equal(t, Result{Deleted: 2}, res)

	recs, err := ms.ReadMap(context.Background(), "System.Account")
	require.NoError(t, err)
	require.Empty(t, recs)
}

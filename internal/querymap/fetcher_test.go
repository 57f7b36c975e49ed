package querymap

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
)

const (
	testHash      = "0x00aa"
	testOtherHash = "0x00bb"
)

// fakeRPC answers fetcher calls from a scripted chain: a fixed header plus
// storage pages keyed by start key.
type fakeRPC struct {
	height    uint64
	pages     map[string][]string            // startKey -> keys
	values    map[string]string              // key -> value hex
	pageBlock func(calls int) string         // block hash reported per queryStorageAt call
	calls     map[string]int
}

func newFakeRPC(height uint64) *fakeRPC {
	return &fakeRPC{
		height: height,
		pages:  map[string][]string{},
		values: map[string]string{},
		calls:  map[string]int{},
	}
}

func (f *fakeRPC) Call(_ context.Context, method string, params ...any) (json.RawMessage, error) {
	f.calls[method]++
	switch method {
	case "chain_getHeader":
		return sonic.Marshal(map[string]any{"number": fmt.Sprintf("0x%x", f.height)})
	case "chain_getBlockHash":
		return sonic.Marshal(testHash)
	case "state_getKeysPaged":
		start := ""
		if params[2] != nil {
			start = params[2].(string)
		}
		return sonic.Marshal(f.pages[start])
	case "state_queryStorageAt":
		block := testHash
		if f.pageBlock != nil {
			block = f.pageBlock(f.calls[method])
		}
		keys := params[0].([]string)
		changes := make([][2]string, 0, len(keys))
		for _, k := range keys {
			changes = append(changes, [2]string{k, f.values[k]})
		}
		return sonic.Marshal([]map[string]any{{"block": block, "changes": changes}})
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

func testDescriptor(pageSize uint32) *Descriptor {
	return &Descriptor{Pallet: "System", Item: "Account", PageSize: pageSize, Interval: time.Hour}
}

func TestFetchSinglePage(t *testing.T) {
	rpc := newFakeRPC(100)
	rpc.pages[""] = []string{"0x01", "0x02"}
	rpc.values["0x01"] = "0xaa"
	rpc.values["0x02"] = "0xbb"

	snap, err := NewFetcher(rpc).Fetch(context.Background(), testDescriptor(10))
	require.NoError(t, err)
	require.Equal(t, "System.Account", snap.MapID)
	require.Equal(t, uint64(100), snap.Height)
	require.Len(t, snap.Records, 2)
	require.Equal(t, []byte{0xaa}, snap.Records[0].Value)
	require.Equal(t, uint64(100), snap.Records[0].Height)
}

func TestFetchPaginatesUntilShortPage(t *testing.T) {
	rpc := newFakeRPC(100)
	rpc.pages[""] = []string{"0x01", "0x02"}
	rpc.pages["0x02"] = []string{"0x03"}
	for _, k := range []string{"0x01", "0x02", "0x03"} {
		rpc.values[k] = "0xff"
	}

	snap, err := NewFetcher(rpc).Fetch(context.Background(), testDescriptor(2))
	require.NoError(t, err)
	require.Len(t, snap.Records, 3)
	require.Equal(t, 2, rpc.calls["state_getKeysPaged"])
	require.Equal(t, 2, rpc.calls["state_queryStorageAt"])
}

func TestFetchEmptyMap(t *testing.T) {
	rpc := newFakeRPC(100)

	snap, err := NewFetcher(rpc).Fetch(context.Background(), testDescriptor(10))
	require.NoError(t, err)
	require.Empty(t, snap.Records)
	require.Equal(t, uint64(100), snap.Height)
}

func TestFetchInconsistentSnapshot(t *testing.T) {
	rpc := newFakeRPC(100)
	rpc.pages[""] = []string{"0x01", "0x02"}
	rpc.pages["0x02"] = []string{"0x03"}
	for _, k := range []string{"0x01", "0x02", "0x03"} {
		rpc.values[k] = "0xff"
	}
	// page 1 reports the pinned block, page 2 a newer one
	rpc.pageBlock = func(call int) string {
		if call == 1 {
			return testHash
		}
		return testOtherHash
	}

	_, err := NewFetcher(rpc).Fetch(context.Background(), testDescriptor(2))
	require.ErrorIs(t, err, ErrInconsistentSnapshot)
}

func TestFetchSkipsVanishedKeys(t *testing.T) {
	rpc := newFakeRPC(100)
	rpc.pages[""] = []string{"0x01", "0x02"}
	rpc.values["0x01"] = "0xaa"
	// 0x02 has no value at the pinned block

	snap, err := NewFetcher(rpc).Fetch(context.Background(), testDescriptor(10))
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
}

func TestParseDescriptor(t *testing.T) {
	desc, err := ParseDescriptor("SubspaceModule.Keys", 500, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "SubspaceModule", desc.Pallet)
	require.Equal(t, "Keys", desc.Item)
	require.Equal(t, "SubspaceModule.Keys", desc.ID())

	_, err = ParseDescriptor("NoDot", 500, time.Minute)
	require.Error(t, err)

	_, err = ParseDescriptor(".Item", 500, time.Minute)
	require.Error(t, err)
}

func TestDescriptorDueAndBackoff(t *testing.T) {
	desc := testDescriptor(10)
	desc.Interval = time.Hour
	now := time.Now()

	require.True(t, desc.Due(now, time.Minute), "never-attempted descriptor is due")

	desc.MarkAttempt(now)
	desc.MarkSynced(100, now)
	require.False(t, desc.Due(now.Add(time.Minute), time.Minute))
	require.True(t, desc.Due(now.Add(2*time.Hour), time.Minute))

	// failures shorten the wait to the failure backoff
	desc.MarkAttempt(now)
	desc.MarkFailed()
	require.True(t, desc.Due(now.Add(90*time.Second), time.Minute))
	require.False(t, desc.Due(now.Add(30*time.Second), time.Minute))

	desc.MarkFailed()
	require.False(t, desc.Due(now.Add(90*time.Second), time.Minute))
	require.True(t, desc.Due(now.Add(3*time.Minute), time.Minute))
}

func TestDescriptorSingleFlight(t *testing.T) {
	desc := testDescriptor(10)
	require.True(t, desc.TryLock())
	require.False(t, desc.TryLock())
	desc.Unlock()
	require.True(t, desc.TryLock())
	desc.Unlock()
}

package querymap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/chainsync/internal/client"
	"github.com/tensorplex-labs/chainsync/internal/store"
	"github.com/tensorplex-labs/chainsync/internal/substrate"
)

// ErrInconsistentSnapshot means the chain head moved between pages of one
// fetch cycle. The whole cycle fails rather than returning mixed-height data;
// retrying from page 1 is always safe.
var ErrInconsistentSnapshot = errors.New("inconsistent snapshot: block height moved mid-fetch")

// Snapshot is a consistent single-block-height view of one query map.
type Snapshot struct {
	MapID     string
	Height    uint64
	BlockHash string
	Records   []store.Record
}

// Fetcher pulls full storage maps page by page through the RPC client. Every
// page is pinned to the block hash captured before the first page.
type Fetcher struct {
	rpc client.Caller
}

// NewFetcher creates a fetcher over the given RPC caller.
func NewFetcher(rpc client.Caller) *Fetcher {
	return &Fetcher{rpc: rpc}
}

// Fetch retrieves the full contents of the descriptor's map at one block.
func (f *Fetcher) Fetch(ctx context.Context, desc *Descriptor) (*Snapshot, error) {
	started := time.Now()

	height, blockHash, err := f.pinBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("pin block: %w", err)
	}

	snap := &Snapshot{MapID: desc.ID(), Height: height, BlockHash: blockHash}
	prefix := StoragePrefix(desc.Pallet, desc.Item)
	startKey := ""
	pages := 0

	for {
		keys, err := f.fetchKeys(ctx, prefix, desc.PageSize, startKey, blockHash)
		if err != nil {
			return nil, fmt.Errorf("fetch keys page %d: %w", pages+1, err)
		}
		if len(keys) == 0 {
			break
		}
		pages++

		records, err := f.fetchValues(ctx, keys, blockHash, height)
		if err != nil {
			return nil, fmt.Errorf("fetch values page %d: %w", pages, err)
		}
		snap.Records = append(snap.Records, records...)

		if uint32(len(keys)) < desc.PageSize {
			break
		}
		startKey = keys[len(keys)-1]
	}

	log.Debug().
		Str("map", desc.ID()).
		Uint64("height", height).
		Int("pages", pages).
		Int("records", len(snap.Records)).
		Dur("elapsed", time.Since(started)).
		Msg("query map fetched")
	return snap, nil
}

// pinBlock captures the height and block hash every page of the cycle reads
// at.
func (f *Fetcher) pinBlock(ctx context.Context) (uint64, string, error) {
	raw, err := f.rpc.Call(ctx, "chain_getHeader")
	if err != nil {
		return 0, "", err
	}
	var header substrate.Header
	if err := sonic.Unmarshal(raw, &header); err != nil {
		return 0, "", fmt.Errorf("decode header: %w", err)
	}
	height := header.Number.Uint64()

	raw, err = f.rpc.Call(ctx, "chain_getBlockHash", height)
	if err != nil {
		return 0, "", err
	}
	var hash string
	if err := sonic.Unmarshal(raw, &hash); err != nil {
		return 0, "", fmt.Errorf("decode block hash: %w", err)
	}
	return height, hash, nil
}

func (f *Fetcher) fetchKeys(ctx context.Context, prefix string, pageSize uint32, startKey, blockHash string) ([]string, error) {
	params := []any{prefix, pageSize, startKey, blockHash}
	if startKey == "" {
		params = []any{prefix, pageSize, nil, blockHash}
	}
	raw, err := f.rpc.Call(ctx, "state_getKeysPaged", params...)
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := sonic.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	return keys, nil
}

// fetchValues reads the values for one page of keys at the pinned block. A
// change set reporting a different block than the pinned one fails the cycle.
func (f *Fetcher) fetchValues(ctx context.Context, keys []string, blockHash string, height uint64) ([]store.Record, error) {
	raw, err := f.rpc.Call(ctx, "state_queryStorageAt", keys, blockHash)
	if err != nil {
		return nil, err
	}
	var sets []substrate.StorageChangeSet
	if err := sonic.Unmarshal(raw, &sets); err != nil {
		return nil, fmt.Errorf("decode change sets: %w", err)
	}

	var records []store.Record
	for _, set := range sets {
		if !strings.EqualFold(set.Block, blockHash) {
			log.Warn().
				Str("pinned", blockHash).
				Str("got", set.Block).
				Msg("snapshot block moved mid-fetch")
			return nil, ErrInconsistentSnapshot
		}
		for _, change := range set.Changes {
			key, err := decodeHex(change[0])
			if err != nil {
				return nil, fmt.Errorf("decode storage key: %w", err)
			}
			if change[1] == "" {
				// key vanished at this block, skip it
				continue
			}
			value, err := decodeHex(change[1])
			if err != nil {
				return nil, fmt.Errorf("decode storage value: %w", err)
			}
			records = append(records, store.Record{Key: key, Value: value, Height: height})
		}
	}
	return records, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

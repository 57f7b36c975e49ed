// Package boltstore is a bbolt-backed implementation of the local store.
// Each query map gets its own bucket; one bbolt update transaction per
// ApplyDiff gives the all-or-nothing guarantee. Values are zstd-compressed
// since chain storage values compress well.
package boltstore

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/tensorplex-labs/chainsync/internal/store"
)

// Bucket names.
var (
	bucketState = []byte("descriptor_state")
)

func mapBucket(mapID string) []byte {
	return []byte("map:" + mapID)
}

// record is the on-disk value layout before compression.
type record struct {
	Value  []byte `json:"v"`
	Height uint64 `json:"h"`
}

// Store is a bbolt-backed local store.
type Store struct {
	db  *bolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create state bucket: %w", err)
	}

	log.Info().Str("path", path).Msg("bolt store opened")
	return &Store{db: db, enc: enc, dec: dec}, nil
}

// ReadMap returns the records for mapID in key order.
func (s *Store) ReadMap(_ context.Context, mapID string) ([]store.Record, error) {
	var out []store.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(mapBucket(mapID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			rec, err := s.decode(v)
			if err != nil {
				return fmt.Errorf("decode record %x: %w", k, err)
			}
			key := make([]byte, len(k))
			copy(key, k)
			out = append(out, store.Record{Key: key, Value: rec.Value, Height: rec.Height})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyDiff applies inserts, updates and deletes for one map and advances its
// descriptor state inside a single update transaction.
func (s *Store) ApplyDiff(_ context.Context, mapID string, diff store.Diff, state store.DescriptorState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(mapBucket(mapID))
		if err != nil {
			return err
		}
		for _, rec := range diff.Inserts {
			v, err := s.encode(record{Value: rec.Value, Height: rec.Height})
			if err != nil {
				return err
			}
			if err := b.Put(rec.Key, v); err != nil {
				return err
			}
		}
		for _, rec := range diff.Updates {
			v, err := s.encode(record{Value: rec.Value, Height: rec.Height})
			if err != nil {
				return err
			}
			if err := b.Put(rec.Key, v); err != nil {
				return err
			}
		}
		for _, key := range diff.Deletes {
			if err := b.Delete(key); err != nil {
				return err
			}
		}

		sb := tx.Bucket(bucketState)
		sv, err := sonic.Marshal(state)
		if err != nil {
			return err
		}
		return sb.Put([]byte(mapID), sv)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreWrite, err)
	}
	return nil
}

// ReadDescriptorState returns the last synced watermark for mapID. A map that
// never synced reports the zero state.
func (s *Store) ReadDescriptorState(_ context.Context, mapID string) (store.DescriptorState, error) {
	var st store.DescriptorState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte(mapID))
		if v == nil {
			return nil
		}
		return sonic.Unmarshal(v, &st)
	})
	return st, err
}

// Close closes the database.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func (s *Store) encode(rec record) ([]byte, error) {
	raw, err := sonic.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(raw, nil), nil
}

func (s *Store) decode(v []byte) (record, error) {
	var rec record
	raw, err := s.dec.DecodeAll(v, nil)
	if err != nil {
		return rec, err
	}
	err = sonic.Unmarshal(raw, &rec)
	return rec, err
}

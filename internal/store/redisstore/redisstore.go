// Package redisstore is a Redis-backed implementation of the local store for
// deployments that share one query-map cache across processes. Each map lives
// in a hash; ApplyDiff runs inside MULTI/EXEC on a dedicated connection so
// readers never see a half-applied map.
package redisstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/chainsync/internal/store"
)

// Config holds the Redis connection parameters.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	DB       int
}

// Store is a rueidis-backed local store.
type Store struct {
	client rueidis.Client
}

// value is the hash field value layout.
type value struct {
	Value  []byte `json:"v"`
	Height uint64 `json:"h"`
}

func mapKey(mapID string) string   { return "querymap:" + mapID }
func stateKey(mapID string) string { return "querymap:" + mapID + ":state" }

// New connects to Redis.
func New(cfg Config) (*Store, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Username:    cfg.Username,
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("redis store connected")
	return &Store{client: client}, nil
}

// ReadMap returns the records for mapID in key order.
func (s *Store) ReadMap(ctx context.Context, mapID string) ([]store.Record, error) {
	resp := s.client.Do(ctx, s.client.B().Hgetall().Key(mapKey(mapID)).Build())
	fields, err := resp.AsStrMap()
	if err != nil {
		return nil, err
	}

	out := make([]store.Record, 0, len(fields))
	for f, v := range fields {
		key, err := hex.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("decode record key %q: %w", f, err)
		}
		var val value
		if err := sonic.Unmarshal([]byte(v), &val); err != nil {
			return nil, fmt.Errorf("decode record value for %q: %w", f, err)
		}
		out = append(out, store.Record{Key: key, Value: val.Value, Height: val.Height})
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Key) < string(out[j].Key)
	})
	return out, nil
}

// ApplyDiff applies the diff and state update inside MULTI/EXEC.
func (s *Store) ApplyDiff(ctx context.Context, mapID string, diff store.Diff, state store.DescriptorState) error {
	stateVal, err := sonic.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreWrite, err)
	}

	err = s.client.Dedicated(func(c rueidis.DedicatedClient) error {
		cmds := make(rueidis.Commands, 0, len(diff.Inserts)+len(diff.Updates)+len(diff.Deletes)+3)
		cmds = append(cmds, c.B().Multi().Build())

		upserts := make([]store.Record, 0, len(diff.Inserts)+len(diff.Updates))
		upserts = append(upserts, diff.Inserts...)
		upserts = append(upserts, diff.Updates...)
		for _, rec := range upserts {
			v, err := sonic.Marshal(value{Value: rec.Value, Height: rec.Height})
			if err != nil {
				return err
			}
			cmds = append(cmds, c.B().Hset().
				Key(mapKey(mapID)).
				FieldValue().
				FieldValue(hex.EncodeToString(rec.Key), string(v)).
				Build())
		}
		if len(diff.Deletes) > 0 {
			fields := make([]string, 0, len(diff.Deletes))
			for _, key := range diff.Deletes {
				fields = append(fields, hex.EncodeToString(key))
			}
			cmds = append(cmds, c.B().Hdel().Key(mapKey(mapID)).Field(fields...).Build())
		}
		cmds = append(cmds, c.B().Set().Key(stateKey(mapID)).Value(string(stateVal)).Build())
		cmds = append(cmds, c.B().Exec().Build())

		for _, resp := range c.DoMulti(ctx, cmds...) {
			if err := resp.Error(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreWrite, err)
	}
	return nil
}

// ReadDescriptorState returns the last synced watermark for mapID.
func (s *Store) ReadDescriptorState(ctx context.Context, mapID string) (store.DescriptorState, error) {
	var st store.DescriptorState
	resp := s.client.Do(ctx, s.client.B().Get().Key(stateKey(mapID)).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return st, nil
		}
		return st, err
	}
	raw, err := resp.ToString()
	if err != nil {
		return st, err
	}
	err = sonic.Unmarshal([]byte(raw), &st)
	return st, err
}

// Close releases the Redis client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

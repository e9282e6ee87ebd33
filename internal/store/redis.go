package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rendis/healflow/pkg/schema"
)

// RedisStore implements Store on Redis. Each run is a hash holding the
// encoded document and its version; saves use WATCH/MULTI so a stale
// version never overwrites a newer one. Active runs live in a sorted set
// scored by start time.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisStore wraps a client. The caller owns the client lifecycle.
func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "healflow"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore parses a redis:// URL and connects.
func OpenRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storageErr("ping redis", err)
	}
	return NewRedisStore(client, ""), nil
}

func (s *RedisStore) runKey(id string) string    { return s.prefix + ":run:" + id }
func (s *RedisStore) activeKey() string          { return s.prefix + ":active" }
func (s *RedisStore) eventsKey(id string) string { return s.prefix + ":events:" + id }
func (s *RedisStore) seqKey(id string) string    { return s.prefix + ":eventseq:" + id }

func (s *RedisStore) Load(ctx context.Context, runID string) (*RunState, error) {
	doc, err := s.client.HGet(ctx, s.runKey(runID), "document").Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, storageErr("load run", err)
	}
	var run RunState
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, storageErr("decode run", err)
	}
	return &run, nil
}

func (s *RedisStore) Save(ctx context.Context, run *RunState) error {
	prev := run.Version
	key := s.runKey(run.RunID)

	txf := func(tx *goredis.Tx) error {
		stored, err := tx.HGet(ctx, key, "version").Int64()
		switch {
		case errors.Is(err, goredis.Nil):
			if prev != 0 {
				return storeNotFound("run", run.RunID)
			}
		case err != nil:
			return storageErr("read version", err)
		case stored != prev:
			return versionConflict(run.RunID, prev)
		}

		run.Version = prev + 1
		run.UpdatedAt = time.Now().UTC()
		doc, err := json.Marshal(run)
		if err != nil {
			return storageErr("encode run", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"version", run.Version,
				"status", string(run.Status),
				"definition_name", run.DefinitionName,
				"document", string(doc),
			)
			if run.Status == schema.RunStatusRunning {
				pipe.ZAdd(ctx, s.activeKey(), goredis.Z{
					Score:  float64(run.StartedAt.UnixMilli()),
					Member: run.RunID,
				})
			} else {
				pipe.ZRem(ctx, s.activeKey(), run.RunID)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if err == nil {
		return nil
	}
	run.Version = prev
	if errors.Is(err, goredis.TxFailedErr) {
		return versionConflict(run.RunID, prev)
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return storageErr("save run", err)
}

func (s *RedisStore) ListActive(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, storageErr("list active runs", err)
	}
	return ids, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, event *Event) error {
	seq, err := s.client.Incr(ctx, s.seqKey(event.RunID)).Result()
	if err != nil {
		return storageErr("next event sequence", err)
	}
	event.Sequence = seq
	event.ID = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(event)
	if err != nil {
		return storageErr("encode event", err)
	}
	if err := s.client.RPush(ctx, s.eventsKey(event.RunID), b).Err(); err != nil {
		return storageErr("append event", err)
	}
	return nil
}

func (s *RedisStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, storageErr("read events", err)
	}
	var events []*Event
	for _, r := range raw {
		var e Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, storageErr("decode event", err)
		}
		if e.Sequence > since {
			events = append(events, &e)
		}
	}
	return events, nil
}

// Migrate is a no-op for Redis (schemaless).
func (s *RedisStore) Migrate(context.Context) error { return nil }

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

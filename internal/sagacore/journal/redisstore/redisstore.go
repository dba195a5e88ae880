// Package redisstore provides a Redis-backed journal.Store for participants
// that want a dedupe/journal set shared across process restarts without
// the durability guarantee (and single-writer constraint) of sqlitestore.
//
// The client construction and key-building idiom generalize a plain
// get/set cache into an atomic check-and-mark backed by Redis SET NX.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/journal"
	"github.com/redis/go-redis/v9"
)

// Store is the Redis implementation of journal.Store. Journal entries are
// kept in a per-saga list (RPUSH/LRANGE); the saga's sequence counter is a
// dedicated INCR key so Append stays atomic under concurrent writers within
// the same process. Dedupe keys use SET NX with a TTL.
type Store struct {
	client     *redis.Client
	prefix     string
	dedupeTTL  time.Duration
}

// New creates a Redis-backed store. dedupeTTL bounds how long idempotency
// keys are remembered after a saga goes quiet without reaching terminal
// state and being pruned explicitly.
func New(client *redis.Client, dedupeTTL time.Duration) *Store {
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	return &Store{client: client, prefix: "saga:", dedupeTTL: dedupeTTL}
}

// WithPrefix sets a custom Redis key prefix, e.g. for multi-tenant or
// per-environment isolation.
func (s *Store) WithPrefix(prefix string) *Store {
	s.prefix = prefix
	return s
}

func (s *Store) journalKey(sagaID identity.SagaId) string {
	return s.prefix + "journal:" + string(sagaID)
}

func (s *Store) seqKey(sagaID identity.SagaId) string {
	return s.prefix + "seq:" + string(sagaID)
}

func (s *Store) sagaIndexKey() string {
	return s.prefix + "index"
}

func (s *Store) dedupeKey(sagaID identity.SagaId, key identity.IdempotencyKey) string {
	return s.prefix + "dedupe:" + string(sagaID) + ":" + string(key)
}

// Append atomically increments the saga's sequence counter, then pushes a
// length-prefix-free protowire-encoded ParticipantEvent record onto the
// saga's journal list. The sequence is stored alongside the payload so
// Read doesn't need to recompute it from list position.
func (s *Store) Append(ctx context.Context, sagaID identity.SagaId, ev events.ParticipantEvent) (uint64, error) {
	seq, err := s.client.Incr(ctx, s.seqKey(sagaID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: incr sequence: %w", err)
	}

	record := encodeRecord(uint64(seq), ev)
	if err := s.client.RPush(ctx, s.journalKey(sagaID), record).Err(); err != nil {
		return 0, fmt.Errorf("redisstore: rpush journal: %w", err)
	}
	if err := s.client.SAdd(ctx, s.sagaIndexKey(), string(sagaID)).Err(); err != nil {
		return 0, fmt.Errorf("redisstore: track saga id: %w", err)
	}
	return uint64(seq), nil
}

func (s *Store) Read(ctx context.Context, sagaID identity.SagaId) ([]journal.Entry, error) {
	raws, err := s.client.LRange(ctx, s.journalKey(sagaID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: lrange journal: %w", err)
	}

	out := make([]journal.Entry, 0, len(raws))
	for _, raw := range raws {
		seq, ev, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("redisstore: decode journal record: %w", err)
		}
		out = append(out, journal.Entry{SagaID: sagaID, Sequence: seq, Timestamp: ev.Timestamp, Event: ev})
	}
	return out, nil
}

func (s *Store) ListSagas(ctx context.Context) ([]identity.SagaId, error) {
	members, err := s.client.SMembers(ctx, s.sagaIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: smembers saga index: %w", err)
	}
	ids := make([]identity.SagaId, len(members))
	for i, m := range members {
		ids[i] = identity.SagaId(m)
	}
	return ids, nil
}

func (s *Store) Prune(ctx context.Context, sagaID identity.SagaId) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.journalKey(sagaID))
	pipe.Del(ctx, s.seqKey(sagaID))
	pipe.SRem(ctx, s.sagaIndexKey(), string(sagaID))
	pattern := s.dedupeKey(sagaID, "*")
	if keys, err := s.client.Keys(ctx, pattern).Result(); err == nil {
		for _, k := range keys {
			pipe.Del(ctx, k)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: prune: %w", err)
	}
	return nil
}

// CheckAndMark uses SET NX for an atomic check-and-set.
func (s *Store) CheckAndMark(ctx context.Context, sagaID identity.SagaId, key identity.IdempotencyKey) (bool, error) {
	set, err := s.client.SetNX(ctx, s.dedupeKey(sagaID, key), "1", s.dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: setnx dedupe: %w", err)
	}
	return set, nil
}

var _ journal.Store = (*Store)(nil)

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"PerpStats/internal/observability"
	"PerpStats/internal/state"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const cursorKey = "perpstats:cursor"

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary and then invalidate the touched keys; reads check
// Redis first and fall back to the primary.
//
// Once the primary has committed, a change set is durable whatever Redis
// does. A failed invalidation puts the store in bypass: reads skip Redis
// and the keys that could not be dropped are remembered until a later
// invalidation succeeds.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu    sync.Mutex
	stale map[string]struct{} // keys owed an invalidation; non-empty means bypass
}

// NewCachedStore wraps primary. metrics may be nil.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
		stale:   make(map[string]struct{}),
	}
}

// Bypassed reports whether reads are currently skipping Redis.
func (s *CachedStore) Bypassed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stale) > 0
}

func (s *CachedStore) Get(ctx context.Context, kind state.Kind, id string) ([]byte, error) {
	if s.Bypassed() {
		return s.primary.Get(ctx, kind, id)
	}

	key := entityKey(kind, id)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, using primary")
	}

	data, err = s.primary.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache fill failed")
	}
	return data, nil
}

// Cursor always reads the primary; the cached copy is for external readers.
func (s *CachedStore) Cursor(ctx context.Context) (Cursor, error) {
	return s.primary.Cursor(ctx)
}

// Commit writes to the primary, then drops every touched key from the
// cache. Only a primary failure is returned.
func (s *CachedStore) Commit(ctx context.Context, cs *ChangeSet) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bypassed := len(s.stale) > 0
	for _, op := range cs.Ops {
		s.stale[entityKey(op.Kind, op.ID)] = struct{}{}
	}
	if err := s.invalidate(ctx, cs); err != nil {
		if s.metrics != nil {
			s.metrics.CacheInvalidationErrors.Inc()
			s.metrics.CacheBypassed.Set(1)
		}
		s.logger.Warn().
			Err(err).
			Str("change_set_id", cs.ID).
			Int("stale_keys", len(s.stale)).
			Msg("cache invalidation failed, bypassing cache")
		return nil
	}

	if bypassed {
		s.logger.Info().Str("change_set_id", cs.ID).Msg("cache invalidation caught up")
	}
	if s.metrics != nil {
		s.metrics.CacheBypassed.Set(0)
	}
	return nil
}

// invalidate drops every stale key and records the cursor. The stale set is
// cleared only when Redis accepted all of it. Callers hold s.mu.
func (s *CachedStore) invalidate(ctx context.Context, cs *ChangeSet) error {
	cursor, err := json.Marshal(cs.Cursor())
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	for key := range s.stale {
		pipe.Del(ctx, key)
	}
	pipe.Set(ctx, cursorKey, cursor, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate change set %s: %w", cs.ID, err)
	}
	clear(s.stale)
	return nil
}

func entityKey(kind state.Kind, id string) string {
	return fmt.Sprintf("perpstats:%s:%s", kind, id)
}

package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PerpStats/internal/core"
	"PerpStats/internal/observability"
	"PerpStats/internal/state"
	"PerpStats/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var fastRetry = core.RetryPolicy{Initial: time.Millisecond, Max: 2 * time.Millisecond}

func newTestProcessor(t *testing.T, st store.Store) *core.Processor {
	t.Helper()
	return newTestProcessorWith(t, st, nil, nil)
}

func newTestProcessorWith(t *testing.T, st store.Store, feed chan<- *store.ChangeSet, m *observability.Metrics) *core.Processor {
	t.Helper()
	p, err := core.NewProcessor(context.Background(), st, fastRetry, feed, m, zerolog.Nop())
	require.NoError(t, err)
	return p
}

// lookup reads a committed record through a throwaway unit of work.
func lookup[T any, P interface {
	*T
	state.Entity
}](t *testing.T, st store.Reader, id string) core.Lookup[T] {
	t.Helper()
	lk, err := core.Load[T, P](core.NewUnitOfWork(context.Background(), st), id)
	require.NoError(t, err)
	return lk
}

func mustFind[T any, P interface {
	*T
	state.Entity
}](t *testing.T, st store.Reader, id string) *T {
	t.Helper()
	lk := lookup[T, P](t, st, id)
	require.True(t, lk.Found, "record %s not found", id)
	return lk.Value
}

func global(t *testing.T, st store.Reader) *state.GlobalStats {
	return mustFind[state.GlobalStats](t, st, state.GlobalStatsID)
}

func product(t *testing.T, st store.Reader, id string) *state.Product {
	return mustFind[state.Product](t, st, id)
}

func day(t *testing.T, st store.Reader, ts int64) *state.DayStats {
	return mustFind[state.DayStats](t, st, state.DayID(ts))
}

// flakyStore fails the first n commits.
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
	attempts int
}

var errConnReset = errors.New("connection reset by peer")

func (f *flakyStore) Commit(ctx context.Context, cs *store.ChangeSet) error {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errConnReset
	}
	return f.MemoryStore.Commit(ctx, cs)
}

// lossyStore lands the first n commits but reports them as failed, like a
// connection dropped while COMMIT was in flight.
type lossyStore struct {
	*store.MemoryStore
	mu   sync.Mutex
	lost int
}

func (l *lossyStore) Commit(ctx context.Context, cs *store.ChangeSet) error {
	if err := l.MemoryStore.Commit(ctx, cs); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost > 0 {
		l.lost--
		return errConnReset
	}
	return nil
}

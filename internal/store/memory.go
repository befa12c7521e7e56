package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"PerpStats/internal/event"
	"PerpStats/internal/state"
)

type recordKey struct {
	kind state.Kind
	id   string
}

// MemoryStore implements Store with in-memory maps. Records are kept in
// encoded form so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey][]byte
	cursor  *Cursor
	commits int
	log     []*ChangeSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey][]byte),
	}
}

func (s *MemoryStore) Get(_ context.Context, kind state.Kind, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.records[recordKey{kind, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (s *MemoryStore) Cursor(_ context.Context) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cursor == nil {
		return Cursor{}, ErrNotFound
	}
	return *s.cursor, nil
}

func (s *MemoryStore) Commit(ctx context.Context, cs *ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range cs.Ops {
		key := recordKey{op.Kind, op.ID}
		if op.Delete {
			delete(s.records, key)
			continue
		}
		s.records[key] = bytes.Clone(op.Data)
	}
	c := cs.Cursor()
	s.cursor = &c
	s.commits++
	if n := len(s.log); n == 0 || s.log[n-1].ID != cs.ID {
		logged := *cs
		logged.Ops = append([]Op(nil), cs.Ops...)
		s.log = append(s.log, &logged)
	}
	return nil
}

func (s *MemoryStore) ChangeSetsSince(_ context.Context, pos event.StreamPosition, limit int) ([]*ChangeSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ChangeSet
	for _, cs := range s.log {
		if len(out) == limit {
			break
		}
		if cs.Position.After(pos) {
			out = append(out, cs)
		}
	}
	return out, nil
}

// Keys returns the sorted ids stored for kind.
func (s *MemoryStore) Keys(kind state.Kind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for k := range s.records {
		if k.kind == kind {
			ids = append(ids, k.id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of records stored for kind.
func (s *MemoryStore) Len(kind state.Kind) int {
	return len(s.Keys(kind))
}

// Commits returns how many change sets have been committed.
func (s *MemoryStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

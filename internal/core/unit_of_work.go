package core

import (
	"context"
	"errors"
	"fmt"

	"PerpStats/internal/state"
	"PerpStats/internal/store"
)

// Lookup is the result of loading a record that may not exist.
type Lookup[T any] struct {
	Value *T
	Found bool
}

// entityPtr constrains P to *T implementing state.Entity.
type entityPtr[T any] interface {
	*T
	state.Entity
}

type entityKey struct {
	kind state.Kind
	id   string
}

// UnitOfWork tracks the records one event touches. Loaded records are
// cached, so every load of the same key returns the same pointer. Nothing
// reaches the store until the processor commits the resulting ChangeSet.
type UnitOfWork struct {
	ctx     context.Context
	reader  store.Reader
	tracked map[entityKey]state.Entity // nil marks a staged delete
	staged  map[entityKey]bool
	order   []entityKey
}

func NewUnitOfWork(ctx context.Context, reader store.Reader) *UnitOfWork {
	return &UnitOfWork{
		ctx:     ctx,
		reader:  reader,
		tracked: make(map[entityKey]state.Entity),
		staged:  make(map[entityKey]bool),
	}
}

// Load returns the record for id, or a Lookup with Found=false.
// Only store failures are returned as errors.
func Load[T any, P entityPtr[T]](u *UnitOfWork, id string) (Lookup[T], error) {
	key := entityKey{P(new(T)).Kind(), id}

	if e, ok := u.tracked[key]; ok {
		if e == nil {
			return Lookup[T]{}, nil
		}
		return Lookup[T]{Value: (*T)(e.(P)), Found: true}, nil
	}

	data, err := u.reader.Get(u.ctx, key.kind, id)
	if errors.Is(err, store.ErrNotFound) {
		return Lookup[T]{}, nil
	}
	if err != nil {
		return Lookup[T]{}, fmt.Errorf("load %s %s: %w", key.kind, id, err)
	}

	p := P(new(T))
	if err := store.Decode(data, p); err != nil {
		return Lookup[T]{}, fmt.Errorf("decode %s %s: %w", key.kind, id, err)
	}
	u.tracked[key] = p
	return Lookup[T]{Value: (*T)(p), Found: true}, nil
}

// getOrCreate loads id or tracks the record built by init. created reports
// which happened.
func getOrCreate[T any, P entityPtr[T]](u *UnitOfWork, id string, init func() P) (rec P, created bool, err error) {
	lk, err := Load[T, P](u, id)
	if err != nil {
		return nil, false, err
	}
	if lk.Found {
		return P(lk.Value), false, nil
	}
	rec = init()
	u.tracked[entityKey{rec.Kind(), rec.EntityID()}] = rec
	return rec, true, nil
}

// Put stages an upsert of e.
func (u *UnitOfWork) Put(e state.Entity) {
	key := entityKey{e.Kind(), e.EntityID()}
	u.tracked[key] = e
	u.stage(key)
}

// Remove stages a delete.
func (u *UnitOfWork) Remove(kind state.Kind, id string) {
	key := entityKey{kind, id}
	u.tracked[key] = nil
	u.stage(key)
}

func (u *UnitOfWork) stage(key entityKey) {
	if !u.staged[key] {
		u.staged[key] = true
		u.order = append(u.order, key)
	}
}

// Tracked returns the record currently tracked for key, if any.
func (u *UnitOfWork) Tracked(kind state.Kind, id string) (state.Entity, bool) {
	e, ok := u.tracked[entityKey{kind, id}]
	return e, ok && e != nil
}

// Ops encodes staged records in the order they were first staged.
// Records are encoded as they are now, not as they were when staged.
func (u *UnitOfWork) Ops() ([]store.Op, error) {
	ops := make([]store.Op, 0, len(u.order))
	for _, key := range u.order {
		e := u.tracked[key]
		if e == nil {
			ops = append(ops, store.Delete(key.kind, key.id))
			continue
		}
		op, err := store.Upsert(e)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", key.kind, key.id, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

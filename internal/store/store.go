// Package store defines the keyed entity store the reducer commits to.
// Postgres (internal/persistence) is the source of truth; Redis provides a
// read-through cache; the memory store backs tests and local runs.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"

	"PerpStats/internal/event"
	"PerpStats/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned by Get when no record exists for the key, and by
// Cursor before the first commit.
var ErrNotFound = errors.New("store: not found")

// Reader is the read side of a Store.
type Reader interface {
	// Get returns the JSON encoding of a record.
	Get(ctx context.Context, kind state.Kind, id string) ([]byte, error)

	// Cursor returns the position of the last committed change set.
	Cursor(ctx context.Context) (Cursor, error)
}

// Store persists change sets. Commit applies every op and advances the
// cursor atomically: after a failed Commit none of it is visible.
// Commit must be safe to repeat with the same change set.
type Store interface {
	Reader
	Commit(ctx context.Context, cs *ChangeSet) error
}

// ChangeLog lists committed change sets in stream order.
type ChangeLog interface {
	// ChangeSetsSince returns up to limit change sets strictly after pos.
	ChangeSetsSince(ctx context.Context, pos event.StreamPosition, limit int) ([]*ChangeSet, error)
}

// Op is a single upsert or delete.
type Op struct {
	Kind   state.Kind      `json:"kind"`
	ID     string          `json:"id"`
	Delete bool            `json:"delete,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Upsert encodes e into an upsert op.
func Upsert(e state.Entity) (Op, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Op{}, err
	}
	return Op{Kind: e.Kind(), ID: e.EntityID(), Data: data}, nil
}

// Delete returns a delete op for the record.
func Delete(kind state.Kind, id string) Op {
	return Op{Kind: kind, ID: id, Delete: true}
}

// ChangeSet is the complete effect of one event.
type ChangeSet struct {
	ID        string               `json:"id"`
	Position  event.StreamPosition `json:"position"`
	EventType string               `json:"event_type"`
	TxHash    common.Hash          `json:"tx_hash"`
	Timestamp int64                `json:"timestamp"` // block timestamp
	Ops       []Op                 `json:"ops"`
	PrevHash  [32]byte             `json:"-"`
	StateHash [32]byte             `json:"-"`
}

// Cursor returns the cursor that committing cs produces.
func (cs *ChangeSet) Cursor() Cursor {
	return Cursor{
		Position:    cs.Position,
		ChangeSetID: cs.ID,
		StateHash:   cs.StateHash,
	}
}

// Cursor records how far the stream has been applied.
type Cursor struct {
	Position    event.StreamPosition `json:"position"`
	ChangeSetID string               `json:"change_set_id"`
	StateHash   [32]byte             `json:"-"`
}

// StateHashHex returns the hex encoded state hash.
func (c Cursor) StateHashHex() string {
	return hex.EncodeToString(c.StateHash[:])
}

// Decode loads a record into dst.
func Decode(data []byte, dst state.Entity) error {
	return json.Unmarshal(data, dst)
}

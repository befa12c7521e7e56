package core

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"PerpStats/internal/event"
	"PerpStats/internal/store"
)

const GenesisHashSeed = "PerpStats:genesis:v1"

// ErrChainBroken: a logged change set's hash does not follow from its
// predecessor and ops.
var ErrChainBroken = errors.New("state hash chain broken")

// StateHasher chains the hashes of committed change sets.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// RestoreStateHasher resumes a chain from a committed tip.
func RestoreStateHasher(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// Next calculates hash[N] = SHA-256(prev_hash || block || log_index || digest)
// without moving the tip. Call Advance once the change set is committed.
func (h *StateHasher) Next(pos event.StreamPosition, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], pos.BlockNumber)
	hasher.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(pos.LogIndex))
	hasher.Write(buf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

func (h *StateHasher) Advance(hash [32]byte) {
	h.prevHash = hash
}

// Tip returns current chain tip
func (h *StateHasher) Tip() [32]byte {
	return h.prevHash
}

// digestOps encodes ops canonically: kind, id, delete flag and payload, each
// length-prefixed, in change set order.
func digestOps(ops []store.Op) []byte {
	digest := make([]byte, 0, len(ops)*256)
	for _, op := range ops {
		digest = appendField(digest, []byte(op.Kind))
		digest = appendField(digest, []byte(op.ID))
		if op.Delete {
			digest = append(digest, 1)
		} else {
			digest = append(digest, 0)
		}
		digest = appendField(digest, op.Data)
	}
	return digest
}

func appendField(buf, field []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

// VerifyLog replays the hash chain over every change set in log, starting
// from genesis, and returns the recomputed tip and the number of change
// sets checked.
func VerifyLog(ctx context.Context, log store.ChangeLog, pageSize int) ([32]byte, int, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	h := NewStateHasher()
	var (
		pos     event.StreamPosition
		checked int
	)
	for {
		page, err := log.ChangeSetsSince(ctx, pos, pageSize)
		if err != nil {
			return h.Tip(), checked, err
		}
		for _, cs := range page {
			if cs.PrevHash != h.Tip() {
				return h.Tip(), checked, fmt.Errorf("%w: change set %s at %s has unexpected prev hash", ErrChainBroken, cs.ID, cs.Position)
			}
			if want := h.Next(cs.Position, digestOps(cs.Ops)); want != cs.StateHash {
				return h.Tip(), checked, fmt.Errorf("%w: change set %s at %s does not match its ops", ErrChainBroken, cs.ID, cs.Position)
			}
			h.Advance(cs.StateHash)
			pos = cs.Position
			checked++
		}
		if len(page) < pageSize {
			return h.Tip(), checked, nil
		}
	}
}

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"PerpStats/internal/event"
	"PerpStats/internal/state"
	"PerpStats/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// EntityStore is the Postgres store.Store. Each change set is one
// transaction: entity upserts and deletes, the cursor row and the
// change set log entry.
type EntityStore struct {
	db *sql.DB
}

var (
	_ store.Store     = (*EntityStore)(nil)
	_ store.ChangeLog = (*EntityStore)(nil)
)

func NewEntityStore(db *sql.DB) *EntityStore {
	return &EntityStore{db: db}
}

// OpenDB opens and pings a Postgres connection pool.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *EntityStore) Get(ctx context.Context, kind state.Kind, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM stats.entities WHERE kind = $1 AND id = $2`,
		string(kind), id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, id, err)
	}
	return data, nil
}

func (s *EntityStore) Cursor(ctx context.Context) (store.Cursor, error) {
	var (
		c         store.Cursor
		logIndex  int64
		stateHash []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT block_number, log_index, change_set_id, state_hash FROM stats.cursor WHERE singleton`,
	).Scan(&c.Position.BlockNumber, &logIndex, &c.ChangeSetID, &stateHash)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Cursor{}, store.ErrNotFound
	}
	if err != nil {
		return store.Cursor{}, fmt.Errorf("get cursor: %w", err)
	}
	if len(stateHash) != len(c.StateHash) {
		return store.Cursor{}, fmt.Errorf("cursor state hash has %d bytes", len(stateHash))
	}
	c.Position.LogIndex = uint(logIndex)
	copy(c.StateHash[:], stateHash)
	return c, nil
}

// Commit applies cs in one transaction. A change set already in the log is
// not inserted twice, and its upserts rewrite identical rows, so replaying a
// commit after an ambiguous failure is harmless.
func (s *EntityStore) Commit(ctx context.Context, cs *store.ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	var upserts []store.Op
	deletes := make(map[state.Kind][]string)
	for _, op := range cs.Ops {
		if op.Delete {
			deletes[op.Kind] = append(deletes[op.Kind], op.ID)
			continue
		}
		upserts = append(upserts, op)
	}

	if err := upsertEntities(ctx, tx, cs.Position, upserts); err != nil {
		return err
	}
	for _, kind := range state.Kinds {
		ids := deletes[kind]
		if len(ids) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stats.entities WHERE kind = $1 AND id = ANY($2)`,
			string(kind), pq.Array(ids),
		); err != nil {
			return fmt.Errorf("delete %s: %w", kind, err)
		}
	}

	ops, err := json.Marshal(cs.Ops)
	if err != nil {
		return fmt.Errorf("marshal ops: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stats.change_sets
			(id, block_number, log_index, event_type, tx_hash, block_timestamp, ops, prev_hash, state_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		cs.ID, cs.Position.BlockNumber, int64(cs.Position.LogIndex), cs.EventType,
		cs.TxHash.Bytes(), cs.Timestamp, ops, cs.PrevHash[:], cs.StateHash[:],
	); err != nil {
		return fmt.Errorf("insert change set: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stats.cursor (singleton, block_number, log_index, change_set_id, state_hash, updated_at)
		VALUES (TRUE, $1, $2, $3, $4, NOW())
		ON CONFLICT (singleton) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			log_index = EXCLUDED.log_index,
			change_set_id = EXCLUDED.change_set_id,
			state_hash = EXCLUDED.state_hash,
			updated_at = EXCLUDED.updated_at`,
		cs.Position.BlockNumber, int64(cs.Position.LogIndex), cs.ID, cs.StateHash[:],
	); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit change set %s: %w", cs.ID, err)
	}
	return nil
}

// upsertEntities writes all upserts with one multi-row INSERT. Ops within a
// change set never repeat a key.
func upsertEntities(ctx context.Context, tx *sql.Tx, pos event.StreamPosition, ops []store.Op) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO stats.entities (kind, id, data, block_number, updated_at) VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*4)
	for i, op := range ops {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, NOW())", base+1, base+2, base+3, base+4))
		args = append(args, string(op.Kind), op.ID, []byte(op.Data), pos.BlockNumber)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (kind, id) DO UPDATE SET
		data = EXCLUDED.data,
		block_number = EXCLUDED.block_number,
		updated_at = EXCLUDED.updated_at`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert entities: %w", err)
	}
	return nil
}

// ChangeSetsSince reads the change set log, oldest first.
func (s *EntityStore) ChangeSetsSince(ctx context.Context, pos event.StreamPosition, limit int) ([]*store.ChangeSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, block_number, log_index, event_type, tx_hash, block_timestamp, ops, prev_hash, state_hash
		FROM stats.change_sets
		WHERE (block_number, log_index) > ($1, $2)
		ORDER BY block_number, log_index
		LIMIT $3`,
		pos.BlockNumber, int64(pos.LogIndex), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query change sets: %w", err)
	}
	defer rows.Close()

	var out []*store.ChangeSet
	for rows.Next() {
		var (
			cs                  store.ChangeSet
			logIndex            int64
			txHash, ops         []byte
			prevHash, stateHash []byte
		)
		if err := rows.Scan(&cs.ID, &cs.Position.BlockNumber, &logIndex, &cs.EventType,
			&txHash, &cs.Timestamp, &ops, &prevHash, &stateHash); err != nil {
			return nil, fmt.Errorf("scan change set: %w", err)
		}
		if err := json.Unmarshal(ops, &cs.Ops); err != nil {
			return nil, fmt.Errorf("decode ops of change set %s: %w", cs.ID, err)
		}
		cs.Position.LogIndex = uint(logIndex)
		cs.TxHash = common.BytesToHash(txHash)
		copy(cs.PrevHash[:], prevHash)
		copy(cs.StateHash[:], stateHash)
		out = append(out, &cs)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/trellis-authz/trellis/internal/tuple"
)

const tupleDDL = `-- Relation tuple history table.
-- Tuples are appended and tombstoned, never updated in place; audit
-- queries read tombstoned rows, evaluation reads live rows only.
--
-- This DDL is idempotent and applied by EnsureSchema.

CREATE TABLE IF NOT EXISTS relation_tuples (
    id UUID PRIMARY KEY,
    store_id VARCHAR NOT NULL,
    object_type VARCHAR NOT NULL,
    object_id VARCHAR NOT NULL,
    relation VARCHAR NOT NULL,
    user_type VARCHAR NOT NULL,
    user_id VARCHAR NOT NULL,
    user_relation VARCHAR NOT NULL DEFAULT '',
    condition_name VARCHAR NOT NULL DEFAULT '',
    condition_context JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    tombstoned_at TIMESTAMPTZ
);

-- Forward lookup: tuples on an object edge (check engine, expand).
CREATE INDEX IF NOT EXISTS idx_relation_tuples_object
ON relation_tuples (store_id, object_type, object_id, relation)
WHERE tombstoned_at IS NULL;

-- Reverse lookup: tuples naming a subject (list-objects seeding).
CREATE INDEX IF NOT EXISTS idx_relation_tuples_user
ON relation_tuples (store_id, user_type, user_id, relation)
WHERE tombstoned_at IS NULL;

-- Monotonic per-store write revision, the basis of freshness tokens.
CREATE TABLE IF NOT EXISTS store_revisions (
    store_id VARCHAR NOT NULL PRIMARY KEY,
    revision BIGINT NOT NULL DEFAULT 0
);
`

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore is the Postgres-backed TupleStore. Every call runs in its own
// transaction; write batches take per-shard advisory locks so that
// concurrent writers on the same edge serialize while disjoint edges
// proceed independently.
type PGStore struct {
	pool     pgBeginner
	storeID  string
	pollRate time.Duration
}

func NewPGStore(pool pgBeginner, storeID string) *PGStore {
	return &PGStore{pool: pool, storeID: storeID, pollRate: 50 * time.Millisecond}
}

// EnsureSchema applies the idempotent tuple DDL.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, tupleDDL); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Write(ctx context.Context, writes, deletes []tuple.Tuple, preconditions []Precondition) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockShards(ctx, tx, writes, deletes); err != nil {
		return 0, err
	}

	for _, pre := range preconditions {
		exists, err := s.liveExists(ctx, tx, pre.Tuple)
		if err != nil {
			return 0, err
		}
		if exists != pre.MustExist {
			return 0, ErrPreconditionFailed
		}
	}

	for _, t := range deletes {
		_, err := tx.Exec(ctx, `
			UPDATE relation_tuples SET tombstoned_at = now()
			WHERE store_id = $1 AND object_type = $2 AND object_id = $3 AND relation = $4
			  AND user_type = $5 AND user_id = $6 AND user_relation = $7
			  AND tombstoned_at IS NULL`,
			s.storeID, t.Object.Type, t.Object.ID, t.Relation,
			t.User.Object.Type, t.User.Object.ID, t.User.Relation)
		if err != nil {
			return 0, err
		}
	}

	for _, t := range writes {
		if err := s.insertTuple(ctx, tx, t); err != nil {
			return 0, err
		}
	}

	var rev int64
	err = tx.QueryRow(ctx, `
		INSERT INTO store_revisions (store_id, revision) VALUES ($1, 1)
		ON CONFLICT (store_id) DO UPDATE SET revision = store_revisions.revision + 1
		RETURNING revision`, s.storeID).Scan(&rev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return uint64(rev), nil
}

// lockShards serializes the batch against concurrent writers of the
// same (object type, object id, relation) edges. Keys are locked in
// sorted order to avoid deadlock between batches.
func (s *PGStore) lockShards(ctx context.Context, tx pgx.Tx, writes, deletes []tuple.Tuple) error {
	keys := make(map[string]struct{})
	for _, t := range writes {
		keys[t.ShardKey()] = struct{}{}
	}
	for _, t := range deletes {
		keys[t.ShardKey()] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, s.storeID+"/"+k); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) liveExists(ctx context.Context, tx pgx.Tx, t tuple.Tuple) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM relation_tuples
			WHERE store_id = $1 AND object_type = $2 AND object_id = $3 AND relation = $4
			  AND user_type = $5 AND user_id = $6 AND user_relation = $7
			  AND tombstoned_at IS NULL
		)`,
		s.storeID, t.Object.Type, t.Object.ID, t.Relation,
		t.User.Object.Type, t.User.Object.ID, t.User.Relation).Scan(&exists)
	return exists, err
}

func (s *PGStore) insertTuple(ctx context.Context, tx pgx.Tx, t tuple.Tuple) error {
	// Supersede any live record on the same edge; history keeps both.
	var existingID string
	var existingCondition string
	err := tx.QueryRow(ctx, `
		SELECT id, condition_name FROM relation_tuples
		WHERE store_id = $1 AND object_type = $2 AND object_id = $3 AND relation = $4
		  AND user_type = $5 AND user_id = $6 AND user_relation = $7
		  AND tombstoned_at IS NULL`,
		s.storeID, t.Object.Type, t.Object.ID, t.Relation,
		t.User.Object.Type, t.User.Object.ID, t.User.Relation).Scan(&existingID, &existingCondition)
	switch {
	case err == nil:
		if existingCondition == t.Condition && len(t.ConditionContext) == 0 {
			return nil // identical edge, idempotent
		}
		if _, err := tx.Exec(ctx, `UPDATE relation_tuples SET tombstoned_at = now() WHERE id = $1`, existingID); err != nil {
			return err
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return err
	}

	condCtx := []byte(`{}`)
	if len(t.ConditionContext) > 0 {
		encoded, err := json.Marshal(t.ConditionContext)
		if err != nil {
			return fmt.Errorf("storage: encode condition context: %w", err)
		}
		condCtx = encoded
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO relation_tuples
			(id, store_id, object_type, object_id, relation, user_type, user_id, user_relation, condition_name, condition_context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.NewString(), s.storeID, t.Object.Type, t.Object.ID, t.Relation,
		t.User.Object.Type, t.User.Object.ID, t.User.Relation, t.Condition, condCtx)
	return err
}

func (s *PGStore) Read(ctx context.Context, f tuple.Filter) (Iterator, error) {
	rows, err := s.queryTuples(ctx, f, false)
	if err != nil {
		return nil, err
	}
	tuples := make([]tuple.Tuple, len(rows))
	for i, r := range rows {
		tuples[i] = r.Tuple
	}
	return NewSliceIterator(tuples), nil
}

func (s *PGStore) History(ctx context.Context, f tuple.Filter) ([]Record, error) {
	return s.queryTuples(ctx, f, true)
}

func (s *PGStore) queryTuples(ctx context.Context, f tuple.Filter, includeTombstoned bool) ([]Record, error) {
	query := `
		SELECT object_type, object_id, relation, user_type, user_id, user_relation,
		       condition_name, condition_context, created_at, tombstoned_at
		FROM relation_tuples WHERE store_id = $1`
	args := []any{s.storeID}
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}
	add("object_type", f.ObjectType)
	add("object_id", f.ObjectID)
	add("relation", f.Relation)
	add("user_type", f.UserType)
	add("user_id", f.UserID)
	add("user_relation", f.UserRelation)
	if !includeTombstoned {
		query += " AND tombstoned_at IS NULL"
	}
	query += " ORDER BY created_at"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var condCtx []byte
		var tombstoned *time.Time
		err := rows.Scan(&rec.Object.Type, &rec.Object.ID, &rec.Relation,
			&rec.User.Object.Type, &rec.User.Object.ID, &rec.User.Relation,
			&rec.Condition, &condCtx, &rec.CreatedAt, &tombstoned)
		if err != nil {
			return nil, err
		}
		if len(condCtx) > 0 && string(condCtx) != "{}" {
			if err := json.Unmarshal(condCtx, &rec.ConditionContext); err != nil {
				return nil, fmt.Errorf("storage: decode condition context: %w", err)
			}
		}
		if tombstoned != nil {
			rec.TombstonedAt = *tombstoned
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) Revision(ctx context.Context) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	var rev int64
	err = tx.QueryRow(ctx, `SELECT revision FROM store_revisions WHERE store_id = $1`, s.storeID).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(rev), nil
}

func (s *PGStore) WaitRevision(ctx context.Context, rev uint64, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollRate)
	defer ticker.Stop()
	for {
		current, err := s.Revision(ctx)
		if err != nil {
			return err
		}
		if current >= rev {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrConsistencyTimeout
		case <-ticker.C:
		}
	}
}

func (s *PGStore) Compact(ctx context.Context, horizon time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	tag, err := tx.Exec(ctx, `
		DELETE FROM relation_tuples
		WHERE store_id = $1 AND tombstoned_at IS NOT NULL AND tombstoned_at < $2`,
		s.storeID, horizon)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

var _ TupleStore = (*PGStore)(nil)

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tutorgraph/app/failure"
	"tutorgraph/app/graph"
	"tutorgraph/app/service/db"

	"github.com/samber/oops"
)

var _ graph.Checkpointer[struct{}] = (*Store[struct{}])(nil)

// Store keeps graph checkpoints in the checkpoints table, one immutable row
// per step.
type Store[S any] struct {
	db *sql.DB
}

func New[S any](svc *db.Service) *Store[S] {
	return &Store[S]{db: svc.DB}
}

func (s *Store[S]) Load(ctx context.Context, threadID string) (graph.Checkpoint[S], error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT 1`,
		threadID,
	)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return graph.Checkpoint[S]{ThreadID: threadID, Status: graph.StatusInit}, nil
		}
		return graph.Checkpoint[S]{}, persistence("checkpoint.load", threadID, err)
	}

	return decode[S](threadID, payload)
}

func (s *Store[S]) Put(ctx context.Context, cp graph.Checkpoint[S]) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return persistence("checkpoint.put", cp.ThreadID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence("checkpoint.put", cp.ThreadID, err)
	}
	defer tx.Rollback()

	var latest int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step), 0) FROM checkpoints WHERE thread_id = ?`,
		cp.ThreadID,
	).Scan(&latest)
	if err != nil {
		return persistence("checkpoint.put", cp.ThreadID, err)
	}

	if cp.Step != latest+1 {
		return failure.Newf(failure.KindStaleCheckpoint, "checkpoint.put",
			"thread %s: step %d does not follow %d", cp.ThreadID, cp.Step, latest)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, step, status, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.Step, string(cp.Status), payload, cp.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return persistence("checkpoint.put", cp.ThreadID, err)
	}

	if err = tx.Commit(); err != nil {
		return persistence("checkpoint.put", cp.ThreadID, err)
	}

	return nil
}

func (s *Store[S]) History(ctx context.Context, threadID string, limit int) ([]graph.Checkpoint[S], error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		return nil, persistence("checkpoint.history", threadID, err)
	}
	defer rows.Close()

	var result []graph.Checkpoint[S]
	for rows.Next() {
		var payload []byte
		if err = rows.Scan(&payload); err != nil {
			return nil, persistence("checkpoint.history", threadID, err)
		}

		cp, err := decode[S](threadID, payload)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}

	if err = rows.Err(); err != nil {
		return nil, persistence("checkpoint.history", threadID, err)
	}

	return result, nil
}

func decode[S any](threadID string, payload []byte) (graph.Checkpoint[S], error) {
	var cp graph.Checkpoint[S]
	if err := json.Unmarshal(payload, &cp); err != nil {
		return cp, persistence("checkpoint.decode", threadID, fmt.Errorf("corrupt checkpoint: %w", err))
	}

	return cp, nil
}

func persistence(op, threadID string, err error) error {
	return failure.New(failure.KindPersistence, op,
		oops.In("checkpoint").With("thread_id", threadID).Wrap(err))
}

package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"tutorgraph/app/failure"
	"tutorgraph/app/service/db"

	"github.com/google/uuid"
	"github.com/samber/do"
	"github.com/samber/oops"
)

// ErrVersionConflict means the profile changed since it was read.
var ErrVersionConflict = errors.New("profile version conflict")

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(di *do.Injector) (*Store, error) {
	return NewStore(do.MustInvoke[*db.Service](di)), nil
}

func NewStore(svc *db.Service) *Store {
	return &Store{
		db:  svc.DB,
		now: time.Now,
	}
}

// Get returns the stored profile or an empty one with version 0.
func (s *Store) Get(ctx context.Context, userID string) (*Profile, error) {
	var payload []byte
	var version int64

	err := s.db.QueryRowContext(ctx,
		`SELECT version, payload FROM profiles WHERE user_id = ?`, userID,
	).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Empty(userID), nil
	}
	if err != nil {
		return nil, s.fail("profile.get", userID, err)
	}

	result := Empty(userID)
	if err = json.Unmarshal(payload, result); err != nil {
		return nil, s.fail("profile.get", userID, err)
	}
	result.Version = version

	if result.Interests == nil {
		result.Interests = []string{}
	}
	if result.Proficiency == nil {
		result.Proficiency = map[string]float64{}
	}

	return result, nil
}

// Commit stores next if the stored version still equals next.Version and
// appends grammar entries whose content is not in the history yet. It
// returns the entries actually appended.
func (s *Store) Commit(ctx context.Context, next *Profile, grammar []GrammarEntry) ([]GrammarEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail("profile.commit", next.UserID, err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM profiles WHERE user_id = ?`, next.UserID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, s.fail("profile.commit", next.UserID, err)
	}
	if current != next.Version {
		return nil, ErrVersionConflict
	}

	now := s.now().UTC()

	stored := next.Clone()
	stored.Version = next.Version + 1
	stored.UpdatedAt = now
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, s.fail("profile.commit", next.UserID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, version, payload, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET version = excluded.version, payload = excluded.payload, updated_at = excluded.updated_at`,
		stored.UserID, stored.Version, payload, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, s.fail("profile.commit", next.UserID, err)
	}

	var seq int64
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM grammar_history WHERE user_id = ?`, next.UserID,
	).Scan(&seq); err != nil {
		return nil, s.fail("profile.commit", next.UserID, err)
	}

	var added []GrammarEntry
	for _, entry := range grammar {
		entry.UserID = next.UserID
		entry.ContentKey = ContentKey(entry.Original, entry.Corrected)
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.Seq = seq + 1

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO grammar_history
				(id, user_id, seq, content_key, thread_id, turn_id, original, corrected, explanation, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.UserID, entry.Seq, entry.ContentKey, entry.ThreadID, entry.TurnID,
			entry.Original, entry.Corrected, entry.Explanation, entry.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, s.fail("profile.commit", next.UserID, err)
		}

		if n, _ := res.RowsAffected(); n == 1 {
			seq = entry.Seq
			added = append(added, entry)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, s.fail("profile.commit", next.UserID, err)
	}

	next.Version = stored.Version
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = stored.UpdatedAt

	return added, nil
}

// GrammarHistory pages through a user's corrections, oldest first.
func (s *Store) GrammarHistory(ctx context.Context, userID string, offset, limit int) ([]GrammarEntry, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM grammar_history WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return nil, 0, s.fail("profile.grammar_history", userID, err)
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, content_key, thread_id, turn_id, original, corrected, explanation, created_at
		FROM grammar_history WHERE user_id = ? ORDER BY seq LIMIT ? OFFSET ?`,
		userID, limit, max(offset, 0),
	)
	if err != nil {
		return nil, 0, s.fail("profile.grammar_history", userID, err)
	}
	defer rows.Close()

	result := make([]GrammarEntry, 0, limit)
	for rows.Next() {
		entry := GrammarEntry{UserID: userID}
		var createdAt string

		if err = rows.Scan(&entry.ID, &entry.Seq, &entry.ContentKey, &entry.ThreadID, &entry.TurnID,
			&entry.Original, &entry.Corrected, &entry.Explanation, &createdAt); err != nil {
			return nil, 0, s.fail("profile.grammar_history", userID, err)
		}

		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, 0, s.fail("profile.grammar_history", userID, err)
	}

	return result, total, nil
}

// HasGrammar reports whether content with key is already recorded.
func (s *Store) HasGrammar(ctx context.Context, userID, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM grammar_history WHERE user_id = ? AND content_key = ?`, userID, key,
	).Scan(&n); err != nil {
		return false, s.fail("profile.has_grammar", userID, err)
	}

	return n > 0, nil
}

func (s *Store) fail(op, userID string, err error) error {
	return failure.New(failure.KindPersistence, op,
		oops.In("profile").With("user_id", userID).Wrap(err))
}

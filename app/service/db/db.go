package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"tutorgraph/app/config"

	"github.com/samber/do"
	"github.com/samber/oops"

	_ "modernc.org/sqlite"
)

var _ do.Shutdownable = (*Service)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id  TEXT    NOT NULL,
	step       INTEGER NOT NULL,
	status     TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	created_at TEXT    NOT NULL,
	PRIMARY KEY (thread_id, step)
);

CREATE TABLE IF NOT EXISTS profiles (
	user_id    TEXT    PRIMARY KEY,
	version    INTEGER NOT NULL,
	payload    BLOB    NOT NULL,
	updated_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS grammar_history (
	id          TEXT    PRIMARY KEY,
	user_id     TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	content_key TEXT    NOT NULL,
	thread_id   TEXT    NOT NULL,
	turn_id     TEXT    NOT NULL,
	original    TEXT    NOT NULL,
	corrected   TEXT    NOT NULL,
	explanation TEXT    NOT NULL,
	created_at  TEXT    NOT NULL,
	UNIQUE (user_id, content_key),
	UNIQUE (user_id, seq)
);

CREATE TRIGGER IF NOT EXISTS checkpoints_immutable
BEFORE UPDATE ON checkpoints
BEGIN
	SELECT RAISE(ABORT, 'checkpoints are immutable');
END;

CREATE TRIGGER IF NOT EXISTS grammar_history_append_only
BEFORE DELETE ON grammar_history
BEGIN
	SELECT RAISE(ABORT, 'grammar history is append-only');
END;
`

// Service owns the SQLite handle shared by the stores.
type Service struct {
	DB *sql.DB
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return Open(context.Background(), cfg.DB.Path)
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Service, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, oops.With("path", path).Wrapf(err, "failed to create database directory")
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, oops.With("path", path).Wrapf(err, "failed to open database")
	}

	// One writer keeps transactions serialized on a single connection.
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, oops.With("path", path).Wrapf(err, "failed to apply schema")
	}

	slog.Info("Database ready", "path", path)

	return &Service{DB: db}, nil
}

func (s *Service) Shutdown() error {
	return s.DB.Close()
}

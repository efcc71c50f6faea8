package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tutor.db")

	first, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, first.Shutdown())

	second, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer second.Shutdown()

	var count int
	err = second.DB.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('checkpoints', 'profiles', 'grammar_history')`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCheckpointRowsAreImmutable(t *testing.T) {
	svc, err := Open(context.Background(), filepath.Join(t.TempDir(), "tutor.db"))
	require.NoError(t, err)
	defer svc.Shutdown()

	_, err = svc.DB.Exec(`INSERT INTO checkpoints (thread_id, step, status, payload, created_at) VALUES ('t', 1, 'running', '{}', 'now')`)
	require.NoError(t, err)

	_, err = svc.DB.Exec(`UPDATE checkpoints SET status = 'terminal' WHERE thread_id = 't'`)
	assert.Error(t, err)
}

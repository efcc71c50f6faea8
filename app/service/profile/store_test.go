package profile

import (
	"context"
	"path/filepath"
	"testing"

	"tutorgraph/app/service/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	svc, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "tutor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown() })

	return NewStore(svc)
}

func TestGetAbsentProfileIsEmpty(t *testing.T) {
	store := newStore(t)

	p, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, int64(0), p.Version)
	assert.Empty(t, p.Interests)
	assert.NotNil(t, p.Proficiency)
}

func TestCommitBumpsVersionAndDetectsConflict(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p, err := store.Get(ctx, "u1")
	require.NoError(t, err)

	stale := p.Clone()

	p.Name = "Ana"
	p.Interests = []string{"football"}
	_, err = store.Commit(ctx, p, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Version)

	stale.Location = "Porto"
	_, err = store.Commit(ctx, stale, nil)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.Name)
	assert.Empty(t, got.Location)
	assert.Equal(t, []string{"football"}, got.Interests)
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGrammarHistoryDedupsByContent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p, err := store.Get(ctx, "u1")
	require.NoError(t, err)

	entry := GrammarEntry{
		ThreadID:    "t1",
		TurnID:      "turn-1",
		Original:    "I goed to the store",
		Corrected:   "I went to the store",
		Explanation: "went is the past tense of go",
	}

	added, err := store.Commit(ctx, p, []GrammarEntry{entry})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, int64(1), added[0].Seq)

	again := entry
	again.TurnID = "turn-7"
	again.Original = "i  GOED to the store"
	added, err = store.Commit(ctx, p, []GrammarEntry{again, {
		ThreadID:  "t1",
		TurnID:    "turn-7",
		Original:  "She don't like it",
		Corrected: "She doesn't like it",
	}})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "She don't like it", added[0].Original)
	assert.Equal(t, int64(2), added[0].Seq)

	history, total, err := store.GrammarHistory(ctx, "u1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, history, 2)
	assert.Equal(t, "turn-1", history[0].TurnID)

	page, total, err := store.GrammarHistory(ctx, "u1", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "She doesn't like it", page[0].Corrected)

	seen, err := store.HasGrammar(ctx, "u1", ContentKey("I GOED to the store", "i went to the store"))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestGrammarHistoryIsAppendOnly(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p, err := store.Get(ctx, "u1")
	require.NoError(t, err)

	_, err = store.Commit(ctx, p, []GrammarEntry{{ThreadID: "t", TurnID: "1", Original: "a", Corrected: "b"}})
	require.NoError(t, err)

	_, err = store.db.Exec(`DELETE FROM grammar_history WHERE user_id = 'u1'`)
	assert.Error(t, err)
}

func TestObserveKeepsRecentTurns(t *testing.T) {
	p := Empty("u1")

	for i := 0; i < maxEvidencePerSkill+5; i++ {
		p.Observe("grammar", string(rune('a'+i)))
	}

	assert.Len(t, p.Evidence["grammar"], maxEvidencePerSkill)
	assert.False(t, p.Observed("grammar", "a"))
	assert.True(t, p.Observed("grammar", string(rune('a'+maxEvidencePerSkill+4))))
}

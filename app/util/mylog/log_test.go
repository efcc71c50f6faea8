package mylog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestWithAppendsAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := With(WithLogger(context.Background(), base), "thread_id", "t-1")
	FromContext(ctx).Info("step")

	assert.Contains(t, buf.String(), "thread_id=t-1")
}

func TestTelegramPredicate(t *testing.T) {
	info := slog.NewRecord(time.Now(), slog.LevelInfo, "plain", 0)
	assert.False(t, telegramPredicate(context.Background(), info))

	tagged := slog.NewRecord(time.Now(), slog.LevelInfo, "tagged", 0)
	tagged.AddAttrs(slog.Bool("telegram", true))
	assert.True(t, telegramPredicate(context.Background(), tagged))

	failed := slog.NewRecord(time.Now(), slog.LevelError, "failed", 0)
	assert.True(t, telegramPredicate(context.Background(), failed))
}

package search

import (
	"context"
	"errors"
	"testing"

	"tutorgraph/app/failure"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name string
	out  string
	err  error
}

func (f fakeTool) Name() string        { return f.name }
func (f fakeTool) Description() string { return f.name }

func (f fakeTool) Call(context.Context, string) (string, error) {
	return f.out, f.err
}

func TestSearchRanksByToolOrder(t *testing.T) {
	svc := NewService(3,
		fakeTool{name: "wikipedia", out: "Page: Lisbon\nSummary: Lisbon is the capital and largest city of Portugal.\n\n"},
		fakeTool{name: "duckduckgo", out: "Title: Lisbon - capital of Portugal\nDescription: Lisbon is the capital.\nURL: https://example.org/lisbon\n\n" +
			"Title: Porto\nDescription: Second city.\nURL: https://example.org/porto"},
	)

	findings, err := svc.Search(context.Background(), "capital of Portugal")
	require.NoError(t, err)
	require.Len(t, findings, 3)

	assert.Equal(t, Finding{
		Snippet: "Lisbon Lisbon is the capital and largest city of Portugal.",
		Source:  "wikipedia: Lisbon",
	}, findings[0])
	assert.Equal(t, "duckduckgo: https://example.org/lisbon", findings[1].Source)
	assert.Equal(t, "Lisbon - capital of Portugal Lisbon is the capital.", findings[1].Snippet)
	assert.Equal(t, "duckduckgo: https://example.org/porto", findings[2].Source)
}

func TestSearchDegradesPerTool(t *testing.T) {
	svc := NewService(5,
		fakeTool{name: "broken", err: errors.New("connection reset")},
		fakeTool{name: "ok", out: "Lisbon is the capital of Portugal."},
	)

	findings, err := svc.Search(context.Background(), "capital of Portugal")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "ok", findings[0].Source)
}

func TestSearchNoResults(t *testing.T) {
	svc := NewService(5,
		fakeTool{name: "a", err: errors.New("no good search results found")},
		fakeTool{name: "b", out: ""},
	)

	_, err := svc.Search(context.Background(), "zxqv")
	assert.ErrorIs(t, err, failure.ErrNoResults)

	_, err = svc.Search(context.Background(), "  ")
	assert.ErrorIs(t, err, failure.ErrNoResults)
}

func TestSearchAllToolsDown(t *testing.T) {
	svc := NewService(5,
		fakeTool{name: "a", err: context.DeadlineExceeded},
		fakeTool{name: "b", err: errors.New("503")},
	)

	_, err := svc.Search(context.Background(), "q")
	assert.ErrorIs(t, err, failure.ErrTimeout)
}

func TestSearchDedupsSnippets(t *testing.T) {
	svc := NewService(5,
		fakeTool{name: "a", out: "Lisbon is the capital."},
		fakeTool{name: "b", out: "lisbon is the capital."},
	)

	findings, err := svc.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestArguments(t *testing.T) {
	assert.Equal(t, map[string]any{"q": 1.0}, arguments(mcp.ToolInputSchema{}, `{"q": 1}`))

	withQuery := mcp.ToolInputSchema{Properties: map[string]any{"query": map[string]any{}, "count": map[string]any{}}}
	assert.Equal(t, map[string]any{"query": "lisbon"}, arguments(withQuery, "lisbon"))

	required := mcp.ToolInputSchema{Properties: map[string]any{"q": map[string]any{}, "n": map[string]any{}}, Required: []string{"q"}}
	assert.Equal(t, map[string]any{"q": "lisbon"}, arguments(required, "lisbon"))

	assert.Equal(t, map[string]any{"input": "lisbon"}, arguments(mcp.ToolInputSchema{}, "lisbon"))
}

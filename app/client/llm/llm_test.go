package llm

import (
	"context"
	"errors"
	"testing"

	"tutorgraph/app/failure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
	options  llms.CallOptions
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	f.options = llms.CallOptions{}
	for _, opt := range options {
		opt(&f.options)
	}

	if f.err != nil {
		return nil, f.err
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.reply}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

type fakeEmbedder struct {
	vectors [][]float32
}

func (f fakeEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return f.vectors, nil
}

func (f fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return f.vectors[0], nil
}

type verdict struct {
	Corrected  string `json:"corrected" validate:"required"`
	Confidence string `json:"confidence" validate:"oneof=low medium high"`
}

func textOf(m llms.MessageContent) string {
	for _, part := range m.Parts {
		if text, ok := part.(llms.TextContent); ok {
			return text.Text
		}
	}
	return ""
}

func TestComplete(t *testing.T) {
	model := &fakeModel{reply: "  Hello there!  "}
	client := NewClient(model, nil, 0.4, 100)

	text, err := client.Complete(context.Background(), Prompt{System: "be kind", User: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "Hello there!", text)
	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, "hi", textOf(model.messages[1]))
	assert.InDelta(t, 0.4, model.options.Temperature, 1e-9)
	assert.False(t, model.options.JSONMode)
}

func TestCompleteClassifiesErrors(t *testing.T) {
	client := NewClient(&fakeModel{err: context.DeadlineExceeded}, nil, 0, 0)

	_, err := client.Complete(context.Background(), Prompt{User: "hi"})
	assert.ErrorIs(t, err, failure.ErrTimeout)

	client = NewClient(&fakeModel{err: errors.New("connection refused")}, nil, 0, 0)
	_, err = client.Complete(context.Background(), Prompt{User: "hi"})
	assert.ErrorIs(t, err, failure.ErrUnavailable)
}

func TestStructuredDecodesFencedJSON(t *testing.T) {
	model := &fakeModel{reply: "```json\n{\"corrected\": \"I went\", \"confidence\": \"high\"}\n```"}
	client := NewClient(model, nil, 0.9, 100)

	var out verdict
	require.NoError(t, client.Structured(context.Background(), Prompt{System: "verify", User: "I goed"}, &out))

	assert.Equal(t, verdict{Corrected: "I went", Confidence: "high"}, out)
	assert.True(t, model.options.JSONMode)
	assert.Zero(t, model.options.Temperature)
	assert.Contains(t, textOf(model.messages[0]), `"corrected"`)
}

func TestStructuredSchemaViolation(t *testing.T) {
	for name, reply := range map[string]string{
		"not json":        "sure, here you go",
		"failed checks":   `{"corrected": "", "confidence": "certain"}`,
		"wrong json type": `{"corrected": 5}`,
	} {
		t.Run(name, func(t *testing.T) {
			client := NewClient(&fakeModel{reply: reply}, nil, 0, 0)

			var out verdict
			err := client.Structured(context.Background(), Prompt{User: "x"}, &out)
			assert.ErrorIs(t, err, failure.ErrSchemaViolation)
		})
	}
}

func TestEmbed(t *testing.T) {
	client := NewClient(&fakeModel{}, nil, 0, 0)
	assert.False(t, client.CanEmbed())

	_, err := client.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrEmbeddingsDisabled)

	client = NewClient(&fakeModel{}, fakeEmbedder{vectors: [][]float32{{1, 0}}}, 0, 0)
	vectors, err := client.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}}, vectors)

	_, err = client.Embed(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, failure.ErrSchemaViolation)
}

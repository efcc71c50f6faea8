package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tutorgraph/app/config"
	"tutorgraph/app/failure"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/samber/do"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

var ErrEmbeddingsDisabled = errors.New("embeddings are not configured")

type Prompt struct {
	System string
	User   string
}

// Client is the language model collaborator: free text, schema bound
// structured output and embeddings.
type Client struct {
	model       llms.Model
	embedder    embeddings.Embedder
	temperature float64
	maxTokens   int
	validate    *validator.Validate
}

func New(di *do.Injector) (*Client, error) {
	cfg := do.MustInvoke[*config.Config](di)

	model, err := openai.New(
		openai.WithToken(cfg.LLM.Token),
		openai.WithBaseURL(cfg.LLM.BaseURL),
		openai.WithModel(cfg.LLM.Model),
		openai.WithEmbeddingModel(cfg.LLM.EmbeddingModel),
		openai.WithHTTPClient(&http.Client{
			Timeout: cfg.Timeouts.LLM + 5*time.Second,
		}),
		openai.WithCallback(LogCallbackHandler{}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}

	var embedder embeddings.Embedder
	if cfg.LLM.EmbeddingModel != "" {
		embedder, err = embeddings.NewEmbedder(model)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
	}

	return NewClient(model, embedder, cfg.LLM.Temperature, cfg.LLM.MaxTokens), nil
}

func NewClient(model llms.Model, embedder embeddings.Embedder, temperature float64, maxTokens int) *Client {
	return &Client{
		model:       model,
		embedder:    embedder,
		temperature: temperature,
		maxTokens:   maxTokens,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (c *Client) Complete(ctx context.Context, p Prompt) (string, error) {
	text, err := c.generate(ctx, p,
		llms.WithTemperature(c.temperature),
		llms.WithMaxTokens(c.maxTokens),
	)
	if err != nil {
		return "", failure.Classify("llm.complete", err)
	}

	return text, nil
}

// Structured asks for a JSON object matching the schema of out, decodes it
// into out and validates it. Mismatches are schema violations.
func (c *Client) Structured(ctx context.Context, p Prompt, out any) error {
	schema, err := schemaOf(out)
	if err != nil {
		return fmt.Errorf("failed to build schema: %w", err)
	}

	p.System = strings.TrimSpace(p.System + "\n\nRespond with one JSON object that matches this JSON schema, and nothing else:\n" + schema)

	text, err := c.generate(ctx, p,
		llms.WithJSONMode(),
		llms.WithTemperature(0),
		llms.WithMaxTokens(c.maxTokens),
	)
	if err != nil {
		return failure.Classify("llm.structured", err)
	}

	if err = json.Unmarshal([]byte(stripFence(text)), out); err != nil {
		return failure.New(failure.KindSchemaViolation, "llm.structured", fmt.Errorf("failed to unmarshal response: %w", err))
	}

	if err = c.validate.Struct(out); err != nil {
		return failure.New(failure.KindSchemaViolation, "llm.structured", fmt.Errorf("response does not match schema: %w", err))
	}

	return nil
}

func (c *Client) CanEmbed() bool {
	return c.embedder != nil
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.embedder == nil {
		return nil, ErrEmbeddingsDisabled
	}

	vectors, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, failure.Classify("llm.embed", err)
	}

	if len(vectors) != len(texts) {
		return nil, failure.Newf(failure.KindSchemaViolation, "llm.embed", "got %d vectors for %d texts", len(vectors), len(texts))
	}

	return vectors, nil
}

func (c *Client) generate(ctx context.Context, p Prompt, opts ...llms.CallOption) (string, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if p.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, p.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, p.User))

	resp, err := c.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", failure.Newf(failure.KindUnavailable, "llm", "no chat completion found")
	}

	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func schemaOf(v any) (string, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}

	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func stripFence(result string) string {
	result = strings.TrimSpace(result)
	result = strings.Trim(result, "`")
	result = strings.TrimSpace(result)
	result = strings.TrimPrefix(result, "json")

	return strings.TrimSpace(result)
}

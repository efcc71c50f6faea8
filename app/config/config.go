package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

type Config struct {
	Log      Log      `yaml:"log"`
	DB       DB       `yaml:"db"`
	LLM      LLM      `yaml:"llm" validate:"required"`
	Grammar  Grammar  `yaml:"grammar"`
	Search   Search   `yaml:"search"`
	Graph    Graph    `yaml:"graph"`
	Memory   Memory   `yaml:"memory"`
	Timeouts Timeouts `yaml:"timeouts"`
	HTTP     HTTP     `yaml:"http"`
}

type Log struct {
	// Minimum level: debug, info, warn, error
	Level string `yaml:"level" example:"info" validate:"oneof=debug info warn error"`
	// Telegram logging config
	Telegram TelegramLog `yaml:"telegram"`
}

type TelegramLog struct {
	// Chat bot token, obtain it via BotFather
	Token string `yaml:"token" example:"1234567890:ABCdefGHIjklMNopQRstUVwxyZ-123456789"`
	// Chat ID to send messages to
	ChatID string `yaml:"chat_id" example:"1001234567890"`
}

type DB struct {
	// SQLite database file
	Path string `yaml:"path" example:"data/tutor.db" validate:"required"`
}

type LLM struct {
	// OpenAI compatible base url
	BaseURL string `yaml:"base_url" example:"https://openrouter.ai/api/v1" validate:"required"`
	// API token
	Token string `yaml:"token" example:"sk-proj-abc123456789DEF789ghi012JKL345mno678PQR901stu234VWX" validate:"required"`
	// Chat model
	Model string `yaml:"model" example:"openai/gpt-4o-mini" validate:"required"`
	// Embedding model, semantic dedup is disabled when empty
	EmbeddingModel string `yaml:"embedding_model" example:"text-embedding-3-small"`
	// Sampling temperature of replies
	Temperature float64 `yaml:"temperature" example:"0.7" validate:"gte=0,lte=2"`
	// Max tokens per completion
	MaxTokens int `yaml:"max_tokens" example:"800" validate:"gte=0"`
}

type Grammar struct {
	// LanguageTool compatible server
	BaseURL string `yaml:"base_url" example:"https://api.languagetool.org" validate:"required,url"`
	// Text language
	Language string `yaml:"language" example:"en-US" validate:"required"`
}

type Search struct {
	// Enabled providers in ranking order: wikipedia, duckduckgo, mcp
	Providers []string `yaml:"providers" example:"[wikipedia, duckduckgo]" validate:"dive,oneof=wikipedia duckduckgo mcp"`
	// Max findings returned per query
	MaxResults int `yaml:"max_results" example:"5" validate:"gte=1"`
	// User agent sent to public search apis
	UserAgent string `yaml:"user_agent" example:"tutorgraph/1.0"`
	// MCP search server, used when "mcp" provider is enabled
	MCP MCPServer `yaml:"mcp"`
}

type MCPServer struct {
	// Command that starts a stdio MCP server
	Command string `yaml:"command" example:"docker"`
	// Command arguments
	Args []string `yaml:"args" example:"[run, --rm, -i, mcp/brave-search]"`
	// Tool name to call, first listed tool when empty
	Tool string `yaml:"tool" example:"brave_web_search"`
}

type Graph struct {
	// Attempts per node for transient failures (1 disables retry)
	MaxAttempts int `yaml:"max_attempts" example:"2" validate:"gte=1"`
	// First retry delay
	BackoffInitial time.Duration `yaml:"backoff_initial" example:"200ms"`
	// Retry delay ceiling
	BackoffMax time.Duration `yaml:"backoff_max" example:"2s"`
	// Run correction and research in parallel for direct questions
	FanOut bool `yaml:"fan_out" example:"false"`
	// Correction confidence accepted without model verification: low, medium, high
	AutoAcceptTier string `yaml:"auto_accept_tier" example:"high" validate:"oneof=low medium high"`
	// Upper bound of executor steps per turn
	MaxSteps int `yaml:"max_steps" example:"16" validate:"gte=2"`
}

type Memory struct {
	// Weight of the previous proficiency estimate, 0..1
	Decay float64 `yaml:"decay" example:"0.7" validate:"gte=0,lte=1"`
	// Cosine similarity above which interests are treated as equal
	SimilarityThreshold float64 `yaml:"similarity_threshold" example:"0.9" validate:"gte=0,lte=1"`
	// Compare-and-swap retries per upsert
	MaxConflictRetries int `yaml:"max_conflict_retries" example:"5" validate:"gte=1"`
	// Messages of the thread passed to extraction
	EvidenceWindow int `yaml:"evidence_window" example:"6" validate:"gte=1"`
}

type Timeouts struct {
	Grammar    time.Duration `yaml:"grammar" example:"10s"`
	LLM        time.Duration `yaml:"llm" example:"30s"`
	Search     time.Duration `yaml:"search" example:"15s"`
	Extraction time.Duration `yaml:"extraction" example:"30s"`
}

type HTTP struct {
	// Listen address of the api
	Listen string `yaml:"listen" example:":8080" validate:"required"`
}

func Load(path string) (*Config, error) {
	var result Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, &result); err != nil {
		return nil, oops.Errorf("failed to parse YAML config: %w", err)
	}

	result.fillDefaults()

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(result); err != nil {
		return nil, oops.Errorf("failed to validate config: %w", err)
	}

	return &result, nil
}

func (c *Config) fillDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.DB.Path == "" {
		c.DB.Path = "data/tutor.db"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 800
	}
	if c.Grammar.BaseURL == "" {
		c.Grammar.BaseURL = "https://api.languagetool.org"
	}
	if c.Grammar.Language == "" {
		c.Grammar.Language = "en-US"
	}
	if len(c.Search.Providers) == 0 {
		c.Search.Providers = []string{"wikipedia", "duckduckgo"}
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 5
	}
	if c.Search.UserAgent == "" {
		c.Search.UserAgent = "tutorgraph/1.0"
	}
	if c.Graph.MaxAttempts == 0 {
		c.Graph.MaxAttempts = 2
	}
	if c.Graph.BackoffInitial == 0 {
		c.Graph.BackoffInitial = 200 * time.Millisecond
	}
	if c.Graph.BackoffMax == 0 {
		c.Graph.BackoffMax = 2 * time.Second
	}
	if c.Graph.AutoAcceptTier == "" {
		c.Graph.AutoAcceptTier = "high"
	}
	if c.Graph.MaxSteps == 0 {
		c.Graph.MaxSteps = 16
	}
	if c.Memory.Decay == 0 {
		c.Memory.Decay = 0.7
	}
	if c.Memory.SimilarityThreshold == 0 {
		c.Memory.SimilarityThreshold = 0.9
	}
	if c.Memory.MaxConflictRetries == 0 {
		c.Memory.MaxConflictRetries = 5
	}
	if c.Memory.EvidenceWindow == 0 {
		c.Memory.EvidenceWindow = 6
	}
	if c.Timeouts.Grammar == 0 {
		c.Timeouts.Grammar = 10 * time.Second
	}
	if c.Timeouts.LLM == 0 {
		c.Timeouts.LLM = 30 * time.Second
	}
	if c.Timeouts.Search == 0 {
		c.Timeouts.Search = 15 * time.Second
	}
	if c.Timeouts.Extraction == 0 {
		c.Timeouts.Extraction = 30 * time.Second
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
}

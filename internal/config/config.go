package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL      = "https://openrouter.ai/api/v1"
	DefaultModel        = "anthropic/claude-sonnet-4.5"
	DefaultHistoryLimit = 10
	DefaultSystemPrompt = "You are TeiqR, an AI assistant that answers questions concisely and helpfully. " +
		"Provide clear, accurate information. When images or files are provided, analyze them thoroughly " +
		"and reference them in your response."
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	Chat      ChatConfig      `yaml:"chat"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	Mode            string   `yaml:"mode"` // gin mode: debug, release or test
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite, postgres or dynamodb
	DSN      string         `yaml:"dsn"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

type DynamoDBConfig struct {
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	ConversationsTable string `yaml:"conversations_table"`
	MessagesTable      string `yaml:"messages_table"`
	ProfilesTable      string `yaml:"profiles_table"`
}

type UpstreamConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Referer      string `yaml:"referer"`
	Title        string `yaml:"title"`
	DefaultModel string `yaml:"default_model"`
}

type AuthConfig struct {
	Mode            string            `yaml:"mode"` // supabase or static
	SupabaseURL     string            `yaml:"supabase_url"`
	SupabaseAnonKey string            `yaml:"supabase_anon_key"`
	CookieName      string            `yaml:"cookie_name"`
	Tokens          map[string]string `yaml:"tokens"` // static mode: bearer token -> user id
}

type ChatConfig struct {
	HistoryLimit int     `yaml:"history_limit"`
	SystemPrompt string  `yaml:"system_prompt"`
	Models       []Model `yaml:"models"`
}

type Model struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Provider string `yaml:"provider" json:"provider"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Duration lets YAML carry Go duration strings such as "15s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

var defaultModels = []Model{
	{ID: "anthropic/claude-sonnet-4.5", Name: "Claude Sonnet 4.5", Provider: "Anthropic"},
	{ID: "anthropic/claude-opus-4.1", Name: "Claude Opus 4.1", Provider: "Anthropic"},
	{ID: "perplexity/sonar", Name: "Sonar", Provider: "Perplexity"},
	{ID: "openai/gpt-5-image-mini", Name: "GPT-5 Image Mini", Provider: "OpenAI"},
	{ID: "anthropic/claude-3.5-sonnet", Name: "Claude 3.5 Sonnet", Provider: "Anthropic"},
	{ID: "anthropic/claude-3.5-haiku", Name: "Claude 3.5 Haiku", Provider: "Anthropic"},
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8100",
			Mode:            "release",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "teiqr.db",
			DynamoDB: DynamoDBConfig{
				Region:             "us-east-1",
				ConversationsTable: "Conversations",
				MessagesTable:      "Messages",
				ProfilesTable:      "Profiles",
			},
		},
		Upstream: UpstreamConfig{
			BaseURL:      DefaultBaseURL,
			Referer:      "http://localhost:3000",
			Title:        "TeiqR",
			DefaultModel: DefaultModel,
		},
		Auth: AuthConfig{
			Mode:       "supabase",
			CookieName: "sb-access-token",
		},
		Chat: ChatConfig{
			HistoryLimit: DefaultHistoryLimit,
			SystemPrompt: DefaultSystemPrompt,
			Models:       defaultModels,
		},
	}
}

// Load reads the configuration with Read and validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads the optional YAML file at path on top of the defaults, then
// applies .env and environment overrides.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Upstream.APIKey, "OPENROUTER_API_KEY")
	setFromEnv(&c.Upstream.BaseURL, "OPENROUTER_BASE_URL")
	setFromEnv(&c.Upstream.Referer, "APP_URL")
	setFromEnv(&c.Database.DSN, "DATABASE_URL")
	setFromEnv(&c.Database.Driver, "DATABASE_DRIVER")
	setFromEnv(&c.Auth.SupabaseURL, "SUPABASE_URL")
	setFromEnv(&c.Auth.SupabaseAnonKey, "SUPABASE_ANON_KEY")
	setFromEnv(&c.Server.Addr, "TEIQR_ADDR")
	setFromEnv(&c.Log.Level, "TEIQR_LOG_LEVEL")
}

func setFromEnv(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "dynamodb":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Auth.Mode {
	case "supabase":
		if c.Auth.SupabaseURL == "" {
			return fmt.Errorf("auth.supabase_url is required in supabase mode")
		}
	case "static":
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("auth.tokens must not be empty in static mode")
		}
	default:
		return fmt.Errorf("unsupported auth mode %q", c.Auth.Mode)
	}
	if c.Chat.HistoryLimit <= 0 {
		c.Chat.HistoryLimit = DefaultHistoryLimit
	}
	if strings.TrimSpace(c.Upstream.DefaultModel) == "" {
		c.Upstream.DefaultModel = DefaultModel
	}
	return nil
}

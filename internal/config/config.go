package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Oracle    OracleConfig     `json:"oracle"`
	Engine    EngineConfig     `json:"engine"`
	Database  DatabaseConfig   `json:"database"`
	Tools     ToolsConfig      `json:"tools"`
	Knowledge KnowledgeConfig  `json:"knowledge"`
	Gateway   GatewayConfig    `json:"gateway"`
	Notify    NotifyConfig     `json:"notify"`
	Providers []ProviderConfig `json:"providers"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// OracleConfig tunes how the reasoning service is consulted for routing and
// worker steps.
type OracleConfig struct {
	Model          string              `json:"model"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens"`
	TimeoutSeconds int                 `json:"timeout_seconds"`
	Retries        int                 `json:"retries"`
	RetryDelayMS   int                 `json:"retry_delay_ms"`
	Bindings       map[string]string   `json:"bindings,omitempty"`
	Fallbacks      map[string][]string `json:"fallbacks,omitempty"`
}

type EngineConfig struct {
	MaxIterations    int `json:"max_iterations"`
	MaxConcurrent    int `json:"max_concurrent"`
	FailureThreshold int `json:"failure_threshold"`
}

type ProviderConfig struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ToolsConfig struct {
	Search SearchConfig `json:"search"`
}

type SearchConfig struct {
	Enabled    bool   `json:"enabled"`
	Endpoint   string `json:"endpoint"`
	APIKey     string `json:"api_key"`
	MaxResults int    `json:"max_results"`
}

type KnowledgeConfig struct {
	Enabled   bool            `json:"enabled"`
	Embedding EmbeddingConfig `json:"embedding"`
}

type EmbeddingConfig struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
}

type SlackGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type NotifyConfig struct {
	Buffer int `json:"buffer"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full service configuration. Values are loaded from an
	// optional YAML file first, then overridden by environment variables.
	Config struct {
		HTTPAddr string `yaml:"http_addr"`

		Mongo struct {
			URI      string `yaml:"uri"`
			Database string `yaml:"database"`
		} `yaml:"mongo"`

		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
		} `yaml:"redis"`

		LLM struct {
			BaseURL string `yaml:"base_url"`
			APIKey  string `yaml:"api_key"`
			Model   string `yaml:"model"`
			// MaxTokens is the advertised context window of the chat model.
			MaxTokens int `yaml:"max_tokens"`
			// AnthropicAPIKey routes chat completions to the Anthropic
			// Messages API instead of the OpenAI-compatible endpoint.
			AnthropicAPIKey string `yaml:"anthropic_api_key"`
		} `yaml:"llm"`

		Embedding struct {
			BaseURL string `yaml:"base_url"`
			APIKey  string `yaml:"api_key"`
			Model   string `yaml:"model"`
			// MaxTokens is the advertised input cap of the embedding model.
			MaxTokens int `yaml:"max_tokens"`
			Dimension int `yaml:"dimension"`
		} `yaml:"embedding"`

		RateLimit struct {
			Minute int64 `yaml:"minute"`
			Hour   int64 `yaml:"hour"`
			// UpstreamTPM is the initial tokens-per-minute budget of the
			// adaptive upstream limiter; zero disables it.
			UpstreamTPM float64 `yaml:"upstream_tpm"`
		} `yaml:"rate_limit"`

		TokenBudgetDefault int `yaml:"token_budget_default"`

		Summarize struct {
			TurnCount      int `yaml:"turn_count"`
			TokenThreshold int `yaml:"token_threshold"`
		} `yaml:"summarize"`

		Blob struct {
			LocalBasePath string `yaml:"local_base_path"`
			S3Bucket      string `yaml:"s3_bucket"`
			S3Prefix      string `yaml:"s3_prefix"`
		} `yaml:"blob"`

		// VectorBackend selects the similarity index: "inmem" or "mongo".
		VectorBackend string `yaml:"vector_backend"`

		// BootstrapAPIKey seeds one active key on startup for development
		// setups without a provisioning flow. Format: tenantID:secret.
		BootstrapAPIKey string `yaml:"-"`
	}
)

// LoadConfig reads the YAML file at path (when non-empty) and applies
// environment overrides. Missing required values are reported together.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.HTTPAddr = ":8080"
	cfg.Mongo.URI = "mongodb://localhost:27017"
	cfg.Mongo.Database = "recall"
	cfg.Redis.Addr = "localhost:6379"
	cfg.RateLimit.Minute = 100
	cfg.RateLimit.Hour = 1000
	cfg.TokenBudgetDefault = 2000
	cfg.Summarize.TurnCount = 10
	cfg.Summarize.TokenThreshold = 8000
	cfg.VectorBackend = "inmem"
	cfg.Embedding.Dimension = 1536
	cfg.LLM.MaxTokens = 8192
	cfg.Embedding.MaxTokens = 8191

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.LLM.BaseURL == "" && cfg.LLM.APIKey == "" && cfg.LLM.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("LLM_BASE_URL, LLM_API_KEY or ANTHROPIC_API_KEY must be set")
	}
	if cfg.LLM.Model == "" {
		return nil, fmt.Errorf("LLM_MODEL must be set")
	}
	if cfg.Embedding.Model == "" {
		return nil, fmt.Errorf("EMBEDDING_MODEL must be set")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPAddr, "RECALL_HTTP_ADDR")
	setString(&cfg.Mongo.URI, "MONGO_URI")
	setString(&cfg.Mongo.Database, "MONGO_DATABASE")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setInt(&cfg.LLM.MaxTokens, "LLM_MAX_TOKENS")
	setString(&cfg.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")

	setString(&cfg.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	setString(&cfg.Embedding.APIKey, "EMBEDDING_API_KEY")
	setString(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	setInt(&cfg.Embedding.MaxTokens, "EMBEDDING_MAX_TOKENS")
	setInt(&cfg.Embedding.Dimension, "EMBEDDING_DIMENSION")

	setInt64(&cfg.RateLimit.Minute, "RATE_LIMIT_MIN")
	setInt64(&cfg.RateLimit.Hour, "RATE_LIMIT_HOUR")
	setFloat(&cfg.RateLimit.UpstreamTPM, "RATE_LIMIT_UPSTREAM_TPM")

	setInt(&cfg.TokenBudgetDefault, "TOKEN_BUDGET_DEFAULT")
	setInt(&cfg.Summarize.TurnCount, "SESSION_SUMMARIZE_TURN_COUNT")
	setInt(&cfg.Summarize.TokenThreshold, "SESSION_SUMMARIZE_TOKEN_THRESHOLD")

	setString(&cfg.Blob.LocalBasePath, "BLOB_STORAGE_LOCAL_BASE_PATH")
	setString(&cfg.Blob.S3Bucket, "BLOB_S3_BUCKET")
	setString(&cfg.Blob.S3Prefix, "BLOB_S3_PREFIX")

	setString(&cfg.VectorBackend, "VECTOR_BACKEND")
	setString(&cfg.BootstrapAPIKey, "RECALL_BOOTSTRAP_API_KEY")
}

func setString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// configEnvVars lists every variable the loader reads so tests can shadow
// whatever the surrounding environment carries.
var configEnvVars = []string{
	"RECALL_HTTP_ADDR",
	"MONGO_URI", "MONGO_DATABASE",
	"REDIS_ADDR", "REDIS_PASSWORD",
	"LLM_BASE_URL", "LLM_API_KEY", "LLM_MODEL", "LLM_MAX_TOKENS", "ANTHROPIC_API_KEY",
	"EMBEDDING_BASE_URL", "EMBEDDING_API_KEY", "EMBEDDING_MODEL", "EMBEDDING_MAX_TOKENS", "EMBEDDING_DIMENSION",
	"RATE_LIMIT_MIN", "RATE_LIMIT_HOUR", "RATE_LIMIT_UPSTREAM_TPM",
	"TOKEN_BUDGET_DEFAULT",
	"SESSION_SUMMARIZE_TURN_COUNT", "SESSION_SUMMARIZE_TOKEN_THRESHOLD",
	"BLOB_STORAGE_LOCAL_BASE_PATH", "BLOB_S3_BUCKET", "BLOB_S3_PREFIX",
	"VECTOR_BACKEND", "RECALL_BOOTSTRAP_API_KEY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range configEnvVars {
		t.Setenv(v, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_BASE_URL", "http://localhost:8001/v1")
	t.Setenv("LLM_MODEL", "gpt-4o-mini")
	t.Setenv("EMBEDDING_MODEL", "text-embedding-3-small")

	cfg, err := LoadConfig("")

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "recall", cfg.Mongo.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(100), cfg.RateLimit.Minute)
	assert.Equal(t, int64(1000), cfg.RateLimit.Hour)
	assert.Equal(t, 2000, cfg.TokenBudgetDefault)
	assert.Equal(t, 10, cfg.Summarize.TurnCount)
	assert.Equal(t, 8000, cfg.Summarize.TokenThreshold)
	assert.Equal(t, "inmem", cfg.VectorBackend)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, 8192, cfg.LLM.MaxTokens)
	assert.Equal(t, 8191, cfg.Embedding.MaxTokens)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_BASE_URL", "http://localhost:8001/v1")
	t.Setenv("LLM_MODEL", "gpt-4o-mini")
	t.Setenv("LLM_MAX_TOKENS", "128000")
	t.Setenv("EMBEDDING_MODEL", "text-embedding-3-small")
	t.Setenv("RATE_LIMIT_MIN", "5")
	t.Setenv("RATE_LIMIT_HOUR", "50")
	t.Setenv("VECTOR_BACKEND", "mongo")

	cfg, err := LoadConfig("")

	require.NoError(t, err)
	assert.Equal(t, int64(5), cfg.RateLimit.Minute)
	assert.Equal(t, int64(50), cfg.RateLimit.Hour)
	assert.Equal(t, 128000, cfg.LLM.MaxTokens)
	assert.Equal(t, "mongo", cfg.VectorBackend)
}

func TestLoadConfigEnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
llm:
  base_url: http://localhost:8001/v1
  model: gpt-4o-mini
embedding:
  model: text-embedding-3-small
rate_limit:
  minute: 7
`), 0o600))
	t.Setenv("RATE_LIMIT_MIN", "9")

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, int64(9), cfg.RateLimit.Minute)
}

func TestLoadConfigRequiresModels(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_BASE_URL", "http://localhost:8001/v1")
	t.Setenv("EMBEDDING_MODEL", "text-embedding-3-small")

	_, err := LoadConfig("")

	assert.ErrorContains(t, err, "LLM_MODEL")
}

func TestLoadConfigRequiresUpstream(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_MODEL", "gpt-4o-mini")
	t.Setenv("EMBEDDING_MODEL", "text-embedding-3-small")

	_, err := LoadConfig("")

	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.ErrorContains(t, err, "read config file")
}

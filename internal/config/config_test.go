package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
)

const testKey = "0123456789abcdef0123456789abcdef" // 32 chars

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.True(t, cfg.Anonymization.StrictMode)
	assert.Equal(t, 5, cfg.Anonymization.AgeBucketSize)
	assert.Equal(t, 90, cfg.Anonymization.AgeCap)
	assert.Equal(t, "bge-m3", cfg.Embeddings.Model)
	assert.Equal(t, 10, cfg.Embeddings.BatchSize)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, 4, cfg.Search.OversampleFactor)
	assert.Equal(t, 5, cfg.Search.DefaultTopK)
	assert.False(t, cfg.Rerank.Enabled)
}

func TestLoad_MissingKeyIsFatal(t *testing.T) {
	t.Setenv("CLINRAG_ANONYMIZER_KEY", "")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Equal(t, clinerrors.ErrCodeWeakKey, clinerrors.GetCode(err))
	assert.True(t, clinerrors.IsFatal(err))
}

func TestLoad_ShortKeyIsFatal(t *testing.T) {
	t.Setenv("CLINRAG_ANONYMIZER_KEY", "too-short")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Equal(t, clinerrors.ErrCodeWeakKey, clinerrors.GetCode(err))
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("CLINRAG_ANONYMIZER_KEY", testKey)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, testKey, cfg.Anonymization.Key)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	t.Setenv("CLINRAG_ANONYMIZER_KEY", testKey)

	dir := t.TempDir()
	yaml := `
search:
  rrf_constant: 90
  default_top_k: 8
embeddings:
  model: custom-embed
  batch_size: 25
anonymization:
  age_bucket_size: 10
  strict_mode: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clinrag.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Search.RRFConstant)
	assert.Equal(t, 8, cfg.Search.DefaultTopK)
	assert.Equal(t, "custom-embed", cfg.Embeddings.Model)
	assert.Equal(t, 25, cfg.Embeddings.BatchSize)
	assert.Equal(t, 10, cfg.Anonymization.AgeBucketSize)
	assert.False(t, cfg.Anonymization.StrictMode)

	// Untouched values keep defaults
	assert.Equal(t, 4, cfg.Search.OversampleFactor)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("CLINRAG_ANONYMIZER_KEY", testKey)
	t.Setenv("CLINRAG_RRF_CONSTANT", "120")
	t.Setenv("CLINRAG_OLLAMA_HOST", "http://gpu-box:11434")

	dir := t.TempDir()
	yaml := "search:\n  rrf_constant: 90\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clinrag.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Search.RRFConstant)
	assert.Equal(t, "http://gpu-box:11434", cfg.Embeddings.OllamaHost)
}

func TestLoad_RerankEndpointEnvEnablesRerank(t *testing.T) {
	t.Setenv("CLINRAG_ANONYMIZER_KEY", testKey)
	t.Setenv("CLINRAG_RERANK_ENDPOINT", "http://localhost:8080")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.Rerank.Enabled)
	assert.Equal(t, "http://localhost:8080", cfg.Rerank.Endpoint)
}

func TestLoad_StrictModeEnv(t *testing.T) {
	t.Setenv("CLINRAG_ANONYMIZER_KEY", testKey)
	t.Setenv("CLINRAG_STRICT_MODE", "false")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.False(t, cfg.Anonymization.StrictMode)
}

func TestLoadFile_NotFound(t *testing.T) {
	t.Setenv("CLINRAG_ANONYMIZER_KEY", testKey)

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, clinerrors.ErrCodeConfigNotFound, clinerrors.GetCode(err))
}

func TestValidate_RerankEnabledNeedsEndpoint(t *testing.T) {
	cfg := NewConfig()
	cfg.Anonymization.Key = testKey
	cfg.Rerank.Enabled = true
	cfg.Rerank.Endpoint = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, clinerrors.ErrCodeConfigInvalid, clinerrors.GetCode(err))
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero bucket size", func(c *Config) { c.Anonymization.AgeBucketSize = 0 }},
		{"negative skipped", func(c *Config) { c.Anonymization.MaxSkippedRecords = -1 }},
		{"unknown provider", func(c *Config) { c.Embeddings.Provider = "openai" }},
		{"zero batch size", func(c *Config) { c.Embeddings.BatchSize = 0 }},
		{"zero rrf constant", func(c *Config) { c.Search.RRFConstant = 0 }},
		{"zero oversample", func(c *Config) { c.Search.OversampleFactor = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.Anonymization.Key = testKey
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	t.Setenv("CLINRAG_ANONYMIZER_KEY", "")

	cfg := NewConfig()
	cfg.Anonymization.Key = testKey
	cfg.Search.RRFConstant = 75

	path := filepath.Join(t.TempDir(), "clinrag.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 75, loaded.Search.RRFConstant)
}

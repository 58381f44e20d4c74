// Package config loads and validates the clinrag pipeline configuration.
// Configuration is layered: hardcoded defaults, then a YAML file, then
// CLINRAG_* environment variables with the highest precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
)

// Config represents the complete clinrag configuration.
type Config struct {
	Version       int                 `yaml:"version" json:"version"`
	Paths         PathsConfig         `yaml:"paths" json:"paths"`
	Anonymization AnonymizationConfig `yaml:"anonymization" json:"anonymization"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings" json:"embeddings"`
	Search        SearchConfig        `yaml:"search" json:"search"`
	Rerank        RerankConfig        `yaml:"rerank" json:"rerank"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
}

// PathsConfig configures on-disk storage locations.
type PathsConfig struct {
	// DataDir is the root directory for the document store and vector index.
	// Defaults to ~/.clinrag/data
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// AnonymizationConfig configures the patient anonymizer.
type AnonymizationConfig struct {
	// Key is the HMAC-SHA256 pseudonymization key. Must be at least 32
	// characters; the pipeline refuses to start otherwise. Usually supplied
	// via CLINRAG_ANONYMIZER_KEY rather than the config file.
	Key string `yaml:"key" json:"-"`

	// StrictMode aborts the whole export when any record fails the PII
	// audit. When false, failing records are skipped and counted.
	StrictMode bool `yaml:"strict_mode" json:"strict_mode"`

	// AgeBucketSize is the width of age buckets in years (default: 5).
	AgeBucketSize int `yaml:"age_bucket_size" json:"age_bucket_size"`

	// AgeCap is the age above which all patients share one bucket
	// (default: 90, rendered as "90+").
	AgeCap int `yaml:"age_cap" json:"age_cap"`

	// MaxSkippedRecords aborts a non-strict export once this many records
	// have been skipped for audit failures. 0 means unlimited.
	MaxSkippedRecords int `yaml:"max_skipped_records" json:"max_skipped_records"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	// Dimensions is auto-detected from the embedder when 0.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// BatchSize is the number of chunks embedded per provider call.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// OllamaHost is the Ollama API endpoint (default: http://localhost:11434).
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`
	// CacheSize is the LRU embedding cache capacity (default: 1000).
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	// RRFConstant is the RRF fusion smoothing parameter (k).
	// Default: 60 (industry standard used by Azure AI Search, OpenSearch).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// OversampleFactor multiplies top_k to size the candidate pool fetched
	// from each index before fusion (default: 4).
	OversampleFactor int `yaml:"oversample_factor" json:"oversample_factor"`

	// DefaultTopK is the number of results returned when the caller does
	// not specify one (default: 5).
	DefaultTopK int `yaml:"default_top_k" json:"default_top_k"`
}

// RerankConfig configures the optional cross-encoder reranking stage.
type RerankConfig struct {
	// Enabled turns reranking on. A reranker failure at runtime disables
	// it for the remainder of the process, it is never re-enabled.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Endpoint is the HTTP scoring endpoint (TEI-compatible /rerank).
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Model is the cross-encoder model name sent to the endpoint.
	Model string `yaml:"model" json:"model"`
	// TimeoutSeconds is the per-request timeout (default: 10).
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Anonymization: AnonymizationConfig{
			Key:               "",
			StrictMode:        true, // Fail closed by default
			AgeBucketSize:     5,
			AgeCap:            90,
			MaxSkippedRecords: 0,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "bge-m3",
			Dimensions: 0, // Auto-detect from embedder
			BatchSize:  10,
			OllamaHost: "", // Empty uses default http://localhost:11434
			CacheSize:  1000,
		},
		Search: SearchConfig{
			// RRF constant k=60 is industry standard (Azure AI Search, OpenSearch)
			RRFConstant:      60,
			OversampleFactor: 4,
			DefaultTopK:      5,
		},
		Rerank: RerankConfig{
			Enabled:        false, // Opt-in
			Endpoint:       "",
			Model:          "BAAI/bge-reranker-v2-m3",
			TimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:    "info",
			FilePath: "", // Empty uses ~/.clinrag/logs/pipeline.log
		},
	}
}

// defaultDataDir returns the default data directory (~/.clinrag/data).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".clinrag", "data")
	}
	return filepath.Join(home, ".clinrag", "data")
}

// Load loads configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. Config file (clinrag.yaml in dir, if present)
//  3. Environment variables (CLINRAG_*)
//
// The final configuration is validated; a weak or missing anonymizer key
// is fatal.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads configuration from an explicit YAML file path plus env
// overrides. Used by the CLI --config flag.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()

	if !fileExists(path) {
		return nil, clinerrors.New(clinerrors.ErrCodeConfigNotFound,
			fmt.Sprintf("config file not found: %s", path), nil)
	}

	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile attempts to load clinrag.yaml or clinrag.yml from dir.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, "clinrag.yaml")
	if fileExists(yamlPath) {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, "clinrag.yml")
	if fileExists(ymlPath) {
		return c.loadYAML(ymlPath)
	}

	// No config file is fine - use defaults
	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return clinerrors.New(clinerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return clinerrors.New(clinerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Paths.DataDir != "" {
		c.Paths.DataDir = other.Paths.DataDir
	}

	// Anonymization
	if other.Anonymization.Key != "" {
		c.Anonymization.Key = other.Anonymization.Key
	}
	// StrictMode defaults to true and yaml cannot distinguish "unset" from
	// "false" on a bare bool, so a file that sets any anonymization field is
	// taken to have set strict_mode deliberately.
	if other.Anonymization.AgeBucketSize != 0 || other.Anonymization.Key != "" ||
		other.Anonymization.MaxSkippedRecords != 0 {
		c.Anonymization.StrictMode = other.Anonymization.StrictMode
	}
	if other.Anonymization.AgeBucketSize != 0 {
		c.Anonymization.AgeBucketSize = other.Anonymization.AgeBucketSize
	}
	if other.Anonymization.AgeCap != 0 {
		c.Anonymization.AgeCap = other.Anonymization.AgeCap
	}
	if other.Anonymization.MaxSkippedRecords != 0 {
		c.Anonymization.MaxSkippedRecords = other.Anonymization.MaxSkippedRecords
	}

	// Embeddings
	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}
	if other.Embeddings.CacheSize != 0 {
		c.Embeddings.CacheSize = other.Embeddings.CacheSize
	}

	// Search
	if other.Search.RRFConstant != 0 {
		c.Search.RRFConstant = other.Search.RRFConstant
	}
	if other.Search.OversampleFactor != 0 {
		c.Search.OversampleFactor = other.Search.OversampleFactor
	}
	if other.Search.DefaultTopK != 0 {
		c.Search.DefaultTopK = other.Search.DefaultTopK
	}

	// Rerank
	if other.Rerank.Enabled {
		c.Rerank.Enabled = other.Rerank.Enabled
	}
	if other.Rerank.Endpoint != "" {
		c.Rerank.Endpoint = other.Rerank.Endpoint
	}
	if other.Rerank.Model != "" {
		c.Rerank.Model = other.Rerank.Model
	}
	if other.Rerank.TimeoutSeconds != 0 {
		c.Rerank.TimeoutSeconds = other.Rerank.TimeoutSeconds
	}

	// Logging
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.FilePath != "" {
		c.Logging.FilePath = other.Logging.FilePath
	}
}

// applyEnvOverrides applies CLINRAG_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CLINRAG_ANONYMIZER_KEY"); v != "" {
		c.Anonymization.Key = v
	}
	if v := os.Getenv("CLINRAG_STRICT_MODE"); v != "" {
		c.Anonymization.StrictMode = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("CLINRAG_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("CLINRAG_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("CLINRAG_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("CLINRAG_RERANK_ENDPOINT"); v != "" {
		c.Rerank.Endpoint = v
		c.Rerank.Enabled = true
	}
	if v := os.Getenv("CLINRAG_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Search.RRFConstant = k
		}
	}
	if v := os.Getenv("CLINRAG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// MinKeyLength is the minimum acceptable anonymizer key length in bytes.
const MinKeyLength = 32

// Validate validates the configuration and returns an error if invalid.
// Key weakness is fatal: pseudonyms generated under a weak key would be
// guessable, so the pipeline refuses to start.
func (c *Config) Validate() error {
	if len(c.Anonymization.Key) < MinKeyLength {
		return clinerrors.WeakKeyError(fmt.Sprintf(
			"anonymizer key must be at least %d characters, got %d (set CLINRAG_ANONYMIZER_KEY)",
			MinKeyLength, len(c.Anonymization.Key)))
	}

	if c.Anonymization.AgeBucketSize <= 0 {
		return clinerrors.ConfigError(fmt.Sprintf(
			"anonymization.age_bucket_size must be positive, got %d", c.Anonymization.AgeBucketSize), nil)
	}
	if c.Anonymization.AgeCap <= 0 {
		return clinerrors.ConfigError(fmt.Sprintf(
			"anonymization.age_cap must be positive, got %d", c.Anonymization.AgeCap), nil)
	}
	if c.Anonymization.MaxSkippedRecords < 0 {
		return clinerrors.ConfigError(fmt.Sprintf(
			"anonymization.max_skipped_records must be non-negative, got %d", c.Anonymization.MaxSkippedRecords), nil)
	}

	validProviders := map[string]bool{"ollama": true, "static": true}
	if !validProviders[strings.ToLower(c.Embeddings.Provider)] {
		return clinerrors.ConfigError(fmt.Sprintf(
			"embeddings.provider must be 'ollama' or 'static', got %s", c.Embeddings.Provider), nil)
	}
	if c.Embeddings.BatchSize <= 0 {
		return clinerrors.ConfigError(fmt.Sprintf(
			"embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize), nil)
	}

	if c.Search.RRFConstant <= 0 {
		return clinerrors.ConfigError(fmt.Sprintf(
			"search.rrf_constant must be positive, got %d", c.Search.RRFConstant), nil)
	}
	if c.Search.OversampleFactor < 1 {
		return clinerrors.ConfigError(fmt.Sprintf(
			"search.oversample_factor must be at least 1, got %d", c.Search.OversampleFactor), nil)
	}
	if c.Search.DefaultTopK <= 0 {
		return clinerrors.ConfigError(fmt.Sprintf(
			"search.default_top_k must be positive, got %d", c.Search.DefaultTopK), nil)
	}

	if c.Rerank.Enabled && c.Rerank.Endpoint == "" {
		return clinerrors.ConfigError("rerank.endpoint is required when rerank.enabled is true", nil)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return clinerrors.ConfigError(fmt.Sprintf(
			"logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level), nil)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file. The anonymizer key is
// written as-is, so the file must be protected accordingly.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

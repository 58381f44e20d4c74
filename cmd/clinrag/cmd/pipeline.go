package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prontu-labs/clinrag/internal/config"
	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
	"github.com/prontu-labs/clinrag/internal/logging"
	"github.com/prontu-labs/clinrag/internal/store"
)

// On-disk layout under paths.data_dir.
const (
	documentsFile = "documents.db"
	vectorsFile   = "vectors.hnsw"
)

// loadConfig loads configuration from the --config flag or from
// clinrag.yaml in the working directory.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load(".")
}

// setupLogging routes structured logs to the configured file and installs
// the logger as the process default. Stderr stays clean for command
// output. The returned cleanup closes the log file.
func setupLogging(cfg *config.Config) (func(), error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.WriteToStderr = false
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	if debugMode {
		logCfg.Level = "debug"
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// vectorPath returns the HNSW graph path under the data directory.
func vectorPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.DataDir, vectorsFile)
}

// openStores opens the document and vector stores under paths.data_dir.
// dims is the embedder's output dimension; a persisted vector index with
// different dimensions is unusable and reported as a config error rather
// than silently cleared.
func openStores(cfg *config.Config, dims int) (*store.SQLiteDocumentStore, *store.HNSWStore, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, nil, clinerrors.StoreError(
			fmt.Sprintf("failed to create data directory %s", cfg.Paths.DataDir), err)
	}

	docs, err := store.NewSQLiteDocumentStore(filepath.Join(cfg.Paths.DataDir, documentsFile))
	if err != nil {
		return nil, nil, err
	}

	graphPath := vectorPath(cfg)
	storedDims, err := store.ReadStoredDimensions(graphPath)
	if err != nil {
		slog.Debug("vector_dimensions_unreadable", slog.String("error", err.Error()))
		storedDims = 0
	}
	if storedDims > 0 && storedDims != dims {
		_ = docs.Close()
		return nil, nil, clinerrors.ConfigError(fmt.Sprintf(
			"vector index was built with %d dimensions but the embedder produces %d; delete %s and reindex",
			storedDims, dims, graphPath), nil)
	}

	vectors, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		_ = docs.Close()
		return nil, nil, err
	}
	if storedDims > 0 {
		if err := vectors.Load(graphPath); err != nil {
			_ = docs.Close()
			_ = vectors.Close()
			return nil, nil, err
		}
	}

	return docs, vectors, nil
}

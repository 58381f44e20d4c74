// Package cmd provides the CLI commands for the clinrag pipeline.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/prontu-labs/clinrag/pkg/version"
)

// Persistent flags shared by every subcommand.
var (
	configPath string
	debugMode  bool
)

// NewRootCmd creates the root command for the clinrag CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinrag",
		Short: "Anonymize, index and search clinical patient timelines",
		Long: `clinrag runs a local retrieval pipeline over clinical records.

Patient data is pseudonymized with HMAC-SHA256 and PII-redacted before
anything touches disk. Indexed documents are searched with hybrid
retrieval: SQLite FTS5 keyword search plus HNSW vector search, fused
with Reciprocal Rank Fusion.

The anonymizer key must be at least 32 characters and is usually
supplied via CLINRAG_ANONYMIZER_KEY.`,
		Version:      version.Version,
		SilenceUsage: true,
	}

	cmd.SetVersionTemplate("clinrag version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to clinrag.yaml (default: ./clinrag.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newAuditCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

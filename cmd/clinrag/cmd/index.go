package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/prontu-labs/clinrag/internal/anonymize"
	"github.com/prontu-labs/clinrag/internal/async"
	"github.com/prontu-labs/clinrag/internal/embed"
	"github.com/prontu-labs/clinrag/internal/index"
)

// indexOptions holds CLI flags for index.
type indexOptions struct {
	format string
}

// indexReport is what the index command prints for one patient.
type indexReport struct {
	PatientHash string `json:"patient_hash"`
	Chunks      int    `json:"chunks"`
	Error       string `json:"error,omitempty"`
}

func newIndexCmd() *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index <patient-file.json>...",
		Short: "Anonymize and index patients' clinical records",
		Long: `Anonymize and index patients' clinical records.

Each patient file holds one identifiable patient and their raw records.
Records are pseudonymized, PII-redacted and audited before indexing; in
strict mode a single audit failure aborts that patient's run. Patients
are processed through the reindex queue, one at a time.

Examples:
  clinrag index patient.json
  clinrag index ward/*.json --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, paths []string, opts indexOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	repo, patientIDs, err := loadPatientFiles(paths)
	if err != nil {
		return err
	}

	embedder, err := embed.NewFromConfig(ctx, cfg.Embeddings)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	docs, vectors, err := openStores(cfg, embedder.Dimensions())
	if err != nil {
		return err
	}
	defer func() { _ = docs.Close() }()
	defer func() { _ = vectors.Close() }()

	anonymizer, err := anonymize.New(cfg.Anonymization, repo, repo)
	if err != nil {
		return err
	}
	indexer, err := index.NewIndexer(docs, vectors, embedder,
		index.WithBatchSize(cfg.Embeddings.BatchSize))
	if err != nil {
		return err
	}
	coordinator := index.NewCoordinator(anonymizer, indexer, slog.Default())

	queue, err := async.NewReindexQueue(func(ctx context.Context, patientID string) error {
		_, err := coordinator.IndexPatient(ctx, patientID)
		return err
	}, len(patientIDs), slog.Default())
	if err != nil {
		return err
	}

	jobs := make([]*async.Job, 0, len(patientIDs))
	for _, id := range patientIDs {
		job, err := queue.Enqueue(id)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	queue.Start(ctx)
	queue.Stop()

	reports := make([]indexReport, 0, len(jobs))
	failed := 0
	for _, job := range jobs {
		report := indexReport{PatientHash: anonymizer.HashID(job.PatientID)}
		if jobErr := <-job.Err; jobErr != nil {
			report.Error = jobErr.Error()
			failed++
		} else {
			count, err := docs.CountByPatient(ctx, report.PatientHash)
			if err != nil {
				return err
			}
			report.Chunks = count
		}
		reports = append(reports, report)
	}

	if err := vectors.Save(vectorPath(cfg)); err != nil {
		return err
	}

	if err := printIndexReports(cmd, reports, opts.format); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d patients failed to index", failed, len(jobs))
	}
	return nil
}

func printIndexReports(cmd *cobra.Command, reports []indexReport, format string) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	for _, report := range reports {
		if report.Error != "" {
			fmt.Fprintf(out, "Failed patient %s: %s\n", report.PatientHash, report.Error)
			continue
		}
		fmt.Fprintf(out, "Indexed patient %s (%d chunks)\n", report.PatientHash, report.Chunks)
	}
	return nil
}

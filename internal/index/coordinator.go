package index

import (
	"context"
	"log/slog"

	"github.com/prontu-labs/clinrag/internal/anonymize"
)

// Coordinator runs the full pipeline for one patient: fetch and
// anonymize through the injected repositories, then index. Different
// patients may be coordinated concurrently; there is no shared mutable
// state between runs.
type Coordinator struct {
	anonymizer *anonymize.Anonymizer
	indexer    *Indexer
	logger     *slog.Logger
}

// NewCoordinator wires the anonymizer to the indexer.
func NewCoordinator(anonymizer *anonymize.Anonymizer, indexer *Indexer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{anonymizer: anonymizer, indexer: indexer, logger: logger}
}

// IndexPatient anonymizes and indexes one patient by raw ID. Audit and
// not-found failures from the export propagate untouched so callers can
// distinguish them.
func (c *Coordinator) IndexPatient(ctx context.Context, patientID string) (*Summary, error) {
	doc, err := c.anonymizer.Export(ctx, patientID)
	if err != nil {
		return nil, err
	}

	summary, err := c.indexer.IndexPatient(ctx, doc)
	if err != nil {
		return nil, err
	}

	c.logger.Info("pipeline_completed",
		slog.String("patient_hash", doc.PatientHash),
		slog.Int("chunks", summary.Chunks),
		slog.Int("records_anonymized", doc.Meta.AnonymizedCount),
		slog.Int("records_skipped", doc.Meta.SkippedCount))

	return summary, nil
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/prontu-labs/clinrag/internal/anonymize"
	"github.com/prontu-labs/clinrag/internal/config"
	"github.com/prontu-labs/clinrag/internal/embed"
	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
	"github.com/prontu-labs/clinrag/internal/search"
	"github.com/prontu-labs/clinrag/internal/store"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	patientHash string
	patientID   string
	context     string
	tags        []string
	dayFrom     int
	dayTo       int
	pathPrefix  string
	topK        int
	explain     bool
	format      string
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search one patient's indexed timeline",
		Long: `Search one patient's indexed timeline with hybrid retrieval.

Keyword (FTS5) and vector (HNSW) results are fused with Reciprocal
Rank Fusion; matching day summaries are returned in place of their
fragment chunks. Every search is scoped to a single patient, given
either as the stored pseudonym (--patient) or as the raw identifier
(--patient-id), which is hashed with the configured key.

Examples:
  clinrag search "dispneia progressiva" --patient-id p-123
  clinrag search "antibioticoterapia" --patient a1b2c3... --context uti
  clinrag search "evolucao ferida" --patient-id p-123 --day-from 3 --day-to 10
  clinrag search "dor toracica" --patient-id p-123 --explain --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVar(&opts.patientHash, "patient", "", "Patient pseudonym (hash) to search")
	cmd.Flags().StringVar(&opts.patientID, "patient-id", "", "Raw patient ID, hashed with the anonymizer key")
	cmd.Flags().StringVarP(&opts.context, "context", "c", "", "Filter by care context (uti, enfermaria, ...)")
	cmd.Flags().StringSliceVarP(&opts.tags, "tag", "t", nil, "Filter by tag (repeatable)")
	cmd.Flags().IntVar(&opts.dayFrom, "day-from", 0, "Earliest day offset to include")
	cmd.Flags().IntVar(&opts.dayTo, "day-to", 0, "Latest day offset to include")
	cmd.Flags().StringVar(&opts.pathPrefix, "path-prefix", "", "Filter by document path prefix")
	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 0, "Number of results (default from config)")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Attach the triggering child chunk to each result")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	patientHash, err := resolvePatientHash(cfg.Anonymization, opts)
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

	searchOpts := []search.Option{search.WithLogger(slog.Default())}
	if cfg.Rerank.Enabled {
		reranker, err := search.NewHTTPReranker(search.HTTPRerankerConfig{
			Endpoint: cfg.Rerank.Endpoint,
			Model:    cfg.Rerank.Model,
			Timeout:  time.Duration(cfg.Rerank.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer func() { _ = reranker.Close() }()
		searchOpts = append(searchOpts, search.WithReranker(reranker))
	}

	retriever, err := search.NewRetriever(docs, vectors, embedder, search.Config{
		RRFConstant:      cfg.Search.RRFConstant,
		OversampleFactor: cfg.Search.OversampleFactor,
		DefaultTopK:      cfg.Search.DefaultTopK,
	}, searchOpts...)
	if err != nil {
		return err
	}

	filters := store.Filters{
		PatientHash:   patientHash,
		Context:       opts.context,
		Tags:          opts.tags,
		DocPathPrefix: opts.pathPrefix,
	}
	if cmd.Flags().Changed("day-from") {
		from := opts.dayFrom
		filters.DayOffsetFrom = &from
	}
	if cmd.Flags().Changed("day-to") {
		to := opts.dayTo
		filters.DayOffsetTo = &to
	}

	results, err := retriever.Search(ctx, query, search.Options{
		Filters: filters,
		TopK:    opts.topK,
		Debug:   opts.explain,
	})
	if err != nil {
		return err
	}

	return printSearchResults(cmd, query, results, opts.format)
}

// resolvePatientHash turns the patient flags into the stored pseudonym.
// Raw IDs never reach the stores; they are hashed here with the same key
// the indexer used.
func resolvePatientHash(cfg config.AnonymizationConfig, opts searchOptions) (string, error) {
	switch {
	case opts.patientHash != "" && opts.patientID != "":
		return "", clinerrors.New(clinerrors.ErrCodeInvalidInput,
			"--patient and --patient-id are mutually exclusive", nil)
	case opts.patientHash != "":
		return opts.patientHash, nil
	case opts.patientID != "":
		anonymizer, err := anonymize.New(cfg, nil, nil)
		if err != nil {
			return "", err
		}
		return anonymizer.HashID(opts.patientID), nil
	default:
		return "", clinerrors.New(clinerrors.ErrCodeInvalidInput,
			"a patient is required: pass --patient or --patient-id", nil)
	}
}

func printSearchResults(cmd *cobra.Command, query string, results []*search.Result, format string) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintf(out, "No results for %q\n", query)
		return nil
	}

	for i, r := range results {
		fmt.Fprintf(out, "%d. %s (score %.4f)\n", i+1, r.DocPath, r.Score)
		fmt.Fprintf(out, "   context: %s", r.Context)
		if r.DayOffset != nil {
			fmt.Fprintf(out, "  day: %+d", *r.DayOffset)
		}
		if len(r.Tags) > 0 {
			fmt.Fprintf(out, "  tags: %s", strings.Join(r.Tags, ", "))
		}
		fmt.Fprintln(out)
		if r.Debug != nil {
			fmt.Fprintf(out, "   triggered by: %s (score %.4f)\n", r.Debug.TriggeredBy, r.Debug.TriggerScore)
		}
		fmt.Fprintf(out, "   %s\n\n", firstLines(r.Content, 3))
	}
	return nil
}

// firstLines returns up to n non-empty lines of content, joined for
// single-block display.
func firstLines(content string, n int) string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == n {
			break
		}
	}
	return strings.Join(lines, " / ")
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/prontu-labs/clinrag/internal/anonymize"
	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
)

// auditOptions holds CLI flags for audit.
type auditOptions struct {
	format string
}

// auditFinding reports one audited unit of an export.
type auditFinding struct {
	Subject    string   `json:"subject"`
	Violations []string `json:"violations,omitempty"`
}

// auditReport is what the audit command prints.
type auditReport struct {
	PatientHash string         `json:"patient_hash"`
	Records     int            `json:"records"`
	Clean       bool           `json:"clean"`
	Findings    []auditFinding `json:"findings,omitempty"`
}

func newAuditCmd() *cobra.Command {
	var opts auditOptions

	cmd := &cobra.Command{
		Use:   "audit <export-file.json>",
		Short: "Re-audit an anonymized patient export for PII",
		Long: `Re-audit an anonymized patient export for PII.

Runs the same fail-closed audit the anonymizer applies at export time:
blacklisted field names and Brazilian PII patterns (CPF, CNS, phone,
email, CEP, absolute dates, names with honorifics, addresses). Any
finding makes the command exit non-zero.

Examples:
  clinrag audit export.json
  clinrag audit export.json --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runAudit(cmd *cobra.Command, exportPath string, opts auditOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	data, err := os.ReadFile(exportPath)
	if err != nil {
		return clinerrors.New(clinerrors.ErrCodeInvalidInput,
			fmt.Sprintf("failed to read export file %s", exportPath), err)
	}
	var doc anonymize.PatientDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return clinerrors.New(clinerrors.ErrCodeInvalidInput,
			fmt.Sprintf("failed to parse export file %s", exportPath), err)
	}

	anonymizer, err := anonymize.New(cfg.Anonymization, nil, nil)
	if err != nil {
		return err
	}

	report := auditReport{
		PatientHash: doc.PatientHash,
		Records:     len(doc.Timeline),
		Clean:       true,
	}

	// Provenance metadata carries a generation timestamp and is not
	// patient data; audit the clinical projection only.
	patientView := struct {
		AgeBucket  string         `json:"age_bucket"`
		Attributes map[string]any `json:"attributes,omitempty"`
	}{doc.Patient.AgeBucket, doc.Patient.Attributes}

	if result := anonymizer.AuditForPII(patientView); result.HasPII {
		report.Clean = false
		report.Findings = append(report.Findings, auditFinding{
			Subject:    "patient",
			Violations: result.Violations,
		})
	}

	for _, record := range doc.Timeline {
		if result := anonymizer.AuditForPII(record); result.HasPII {
			report.Clean = false
			report.Findings = append(report.Findings, auditFinding{
				Subject:    "record " + record.RecordHash,
				Violations: result.Violations,
			})
		}
	}

	if err := printAuditReport(cmd, report, opts.format); err != nil {
		return err
	}
	if !report.Clean {
		return clinerrors.AuditError(
			fmt.Sprintf("export %s failed the PII audit", exportPath), nil)
	}
	return nil
}

func printAuditReport(cmd *cobra.Command, report auditReport, format string) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if report.Clean {
		fmt.Fprintf(out, "Clean: patient %s, %d records, no PII detected\n",
			report.PatientHash, report.Records)
		return nil
	}

	fmt.Fprintf(out, "PII detected in export for patient %s:\n", report.PatientHash)
	for _, finding := range report.Findings {
		fmt.Fprintf(out, "  %s:\n", finding.Subject)
		for _, v := range finding.Violations {
			fmt.Fprintf(out, "    - %s\n", v)
		}
	}
	return nil
}

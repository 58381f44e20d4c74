package anonymize

import (
	"context"
	"time"
)

// RawPatient is the identifiable patient row as read from the external
// persistence layer. Read-only to this pipeline.
type RawPatient struct {
	ID          string
	Name        string
	DateOfBirth time.Time
	// Attributes holds every other patient field keyed by its source name
	// (gender, bloodType, allergies, ...). Only whitelisted keys survive
	// anonymization.
	Attributes map[string]any
}

// RawRecord is one identifiable clinical record belonging to a patient.
type RawRecord struct {
	ID        string
	PatientID string
	// Context is the care setting the record was produced in (uti,
	// enfermaria, emergencia, patient_reported, ...). Drives chunking
	// strategy selection downstream.
	Context string
	Type    string
	Title   string
	Date    time.Time
	// Content is free text that may embed inline #TAG / >>TAG markers.
	Content   string
	Tags      []string
	IsDeleted bool
}

// AnonymizedPatient is the whitelisted, pseudonymized patient projection.
type AnonymizedPatient struct {
	ID          string         `json:"id"`
	PatientHash string         `json:"patient_hash"`
	AgeBucket   string         `json:"age_bucket"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Meta        PatientMeta    `json:"meta"`
}

// PatientMeta tags an anonymized patient with provenance information.
type PatientMeta struct {
	AnonymizerVersion string `json:"anonymizer_version"`
	GeneratedAt       string `json:"generated_at"`
}

// AnonymizedRecord is one record with PII stripped and dates made relative.
// ContentRedacted must contain no blacklisted values; strict mode enforces
// this at construction time.
type AnonymizedRecord struct {
	RecordHash  string `json:"record_hash"`
	PatientHash string `json:"patient_hash"`
	Context     string `json:"context"`
	Type        string `json:"type"`
	// RelativeDate is "Day +N", "Day -N" or "Day 0"; empty when either the
	// record date or the reference date is unknown.
	RelativeDate    string   `json:"relative_date"`
	DayOffset       int      `json:"day_offset"`
	ContentRedacted string   `json:"content_redacted"`
	Tags            []string `json:"tags"`
}

// PatientDocument is the full anonymized export for one patient, ready for
// chunking and indexing.
type PatientDocument struct {
	PatientHash string             `json:"patient_hash"`
	Patient     AnonymizedPatient  `json:"patient"`
	Timeline    []AnonymizedRecord `json:"timeline"`
	Meta        ExportMeta         `json:"meta"`
}

// ExportMeta reports export counts for observability.
type ExportMeta struct {
	TotalRecords    int    `json:"total_records"`
	AnonymizedCount int    `json:"anonymized_count"`
	SkippedCount    int    `json:"skipped_count"`
	DocPath         string `json:"doc_path"`
}

// AuditResult is the outcome of a PII audit pass.
type AuditResult struct {
	HasPII     bool
	Violations []string
}

// PatientRepository reads raw patients from the owning persistence layer.
type PatientRepository interface {
	// GetPatient returns the patient or a not-found error.
	GetPatient(ctx context.Context, patientID string) (*RawPatient, error)
}

// RecordRepository reads raw records from the owning persistence layer.
type RecordRepository interface {
	// ListRecords returns the patient's non-deleted records ordered by
	// date ascending.
	ListRecords(ctx context.Context, patientID string) ([]RawRecord, error)
}

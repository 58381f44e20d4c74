// Package anonymize converts identifiable patient data into a
// PII-minimized representation: pseudonymized identifiers, bucketed ages,
// relative dates, whitelisted fields, and redacted free text, with a
// fail-closed audit in strict mode.
package anonymize

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/prontu-labs/clinrag/internal/config"
	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
	"github.com/prontu-labs/clinrag/internal/redact"
)

// Version tags exported documents so stale exports can be detected after
// anonymization rules change.
const Version = "1.0.0"

// safeFields is the closed-world whitelist: any attribute not listed here
// is dropped, including fields added to the schema after this list was
// written.
var safeFields = []string{
	"id", "gender", "bloodType", "race_color", // demographics
	"weight", "height", "bmi", // anthropometrics
	"allergies", "chronicConditions", "medications", // structured clinical history
	"type", "title", "specialty", // record metadata
}

// blacklistFields must never appear as keys in anonymized output.
var blacklistFields = []string{
	"name", "full_name", "patient_name",
	"email", "personal_email",
	"phone", "cellphone", "telephone", "mobile",
	"cpf", "rg", "cns", "cnh", "passport",
	"address", "street", "city", "state", "zipCode", "zip_code",
	"birthDate", "dateOfBirth",
	"mother_name", "father_name",
	"emergencyContactName", "emergencyContactPhone",
}

// Anonymizer produces anonymized patients, records and full exports.
// Construct with New; construction fails if the key is weak.
type Anonymizer struct {
	key        []byte
	strict     bool
	bucketSize int
	ageCap     int
	maxSkipped int

	redactor *redact.Redactor
	patients PatientRepository
	records  RecordRepository
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Anonymizer.
type Option func(*Anonymizer)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(a *Anonymizer) { a.logger = logger }
}

// WithClock overrides the time source, used by tests to pin age math.
func WithClock(now func() time.Time) Option {
	return func(a *Anonymizer) { a.now = now }
}

// New creates an Anonymizer. Fails fast when the key is missing or below
// the minimum length, pseudonyms under a weak key are guessable, so the
// pipeline must not start.
func New(cfg config.AnonymizationConfig, patients PatientRepository, records RecordRepository, opts ...Option) (*Anonymizer, error) {
	if len(cfg.Key) < config.MinKeyLength {
		return nil, clinerrors.WeakKeyError(fmt.Sprintf(
			"anonymizer key is missing or too weak (min %d chars)", config.MinKeyLength))
	}

	a := &Anonymizer{
		key:        []byte(cfg.Key),
		strict:     cfg.StrictMode,
		bucketSize: cfg.AgeBucketSize,
		ageCap:     cfg.AgeCap,
		maxSkipped: cfg.MaxSkippedRecords,
		redactor:   redact.New(),
		patients:   patients,
		records:    records,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// HashID pseudonymizes an identifier with HMAC-SHA256. Deterministic: the
// same input under the same key always yields the same hash, across
// processes. Empty input yields empty output.
func (a *Anonymizer) HashID(id string) string {
	if id == "" {
		return ""
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// AgeBucket maps a date of birth to a coarse range like "30-34", or the
// capped label "90+" at and above the configured ceiling. A zero date
// yields "Unknown".
func (a *Anonymizer) AgeBucket(dateOfBirth time.Time) string {
	if dateOfBirth.IsZero() {
		return "Unknown"
	}

	now := a.now()
	age := now.Year() - dateOfBirth.Year()
	if now.YearDay() < dateOfBirth.YearDay() {
		age--
	}
	if age < 0 {
		age = 0
	}

	if age >= a.ageCap {
		return fmt.Sprintf("%d+", a.ageCap)
	}

	lower := (age / a.bucketSize) * a.bucketSize
	return fmt.Sprintf("%d-%d", lower, lower+a.bucketSize-1)
}

// RelativeDay renders target relative to reference as "Day +N", "Day -N"
// or "Day 0", rounded to the nearest whole day. Returns ok=false when
// either date is unknown.
func (a *Anonymizer) RelativeDay(target, reference time.Time) (label string, offset int, ok bool) {
	if target.IsZero() || reference.IsZero() {
		return "", 0, false
	}

	days := int(math.Round(target.Sub(reference).Hours() / 24))
	switch {
	case days > 0:
		return fmt.Sprintf("Day +%d", days), days, true
	case days < 0:
		return fmt.Sprintf("Day %d", days), days, true
	default:
		return "Day 0", 0, true
	}
}

// FilterSafeFields projects attrs onto the whitelist. Closed-world: keys
// not enumerated in safeFields are dropped, whatever they are.
func (a *Anonymizer) FilterSafeFields(attrs map[string]any) map[string]any {
	safe := make(map[string]any)
	for _, field := range safeFields {
		if v, ok := attrs[field]; ok && v != nil {
			safe[field] = v
		}
	}
	return safe
}

// AuditForPII runs two independent checks over the JSON serialization of
// obj: blacklisted field names appearing as keys, and redaction-pattern
// matches catching raw PII values that slipped past redaction. Placeholder
// strings never match, the patterns match the PII itself.
func (a *Anonymizer) AuditForPII(obj any) AuditResult {
	data, err := json.Marshal(obj)
	if err != nil {
		return AuditResult{HasPII: true, Violations: []string{
			fmt.Sprintf("serialization failed: %v", err),
		}}
	}
	jsonStr := strings.ToLower(string(data))

	var violations []string
	for _, field := range blacklistFields {
		if strings.Contains(jsonStr, `"`+strings.ToLower(field)+`":`) {
			violations = append(violations,
				fmt.Sprintf("schema violation: field %q detected in output", field))
		}
	}

	if found, names := redact.ContainsPII(jsonStr); found {
		for _, name := range names {
			violations = append(violations,
				fmt.Sprintf("content violation: potential %s detected", strings.ToUpper(name)))
		}
	}

	return AuditResult{HasPII: len(violations) > 0, Violations: violations}
}

// AnonymizePatient builds the whitelisted, pseudonymized patient
// projection. The raw ID is replaced by its hash in both id and
// patient_hash.
func (a *Anonymizer) AnonymizePatient(p *RawPatient) AnonymizedPatient {
	hash := a.HashID(p.ID)
	return AnonymizedPatient{
		ID:          hash,
		PatientHash: hash,
		AgeBucket:   a.AgeBucket(p.DateOfBirth),
		Attributes:  a.FilterSafeFields(p.Attributes),
		Meta: PatientMeta{
			AnonymizerVersion: Version,
			GeneratedAt:       a.now().UTC().Format(time.RFC3339),
		},
	}
}

// AnonymizeRecord redacts one record's free text, seeded with the
// patient's real name for self-leakage removal, and converts its date to a
// relative day. The output is always re-audited; any violation yields a
// distinct audit-failure error. Whether that error aborts a whole export
// or just skips the record is decided by Export per the strictness policy.
func (a *Anonymizer) AnonymizeRecord(r RawRecord, patient *RawPatient) (*AnonymizedRecord, error) {
	redacted := a.redactor.Process(r.Content, redact.Context{PatientName: patient.Name})
	label, offset, _ := a.RelativeDay(r.Date, patient.DateOfBirth)

	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}

	rec := &AnonymizedRecord{
		RecordHash:      a.HashID(r.ID),
		PatientHash:     a.HashID(patient.ID),
		Context:         r.Context,
		Type:            r.Type,
		RelativeDate:    label,
		DayOffset:       offset,
		ContentRedacted: redacted,
		Tags:            tags,
	}

	if audit := a.AuditForPII(rec); audit.HasPII {
		a.logger.Error("pii_audit_failed",
			"record_hash", rec.RecordHash,
			"violations", len(audit.Violations))
		return nil, clinerrors.AuditError(
			"anonymized record contains prohibited data", audit.Violations)
	}

	return rec, nil
}

// Export orchestrates the full anonymized export for one patient: fetch,
// anonymize patient, anonymize each record. Strict mode is fail-closed,
// any record's audit failure aborts the whole export. Non-strict mode
// skips and counts failing records, aborting only when the configured
// skip threshold is exceeded.
func (a *Anonymizer) Export(ctx context.Context, patientID string) (*PatientDocument, error) {
	patient, err := a.patients.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, clinerrors.NotFoundError(fmt.Sprintf("patient %s not found", patientID))
	}

	records, err := a.records.ListRecords(ctx, patientID)
	if err != nil {
		return nil, err
	}

	anonPatient := a.AnonymizePatient(patient)

	timeline := make([]AnonymizedRecord, 0, len(records))
	skipped := 0
	for _, record := range records {
		rec, err := a.AnonymizeRecord(record, patient)
		if err != nil {
			if !clinerrors.IsAuditFailure(err) {
				return nil, err
			}
			if a.strict {
				return nil, err
			}

			skipped++
			a.logger.Warn("record_skipped",
				"patient_hash", anonPatient.PatientHash,
				"record_hash", a.HashID(record.ID),
				"skipped_so_far", skipped)

			if a.maxSkipped > 0 && skipped > a.maxSkipped {
				return nil, clinerrors.AuditError(
					fmt.Sprintf("export aborted: %d records skipped, threshold is %d", skipped, a.maxSkipped),
					nil)
			}
			continue
		}
		timeline = append(timeline, *rec)
	}

	a.logger.Info("patient_exported",
		"patient_hash", anonPatient.PatientHash,
		"total_records", len(records),
		"anonymized", len(timeline),
		"skipped", skipped)

	return &PatientDocument{
		PatientHash: anonPatient.PatientHash,
		Patient:     anonPatient,
		Timeline:    timeline,
		Meta: ExportMeta{
			TotalRecords:    len(records),
			AnonymizedCount: len(timeline),
			SkippedCount:    skipped,
			DocPath:         fmt.Sprintf("patient/%s/full_history", anonPatient.PatientHash),
		},
	}, nil
}

// Strict reports whether strict (fail-closed) auditing is enabled.
func (a *Anonymizer) Strict() bool {
	return a.strict
}

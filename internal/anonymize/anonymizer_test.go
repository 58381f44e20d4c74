package anonymize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prontu-labs/clinrag/internal/config"
	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
)

const testKey = "0123456789abcdef0123456789abcdef"

// fakeRepo implements both repository interfaces over in-memory data.
type fakeRepo struct {
	patient *RawPatient
	records []RawRecord
	err     error
}

func (f *fakeRepo) GetPatient(_ context.Context, _ string) (*RawPatient, error) {
	return f.patient, f.err
}

func (f *fakeRepo) ListRecords(_ context.Context, _ string) ([]RawRecord, error) {
	return f.records, f.err
}

func testConfig(strict bool) config.AnonymizationConfig {
	return config.AnonymizationConfig{
		Key:           testKey,
		StrictMode:    strict,
		AgeBucketSize: 5,
		AgeCap:        90,
	}
}

func newTestAnonymizer(t *testing.T, strict bool, repo *fakeRepo) *Anonymizer {
	t.Helper()
	if repo == nil {
		repo = &fakeRepo{}
	}
	a, err := New(testConfig(strict), repo, repo,
		WithClock(func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) }))
	require.NoError(t, err)
	return a
}

func TestNew_WeakKeyFails(t *testing.T) {
	repo := &fakeRepo{}
	_, err := New(config.AnonymizationConfig{Key: "short", AgeBucketSize: 5, AgeCap: 90}, repo, repo)
	require.Error(t, err)
	assert.Equal(t, clinerrors.ErrCodeWeakKey, clinerrors.GetCode(err))
}

func TestHashID_Deterministic(t *testing.T) {
	a := newTestAnonymizer(t, true, nil)

	h1 := a.HashID("patient-123")
	h2 := a.HashID("patient-123")
	h3 := a.HashID("patient-456")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.NotEqual(t, "patient-123", h1)
	assert.Len(t, h1, 64) // hex-encoded SHA-256
	assert.Equal(t, "", a.HashID(""))
}

func TestAgeBucket(t *testing.T) {
	a := newTestAnonymizer(t, true, nil) // clock pinned to 2026-06-15

	tests := []struct {
		name string
		dob  time.Time
		want string
	}{
		{"32 year old", time.Date(1994, 3, 1, 0, 0, 0, 0, time.UTC), "30-34"},
		{"exact bucket boundary", time.Date(1996, 6, 1, 0, 0, 0, 0, time.UTC), "30-34"},
		{"29 year old", time.Date(1996, 12, 1, 0, 0, 0, 0, time.UTC), "25-29"},
		{"95 year old capped", time.Date(1931, 1, 1, 0, 0, 0, 0, time.UTC), "90+"},
		{"exactly at cap", time.Date(1936, 1, 1, 0, 0, 0, 0, time.UTC), "90+"},
		{"newborn", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), "0-4"},
		{"unknown dob", time.Time{}, "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.AgeBucket(tt.dob))
		})
	}
}

func TestRelativeDay(t *testing.T) {
	a := newTestAnonymizer(t, true, nil)
	ref := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		target     time.Time
		wantLabel  string
		wantOffset int
	}{
		{"after reference", ref.AddDate(0, 0, 120), "Day +120", 120},
		{"before reference", ref.AddDate(0, 0, -30), "Day -30", -30},
		{"same day", ref, "Day 0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, offset, ok := a.RelativeDay(tt.target, ref)
			assert.True(t, ok)
			assert.Equal(t, tt.wantLabel, label)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}

	_, _, ok := a.RelativeDay(time.Time{}, ref)
	assert.False(t, ok)
}

func TestFilterSafeFields(t *testing.T) {
	a := newTestAnonymizer(t, true, nil)

	filtered := a.FilterSafeFields(map[string]any{
		"gender":          "F",
		"bloodType":       "O+",
		"weight":          72.5,
		"name":            "Maria Silva",
		"cpf":             "123.456.789-00",
		"email":           "maria@example.com",
		"brand_new_field": "unknown fields are dropped too",
	})

	assert.Equal(t, "F", filtered["gender"])
	assert.Equal(t, "O+", filtered["bloodType"])
	assert.Equal(t, 72.5, filtered["weight"])
	assert.NotContains(t, filtered, "name")
	assert.NotContains(t, filtered, "cpf")
	assert.NotContains(t, filtered, "email")
	assert.NotContains(t, filtered, "brand_new_field")
}

func TestAuditForPII(t *testing.T) {
	a := newTestAnonymizer(t, true, nil)

	t.Run("clean object passes", func(t *testing.T) {
		result := a.AuditForPII(map[string]any{
			"content_redacted": "Paciente estável, CPF [CPF_REDACTED].",
		})
		assert.False(t, result.HasPII)
		assert.Empty(t, result.Violations)
	})

	t.Run("blacklisted key is a violation", func(t *testing.T) {
		result := a.AuditForPII(map[string]any{"name": "Maria"})
		assert.True(t, result.HasPII)
		require.NotEmpty(t, result.Violations)
		assert.Contains(t, result.Violations[0], "name")
	})

	t.Run("raw pii value is a violation", func(t *testing.T) {
		result := a.AuditForPII(map[string]any{
			"content_redacted": "CPF do paciente: 123.456.789-00",
		})
		assert.True(t, result.HasPII)
	})
}

func TestAnonymizePatient(t *testing.T) {
	a := newTestAnonymizer(t, true, nil)

	patient := &RawPatient{
		ID:          "p-1",
		Name:        "Maria Aparecida",
		DateOfBirth: time.Date(1994, 3, 1, 0, 0, 0, 0, time.UTC),
		Attributes: map[string]any{
			"gender": "F",
			"name":   "Maria Aparecida",
		},
	}

	anon := a.AnonymizePatient(patient)
	assert.Equal(t, a.HashID("p-1"), anon.PatientHash)
	assert.Equal(t, anon.PatientHash, anon.ID)
	assert.Equal(t, "30-34", anon.AgeBucket)
	assert.Equal(t, "F", anon.Attributes["gender"])
	assert.NotContains(t, anon.Attributes, "name")
	assert.Equal(t, Version, anon.Meta.AnonymizerVersion)
}

func TestAnonymizeRecord_RedactsAndDates(t *testing.T) {
	a := newTestAnonymizer(t, true, nil)

	patient := &RawPatient{
		ID:          "p-1",
		Name:        "Maria Aparecida",
		DateOfBirth: time.Date(1994, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	record := RawRecord{
		ID:      "r-1",
		Context: "uti",
		Type:    "evolution",
		Date:    patient.DateOfBirth.AddDate(0, 0, 45),
		Content: "Maria Aparecida refere dor. Contato: maria@example.com",
	}

	rec, err := a.AnonymizeRecord(record, patient)
	require.NoError(t, err)

	assert.Equal(t, a.HashID("r-1"), rec.RecordHash)
	assert.Equal(t, a.HashID("p-1"), rec.PatientHash)
	assert.Equal(t, "Day +45", rec.RelativeDate)
	assert.Equal(t, 45, rec.DayOffset)
	assert.NotContains(t, rec.ContentRedacted, "Maria Aparecida")
	assert.NotContains(t, rec.ContentRedacted, "maria@example.com")
	assert.Contains(t, rec.ContentRedacted, "[PATIENT_NAME]")
	assert.Contains(t, rec.ContentRedacted, "[EMAIL_REDACTED]")
	assert.NotNil(t, rec.Tags)
}

func TestAnonymizeRecord_AuditCatchesLeak(t *testing.T) {
	a := newTestAnonymizer(t, true, nil)

	patient := &RawPatient{ID: "p-1", Name: "Maria"}
	// Tags bypass redaction (only content is processed), so a raw CPF in a
	// tag is exactly the kind of leak the audit exists to catch.
	record := RawRecord{
		ID:      "r-1",
		Context: "uti",
		Content: "ok",
		Tags:    []string{"123.456.789-00"},
	}

	_, err := a.AnonymizeRecord(record, patient)
	require.Error(t, err)
	assert.True(t, clinerrors.IsAuditFailure(err))
}

func TestExport_HappyPath(t *testing.T) {
	dob := time.Date(1994, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakeRepo{
		patient: &RawPatient{
			ID: "p-1", Name: "Maria Aparecida", DateOfBirth: dob,
			Attributes: map[string]any{"gender": "F"},
		},
		records: []RawRecord{
			{ID: "r-1", Context: "uti", Date: dob.AddDate(0, 0, 10), Content: "evolui bem"},
			{ID: "r-2", Context: "emergencia", Date: dob.AddDate(0, 0, 12), Content: "dor toracica"},
		},
	}
	a := newTestAnonymizer(t, true, repo)

	doc, err := a.Export(context.Background(), "p-1")
	require.NoError(t, err)

	assert.Equal(t, a.HashID("p-1"), doc.PatientHash)
	assert.Len(t, doc.Timeline, 2)
	assert.Equal(t, 2, doc.Meta.TotalRecords)
	assert.Equal(t, 2, doc.Meta.AnonymizedCount)
	assert.Equal(t, 0, doc.Meta.SkippedCount)
	assert.Equal(t, "patient/"+doc.PatientHash+"/full_history", doc.Meta.DocPath)
}

func TestExport_PatientNotFound(t *testing.T) {
	a := newTestAnonymizer(t, true, &fakeRepo{patient: nil})

	_, err := a.Export(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, clinerrors.IsNotFound(err))
}

func TestExport_StrictAbortsOnAuditFailure(t *testing.T) {
	repo := &fakeRepo{
		patient: &RawPatient{ID: "p-1", Name: "Maria"},
		records: []RawRecord{
			{ID: "r-1", Content: "ok"},
			{ID: "r-2", Content: "ok", Tags: []string{"123.456.789-00"}},
		},
	}
	a := newTestAnonymizer(t, true, repo)

	_, err := a.Export(context.Background(), "p-1")
	require.Error(t, err)
	assert.True(t, clinerrors.IsAuditFailure(err))
}

func TestExport_NonStrictSkipsAndCounts(t *testing.T) {
	repo := &fakeRepo{
		patient: &RawPatient{ID: "p-1", Name: "Maria"},
		records: []RawRecord{
			{ID: "r-1", Content: "ok"},
			{ID: "r-2", Content: "ok", Tags: []string{"123.456.789-00"}},
			{ID: "r-3", Content: "tambem ok"},
		},
	}
	a := newTestAnonymizer(t, false, repo)
	doc, err := a.Export(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Meta.TotalRecords)
	assert.Equal(t, 2, doc.Meta.AnonymizedCount)
	assert.Equal(t, 1, doc.Meta.SkippedCount)

	// The failing record is absent from the timeline, the rest survive.
	hashes := []string{doc.Timeline[0].RecordHash, doc.Timeline[1].RecordHash}
	assert.NotContains(t, hashes, a.HashID("r-2"))
}

func TestExport_SkipThresholdAborts(t *testing.T) {
	leaky := func(id string) RawRecord {
		return RawRecord{ID: id, Content: "ok", Tags: []string{"123.456.789-00"}}
	}
	repo := &fakeRepo{
		patient: &RawPatient{ID: "p-1", Name: "Maria"},
		records: []RawRecord{leaky("r-1"), leaky("r-2")},
	}
	cfg := testConfig(false)
	cfg.MaxSkippedRecords = 1
	a, err := New(cfg, repo, repo)
	require.NoError(t, err)

	_, err = a.Export(context.Background(), "p-1")
	require.Error(t, err)
	assert.True(t, clinerrors.IsAuditFailure(err))
}

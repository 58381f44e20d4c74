package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/prontu-labs/clinrag/internal/anonymize"
	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
)

// patientFile is the raw patient export the CLI reads. One file holds one
// identifiable patient and their records; anonymization happens in-process
// before anything is indexed.
type patientFile struct {
	Patient rawPatientJSON  `json:"patient"`
	Records []rawRecordJSON `json:"records"`
}

type rawPatientJSON struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	DateOfBirth string         `json:"date_of_birth"`
	Attributes  map[string]any `json:"attributes"`
}

type rawRecordJSON struct {
	ID      string   `json:"id"`
	Context string   `json:"context"`
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Date    string   `json:"date"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
	Deleted bool     `json:"deleted"`
}

// fileRepository serves one patient file through the repository interfaces
// the anonymizer consumes.
type fileRepository struct {
	patient anonymize.RawPatient
	records []anonymize.RawRecord
}

var _ anonymize.PatientRepository = (*fileRepository)(nil)
var _ anonymize.RecordRepository = (*fileRepository)(nil)

// loadPatientFile reads and validates a patient JSON file.
func loadPatientFile(path string) (*fileRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, clinerrors.New(clinerrors.ErrCodeInvalidInput,
			fmt.Sprintf("failed to read patient file %s", path), err)
	}

	var pf patientFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, clinerrors.New(clinerrors.ErrCodeInvalidInput,
			fmt.Sprintf("failed to parse patient file %s", path), err)
	}
	if pf.Patient.ID == "" {
		return nil, clinerrors.New(clinerrors.ErrCodeInvalidInput,
			fmt.Sprintf("patient file %s has no patient.id", path), nil)
	}

	dob, err := parseDate(pf.Patient.DateOfBirth)
	if err != nil {
		return nil, clinerrors.New(clinerrors.ErrCodeInvalidInput,
			fmt.Sprintf("invalid patient.date_of_birth %q", pf.Patient.DateOfBirth), err)
	}

	repo := &fileRepository{
		patient: anonymize.RawPatient{
			ID:          pf.Patient.ID,
			Name:        pf.Patient.Name,
			DateOfBirth: dob,
			Attributes:  pf.Patient.Attributes,
		},
	}

	for _, r := range pf.Records {
		date, err := parseDate(r.Date)
		if err != nil {
			return nil, clinerrors.New(clinerrors.ErrCodeInvalidInput,
				fmt.Sprintf("record %s has invalid date %q", r.ID, r.Date), err)
		}
		repo.records = append(repo.records, anonymize.RawRecord{
			ID:        r.ID,
			PatientID: pf.Patient.ID,
			Context:   r.Context,
			Type:      r.Type,
			Title:     r.Title,
			Date:      date,
			Content:   r.Content,
			Tags:      r.Tags,
			IsDeleted: r.Deleted,
		})
	}

	return repo, nil
}

// parseDate accepts date-only and RFC 3339 timestamps. Empty is a valid
// unknown date.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// PatientID returns the file's patient identifier.
func (f *fileRepository) PatientID() string {
	return f.patient.ID
}

// multiRepository dispatches repository reads across several patient
// files so one index run can cover a batch of patients.
type multiRepository struct {
	files map[string]*fileRepository
}

var _ anonymize.PatientRepository = (*multiRepository)(nil)
var _ anonymize.RecordRepository = (*multiRepository)(nil)

// loadPatientFiles reads a batch of patient files. Two files for the
// same patient are rejected rather than silently merged.
func loadPatientFiles(paths []string) (*multiRepository, []string, error) {
	repo := &multiRepository{files: make(map[string]*fileRepository, len(paths))}
	ids := make([]string, 0, len(paths))

	for _, path := range paths {
		f, err := loadPatientFile(path)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := repo.files[f.PatientID()]; dup {
			return nil, nil, clinerrors.New(clinerrors.ErrCodeInvalidInput,
				fmt.Sprintf("patient %s appears in more than one file", f.PatientID()), nil)
		}
		repo.files[f.PatientID()] = f
		ids = append(ids, f.PatientID())
	}

	return repo, ids, nil
}

func (m *multiRepository) GetPatient(ctx context.Context, patientID string) (*anonymize.RawPatient, error) {
	f, ok := m.files[patientID]
	if !ok {
		return nil, nil
	}
	return f.GetPatient(ctx, patientID)
}

func (m *multiRepository) ListRecords(ctx context.Context, patientID string) ([]anonymize.RawRecord, error) {
	f, ok := m.files[patientID]
	if !ok {
		return nil, nil
	}
	return f.ListRecords(ctx, patientID)
}

func (f *fileRepository) GetPatient(_ context.Context, patientID string) (*anonymize.RawPatient, error) {
	if patientID != f.patient.ID {
		return nil, nil
	}
	p := f.patient
	return &p, nil
}

func (f *fileRepository) ListRecords(_ context.Context, patientID string) ([]anonymize.RawRecord, error) {
	if patientID != f.patient.ID {
		return nil, nil
	}

	records := make([]anonymize.RawRecord, 0, len(f.records))
	for _, r := range f.records {
		if r.IsDeleted {
			continue
		}
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.Before(records[j].Date)
	})
	return records, nil
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prontu-labs/clinrag/internal/config"
	"github.com/prontu-labs/clinrag/internal/search"
)

const testKey = "0123456789abcdef0123456789abcdef"

// writeTestConfig writes a config using the offline static embedder and
// keeps all pipeline state under the test's temp directory.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	t.Setenv("CLINRAG_ANONYMIZER_KEY", testKey)

	cfgYAML := fmt.Sprintf(`version: 1
paths:
  data_dir: %s
embeddings:
  provider: static
  dimensions: 64
logging:
  level: info
  file_path: %s
`, filepath.Join(dir, "data"), filepath.Join(dir, "logs", "pipeline.log"))

	path := filepath.Join(dir, "clinrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0o600))
	return path
}

func writePatientFile(t *testing.T, dir, patientID string) string {
	t.Helper()

	pf := patientFile{
		Patient: rawPatientJSON{
			ID:          patientID,
			Name:        "Carlos Pereira",
			DateOfBirth: "1960-05-02",
			Attributes:  map[string]any{"gender": "M"},
		},
		Records: []rawRecordJSON{
			{
				ID:      "r-1",
				Context: "uti",
				Type:    "evolucao",
				Date:    "1960-05-04",
				Content: "#HMA: dispneia progressiva\n#EF: estertores bibasais",
				Tags:    []string{"evolucao"},
			},
			{
				ID:      "r-2",
				Context: "emergencia",
				Type:    "admissao",
				Date:    "1960-05-03",
				Content: "Paciente admitido com dor toracica em aperto.",
				Tags:    []string{"admissao"},
			},
		},
	}

	data, err := json.Marshal(pf)
	require.NoError(t, err)

	path := filepath.Join(dir, patientID+".json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

func TestIndexThenSearch_EndToEnd(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := writeTestConfig(t, tmpDir)
	patientPath := writePatientFile(t, tmpDir, "p-1")

	out, err := runCLI(t, "--config", cfgPath, "index", patientPath, "--format", "json")
	require.NoError(t, err)

	var reports []indexReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Empty(t, reports[0].Error)
	assert.Greater(t, reports[0].Chunks, 0)
	assert.Len(t, reports[0].PatientHash, 64, "store key is the pseudonym, not the raw ID")

	// A separate invocation reopens the persisted stores from disk.
	out, err = runCLI(t, "--config", cfgPath, "search", "dispneia",
		"--patient-id", "p-1", "--format", "json")
	require.NoError(t, err)

	var results []search.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.NotContains(t, r.Content, "Carlos", "raw patient name must never surface")
	}
}

func TestIndexCmd_BatchReportsPerPatient(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := writeTestConfig(t, tmpDir)
	first := writePatientFile(t, tmpDir, "p-1")
	second := writePatientFile(t, tmpDir, "p-2")

	out, err := runCLI(t, "--config", cfgPath, "index", first, second, "--format", "json")
	require.NoError(t, err)

	var reports []indexReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 2)
	assert.NotEqual(t, reports[0].PatientHash, reports[1].PatientHash)
}

func TestIndexCmd_RejectsDuplicatePatient(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := writeTestConfig(t, tmpDir)
	path := writePatientFile(t, tmpDir, "p-1")

	_, err := runCLI(t, "--config", cfgPath, "index", path, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one file")
}

func TestSearchCmd_RequiresPatient(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := writeTestConfig(t, tmpDir)

	_, err := runCLI(t, "--config", cfgPath, "search", "dispneia")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--patient")
}

func TestResolvePatientHash(t *testing.T) {
	cfg := config.AnonymizationConfig{Key: testKey}

	_, err := resolvePatientHash(cfg, searchOptions{patientHash: "abc", patientID: "p-1"})
	require.Error(t, err, "hash and raw ID are mutually exclusive")

	hash, err := resolvePatientHash(cfg, searchOptions{patientHash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", hash)

	hashed, err := resolvePatientHash(cfg, searchOptions{patientID: "p-1"})
	require.NoError(t, err)
	assert.Len(t, hashed, 64)
	assert.NotEqual(t, "p-1", hashed)
}

func TestAuditCmd_CleanExport(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := writeTestConfig(t, tmpDir)

	export := map[string]any{
		"patient_hash": strings.Repeat("ab", 32),
		"patient": map[string]any{
			"age_bucket": "60-64",
			"attributes": map[string]any{"gender": "M"},
		},
		"timeline": []map[string]any{
			{
				"record_hash":      "aaaabbbbccccdddd",
				"context":          "uti",
				"relative_date":    "Day +2",
				"day_offset":       2,
				"content_redacted": "#HMA: dispneia progressiva",
				"tags":             []string{"evolucao"},
			},
		},
	}
	data, err := json.Marshal(export)
	require.NoError(t, err)
	exportPath := filepath.Join(tmpDir, "export.json")
	require.NoError(t, os.WriteFile(exportPath, data, 0o600))

	out, err := runCLI(t, "--config", cfgPath, "audit", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Clean")
}

func TestAuditCmd_DetectsPII(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := writeTestConfig(t, tmpDir)

	export := map[string]any{
		"patient_hash": strings.Repeat("ab", 32),
		"patient": map[string]any{
			"age_bucket": "60-64",
		},
		"timeline": []map[string]any{
			{
				"record_hash":      "aaaabbbbccccdddd",
				"context":          "uti",
				"content_redacted": "Paciente CPF 123.456.789-01 em evolucao.",
			},
		},
	}
	data, err := json.Marshal(export)
	require.NoError(t, err)
	exportPath := filepath.Join(tmpDir, "export.json")
	require.NoError(t, os.WriteFile(exportPath, data, 0o600))

	out, err := runCLI(t, "--config", cfgPath, "audit", exportPath)
	require.Error(t, err)
	assert.Contains(t, out, "CPF")
}

func TestLoadPatientFile(t *testing.T) {
	tmpDir := t.TempDir()

	pf := patientFile{
		Patient: rawPatientJSON{ID: "p-1", Name: "Ana", DateOfBirth: "1990-01-15"},
		Records: []rawRecordJSON{
			{ID: "r-2", Date: "1990-02-01", Content: "later"},
			{ID: "r-1", Date: "1990-01-20", Content: "earlier"},
			{ID: "r-3", Date: "1990-03-01", Content: "gone", Deleted: true},
		},
	}
	data, err := json.Marshal(pf)
	require.NoError(t, err)
	path := filepath.Join(tmpDir, "p.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	repo, err := loadPatientFile(path)
	require.NoError(t, err)
	assert.Equal(t, "p-1", repo.PatientID())

	records, err := repo.ListRecords(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, records, 2, "deleted records are excluded")
	assert.Equal(t, "r-1", records[0].ID, "records sort by date ascending")
	assert.Equal(t, "r-2", records[1].ID)

	missing, err := repo.GetPatient(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLoadPatientFile_InvalidDate(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "p.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"patient":{"id":"p-1","date_of_birth":"15/01/1990"}}`), 0o600))

	_, err := loadPatientFile(path)
	require.Error(t, err)
}

func TestFirstLines(t *testing.T) {
	content := "# Day +2\n\nlinha um\nlinha dois\nlinha tres\nlinha quatro"
	assert.Equal(t, "# Day +2 / linha um / linha dois", firstLines(content, 3))
	assert.Equal(t, "", firstLines("", 3))
}

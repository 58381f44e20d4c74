package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	clinerrors "github.com/prontu-labs/clinrag/internal/errors"
)

// SQLiteDocumentStore implements DocumentStore on SQLite with an FTS5
// virtual table for lexical search. WAL mode allows the search CLI to
// read while an index run writes.
type SQLiteDocumentStore struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	closed    bool
	stopWords map[string]struct{}
}

var _ DocumentStore = (*SQLiteDocumentStore)(nil)

// validateIntegrity checks a document database before opening it.
// Returns nil if valid, an error describing the corruption if not.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // will be created
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name IN ('documents', 'fts_content')`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count > 0 && count < 2 {
		return fmt.Errorf("partial schema: expected documents and fts_content tables")
	}

	return nil
}

// NewSQLiteDocumentStore opens (or creates) the document database.
// An empty path opens an in-memory database for testing.
func NewSQLiteDocumentStore(path string) (*SQLiteDocumentStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, clinerrors.StoreError(fmt.Sprintf("failed to create directory %s", dir), err)
		}

		if validErr := validateIntegrity(path); validErr != nil {
			slog.Warn("document_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			// Auto-clear: the database is derived data, a reindex rebuilds it.
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, clinerrors.New(clinerrors.ErrCodeCorruptIndex,
					fmt.Sprintf("document store corrupted at %s and cannot remove", path), removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("document_store_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please reindex"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, clinerrors.StoreError("failed to open database", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite; set pragmas explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536", // 64MB cache (negative = KB)
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, clinerrors.StoreError("failed to set pragma", err)
		}
	}

	s := &SQLiteDocumentStore{
		db:        db,
		path:      path,
		stopWords: BuildStopWordMap(DefaultClinicalStopWords),
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, clinerrors.StoreError("failed to initialize schema", err)
	}

	return s, nil
}

func (s *SQLiteDocumentStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- One row per chunk. Identity is (patient_hash, doc_path): reindexing
	-- a patient updates rows in place instead of accumulating duplicates.
	CREATE TABLE IF NOT EXISTS documents (
		patient_hash      TEXT NOT NULL,
		doc_path          TEXT NOT NULL,
		context           TEXT NOT NULL DEFAULT '',
		tags              TEXT NOT NULL DEFAULT '[]',
		content           TEXT NOT NULL,
		embedding_content TEXT NOT NULL,
		embedding         BLOB,
		metadata          TEXT NOT NULL DEFAULT '{}',
		day_offset        INTEGER,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		PRIMARY KEY (patient_hash, doc_path)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_context
		ON documents(patient_hash, context);

	-- FTS5 virtual table for BM25 lexical search.
	-- doc_key is UNINDEXED (stored but not searchable).
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_content USING fts5(
		doc_key UNINDEXED,
		content,
		tokenize='unicode61'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Upsert writes documents, updating in place on (patient_hash, doc_path).
func (s *SQLiteDocumentStore) Upsert(ctx context.Context, docs []*IndexedDocument) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return clinerrors.StoreError("store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return clinerrors.StoreError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (
			patient_hash, doc_path, context, tags, content,
			embedding_content, embedding, metadata, day_offset,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (patient_hash, doc_path) DO UPDATE SET
			context           = excluded.context,
			tags              = excluded.tags,
			content           = excluded.content,
			embedding_content = excluded.embedding_content,
			embedding         = excluded.embedding,
			metadata          = excluded.metadata,
			day_offset        = excluded.day_offset,
			updated_at        = excluded.updated_at`)
	if err != nil {
		return clinerrors.StoreError("failed to prepare upsert statement", err)
	}
	defer upsertStmt.Close()

	// FTS5 virtual tables don't support REPLACE, delete first.
	ftsDeleteStmt, err := tx.PrepareContext(ctx,
		`DELETE FROM fts_content WHERE doc_key = ?`)
	if err != nil {
		return clinerrors.StoreError("failed to prepare FTS delete statement", err)
	}
	defer ftsDeleteStmt.Close()

	ftsInsertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_content(doc_key, content) VALUES (?, ?)`)
	if err != nil {
		return clinerrors.StoreError("failed to prepare FTS insert statement", err)
	}
	defer ftsInsertStmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, doc := range docs {
		if doc.PatientHash == "" || doc.DocPath == "" {
			return clinerrors.New(clinerrors.ErrCodeInvalidInput,
				"document missing patient hash or doc path", nil)
		}

		tagsJSON, err := json.Marshal(doc.Tags)
		if err != nil {
			return clinerrors.StoreError("failed to marshal tags", err)
		}
		metaJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return clinerrors.StoreError("failed to marshal metadata", err)
		}

		var embedding any
		if doc.Embedding != nil {
			embedding = encodeVector(doc.Embedding)
		}
		var dayOffset any
		if doc.DayOffset != nil {
			dayOffset = *doc.DayOffset
		}

		if _, err := upsertStmt.ExecContext(ctx,
			doc.PatientHash, doc.DocPath, doc.Context, string(tagsJSON),
			doc.Content, doc.EmbeddingContent, embedding, string(metaJSON),
			dayOffset, now, now); err != nil {
			return clinerrors.StoreError(fmt.Sprintf("failed to upsert document %s", doc.DocPath), err)
		}

		key := doc.Key()
		tokens := FilterStopWords(TokenizeClinical(doc.Content), s.stopWords)

		if _, err := ftsDeleteStmt.ExecContext(ctx, key); err != nil {
			return clinerrors.StoreError(fmt.Sprintf("failed to delete FTS entry %s", key), err)
		}
		if _, err := ftsInsertStmt.ExecContext(ctx, key, strings.Join(tokens, " ")); err != nil {
			return clinerrors.StoreError(fmt.Sprintf("failed to index FTS entry %s", key), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return clinerrors.StoreError("failed to commit upsert", err)
	}
	return nil
}

// SearchLexical returns BM25-scored matches within the filters.
func (s *SQLiteDocumentStore) SearchLexical(ctx context.Context, query string, filters Filters, limit int) ([]*LexicalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, clinerrors.StoreError("store is closed", nil)
	}
	if err := filters.Validate(); err != nil {
		return nil, clinerrors.New(clinerrors.ErrCodeInvalidInput, err.Error(), nil)
	}

	tokens := FilterStopWords(TokenizeClinical(query), s.stopWords)
	if len(tokens) == 0 {
		return []*LexicalResult{}, nil
	}
	matchQuery := strings.Join(tokens, " ")

	where, args := filterConditions(filters)
	sqlQuery := fmt.Sprintf(`
		SELECT f.doc_key, bm25(fts_content) AS score
		FROM fts_content f
		JOIN documents d ON (d.patient_hash || ':' || d.doc_path) = f.doc_key
		WHERE f.content MATCH ? AND %s
		ORDER BY score
		LIMIT ?`, where)

	queryArgs := append([]any{matchQuery}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, queryArgs...)
	if err != nil {
		// FTS5 errors on invalid match syntax; treat as no results.
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []*LexicalResult{}, nil
		}
		return nil, clinerrors.New(clinerrors.ErrCodeSearchFailed, "lexical search failed", err)
	}
	defer rows.Close()

	var results []*LexicalResult
	for rows.Next() {
		var key string
		var score float64
		if err := rows.Scan(&key, &score); err != nil {
			return nil, clinerrors.New(clinerrors.ErrCodeSearchFailed, "failed to scan result", err)
		}
		// bm25() returns negative values where lower is better; negate so
		// higher positive means better match.
		results = append(results, &LexicalResult{
			Key:          key,
			Score:        -score,
			MatchedTerms: tokens,
		})
	}

	return results, rows.Err()
}

// FilterKeys returns keys of embedded documents matching the filters.
func (s *SQLiteDocumentStore) FilterKeys(ctx context.Context, filters Filters) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, clinerrors.StoreError("store is closed", nil)
	}
	if err := filters.Validate(); err != nil {
		return nil, clinerrors.New(clinerrors.ErrCodeInvalidInput, err.Error(), nil)
	}

	where, args := filterConditions(filters)
	sqlQuery := fmt.Sprintf(`
		SELECT d.patient_hash || ':' || d.doc_path
		FROM documents d
		WHERE d.embedding IS NOT NULL AND %s`, where)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, clinerrors.StoreError("failed to query filter keys", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, clinerrors.StoreError("failed to scan key", err)
		}
		keys[key] = struct{}{}
	}

	return keys, rows.Err()
}

// filterConditions builds the WHERE fragment for a validated filter set.
// The fragment always has at least the patient hash condition.
func filterConditions(f Filters) (string, []any) {
	conds := []string{"d.patient_hash = ?"}
	args := []any{f.PatientHash}

	if f.Context != "" {
		conds = append(conds, "d.context = ?")
		args = append(args, f.Context)
	}
	for _, tag := range f.Tags {
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each(d.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}
	if f.DayOffsetFrom != nil {
		conds = append(conds, "d.day_offset >= ?")
		args = append(args, *f.DayOffsetFrom)
	}
	if f.DayOffsetTo != nil {
		conds = append(conds, "d.day_offset <= ?")
		args = append(args, *f.DayOffsetTo)
	}
	if f.DocPathPrefix != "" {
		conds = append(conds, "substr(d.doc_path, 1, ?) = ?")
		args = append(args, len(f.DocPathPrefix), f.DocPathPrefix)
	}

	return strings.Join(conds, " AND "), args
}

const documentColumns = `patient_hash, doc_path, context, tags, content,
	embedding_content, embedding, metadata, day_offset, created_at, updated_at`

// Get returns one document or nil when absent.
func (s *SQLiteDocumentStore) Get(ctx context.Context, patientHash, docPath string) (*IndexedDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, clinerrors.StoreError("store is closed", nil)
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM documents WHERE patient_hash = ? AND doc_path = ?`, documentColumns),
		patientHash, docPath)

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, clinerrors.StoreError("failed to get document", err)
	}
	return doc, nil
}

// GetByKeys returns documents for the given composite keys.
func (s *SQLiteDocumentStore) GetByKeys(ctx context.Context, keys []string) ([]*IndexedDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, clinerrors.StoreError("store is closed", nil)
	}
	if len(keys) == 0 {
		return []*IndexedDocument{}, nil
	}

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		placeholders[i] = "?"
		args[i] = key
	}

	sqlQuery := fmt.Sprintf(
		`SELECT %s FROM documents
		 WHERE (patient_hash || ':' || doc_path) IN (%s)`,
		documentColumns, strings.Join(placeholders, ","))

	return s.queryDocuments(ctx, sqlQuery, args...)
}

// GetByPaths returns one patient's documents for the given doc paths.
func (s *SQLiteDocumentStore) GetByPaths(ctx context.Context, patientHash string, paths []string) ([]*IndexedDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, clinerrors.StoreError("store is closed", nil)
	}
	if len(paths) == 0 {
		return []*IndexedDocument{}, nil
	}

	placeholders := make([]string, len(paths))
	args := make([]any, 0, len(paths)+1)
	args = append(args, patientHash)
	for i, path := range paths {
		placeholders[i] = "?"
		args = append(args, path)
	}

	sqlQuery := fmt.Sprintf(
		`SELECT %s FROM documents
		 WHERE patient_hash = ? AND doc_path IN (%s)`,
		documentColumns, strings.Join(placeholders, ","))

	return s.queryDocuments(ctx, sqlQuery, args...)
}

func (s *SQLiteDocumentStore) queryDocuments(ctx context.Context, sqlQuery string, args ...any) ([]*IndexedDocument, error) {
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, clinerrors.StoreError("failed to query documents", err)
	}
	defer rows.Close()

	var docs []*IndexedDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, clinerrors.StoreError("failed to scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// scannable covers *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable) (*IndexedDocument, error) {
	var doc IndexedDocument
	var tagsJSON, metaJSON, createdAt, updatedAt string
	var embedding []byte
	var dayOffset sql.NullInt64

	if err := row.Scan(&doc.PatientHash, &doc.DocPath, &doc.Context, &tagsJSON,
		&doc.Content, &doc.EmbeddingContent, &embedding, &metaJSON,
		&dayOffset, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &doc.Tags); err != nil {
		return nil, fmt.Errorf("invalid tags for %s: %w", doc.DocPath, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &doc.Metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata for %s: %w", doc.DocPath, err)
	}
	if embedding != nil {
		vec, err := decodeVector(embedding)
		if err != nil {
			return nil, fmt.Errorf("invalid embedding for %s: %w", doc.DocPath, err)
		}
		doc.Embedding = vec
	}
	if dayOffset.Valid {
		v := int(dayOffset.Int64)
		doc.DayOffset = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		doc.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		doc.UpdatedAt = t
	}

	return &doc, nil
}

// DeletePatient removes all of a patient's documents and FTS entries.
func (s *SQLiteDocumentStore) DeletePatient(ctx context.Context, patientHash string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, clinerrors.StoreError("store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, clinerrors.StoreError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT patient_hash || ':' || doc_path FROM documents WHERE patient_hash = ?`,
		patientHash)
	if err != nil {
		return nil, clinerrors.StoreError("failed to list patient documents", err)
	}

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, clinerrors.StoreError("failed to scan key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, clinerrors.StoreError("failed to iterate patient documents", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fts_content WHERE doc_key IN (
			SELECT patient_hash || ':' || doc_path FROM documents WHERE patient_hash = ?)`,
		patientHash); err != nil {
		return nil, clinerrors.StoreError("failed to delete FTS entries", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE patient_hash = ?`, patientHash); err != nil {
		return nil, clinerrors.StoreError("failed to delete documents", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, clinerrors.StoreError("failed to commit delete", err)
	}
	return keys, nil
}

// CountByPatient returns the number of indexed documents for a patient.
func (s *SQLiteDocumentStore) CountByPatient(ctx context.Context, patientHash string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, clinerrors.StoreError("store is closed", nil)
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE patient_hash = ?`, patientHash).Scan(&count)
	if err != nil {
		return 0, clinerrors.StoreError("failed to count documents", err)
	}
	return count, nil
}

// Close closes the database. Idempotent.
func (s *SQLiteDocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// encodeVector packs a float32 slice into little-endian bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks little-endian bytes into a float32 slice.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

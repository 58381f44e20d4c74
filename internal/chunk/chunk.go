// Package chunk decomposes an anonymized patient document into a flat list
// of parent/child chunks ready for indexing. Records are routed to a
// per-context strategy: shift-based contexts (ICU, ward) get an extra
// day-parent level grouping all records of the same relative day, event
// contexts treat each record as a standalone parent.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/prontu-labs/clinrag/internal/anonymize"
)

// Chunk types and parent subtypes stored in metadata.
const (
	TypeDemographics = "demographics"
	TypeParent       = "parent"
	TypeChild        = "child"

	SubtypeDay    = "day"
	SubtypeRecord = "record"
)

// Metadata carries the hierarchy information a chunk needs at retrieval
// time. ParentPath is what lets a matched child be swapped for its full
// parent context.
type Metadata struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	ParentPath  string `json:"parent_path,omitempty"`
	TagDetected string `json:"tag_detected,omitempty"`
	RecordCount int    `json:"record_count,omitempty"`
}

// Chunk is one pipeline-internal unit of text, pre-persistence.
// EmbeddingContent is the text actually embedded for vector search, it is
// denser than Content (context, tag and date are interpolated in).
type Chunk struct {
	DocPath          string   `json:"doc_path"`
	Context          string   `json:"context"`
	Tags             []string `json:"tags"`
	Content          string   `json:"content"`
	EmbeddingContent string   `json:"embedding_content"`
	Metadata         Metadata `json:"metadata"`
	DayOffset        int      `json:"day_offset"`
}

// shiftContexts get the day-parent level; everything else is event-based.
var shiftContexts = map[string]bool{
	"uti":        true,
	"enfermaria": true,
}

// Chunker turns patient documents into chunks. Stateless and safe for
// concurrent use.
type Chunker struct{}

// New creates a Chunker.
func New() *Chunker {
	return &Chunker{}
}

// Process decomposes a patient document. The demographics chunk always
// comes first; timeline chunks follow grouped by context in first-seen
// order, so output is deterministic for a given document.
func (c *Chunker) Process(doc *anonymize.PatientDocument) []Chunk {
	chunks := []Chunk{c.demographicsChunk(doc)}

	for _, group := range groupByContext(doc.Timeline) {
		if shiftContexts[group.context] {
			chunks = append(chunks, c.shiftBased(group.context, group.records)...)
		} else {
			chunks = append(chunks, c.eventBased(group.context, group.records)...)
		}
	}

	return chunks
}

// demographicsChunk is the "README" of the patient: age bucket and gender,
// always at day offset 0.
func (c *Chunker) demographicsChunk(doc *anonymize.PatientDocument) Chunk {
	age := doc.Patient.AgeBucket
	if age == "" {
		age = "Unknown"
	}
	gender := "Unknown"
	if g, ok := doc.Patient.Attributes["gender"].(string); ok && g != "" {
		gender = g
	}

	content := fmt.Sprintf("DEMOGRAPHICS\nAge: %s\nGender: %s", age, gender)
	return Chunk{
		DocPath:          "demographics",
		Context:          "demographics",
		Tags:             []string{"DEMOGRAPHICS"},
		Content:          content,
		EmbeddingContent: fmt.Sprintf("Context: Demographics | Content: %s", content),
		Metadata:         Metadata{Type: TypeDemographics},
		DayOffset:        0,
	}
}

// shiftBased groups records by relative day: one day-parent per date
// concatenating the whole day, then per record a record-parent plus its
// tag children.
func (c *Chunker) shiftBased(context string, records []anonymize.AnonymizedRecord) []Chunk {
	var chunks []Chunk

	for _, day := range groupByDate(records) {
		dayPath := fmt.Sprintf("%s/%s", context, pathSegment(day.label))

		var parts []string
		for _, rec := range day.records {
			parts = append(parts, formatRecord(rec))
		}

		chunks = append(chunks, Chunk{
			DocPath:          dayPath,
			Context:          context,
			Tags:             uniqueTags(day.records),
			Content:          fmt.Sprintf("DATE: %s\n%s", day.label, strings.Join(parts, "\n---\n")),
			EmbeddingContent: fmt.Sprintf("Context: %s | Date: %s\n%s", context, day.label, enrichAll(day.records, context)),
			Metadata:         Metadata{Type: TypeParent, Subtype: SubtypeDay, RecordCount: len(day.records)},
			DayOffset:        day.records[0].DayOffset,
		})

		for _, rec := range day.records {
			chunks = append(chunks, c.recordChunks(context, dayPath, rec)...)
		}
	}

	return chunks
}

// eventBased skips the day-parent level: each record is a standalone
// parent followed by its children.
func (c *Chunker) eventBased(context string, records []anonymize.AnonymizedRecord) []Chunk {
	var chunks []Chunk
	for _, rec := range records {
		base := fmt.Sprintf("%s/%s", context, pathSegment(dateLabel(rec)))
		chunks = append(chunks, c.recordChunks(context, base, rec)...)
	}
	return chunks
}

// recordChunks emits the record-parent chunk and one child per non-empty
// tag block in the record body.
func (c *Chunker) recordChunks(context, basePath string, rec anonymize.AnonymizedRecord) []Chunk {
	parentPath := fmt.Sprintf("%s/%s", basePath, shortHash(rec.RecordHash))

	chunks := []Chunk{{
		DocPath:          parentPath,
		Context:          context,
		Tags:             rec.Tags,
		Content:          formatRecord(rec),
		EmbeddingContent: enrichRecord(rec, context),
		Metadata:         Metadata{Type: TypeParent, Subtype: SubtypeRecord},
		DayOffset:        rec.DayOffset,
	}}

	blocks := ParseBlocks(rec.ContentRedacted)
	hasHeaders := false
	for _, b := range blocks {
		if b.Tag != "" {
			hasHeaders = true
			break
		}
	}

	for _, block := range blocks {
		tag := block.Tag
		switch {
		case tag == "" && !hasHeaders:
			// Untagged text is still a valid, searchable child.
			tag = "default"
		case tag == "":
			tag = "preamble"
		}

		chunks = append(chunks, Chunk{
			DocPath: fmt.Sprintf("%s/%s_%s", parentPath, NormalizeTag(tag), contentHash(block.Body)),
			Context: context,
			Tags:    []string{tag},
			Content: fmt.Sprintf("[%s] %s", tag, block.Body),
			EmbeddingContent: fmt.Sprintf("Context: %s | System: %s | Date: %s | Content: %s",
				context, tag, dateLabel(rec), block.Body),
			Metadata: Metadata{
				Type:        TypeChild,
				ParentPath:  parentPath,
				TagDetected: tag,
			},
			DayOffset: rec.DayOffset,
		})
	}

	return chunks
}

// contextGroup keeps records of one context in timeline order.
type contextGroup struct {
	context string
	records []anonymize.AnonymizedRecord
}

func groupByContext(timeline []anonymize.AnonymizedRecord) []contextGroup {
	index := make(map[string]int)
	var groups []contextGroup

	for _, rec := range timeline {
		ctx := rec.Context
		if ctx == "" {
			ctx = "default"
		}
		i, ok := index[ctx]
		if !ok {
			i = len(groups)
			index[ctx] = i
			groups = append(groups, contextGroup{context: ctx})
		}
		groups[i].records = append(groups[i].records, rec)
	}

	return groups
}

// dateGroup keeps records of one relative day in timeline order.
type dateGroup struct {
	label   string
	records []anonymize.AnonymizedRecord
}

func groupByDate(records []anonymize.AnonymizedRecord) []dateGroup {
	index := make(map[string]int)
	var groups []dateGroup

	for _, rec := range records {
		label := dateLabel(rec)
		i, ok := index[label]
		if !ok {
			i = len(groups)
			index[label] = i
			groups = append(groups, dateGroup{label: label})
		}
		groups[i].records = append(groups[i].records, rec)
	}

	return groups
}

func dateLabel(rec anonymize.AnonymizedRecord) string {
	if rec.RelativeDate == "" {
		return "undated"
	}
	return rec.RelativeDate
}

// formatRecord renders a record for parent content: relative date prefix
// plus the redacted body.
func formatRecord(rec anonymize.AnonymizedRecord) string {
	return fmt.Sprintf("[%s] %s", dateLabel(rec), rec.ContentRedacted)
}

// enrichRecord builds the dense representation used for embedding.
func enrichRecord(rec anonymize.AnonymizedRecord, context string) string {
	return fmt.Sprintf("Context: %s | Date: %s | Tags: %s | Content: %s",
		context, dateLabel(rec), strings.Join(rec.Tags, ","), rec.ContentRedacted)
}

func enrichAll(records []anonymize.AnonymizedRecord, context string) string {
	parts := make([]string, len(records))
	for i, rec := range records {
		parts[i] = enrichRecord(rec, context)
	}
	return strings.Join(parts, "\n")
}

// uniqueTags collects the distinct tags of a record group, first-seen
// order preserved.
func uniqueTags(records []anonymize.AnonymizedRecord) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, rec := range records {
		for _, t := range rec.Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	return tags
}

// pathSegment makes a date label path-safe ("Day +3" -> "Day_+3").
func pathSegment(label string) string {
	return strings.ReplaceAll(label, " ", "_")
}

// contentHash keeps repeated same-tag children from colliding on doc_path.
func contentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])[:8]
}

// shortHash truncates a record hash for use as a path segment.
func shortHash(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}

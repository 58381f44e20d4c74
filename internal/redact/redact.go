// Package redact strips personally identifiable information from free text.
// It combines static pattern redaction (CPF, CNS, email, phone, CEP, dates)
// with naive entity heuristics and patient self-leakage protection.
package redact

import (
	"regexp"
	"strings"
)

// PlaceholderPatientName replaces occurrences of the patient's own name.
const PlaceholderPatientName = "[PATIENT_NAME]"

// pattern pairs a compiled regex with its replacement placeholder.
// Patterns are applied in declaration order: identifiers with rigid
// formats run before looser patterns so a CNS is not half-eaten by the
// phone regex.
type pattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// staticPatterns redact PII with well-known formats.
var staticPatterns = []pattern{
	{
		// CPF: 11 digits, with or without dots/hyphens
		name:        "cpf",
		re:          regexp.MustCompile(`(?:\d{3}\.?){3}-?\d{2}`),
		replacement: "[CPF_REDACTED]",
	},
	{
		// CNS (Cartão Nacional de Saúde): 15 digits, starting with 1, 2, 7, 8 or 9
		name:        "cns",
		re:          regexp.MustCompile(`\b[12789]\d{2}\s?\d{4}\s?\d{4}\s?\d{4}\b`),
		replacement: "[CNS_REDACTED]",
	},
	{
		name:        "email",
		re:          regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		replacement: "[EMAIL_REDACTED]",
	},
	{
		// Phone (mobile & landline in BR format)
		// Covers: (11) 91234-5678, 11 912345678, +55 11..., 91234-5678
		name:        "phone",
		re:          regexp.MustCompile(`(?:\+?55\s?)?(?:\(?\d{2}\)?\s?)?(?:9?\d{4}[-.\s]?\d{4})\b`),
		replacement: "[PHONE_REDACTED]",
	},
	{
		// Zip code (CEP): 8 digits
		name:        "cep",
		re:          regexp.MustCompile(`\b\d{5}-?\d{3}\b`),
		replacement: "[CEP_REDACTED]",
	},
	{
		// Absolute dates (DD/MM/YYYY or YYYY-MM-DD) leak admission timing
		name:        "date",
		re:          regexp.MustCompile(`\b(?:\d{2}/\d{2}/\d{4}|\d{4}-\d{2}-\d{2})\b`),
		replacement: "[DATE_REDACTED]",
	},
}

// entityPatterns are naive NER heuristics for names and addresses that
// static formats cannot catch.
var entityPatterns = []pattern{
	{
		// Honorific followed by a capitalized word is a person
		name:        "honorific_name",
		re:          regexp.MustCompile(`\b(Dr\.|Dra\.|Sr\.|Sra\.)\s+[A-Z][a-zà-ú]+\b`),
		replacement: "${1} [NOME_REDACTED]",
	},
	{
		// Street-type marker followed by a capitalized word is an address
		name:        "address",
		re:          regexp.MustCompile(`\b(Rua|Av\.|Avenida|Alameda|Travessa)\s+[A-Z][a-zà-ú]+`),
		replacement: "${1} [ENDERECO_REDACTED]",
	},
	{
		name:        "address_number",
		re:          regexp.MustCompile(`(?i)\bnº\s*\d+`),
		replacement: "[NUM_REDACTED]",
	},
}

// Context carries per-record metadata that drives dynamic redaction.
type Context struct {
	// PatientName enables self-leakage protection: literal occurrences of
	// the patient's own name in the text are replaced before any pattern
	// runs. Names of 3 characters or fewer are ignored, short fragments
	// ("da", "de") would shred unrelated words.
	PatientName string
}

// Redactor applies the full redaction pipeline to clinical text.
// A zero-value Redactor is not usable; create one with New.
type Redactor struct{}

// New creates a Redactor. Patterns are package-level and pre-compiled, so
// construction is cheap and the value is safe for concurrent use.
func New() *Redactor {
	return &Redactor{}
}

// Process redacts PII from text. Passes run in a fixed order: self-leakage
// first (the raw name is still intact), then static patterns, then entity
// heuristics. The output contains only placeholders where PII stood, so
// processing already-redacted text is a no-op.
func (r *Redactor) Process(text string, ctx Context) string {
	if text == "" {
		return text
	}

	processed := text

	if name := strings.TrimSpace(ctx.PatientName); len(name) > 3 {
		nameRe, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(name))
		if err == nil {
			processed = nameRe.ReplaceAllString(processed, PlaceholderPatientName)
		}
	}

	for _, p := range staticPatterns {
		processed = p.re.ReplaceAllString(processed, p.replacement)
	}

	for _, p := range entityPatterns {
		processed = p.re.ReplaceAllString(processed, p.replacement)
	}

	return processed
}

// ContainsPII reports whether text still matches any static PII pattern.
// Used by the post-anonymization audit to verify redaction did its job.
func ContainsPII(text string) (bool, []string) {
	var matched []string
	for _, p := range staticPatterns {
		if p.re.MatchString(text) {
			matched = append(matched, p.name)
		}
	}
	return len(matched) > 0, matched
}

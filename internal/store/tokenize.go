package store

import (
	"strings"
	"unicode"
)

// DefaultClinicalStopWords are Portuguese function words that carry no
// retrieval signal in clinical notes. Abbreviations and measurements are
// kept; they are often exactly what a query asks for.
var DefaultClinicalStopWords = []string{
	"a", "o", "as", "os", "um", "uma", "uns", "umas",
	"de", "da", "do", "das", "dos", "em", "na", "no", "nas", "nos",
	"ao", "aos", "com", "por", "para", "sem", "sob", "sobre",
	"e", "ou", "que", "se", "mas", "como", "mais", "menos",
	"foi", "ser", "sendo", "esta", "este", "essa", "esse",
}

// TokenizeClinical splits free text into lowercase tokens, keeping
// accented letters intact so "dispneia" and "dispnéia" stay distinct
// searchable terms. Tokens shorter than 2 runes are dropped.
func TokenizeClinical(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		token := strings.ToLower(current.String())
		current.Reset()
		if len([]rune(token)) >= 2 {
			tokens = append(tokens, token)
		}
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return tokens
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[token]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a lookup map.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}

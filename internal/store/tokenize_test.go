package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeClinical(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "lowercases and splits on punctuation",
			text: "Dispneia aos esforcos, sem febre.",
			want: []string{"dispneia", "aos", "esforcos", "sem", "febre"},
		},
		{
			name: "keeps accented letters",
			text: "evolução estável",
			want: []string{"evolução", "estável"},
		},
		{
			name: "splits measurements",
			text: "PA 120/80 FC 88bpm",
			want: []string{"pa", "120", "80", "fc", "88bpm"},
		},
		{
			name: "drops single-rune tokens",
			text: "a b paciente",
			want: []string{"paciente"},
		},
		{
			name: "empty text",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TokenizeClinical(tt.text))
		})
	}
}

func TestFilterStopWords(t *testing.T) {
	stop := BuildStopWordMap(DefaultClinicalStopWords)
	got := FilterStopWords([]string{"paciente", "com", "febre", "de", "origem"}, stop)
	assert.Equal(t, []string{"paciente", "febre", "origem"}, got)
}

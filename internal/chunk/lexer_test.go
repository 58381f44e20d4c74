package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlocks_TaggedBlocks(t *testing.T) {
	blocks := ParseBlocks("#HMA: chest pain\n#EF: normal")

	require.Len(t, blocks, 2)
	assert.Equal(t, "HMA", blocks[0].Tag)
	assert.Equal(t, "chest pain", blocks[0].Body)
	assert.Equal(t, "EF", blocks[1].Tag)
	assert.Equal(t, "normal", blocks[1].Body)
}

func TestParseBlocks_MultilineBody(t *testing.T) {
	blocks := ParseBlocks("#NEURO\nGlasgow 15\npupilas isocoricas\n>>RESP: eupneico\nsem tiragem")

	require.Len(t, blocks, 2)
	assert.Equal(t, "NEURO", blocks[0].Tag)
	assert.Equal(t, "Glasgow 15\npupilas isocoricas", blocks[0].Body)
	assert.Equal(t, "RESP", blocks[1].Tag)
	assert.Equal(t, "eupneico\nsem tiragem", blocks[1].Body)
}

func TestParseBlocks_PreambleRetained(t *testing.T) {
	blocks := ParseBlocks("paciente admitido ontem\n#HMA: dispneia")

	require.Len(t, blocks, 2)
	assert.Equal(t, "", blocks[0].Tag)
	assert.Equal(t, "paciente admitido ontem", blocks[0].Body)
	assert.Equal(t, "HMA", blocks[1].Tag)
}

func TestParseBlocks_NoHeadersSingleBlock(t *testing.T) {
	blocks := ParseBlocks("texto corrido sem marcadores\nem duas linhas")

	require.Len(t, blocks, 1)
	assert.Equal(t, "", blocks[0].Tag)
	assert.Equal(t, "texto corrido sem marcadores\nem duas linhas", blocks[0].Body)
}

func TestParseBlocks_EmptyBlocksDropped(t *testing.T) {
	blocks := ParseBlocks("#VAZIO:\n#HMA: dor")

	require.Len(t, blocks, 1)
	assert.Equal(t, "HMA", blocks[0].Tag)
}

func TestParseBlocks_EmptyInput(t *testing.T) {
	assert.Empty(t, ParseBlocks(""))
	assert.Empty(t, ParseBlocks("   \n  \n"))
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		line       string
		wantTag    string
		wantInline string
		wantOK     bool
	}{
		{"#HMA: chest pain", "HMA", "chest pain", true},
		{">>NEURO", "NEURO", "", true},
		{">>RESP: eupneico", "RESP", "eupneico", true},
		{"  #EF: normal  ", "EF", "normal", true},
		{"#TAG_2: valor", "TAG_2", "valor", true},
		{"# some heading text", "", "", false}, // prose after marker is body
		{"plain line", "", "", false},
		{"#", "", "", false},
		{">>", "", "", false},
		{"#: orphan value", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			tag, inline, ok := parseHeader(tt.line)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantTag, tag)
			assert.Equal(t, tt.wantInline, inline)
		})
	}
}

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "hma", NormalizeTag("HMA"))
	assert.Equal(t, "neuro", NormalizeTag(" Neuro "))
}

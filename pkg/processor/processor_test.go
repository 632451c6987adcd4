package processor_test

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/pkg/processor"
)

func TestProcessor_PerPageScenario(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    1000,
		ChunkOverlap: 200,
	})

	page1 := strings.Repeat("abcdefghij", 120)
	pages := []models.Page{
		{Number: 1, Text: page1},
		{Number: 2, Text: strings.Repeat("k", 50)},
		{Number: 3, Text: strings.Repeat("z", 30)},
	}

	chunks := p.Process("user-1", "doc.pdf", pages)
	require.Len(t, chunks, 4)

	var pageNumbers []int
	for _, c := range chunks {
		pageNumbers = append(pageNumbers, c.PageNumber)
		assert.Equal(t, "doc.pdf", c.SourceName)
		assert.Equal(t, "user-1", c.UserID)
	}
	assert.Equal(t, []int{1, 1, 2, 3}, pageNumbers)

	assert.Equal(t, page1[0:1000], chunks[0].Text)
	assert.Equal(t, page1[800:1200], chunks[1].Text)
	assert.Equal(t, 800, chunks[1].Start)
	assert.Equal(t, 1200, chunks[1].End)
	assert.Equal(t, 0, chunks[2].SequenceIndex)
}

func wordText(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%04d", i)
	}
	return strings.Join(words, " ")
}

func reconstruct(t *testing.T, chunks []models.Chunk) string {
	t.Helper()
	var b strings.Builder
	prevEnd := 0
	for i, c := range chunks {
		runes := []rune(c.Text)
		if i == 0 {
			b.WriteString(c.Text)
		} else {
			require.LessOrEqual(t, c.Start, prevEnd, "chunk %d leaves a gap", i)
			b.WriteString(string(runes[prevEnd-c.Start:]))
		}
		prevEnd = c.End
	}
	return b.String()
}

func TestProcessor_RoundTripAndOverlap(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
	}{
		{name: "words", text: wordText(400), size: 100, overlap: 20},
		{name: "sentences", text: strings.Repeat("The quick brown fox jumps. ", 60), size: 120, overlap: 30},
		{name: "paragraphs", text: strings.Repeat(wordText(10)+"\n\n", 20), size: 150, overlap: 40},
		{name: "unicode", text: strings.Repeat("héllo wörld ünïcode ", 50), size: 64, overlap: 16},
		{name: "no separators", text: strings.Repeat("x", 2500), size: 1000, overlap: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: tt.size, ChunkOverlap: tt.overlap})
			chunks := p.Split(tt.text, processor.Metadata{SourceName: "doc.pdf", PageNumber: 7})
			require.NotEmpty(t, chunks)

			assert.Equal(t, tt.text, reconstruct(t, chunks))

			for i, c := range chunks {
				assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), tt.size)
				assert.Equal(t, 7, c.PageNumber)
				assert.Equal(t, i, c.SequenceIndex)
				if i > 0 {
					shared := chunks[i-1].End - c.Start
					assert.GreaterOrEqual(t, shared, 0)
					assert.LessOrEqual(t, shared, tt.overlap)
				}
			}
		})
	}
}

func TestProcessor_DoesNotSplitWords(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 100, ChunkOverlap: 20})
	text := wordText(200)

	chunks := p.Split(text, processor.Metadata{PageNumber: 1})
	require.Greater(t, len(chunks), 1)

	for _, c := range chunks {
		trimmed := strings.TrimSpace(c.Text)
		for _, w := range strings.Fields(trimmed) {
			assert.Len(t, w, len("word0000"), "chunk %d cut a word: %q", c.SequenceIndex, w)
		}
	}
	// adjacent chunks share whole words
	assert.Contains(t, chunks[0].Text, strings.Fields(chunks[1].Text)[0])
}

func TestProcessor_PrefersParagraphs(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 50, ChunkOverlap: 10})
	first := strings.Repeat("a", 30)
	second := strings.Repeat("b", 30)

	chunks := p.Split(first+"\n\n"+second, processor.Metadata{PageNumber: 1})
	require.Len(t, chunks, 2)
	assert.Equal(t, first+"\n\n", chunks[0].Text)
	assert.Equal(t, second, chunks[1].Text)
}

func TestProcessor_EmptyInput(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{})

	assert.Empty(t, p.Split("", processor.Metadata{}))
	assert.Empty(t, p.Split("  \n\n \t", processor.Metadata{}))
	assert.Empty(t, p.Process("u", "doc.pdf", []models.Page{{Number: 1}, {Number: 2, Text: " "}}))
}

func TestProcessor_Deterministic(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 80, ChunkOverlap: 15})
	meta := processor.Metadata{UserID: "u", SourceName: "doc.pdf", PageNumber: 2}

	first := p.Split(wordText(120), meta)
	second := p.Split(wordText(120), meta)
	assert.Equal(t, first, second)
}

func TestChunkID(t *testing.T) {
	id := processor.ChunkID("u1", "doc.pdf", 1, 0)
	assert.Len(t, id, 32)
	assert.Equal(t, id, processor.ChunkID("u1", "doc.pdf", 1, 0))

	assert.NotEqual(t, id, processor.ChunkID("u2", "doc.pdf", 1, 0))
	assert.NotEqual(t, id, processor.ChunkID("u1", "other.pdf", 1, 0))
	assert.NotEqual(t, id, processor.ChunkID("u1", "doc.pdf", 2, 0))
	assert.NotEqual(t, id, processor.ChunkID("u1", "doc.pdf", 1, 1))
}

package extractor_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/docchat/internal/testutil"
	"github.com/xhad/docchat/pkg/extractor"
)

func TestExtractPreservesPages(t *testing.T) {
	data := testutil.BuildPDF([]string{"Hello page one", "Second (page) text", "Third page"})

	pages, err := extractor.NewPDFExtractor().Extract(data)
	require.NoError(t, err)
	require.Len(t, pages, 3)

	for i, page := range pages {
		assert.Equal(t, i+1, page.Number)
	}
	assert.Contains(t, pages[0].Text, "Hello page one")
	assert.Contains(t, pages[1].Text, "Second (page) text")
	assert.Contains(t, pages[2].Text, "Third page")
}

func TestExtractKeepsEmptyPages(t *testing.T) {
	data := testutil.BuildPDF([]string{"First", "", "Last"})

	pages, err := extractor.NewPDFExtractor().Extract(data)
	require.NoError(t, err)
	require.Len(t, pages, 3)

	assert.Equal(t, 2, pages[1].Number)
	assert.Empty(t, pages[1].Text)
	assert.Contains(t, pages[2].Text, "Last")
}

func TestExtractMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "not a pdf", data: []byte("this is plain text, not a PDF")},
		{name: "truncated", data: testutil.BuildPDF([]string{"Hello"})[:40]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages, err := extractor.NewPDFExtractor().Extract(tt.data)
			require.Error(t, err)
			assert.Nil(t, pages)

			var parseErr *extractor.ParseError
			assert.True(t, errors.As(err, &parseErr))
		})
	}
}

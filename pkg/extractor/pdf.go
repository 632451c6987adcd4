// Package extractor turns raw PDF bytes into ordered per-page text.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xhad/docchat/internal/models"
)

// ParseError reports a malformed document. Page is 0 when the failure
// happened before any page was read.
type ParseError struct {
	Page int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("failed to parse PDF page %d: %v", e.Page, e.Err)
	}
	return fmt.Sprintf("failed to parse PDF: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var ErrEmptyDocument = errors.New("document is empty")

type PDFExtractor struct{}

func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// Extract returns one entry per page, numbered from 1, in document order.
// A page with no text content yields an empty string rather than being skipped.
func (e *PDFExtractor) Extract(data []byte) (pages []models.Page, err error) {
	if len(data) == 0 {
		return nil, &ParseError{Err: ErrEmptyDocument}
	}

	// the pdf package panics on some malformed xref tables
	current := 0
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = &ParseError{Page: current, Err: fmt.Errorf("%v", r)}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	total := reader.NumPage()
	if total == 0 {
		return nil, &ParseError{Err: errors.New("document has no pages")}
	}

	pages = make([]models.Page, 0, total)

	for current = 1; current <= total; current++ {
		page := reader.Page(current)
		if page.V.IsNull() {
			return nil, &ParseError{Page: current, Err: errors.New("page object missing")}
		}

		// a page without a content stream is genuinely empty
		if page.V.Key("Contents").IsNull() {
			pages = append(pages, models.Page{Number: current})
			continue
		}

		// nil fonts: resolved from the page's own resources
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, &ParseError{Page: current, Err: err}
		}

		pages = append(pages, models.Page{
			Number: current,
			Text:   normalizeText(text),
		})
	}

	return pages, nil
}

// normalizeText drops NUL bytes and trailing whitespace left by the content stream decoder.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.TrimRight(text, " \t\r\n")
}

package llm

import (
	"fmt"
	"strings"

	"github.com/xhad/docchat/internal/models"
)

// ContextSeparator sits between retrieved chunks in the assembled context.
const ContextSeparator = "\n\n---\n\n"

// AssembleContext joins the text of the matches in the order they were
// returned. No deduplication, re-ranking or truncation is applied.
func AssembleContext(matches []models.Match) string {
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Metadata.Text
	}
	return strings.Join(texts, ContextSeparator)
}

// CiteSources lists the distinct source pages of the matches, in match
// order, as "name p.N".
func CiteSources(matches []models.Match) []string {
	seen := make(map[string]bool)
	var sources []string
	for _, m := range matches {
		cite := fmt.Sprintf("%s p.%d", m.Metadata.Source, m.Metadata.Page)
		if seen[cite] {
			continue
		}
		seen[cite] = true
		sources = append(sources, cite)
	}
	return sources
}

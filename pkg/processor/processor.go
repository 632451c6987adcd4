package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xhad/docchat/internal/models"
)

// DefaultSeparators go from the largest semantic unit to the smallest:
// paragraph, sentence, line, word, character.
var DefaultSeparators = []string{"\n\n", ". ", "\n", " ", ""}

type ProcessorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// Metadata is attached verbatim to every chunk produced from one page.
type Metadata struct {
	UserID     string
	SourceName string
	PageNumber int
}

type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap < 0 {
		config.ChunkOverlap = 0
	}
	if config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 5
	}
	if len(config.Separators) == 0 {
		config.Separators = DefaultSeparators
	}

	return Processor{
		config: config,
	}
}

// Process chunks every page separately so each chunk keeps the number of the
// page its text came from.
func (p *Processor) Process(userID, sourceName string, pages []models.Page) []models.Chunk {
	var chunks []models.Chunk

	for _, page := range pages {
		chunks = append(chunks, p.Split(page.Text, Metadata{
			UserID:     userID,
			SourceName: sourceName,
			PageNumber: page.Number,
		})...)
	}

	return chunks
}

// Split cuts one page of text into overlapping chunks of at most ChunkSize
// characters. Output is deterministic for identical input and configuration.
func (p *Processor) Split(text string, meta Metadata) []models.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	units := p.splitUnits(text, p.config.Separators)

	var chunks []models.Chunk
	emit := func(lo, hi int) {
		var b strings.Builder
		for _, u := range units[lo:hi] {
			b.WriteString(u.text)
		}
		content := b.String()
		if strings.TrimSpace(content) == "" {
			return
		}

		seq := len(chunks)
		chunks = append(chunks, models.Chunk{
			ID:            ChunkID(meta.UserID, meta.SourceName, meta.PageNumber, seq),
			UserID:        meta.UserID,
			SourceName:    meta.SourceName,
			PageNumber:    meta.PageNumber,
			SequenceIndex: seq,
			Text:          content,
			Start:         units[lo].offset,
			End:           units[hi-1].offset + units[hi-1].size,
		})
	}

	lo, size := 0, 0
	for i, u := range units {
		if size+u.size > p.config.ChunkSize && i > lo {
			emit(lo, i)

			// carry the trailing units that fit in the overlap budget
			kept := 0
			next := i
			for next > lo && kept+units[next-1].size <= p.config.ChunkOverlap {
				next--
				kept += units[next].size
			}
			lo, size = next, kept

			for size+u.size > p.config.ChunkSize && lo < i {
				size -= units[lo].size
				lo++
			}
		}
		size += u.size
	}
	if lo < len(units) {
		emit(lo, len(units))
	}

	return chunks
}

type unit struct {
	text   string
	size   int
	offset int
}

// splitUnits breaks text into pieces no longer than ChunkSize, trying the
// separators in order and only descending to a finer one for pieces that
// are still too long. Separators stay attached to the end of their piece so
// the units concatenate back to the original text.
func (p *Processor) splitUnits(text string, separators []string) []unit {
	var units []unit
	offset := 0

	var walk func(piece string, seps []string)
	walk = func(piece string, seps []string) {
		n := utf8.RuneCountInString(piece)
		if n <= p.config.ChunkSize {
			units = append(units, unit{text: piece, size: n, offset: offset})
			offset += n
			return
		}

		sep, rest := pickSeparator(piece, seps)
		if sep == "" {
			for _, r := range piece {
				units = append(units, unit{text: string(r), size: 1, offset: offset})
				offset++
			}
			return
		}

		for _, part := range strings.SplitAfter(piece, sep) {
			if part != "" {
				walk(part, rest)
			}
		}
	}

	walk(text, separators)
	return units
}

func pickSeparator(text string, separators []string) (string, []string) {
	for i, sep := range separators {
		if sep == "" {
			return "", nil
		}
		if strings.Contains(text, sep) {
			return sep, separators[i+1:]
		}
	}
	return "", nil
}

// ChunkID derives a stable id from the chunk's owner, source and position so
// re-ingesting a document overwrites its vectors instead of duplicating them.
func ChunkID(userID, sourceName string, pageNumber, sequenceIndex int) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(sourceName))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(pageNumber)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(sequenceIndex)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

package models

import (
	"strconv"
	"time"
)

// Page is the text of a single PDF page. Number starts at 1.
type Page struct {
	Number int
	Text   string
}

// Upload is a raw document received for ingestion.
type Upload struct {
	UserID      string
	FileName    string
	ContentType string
	Data        []byte
}

type Chunk struct {
	ID            string
	UserID        string
	SourceName    string
	PageNumber    int
	SequenceIndex int
	Text          string
	Vector        []float32

	// Start and End are rune offsets of Text within the page.
	Start int
	End   int
}

// Metadata is stored next to every vector in the index.
type Metadata struct {
	Text       string `json:"text"`
	Source     string `json:"source"`
	Page       int    `json:"page"`
	ChunkIndex int    `json:"chunkIndex"`
	UserID     string `json:"userId"`
}

// Metadata field names usable in a Filter.
const (
	FieldUserID = "userId"
	FieldSource = "source"
	FieldPage   = "page"
)

// Field returns the value of a filterable metadata field and whether the field exists.
func (m Metadata) Field(name string) (string, bool) {
	switch name {
	case FieldUserID:
		return m.UserID, true
	case FieldSource:
		return m.Source, true
	case FieldPage:
		return strconv.Itoa(m.Page), true
	}
	return "", false
}

// Filter is an exact-match conjunction over metadata fields.
type Filter map[string]string

type VectorRecord struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

// Match is a single retrieval result.
type Match struct {
	ID       string   `json:"id"`
	Score    float64  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Record converts a chunk into the shape written to the vector index.
func (c Chunk) Record() VectorRecord {
	return VectorRecord{
		ID:     c.ID,
		Vector: c.Vector,
		Metadata: Metadata{
			Text:       c.Text,
			Source:     c.SourceName,
			Page:       c.PageNumber,
			ChunkIndex: c.SequenceIndex,
			UserID:     c.UserID,
		},
	}
}

// IngestResult is returned by a successful ingestion.
type IngestResult struct {
	ChatID  string `json:"chatId"`
	Chunks  int    `json:"chunks"`
	Pages   int    `json:"pages"`
	FileURL string `json:"fileUrl"`
}

// Answer is returned by a successful query. Matches are the chunks the
// response was grounded on, best first.
type Answer struct {
	ChatID   string  `json:"chatId"`
	Response string  `json:"response"`
	Matches  []Match `json:"-"`
}

type User struct {
	ID        string
	Email     string
	IsPro     bool
	CreatedAt time.Time
}

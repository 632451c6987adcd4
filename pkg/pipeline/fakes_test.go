package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/pkg/pipeline"
	"github.com/xhad/docchat/pkg/processor"
	"github.com/xhad/docchat/pkg/store"
)

const testDim = 3

type fakeExtractor struct {
	pages []models.Page
	err   error
}

func (f *fakeExtractor) Extract(data []byte) ([]models.Page, error) {
	return f.pages, f.err
}

// fakeEmbedder maps text to a vector from its length so equal texts embed
// equally.
type fakeEmbedder struct {
	mu       sync.Mutex
	batches  []int
	failFrom int // fail the batch call with this 1-based number, 0 never
	queryErr error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, len(texts))
	n := len(f.batches)
	f.mu.Unlock()

	if f.failFrom > 0 && n >= f.failFrom {
		return nil, errors.New("quota exceeded")
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = vectorFor(t)
	}
	return vectors, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return vectorFor(text), nil
}

func vectorFor(text string) []float32 {
	return []float32{1, float32(len(text) % 7), float32(strings.Count(text, " ") % 5)}
}

type fakeGenerator struct {
	mu       sync.Mutex
	contexts []string
	delay    time.Duration
	err      error
}

func (f *fakeGenerator) Generate(ctx context.Context, contextText, question string) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	f.contexts = append(f.contexts, contextText)
	f.mu.Unlock()
	return "answer to " + question, nil
}

type fakeStorage struct {
	stored []string
	err    error
}

func (f *fakeStorage) Store(ctx context.Context, name string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.stored = append(f.stored, name)
	return fmt.Sprintf("/uploads/%d-%s", len(f.stored), name), nil
}

// failingIndex wraps a MemoryIndex and fails every Upsert after the first n.
type failingIndex struct {
	*store.MemoryIndex
	mu      sync.Mutex
	allowed int
	deleted []string
}

func (f *failingIndex) Upsert(ctx context.Context, records []models.VectorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowed == 0 {
		return errors.New("index write rejected")
	}
	f.allowed--
	return f.MemoryIndex.Upsert(ctx, records)
}

func (f *failingIndex) Delete(ctx context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids...)
	return f.MemoryIndex.Delete(ctx, ids)
}

type env struct {
	handles   pipeline.Handles
	extractor *fakeExtractor
	embedder  *fakeEmbedder
	generator *fakeGenerator
	storage   *fakeStorage
	index     *store.MemoryIndex
	chats     *store.MemoryChatStore
}

func newEnv() *env {
	e := &env{
		extractor: &fakeExtractor{},
		embedder:  &fakeEmbedder{},
		generator: &fakeGenerator{},
		storage:   &fakeStorage{},
		index:     store.NewMemoryIndex(testDim),
		chats:     store.NewMemoryChatStore(),
	}
	p := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 1000, ChunkOverlap: 200})
	e.handles = pipeline.Handles{
		Extractor:    e.extractor,
		Processor:    &p,
		Embedder:     e.embedder,
		Index:        e.index,
		Generator:    e.generator,
		Chats:        e.chats,
		Storage:      e.storage,
		Entitlements: store.AllowAll{},
	}
	return e
}

func pages(lengths ...int) []models.Page {
	out := make([]models.Page, len(lengths))
	for i, n := range lengths {
		out[i] = models.Page{Number: i + 1, Text: strings.Repeat("a", n)}
	}
	return out
}

func processorWith(size, overlap int) processor.Processor {
	return processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: size, ChunkOverlap: overlap})
}

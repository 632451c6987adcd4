package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// EmbedderConfig represents the configuration for an embedding client.
type EmbedderConfig struct {
	Model     string
	BaseURL   string // Ollama server URL
	Dimension int
	Timeout   time.Duration // per request, 0 means none
}

// EmbeddingError reports a failed embedding call and which texts it covered.
type EmbeddingError struct {
	Offset int
	Count  int
	Err    error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding texts [%d:%d] failed: %v", e.Offset, e.Offset+e.Count, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Embedder turns text into fixed-dimension vectors. It is safe for concurrent use.
type Embedder struct {
	Config EmbedderConfig
	client embeddings.Embedder
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest" // Default Ollama model
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if config.Dimension == 0 {
		config.Dimension = 768
	}

	emb, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
		ollama.WithHTTPClient(&http.Client{Timeout: config.Timeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
	}

	client, err := embeddings.NewEmbedder(emb, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return NewEmbedder(client, config), nil
}

// NewEmbedder wraps an already constructed langchaingo embedder.
func NewEmbedder(client embeddings.Embedder, config EmbedderConfig) *Embedder {
	return &Embedder{
		Config: config,
		client: client,
	}
}

// EmbedBatch returns one vector per text, in input order. The caller decides
// how many texts go into one call.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := e.client.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, &EmbeddingError{Count: len(texts), Err: err}
	}
	if len(vectors) != len(texts) {
		return nil, &EmbeddingError{
			Count: len(texts),
			Err:   fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)),
		}
	}

	for i, v := range vectors {
		if err := e.checkDimension(v); err != nil {
			return nil, &EmbeddingError{Offset: i, Count: 1, Err: err}
		}
	}

	return vectors, nil
}

// EmbedQuery embeds a question at query time. It shares the document dimension.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.client.EmbedQuery(ctx, text)
	if err != nil {
		return nil, &EmbeddingError{Count: 1, Err: err}
	}
	if err := e.checkDimension(vector); err != nil {
		return nil, &EmbeddingError{Count: 1, Err: err}
	}
	return vector, nil
}

func (e *Embedder) checkDimension(v []float32) error {
	if e.Config.Dimension > 0 && len(v) != e.Config.Dimension {
		return fmt.Errorf("vector dimension %d does not match configured %d", len(v), e.Config.Dimension)
	}
	return nil
}

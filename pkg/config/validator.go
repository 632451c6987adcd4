package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MaxUpsertBatch is the largest payload the vector index accepts in one call.
const MaxUpsertBatch = 100

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate LLM config
	if c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "Ollama base URL is required",
		})
	} else if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "invalid Ollama base URL",
		})
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 8192 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 8192",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if c.LLM.EmbedBatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.embed_batch_size",
			Message: "embed_batch_size must be positive",
		})
	}

	if c.LLM.Timeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.timeout",
			Message: "timeout cannot be negative",
		})
	}

	// Validate Database config
	if c.Database.URL != "" {
		if u, err := url.Parse(c.Database.URL); err != nil || u.Scheme == "" {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	}

	if c.Database.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	if c.Database.BatchSize < 1 || c.Database.BatchSize > MaxUpsertBatch {
		errors = append(errors, ValidationError{
			Field:   "database.batch_size",
			Message: fmt.Sprintf("batch_size must be between 1 and %d", MaxUpsertBatch),
		})
	}

	if c.Database.UpsertRateLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "database.upsert_rate_limit",
			Message: "upsert_rate_limit cannot be negative",
		})
	}

	if c.Database.UpsertWorkers < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.upsert_workers",
			Message: "upsert_workers must be positive",
		})
	}

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	if c.Retrieval.TopK < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.top_k",
			Message: "top_k must be positive",
		})
	}

	switch c.Storage.Provider {
	case "local", "s3", "gs":
	default:
		errors = append(errors, ValidationError{
			Field:   "storage.provider",
			Message: fmt.Sprintf("unknown storage provider: %s", c.Storage.Provider),
		})
	}

	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.JWTSecret == "" {
			errors = append(errors, ValidationError{
				Field:   "auth.jwt_secret",
				Message: "jwt_secret is required in jwt mode",
			})
		}
	case "header":
	default:
		errors = append(errors, ValidationError{
			Field:   "auth.mode",
			Message: fmt.Sprintf("unknown auth mode: %s", c.Auth.Mode),
		})
	}

	switch c.Billing.Policy {
	case "allow_all", "database":
	default:
		errors = append(errors, ValidationError{
			Field:   "billing.policy",
			Message: fmt.Sprintf("unknown billing policy: %s", c.Billing.Policy),
		})
	}

	return errors
}

package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/prompts"
)

// DefaultPromptTemplate is the instruction template wrapped around the
// retrieved context and the user's question.
const DefaultPromptTemplate = `You are an intelligent AI assistant. Your role is to analyze the provided PDF context and answer the user's question.

Context from PDF:
{{.context}}

User Question:
{{.question}}

Instructions:
1. Use the provided context to answer the question.
2. If the user asks for an opinion, provide a constructive analysis based on the content found in the context.
3. Do not be overly restrictive. If the answer can be inferred from the context, do so.
4. Only say "I don't have enough information" if the context is completely irrelevant to the question.
`

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	PromptTemplate string
	BaseURL        string        // Ollama server URL
	Timeout        time.Duration // per request, 0 means none
}

// GenerationError reports a failed call to the generation model.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ChatEngine is an engine that uses an LLM to answer questions from context.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
	prompt prompts.PromptTemplate
}

// NewWithConfig creates a new ChatEngine backed by Ollama.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "mistral" // Default Ollama model
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}

	llm, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
		ollama.WithHTTPClient(&http.Client{Timeout: config.Timeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return NewChatEngine(llm, config)
}

// NewChatEngine creates a ChatEngine around any langchaingo model.
func NewChatEngine(model llms.Model, config ChatConfig) (*ChatEngine, error) {
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.PromptTemplate == "" {
		config.PromptTemplate = DefaultPromptTemplate
	}

	return &ChatEngine{
		config: config,
		llm:    model,
		prompt: prompts.NewPromptTemplate(config.PromptTemplate, []string{"context", "question"}),
	}, nil
}

// BuildPrompt fills the instruction template with the context and the verbatim question.
func (ce *ChatEngine) BuildPrompt(contextText, question string) (string, error) {
	prompt, err := ce.prompt.Format(map[string]any{
		"context":  contextText,
		"question": question,
	})
	if err != nil {
		return "", fmt.Errorf("failed to format prompt: %w", err)
	}
	return prompt, nil
}

// Generate answers the question from the assembled context. Output is not
// deterministic; nothing downstream relies on reproducing it.
func (ce *ChatEngine) Generate(ctx context.Context, contextText, question string) (string, error) {
	prompt, err := ce.BuildPrompt(contextText, question)
	if err != nil {
		return "", &GenerationError{Err: err}
	}

	answer, err := llms.GenerateFromSinglePrompt(ctx, ce.llm, prompt,
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	)
	if err != nil {
		return "", &GenerationError{Err: err}
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", &GenerationError{Err: fmt.Errorf("empty response from model")}
	}

	return answer, nil
}

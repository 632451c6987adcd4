package types

import (
	"context"
	"net/http"

	"github.com/xhad/docchat/internal/models"
)

// Core interfaces

type Extractor interface {
	Extract(data []byte) ([]models.Page, error)
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorIndex interface {
	Upsert(ctx context.Context, records []models.VectorRecord) error
	Query(ctx context.Context, vector []float32, topK int, filter models.Filter) ([]models.Match, error)
	Delete(ctx context.Context, ids []string) error
	Close()
}

type Generator interface {
	Generate(ctx context.Context, contextText, question string) (string, error)
}

type ChatStore interface {
	EnsureUser(ctx context.Context, userID string) error
	CreateChat(ctx context.Context, chat models.ChatSession) (models.ChatSession, error)
	GetChat(ctx context.Context, userID, chatID string) (models.ChatSession, error)
	ListChats(ctx context.Context, userID string) ([]models.ChatSession, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	RenameChat(ctx context.Context, userID, chatID, name string) (models.ChatSession, error)
	DeleteChat(ctx context.Context, userID, chatID string) error
	MergeChats(ctx context.Context, userID, sourceID, targetID string) error
	ShareChat(ctx context.Context, userID, chatID, shareID string) (models.ChatSession, error)
	GetSharedChat(ctx context.Context, shareID string) (models.ChatSession, error)
	Close()
}

// ObjectStorage keeps the raw uploaded file and returns a retrievable URL.
type ObjectStorage interface {
	Store(ctx context.Context, name string, data []byte) (string, error)
}

type Authenticator interface {
	Verify(r *http.Request) (string, error)
}

type Entitlements interface {
	IsEntitled(ctx context.Context, userID string) (bool, error)
}

package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/types"
)

// ShareIDLength is the length of generated share ids.
const ShareIDLength = 10

// ShareResult is returned by Share.
type ShareResult struct {
	IsShared bool   `json:"isShared"`
	ShareID  string `json:"shareId"`
	URL      string `json:"url"`
}

// ChatService implements the chat management operations. They act on the
// relational model only and never touch indexed vectors.
type ChatService struct {
	chats  types.ChatStore
	appURL string
}

func NewChatService(chats types.ChatStore, appURL string) *ChatService {
	return &ChatService{
		chats:  chats,
		appURL: strings.TrimRight(appURL, "/"),
	}
}

func (s *ChatService) List(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	chats, err := s.chats.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ChatSummary, len(chats))
	for i, c := range chats {
		summaries[i] = models.ChatSummary{
			ID:        c.ID,
			Name:      c.Name,
			PDFName:   c.PDFName,
			CreatedAt: c.CreatedAt,
		}
	}
	return summaries, nil
}

func (s *ChatService) Get(ctx context.Context, userID, chatID string) (*models.ChatWithMessages, error) {
	chat, err := s.chats.GetChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	return s.withMessages(ctx, chat)
}

func (s *ChatService) Rename(ctx context.Context, userID, chatID, name string) (models.ChatSession, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.ChatSession{}, fmt.Errorf("name is required: %w", types.ErrValidation)
	}
	return s.chats.RenameChat(ctx, userID, chatID, name)
}

// Delete removes the chat and its messages. Vectors of its bound document
// stay in the index.
func (s *ChatService) Delete(ctx context.Context, userID, chatID string) error {
	return s.chats.DeleteChat(ctx, userID, chatID)
}

// Merge moves every message of source into target and deletes source.
// Target keeps its own bound document.
func (s *ChatService) Merge(ctx context.Context, userID, sourceID, targetID string) error {
	if sourceID == "" || targetID == "" {
		return fmt.Errorf("sourceChatId and targetChatId are required: %w", types.ErrValidation)
	}
	if sourceID == targetID {
		return fmt.Errorf("cannot merge chat into itself: %w", types.ErrValidation)
	}
	return s.chats.MergeChats(ctx, userID, sourceID, targetID)
}

// Share marks the chat shared and returns its public link. An existing
// share id is reused.
func (s *ChatService) Share(ctx context.Context, userID, chatID string) (*ShareResult, error) {
	if chatID == "" {
		return nil, fmt.Errorf("chatId is required: %w", types.ErrValidation)
	}

	chat, err := s.chats.ShareChat(ctx, userID, chatID, NewShareID())
	if err != nil {
		return nil, err
	}

	shareID := ""
	if chat.ShareID != nil {
		shareID = *chat.ShareID
	}
	return &ShareResult{
		IsShared: chat.IsShared,
		ShareID:  shareID,
		URL:      fmt.Sprintf("%s/share/%s", s.appURL, shareID),
	}, nil
}

// Shared returns the public view of a shared chat to anyone holding the id.
func (s *ChatService) Shared(ctx context.Context, shareID string) (*models.SharedChat, error) {
	chat, err := s.chats.GetSharedChat(ctx, shareID)
	if err != nil {
		return nil, err
	}
	full, err := s.withMessages(ctx, chat)
	if err != nil {
		return nil, err
	}
	return &models.SharedChat{
		ID:        chat.ID,
		Name:      chat.Name,
		PDFName:   chat.PDFName,
		CreatedAt: chat.CreatedAt,
		UpdatedAt: chat.UpdatedAt,
		Messages:  full.Messages,
	}, nil
}

func (s *ChatService) withMessages(ctx context.Context, chat models.ChatSession) (*models.ChatWithMessages, error) {
	messages, err := s.chats.ListMessages(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return &models.ChatWithMessages{ChatSession: chat, Messages: messages}, nil
}

// NewShareID returns a random 10 character id.
func NewShareID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:ShareIDLength]
}

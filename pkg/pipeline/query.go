package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/types"
	"github.com/xhad/docchat/pkg/llm"
)

// MaxChatNameRunes bounds the name of a chat created from a first message.
const MaxChatNameRunes = 50

type QueryConfig struct {
	TopK    int
	Timeout time.Duration
}

// Question is one user turn.
type Question struct {
	UserID  string
	ChatID  string
	Message string
}

// QueryEngine runs Received → ChatResolved → UserMessagePersisted →
// QueryEmbedded → Retrieved → ContextAssembled → Generated →
// AssistantMessagePersisted → Done. Turns in the same chat are serialized.
type QueryEngine struct {
	handles Handles
	config  QueryConfig
	locks   *chatLocks
}

func NewQueryEngine(handles Handles, config QueryConfig) *QueryEngine {
	if config.TopK <= 0 {
		config.TopK = 5
	}
	return &QueryEngine{
		handles: handles,
		config:  config,
		locks:   newChatLocks(),
	}
}

func (q *QueryEngine) Ask(ctx context.Context, question Question, opts ...RunOption) (*models.Answer, error) {
	if q.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.Timeout)
		defer cancel()
	}
	r := newRun("query", opts)

	r.enter(StepReceived)
	message := question.Message
	if strings.TrimSpace(message) == "" {
		return nil, r.fail(fmt.Errorf("message is required: %w", types.ErrValidation))
	}
	if err := admit(ctx, q.handles, question.UserID); err != nil {
		return nil, r.fail(err)
	}

	r.enter(StepChatResolved)
	chat, err := q.resolveChat(ctx, question)
	if err != nil {
		return nil, r.fail(err)
	}
	if r.opts.onChat != nil {
		r.opts.onChat(chat.ID)
	}

	r.enter(StepUserMessagePersisted)
	unlock, err := q.locks.Lock(ctx, chat.ID)
	if err != nil {
		return nil, r.fail(fmt.Errorf("waiting for previous turn in chat %s: %w", chat.ID, err))
	}
	defer unlock()

	if _, err := q.handles.Chats.AppendMessage(ctx, models.Message{
		ChatID:  chat.ID,
		Role:    models.RoleUser,
		Content: message,
	}); err != nil {
		return nil, r.fail(err)
	}

	r.enter(StepQueryEmbedded)
	vector, err := q.handles.Embedder.EmbedQuery(ctx, message)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StepRetrieved)
	matches, err := q.handles.Index.Query(ctx, vector, q.config.TopK, RetrievalFilter(chat))
	if err != nil {
		return nil, r.fail(err)
	}
	log.Printf("[query] chat=%s retrieved %d chunks", chat.ID, len(matches))

	r.enter(StepContextAssembled)
	contextText := llm.AssembleContext(matches)

	r.enter(StepGenerated)
	response, err := q.handles.Generator.Generate(ctx, contextText, message)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StepAssistantMessagePersisted)
	if _, err := q.handles.Chats.AppendMessage(ctx, models.Message{
		ChatID:  chat.ID,
		Role:    models.RoleAssistant,
		Content: response,
	}); err != nil {
		return nil, r.fail(err)
	}

	r.done()
	return &models.Answer{
		ChatID:   chat.ID,
		Response: response,
		Matches:  matches,
	}, nil
}

// resolveChat reuses the supplied chat when the caller owns it and creates
// a new one otherwise.
func (q *QueryEngine) resolveChat(ctx context.Context, question Question) (models.ChatSession, error) {
	if question.ChatID != "" {
		chat, err := q.handles.Chats.GetChat(ctx, question.UserID, question.ChatID)
		if err == nil {
			return chat, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return models.ChatSession{}, err
		}
		log.Printf("[query] chat %s not found for user, starting a new one", question.ChatID)
	}

	return q.handles.Chats.CreateChat(ctx, models.ChatSession{
		UserID: question.UserID,
		Name:   ChatName(question.Message),
	})
}

// RetrievalFilter always scopes to the owner, and to the bound document
// when the chat has one.
func RetrievalFilter(chat models.ChatSession) models.Filter {
	filter := models.Filter{models.FieldUserID: chat.UserID}
	if doc := chat.BoundDocument(); doc != "" {
		filter[models.FieldSource] = doc
	}
	return filter
}

// ChatName is the first MaxChatNameRunes characters of message.
func ChatName(message string) string {
	runes := []rune(message)
	if len(runes) > MaxChatNameRunes {
		runes = runes[:MaxChatNameRunes]
	}
	return string(runes)
}

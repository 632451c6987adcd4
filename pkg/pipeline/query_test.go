package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/types"
	"github.com/xhad/docchat/pkg/pipeline"
)

func seed(t *testing.T, e *env, user, source, text string) {
	t.Helper()
	require.NoError(t, e.index.Upsert(context.Background(), []models.VectorRecord{{
		ID:     user + "-" + source + "-" + text,
		Vector: vectorFor(text),
		Metadata: models.Metadata{
			Text:   text,
			Source: source,
			Page:   1,
			UserID: user,
		},
	}}))
}

func TestAskCreatesChat(t *testing.T) {
	e := newEnv()
	q := pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{})

	var steps []pipeline.Step
	answer, err := q.Ask(context.Background(), pipeline.Question{UserID: "alice", Message: "Hello"},
		pipeline.WithStepHook(func(s pipeline.Step) { steps = append(steps, s) }))
	require.NoError(t, err)
	require.NotEmpty(t, answer.ChatID)
	assert.Equal(t, "answer to Hello", answer.Response)
	assert.Equal(t, pipeline.QuerySteps, steps)

	chat, err := e.chats.GetChat(context.Background(), "alice", answer.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", chat.Name)
	assert.Empty(t, chat.BoundDocument())

	messages, err := e.chats.ListMessages(context.Background(), answer.ChatID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, "Hello", messages[0].Content)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
}

func TestAskNamesChatFromFirstFiftyCharacters(t *testing.T) {
	e := newEnv()
	q := pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{})

	message := strings.Repeat("é", 60)
	answer, err := q.Ask(context.Background(), pipeline.Question{UserID: "alice", Message: message})
	require.NoError(t, err)

	chat, err := e.chats.GetChat(context.Background(), "alice", answer.ChatID)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 50), chat.Name)
}

func TestAskScopesToBoundDocument(t *testing.T) {
	e := newEnv()
	seed(t, e, "alice", "doc.pdf", "from doc")
	seed(t, e, "alice", "other.pdf", "from other")
	seed(t, e, "bob", "doc.pdf", "bob's doc")

	name := "doc.pdf"
	chat, err := e.chats.CreateChat(context.Background(), models.ChatSession{UserID: "alice", Name: name, PDFName: &name})
	require.NoError(t, err)

	q := pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{})
	answer, err := q.Ask(context.Background(), pipeline.Question{UserID: "alice", ChatID: chat.ID, Message: "what?"})
	require.NoError(t, err)
	assert.Equal(t, chat.ID, answer.ChatID)

	require.Len(t, answer.Matches, 1)
	assert.Equal(t, "doc.pdf", answer.Matches[0].Metadata.Source)
	assert.Equal(t, "alice", answer.Matches[0].Metadata.UserID)
	assert.Equal(t, []string{"from doc"}, e.generator.contexts)
}

func TestAskUnboundChatSeesAllOwnDocuments(t *testing.T) {
	e := newEnv()
	seed(t, e, "alice", "doc.pdf", "one")
	seed(t, e, "alice", "other.pdf", "two")
	seed(t, e, "bob", "doc.pdf", "three")

	q := pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{})
	answer, err := q.Ask(context.Background(), pipeline.Question{UserID: "alice", Message: "anything"})
	require.NoError(t, err)

	require.Len(t, answer.Matches, 2)
	for _, m := range answer.Matches {
		assert.Equal(t, "alice", m.Metadata.UserID)
	}
	assert.Contains(t, e.generator.contexts[0], "\n\n---\n\n")
}

func TestAskWithForeignChatStartsNewOne(t *testing.T) {
	e := newEnv()
	bobs, err := e.chats.CreateChat(context.Background(), models.ChatSession{UserID: "bob", Name: "bob"})
	require.NoError(t, err)

	q := pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{})
	answer, err := q.Ask(context.Background(), pipeline.Question{UserID: "alice", ChatID: bobs.ID, Message: "hi"})
	require.NoError(t, err)
	assert.NotEqual(t, bobs.ID, answer.ChatID)

	messages, err := e.chats.ListMessages(context.Background(), bobs.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestAskFailureKeepsUserMessage(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *env)
		step  pipeline.Step
	}{
		{"embedding", func(e *env) { e.embedder.queryErr = errors.New("network down") }, pipeline.StepQueryEmbedded},
		{"generation", func(e *env) { e.generator.err = errors.New("model overloaded") }, pipeline.StepGenerated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			tt.setup(e)
			chat, err := e.chats.CreateChat(context.Background(), models.ChatSession{UserID: "alice", Name: "c"})
			require.NoError(t, err)

			q := pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{})
			_, err = q.Ask(context.Background(), pipeline.Question{UserID: "alice", ChatID: chat.ID, Message: "hi"})
			require.Error(t, err)

			var stepErr *pipeline.StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, tt.step, stepErr.Step)
			assert.Equal(t, "query", stepErr.Pipeline)
			assert.True(t, pipeline.IsUpstream(err))

			messages, err := e.chats.ListMessages(context.Background(), chat.ID)
			require.NoError(t, err)
			require.Len(t, messages, 1)
			assert.Equal(t, models.RoleUser, messages[0].Role)
		})
	}
}

func TestAskValidation(t *testing.T) {
	e := newEnv()
	q := pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{})

	_, err := q.Ask(context.Background(), pipeline.Question{UserID: "alice", Message: "   "})
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.False(t, pipeline.IsUpstream(err))

	e.handles.Entitlements = e.chats
	q = pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{})
	_, err = q.Ask(context.Background(), pipeline.Question{UserID: "alice", Message: "hi"})
	assert.ErrorIs(t, err, types.ErrNotEntitled)
}

func TestAskSerializesTurnsPerChat(t *testing.T) {
	e := newEnv()
	e.generator.delay = 20 * time.Millisecond
	chat, err := e.chats.CreateChat(context.Background(), models.ChatSession{UserID: "alice", Name: "c"})
	require.NoError(t, err)

	q := pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{})

	var wg sync.WaitGroup
	for _, msg := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			_, err := q.Ask(context.Background(), pipeline.Question{UserID: "alice", ChatID: chat.ID, Message: msg})
			assert.NoError(t, err)
		}(msg)
	}
	wg.Wait()

	messages, err := e.chats.ListMessages(context.Background(), chat.ID)
	require.NoError(t, err)
	require.Len(t, messages, 6)
	for i := 0; i < len(messages); i += 2 {
		assert.Equal(t, models.RoleUser, messages[i].Role)
		assert.Equal(t, models.RoleAssistant, messages[i+1].Role)
		assert.Equal(t, "answer to "+messages[i].Content, messages[i+1].Content)
	}
}

func TestAskQueuedTurnGivesUpAtDeadline(t *testing.T) {
	e := newEnv()
	e.generator.delay = 300 * time.Millisecond
	chat, err := e.chats.CreateChat(context.Background(), models.ChatSession{UserID: "alice", Name: "c"})
	require.NoError(t, err)

	q := pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{})

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var once sync.Once
		_, err := q.Ask(context.Background(), pipeline.Question{UserID: "alice", ChatID: chat.ID, Message: "first"},
			pipeline.WithStepHook(func(s pipeline.Step) {
				if s == pipeline.StepQueryEmbedded {
					once.Do(func() { close(holding) })
				}
			}))
		assert.NoError(t, err)
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = q.Ask(ctx, pipeline.Question{UserID: "alice", ChatID: chat.ID, Message: "second"})
	elapsed := time.Since(start)

	var stepErr *pipeline.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, pipeline.StepUserMessagePersisted, stepErr.Step)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 250*time.Millisecond)

	<-done
	messages, err := e.chats.ListMessages(context.Background(), chat.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
}

func TestAskTimeout(t *testing.T) {
	e := newEnv()
	e.handles.Generator = blockingGenerator{}

	q := pipeline.NewQueryEngine(e.handles, pipeline.QueryConfig{Timeout: 10 * time.Millisecond})
	_, err := q.Ask(context.Background(), pipeline.Question{UserID: "alice", Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, contextText, question string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRetrievalFilter(t *testing.T) {
	doc := "doc.pdf"
	assert.Equal(t, models.Filter{"userId": "u"}, pipeline.RetrievalFilter(models.ChatSession{UserID: "u"}))
	assert.Equal(t, models.Filter{"userId": "u", "source": "doc.pdf"},
		pipeline.RetrievalFilter(models.ChatSession{UserID: "u", PDFName: &doc}))
}

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/testutil"
	"github.com/xhad/docchat/pkg/auth"
	"github.com/xhad/docchat/pkg/extractor"
	"github.com/xhad/docchat/pkg/pipeline"
	"github.com/xhad/docchat/pkg/processor"
	"github.com/xhad/docchat/pkg/storage"
	"github.com/xhad/docchat/pkg/store"
	"github.com/xhad/docchat/server"
)

type stubEmbedder struct{ err error }

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{1, float32(len(t)), 0}
	}
	return out, nil
}

func (s stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, float32(len(text)), 0}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, contextText, question string) (string, error) {
	return "answer to " + question, nil
}

type fixture struct {
	ts        *httptest.Server
	chats     *store.MemoryChatStore
	index     *store.MemoryIndex
	uploadDir string
}

func newFixture(t *testing.T, embedErr error) *fixture {
	t.Helper()

	uploadDir := t.TempDir()
	files, err := storage.New(storage.Config{BaseURL: uploadDir})
	require.NoError(t, err)

	proc := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 1000, ChunkOverlap: 200})
	chats := store.NewMemoryChatStore()
	index := store.NewMemoryIndex(3)

	h := pipeline.Handles{
		Extractor:    extractor.NewPDFExtractor(),
		Processor:    &proc,
		Embedder:     stubEmbedder{err: embedErr},
		Index:        index,
		Generator:    stubGenerator{},
		Chats:        chats,
		Storage:      files,
		Entitlements: chats,
	}

	srv := server.New(server.Config{MaxUploadMB: 1, UploadDir: uploadDir},
		auth.NewHeader(""),
		pipeline.NewIngestor(h, pipeline.IngestConfig{}),
		pipeline.NewQueryEngine(h, pipeline.QueryConfig{}),
		pipeline.NewChatService(chats, "http://localhost:3000"),
	)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	chats.SetPro("alice", true)
	return &fixture{ts: ts, chats: chats, index: index, uploadDir: uploadDir}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) upload(t *testing.T, user, name string, data []byte) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if data != nil {
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestUploadAndAsk(t *testing.T) {
	f := newFixture(t, nil)
	pdf := testutil.BuildPDF([]string{"The warranty lasts two years.", "Returns are accepted within 30 days."})

	resp, body := f.upload(t, "alice", "doc.pdf", pdf)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Processed 2 chunks from doc.pdf", body["message"])
	chatID := body["chatId"].(string)
	require.NotEmpty(t, chatID)
	assert.Equal(t, 2, f.index.Len())

	// stored file is served back
	fileURL := body["fileUrl"].(string)
	got, err := http.Get(f.ts.URL + fileURL)
	require.NoError(t, err)
	got.Body.Close()
	assert.Equal(t, http.StatusOK, got.StatusCode)
	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), "-doc.pdf"))
	assert.Equal(t, filepath.Base(fileURL), entries[0].Name())

	resp, body = f.do(t, http.MethodPost, "/chat", "alice", map[string]string{"message": "How long?", "chatId": chatID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, chatID, body["chatId"])
	assert.Equal(t, "answer to How long?", body["response"])

	resp, body = f.do(t, http.MethodGet, "/chat/"+chatID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "doc.pdf", body["pdfName"])
	assert.Len(t, body["messages"], 2)
}

func TestChatCreatesNamedChat(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/chat", "alice", map[string]string{"message": "Hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chatID := body["chatId"].(string)
	require.NotEmpty(t, chatID)

	chat, err := f.chats.GetChat(context.Background(), "alice", chatID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", chat.Name)

	messages, err := f.chats.ListMessages(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
}

func TestStatusCodes(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/chat", "", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/chat", "bob", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Pro subscription required", body["error"])

	resp, body = f.do(t, http.MethodPost, "/chat", "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Message is required", body["error"])

	resp, _ = f.do(t, http.MethodGet, "/chat/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.upload(t, "alice", "doc.pdf", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No file provided", body["error"])

	resp, _ = f.upload(t, "", "doc.pdf", []byte("%PDF"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	health, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestUploadFailureReportsStep(t *testing.T) {
	f := newFixture(t, errors.New("quota exceeded"))

	resp, body := f.upload(t, "alice", "doc.pdf", testutil.BuildPDF([]string{"some text"}))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Upload Failed", body["error"])
	assert.Equal(t, "Embedding Generation failed: chunks [0:1]: quota exceeded", body["details"])

	resp, body = f.upload(t, "alice", "broken.pdf", []byte("not a pdf"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body["details"].(string), "PDF Parsing failed: "), body["details"])
}

func TestChatManagement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	source, err := f.chats.CreateChat(ctx, models.ChatSession{UserID: "alice", Name: "source"})
	require.NoError(t, err)
	fileURL := "/uploads/1-target.pdf"
	target, err := f.chats.CreateChat(ctx, models.ChatSession{UserID: "alice", Name: "target", FileURL: &fileURL})
	require.NoError(t, err)
	_, err = f.chats.AppendMessage(ctx, models.Message{ChatID: source.ID, Role: models.RoleUser, Content: "moved"})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/chat/list", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var list []models.ChatSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Len(t, list, 2)

	resp, _ = f.do(t, http.MethodPatch, "/chat/"+target.ID, "alice", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPatch, "/chat/"+target.ID, "alice", map[string]string{"name": "renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "renamed", body["name"])

	resp, _ = f.do(t, http.MethodPost, "/chat/merge", "alice", map[string]string{"sourceChatId": target.ID, "targetChatId": target.ID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/chat/merge", "alice", map[string]string{"sourceChatId": source.ID, "targetChatId": target.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = f.do(t, http.MethodPost, "/chat/share", "alice", map[string]string{"chatId": target.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["isShared"])
	shareID := body["shareId"].(string)
	assert.Equal(t, "http://localhost:3000/share/"+shareID, body["url"])

	resp, body = f.do(t, http.MethodGet, "/share/"+shareID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["messages"], 1)
	assert.Equal(t, target.ID, body["id"])
	assert.NotContains(t, body, "userId")
	assert.NotContains(t, body, "fileUrl")

	resp, _ = f.do(t, http.MethodDelete, "/chat/"+target.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/chat/"+target.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketStreamsSteps(t *testing.T) {
	f := newFixture(t, nil)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"X-User-Id": []string{"alice"}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(server.Message{Type: "chat", Content: "Hello"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var statuses []server.Message
	var chatID string
	for {
		var msg server.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "status" {
			statuses = append(statuses, msg)
			continue
		}
		require.Equal(t, "response", msg.Type, msg.Content)
		assert.Equal(t, "answer to Hello", msg.Content)
		chatID = msg.ChatID
		break
	}
	require.NotEmpty(t, chatID)

	require.Len(t, statuses, len(pipeline.QuerySteps)-1)
	assert.Equal(t, pipeline.StepGenerated.Label(), statuses[len(statuses)-2].Content)

	// frames before the chat exists carry no id, every later one the new chat's
	assert.Equal(t, pipeline.StepReceived.Label(), statuses[0].Content)
	assert.Empty(t, statuses[0].ChatID)
	assert.Equal(t, pipeline.StepChatResolved.Label(), statuses[1].Content)
	assert.Empty(t, statuses[1].ChatID)
	for _, status := range statuses[2:] {
		assert.Equal(t, chatID, status.ChatID, status.Content)
	}
}

func TestWebSocketRequiresAuth(t *testing.T) {
	f := newFixture(t, nil)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

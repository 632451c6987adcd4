package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xhad/docchat/internal/app"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/types"
	"github.com/xhad/docchat/pkg/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

// Message is the websocket frame format in both directions.
type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	ChatID  string      `json:"chatId,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Config struct {
	MaxUploadMB int64
	// UploadDir is served under /uploads when set.
	UploadDir string
}

type Server struct {
	config   Config
	auth     types.Authenticator
	ingestor *pipeline.Ingestor
	queries  *pipeline.QueryEngine
	chats    *pipeline.ChatService
}

func New(config Config, auth types.Authenticator, ingestor *pipeline.Ingestor, queries *pipeline.QueryEngine, chats *pipeline.ChatService) *Server {
	if config.MaxUploadMB <= 0 {
		config.MaxUploadMB = 10
	}
	return &Server{
		config:   config,
		auth:     auth,
		ingestor: ingestor,
		queries:  queries,
		chats:    chats,
	}
}

// NewFromApp wires a server to the handles built by app.Build.
func NewFromApp(a *app.App) *Server {
	return New(Config{
		MaxUploadMB: a.Config.Server.MaxUploadMB,
		UploadDir:   a.UploadDir,
	}, a.Auth, a.Ingestor, a.Queries, a.Chats)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /chat/list", s.handleListChats)
	mux.HandleFunc("GET /chat/{id}", s.handleGetChat)
	mux.HandleFunc("PATCH /chat/{id}", s.handleRenameChat)
	mux.HandleFunc("DELETE /chat/{id}", s.handleDeleteChat)
	mux.HandleFunc("POST /chat/merge", s.handleMergeChats)
	mux.HandleFunc("POST /chat/share", s.handleShareChat)
	mux.HandleFunc("GET /share/{shareId}", s.handleSharedChat)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Add a simple health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.config.UploadDir != "" {
		mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.config.UploadDir))))
	}

	return logRequests(mux)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(r)
	if err != nil {
		writeError(w, err, "Upload Failed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadMB<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error:   "File too large",
				Details: fmt.Sprintf("limit is %d MB", s.config.MaxUploadMB),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file provided"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, fmt.Errorf("failed to read upload: %w", err), "Upload Failed")
		return
	}

	result, err := s.ingestor.Ingest(r.Context(), models.Upload{
		UserID:      userID,
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, err, "Upload Failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"chatId":  result.ChatID,
		"message": fmt.Sprintf("Processed %d chunks from %s", result.Chunks, header.Filename),
		"fileUrl": result.FileURL,
	})
}

type chatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chatId"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(r)
	if err != nil {
		writeError(w, err, "Internal server error")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Message is required"})
		return
	}

	answer, err := s.queries.Ask(r.Context(), pipeline.Question{
		UserID:  userID,
		ChatID:  req.ChatID,
		Message: req.Message,
	})
	if err != nil {
		writeError(w, err, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"response": answer.Response,
		"chatId":   answer.ChatID,
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(r)
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}

	chats, err := s.chats.List(r.Context(), userID)
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}
	if chats == nil {
		chats = []models.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(r)
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}

	chat, err := s.chats.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(r)
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	chat, err := s.chats.Rename(r.Context(), userID, r.PathValue("id"), req.Name)
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(r)
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}

	if err := s.chats.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err, "Internal Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMergeChats(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(r)
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}

	var req struct {
		SourceChatID string `json:"sourceChatId"`
		TargetChatID string `json:"targetChatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	if err := s.chats.Merge(r.Context(), userID, req.SourceChatID, req.TargetChatID); err != nil {
		writeError(w, err, "Internal Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleShareChat(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(r)
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}

	var req struct {
		ChatID string `json:"chatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	result, err := s.chats.Share(r.Context(), userID, req.ChatID)
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSharedChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.chats.Shared(r.Context(), r.PathValue("shareId"))
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(r)
	if err != nil {
		writeError(w, err, "Internal Error")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Error reading message: %v", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling message: %v", err)
			ws.send(Message{Type: "error", Content: "invalid message format"})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleMessage(r.Context(), ws, userID, msg)
		}()
	}
}

func (s *Server) handleMessage(ctx context.Context, ws *wsConn, userID string, msg Message) {
	if msg.Type != "chat" {
		ws.send(Message{Type: "error", Content: fmt.Sprintf("unsupported message type %q", msg.Type)})
		return
	}

	// a new chat's id is known once ChatResolved has run
	chatID := msg.ChatID
	answer, err := s.queries.Ask(ctx, pipeline.Question{
		UserID:  userID,
		ChatID:  msg.ChatID,
		Message: msg.Content,
	}, pipeline.WithChatResolved(func(id string) {
		chatID = id
	}), pipeline.WithStepHook(func(step pipeline.Step) {
		if step == pipeline.StepDone {
			return
		}
		ws.send(Message{
			Type:    "status",
			Content: step.Label(),
			ChatID:  chatID,
			Data:    map[string]string{"step": string(step)},
		})
	}))
	if err != nil {
		ws.send(Message{Type: "error", Content: err.Error(), ChatID: chatID})
		return
	}

	ws.send(Message{Type: "response", Content: answer.Response, ChatID: answer.ChatID})
}

func (ws *wsConn) send(msg Message) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if err := ws.conn.WriteJSON(msg); err != nil {
		log.Printf("Error sending message: %v", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes websocket upgrades through to the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/types"
)

// MemoryIndex is an in-process vector index with the same contract as
// VectorStore. It backs local runs without Postgres and the test suites.
type MemoryIndex struct {
	mu      sync.RWMutex
	dim     int
	records map[string]models.VectorRecord
}

func NewMemoryIndex(dim int) *MemoryIndex {
	return &MemoryIndex{
		dim:     dim,
		records: make(map[string]models.VectorRecord),
	}
}

func (m *MemoryIndex) Upsert(ctx context.Context, records []models.VectorRecord) error {
	if len(records) > MaxUpsertBatch {
		return ErrBatchTooLarge
	}
	for _, r := range records {
		if m.dim > 0 && len(r.Vector) != m.dim {
			return fmt.Errorf("record %s has dimension %d, index expects %d", r.ID, len(r.Vector), m.dim)
		}
		if r.Metadata.UserID == "" {
			return fmt.Errorf("record %s: %w", r.ID, ErrMissingTenant)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		vector := make([]float32, len(r.Vector))
		copy(vector, r.Vector)
		r.Vector = vector
		m.records[r.ID] = r
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, vector []float32, topK int, filter models.Filter) ([]models.Match, error) {
	if filter[models.FieldUserID] == "" {
		return nil, ErrMissingTenant
	}
	for k := range filter {
		if _, ok := filterColumns[k]; !ok {
			return nil, fmt.Errorf("unsupported filter field %q", k)
		}
	}
	if topK <= 0 {
		topK = 5
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []models.Match
	for _, r := range m.records {
		if !matchesFilter(r.Metadata, filter) {
			continue
		}
		matches = append(matches, models.Match{
			ID:       r.ID,
			Score:    cosine(vector, r.Vector),
			Metadata: r.Metadata,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})

	if topK < len(matches) {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

// Len reports how many records are stored.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryIndex) Close() {}

func matchesFilter(meta models.Metadata, filter models.Filter) bool {
	for k, want := range filter {
		got, ok := meta.Field(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MemoryChatStore keeps users, chats and messages in process.
type MemoryChatStore struct {
	mu       sync.RWMutex
	users    map[string]models.User
	chats    map[string]models.ChatSession
	messages []storedMessage
	seq      int
	now      func() time.Time
}

type storedMessage struct {
	models.Message
	seq int
}

func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{
		users: make(map[string]models.User),
		chats: make(map[string]models.ChatSession),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryChatStore) EnsureUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = models.User{ID: userID, CreatedAt: s.now()}
	}
	return nil
}

// SetPro marks a user as holding a subscription.
func (s *MemoryChatStore) SetPro(userID string, pro bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.ID = userID
	u.IsPro = pro
	s.users[userID] = u
}

func (s *MemoryChatStore) IsEntitled(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID].IsPro, nil
}

func (s *MemoryChatStore) CreateChat(ctx context.Context, chat models.ChatSession) (models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	now := s.now()
	chat.CreatedAt, chat.UpdatedAt = now, now
	s.chats[chat.ID] = chat
	return chat, nil
}

func (s *MemoryChatStore) GetChat(ctx context.Context, userID, chatID string) (models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[chatID]
	if !ok || chat.UserID != userID {
		return models.ChatSession{}, fmt.Errorf("chat %s: %w", chatID, types.ErrNotFound)
	}
	return chat, nil
}

func (s *MemoryChatStore) ListChats(ctx context.Context, userID string) ([]models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chats []models.ChatSession
	for _, c := range s.chats {
		if c.UserID == userID {
			chats = append(chats, c)
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID < chats[j].ID
	})
	return chats, nil
}

func (s *MemoryChatStore) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stored []storedMessage
	for _, m := range s.messages {
		if m.ChatID == chatID {
			stored = append(stored, m)
		}
	}
	sort.SliceStable(stored, func(i, j int) bool {
		if !stored[i].CreatedAt.Equal(stored[j].CreatedAt) {
			return stored[i].CreatedAt.Before(stored[j].CreatedAt)
		}
		return stored[i].seq < stored[j].seq
	})

	messages := make([]models.Message, len(stored))
	for i, m := range stored {
		messages[i] = m.Message
	}
	return messages, nil
}

func (s *MemoryChatStore) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[msg.ChatID]
	if !ok {
		return models.Message{}, fmt.Errorf("chat %s: %w", msg.ChatID, types.ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.seq++
	s.messages = append(s.messages, storedMessage{Message: msg, seq: s.seq})

	chat.UpdatedAt = s.now()
	s.chats[chat.ID] = chat
	return msg, nil
}

func (s *MemoryChatStore) RenameChat(ctx context.Context, userID, chatID, name string) (models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok || chat.UserID != userID {
		return models.ChatSession{}, fmt.Errorf("chat %s: %w", chatID, types.ErrNotFound)
	}
	chat.Name = name
	chat.UpdatedAt = s.now()
	s.chats[chatID] = chat
	return chat, nil
}

func (s *MemoryChatStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok || chat.UserID != userID {
		return fmt.Errorf("chat %s: %w", chatID, types.ErrNotFound)
	}
	delete(s.chats, chatID)
	s.removeMessages(chatID)
	return nil
}

func (s *MemoryChatStore) removeMessages(chatID string) {
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ChatID != chatID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
}

func (s *MemoryChatStore) MergeChats(ctx context.Context, userID, sourceID, targetID string) error {
	if sourceID == targetID {
		return fmt.Errorf("cannot merge chat into itself: %w", types.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.chats[sourceID]
	if !ok || source.UserID != userID {
		return fmt.Errorf("chat %s: %w", sourceID, types.ErrNotFound)
	}
	target, ok := s.chats[targetID]
	if !ok || target.UserID != userID {
		return fmt.Errorf("chat %s: %w", targetID, types.ErrNotFound)
	}

	for i := range s.messages {
		if s.messages[i].ChatID == sourceID {
			s.messages[i].ChatID = targetID
		}
	}
	delete(s.chats, sourceID)

	target.UpdatedAt = s.now()
	s.chats[targetID] = target
	return nil
}

func (s *MemoryChatStore) ShareChat(ctx context.Context, userID, chatID, shareID string) (models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok || chat.UserID != userID {
		return models.ChatSession{}, fmt.Errorf("chat %s: %w", chatID, types.ErrNotFound)
	}
	if chat.ShareID == nil {
		id := shareID
		chat.ShareID = &id
	}
	chat.IsShared = true
	chat.UpdatedAt = s.now()
	s.chats[chatID] = chat
	return chat, nil
}

func (s *MemoryChatStore) GetSharedChat(ctx context.Context, shareID string) (models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.chats {
		if c.IsShared && c.ShareID != nil && *c.ShareID == shareID {
			return c, nil
		}
	}
	return models.ChatSession{}, fmt.Errorf("shared chat %s: %w", shareID, types.ErrNotFound)
}

func (s *MemoryChatStore) Close() {}

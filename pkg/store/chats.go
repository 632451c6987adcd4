package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xhad/docchat/internal/models"
	"github.com/xhad/docchat/internal/types"
)

const chatColumns = "id, user_id, name, pdf_name, file_url, is_shared, share_id, created_at, updated_at"

// ChatStore persists users, chats and messages in Postgres.
type ChatStore struct {
	pool *pgxpool.Pool
}

func NewChatStore(ctx context.Context, pool *pgxpool.Pool) (*ChatStore, error) {
	cs := &ChatStore{pool: pool}
	if err := cs.initialize(ctx); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *ChatStore) initialize(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT,
			is_pro BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			pdf_name TEXT,
			file_url TEXT,
			is_shared BOOLEAN NOT NULL DEFAULT false,
			share_id TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS chats_user_updated_idx ON chats (user_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := cs.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize chat schema: %v", err)
		}
	}
	return nil
}

func (cs *ChatStore) EnsureUser(ctx context.Context, userID string) error {
	_, err := cs.pool.Exec(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("failed to sync user: %w", err)
	}
	return nil
}

func (cs *ChatStore) CreateChat(ctx context.Context, chat models.ChatSession) (models.ChatSession, error) {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	chat.CreatedAt, chat.UpdatedAt = now, now

	_, err := cs.pool.Exec(ctx, `
		INSERT INTO chats (id, user_id, name, pdf_name, file_url, is_shared, share_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		chat.ID, chat.UserID, chat.Name, chat.PDFName, chat.FileURL,
		chat.IsShared, chat.ShareID, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return models.ChatSession{}, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

func (cs *ChatStore) GetChat(ctx context.Context, userID, chatID string) (models.ChatSession, error) {
	row := cs.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE id = $1 AND user_id = $2`, chatID, userID)
	return scanChat(row, chatID)
}

func (cs *ChatStore) ListChats(ctx context.Context, userID string) ([]models.ChatSession, error) {
	rows, err := cs.pool.Query(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE user_id = $1 ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []models.ChatSession
	for rows.Next() {
		chat, err := scanChat(rows, "")
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (cs *ChatStore) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	rows, err := cs.pool.Query(ctx, `
		SELECT id, chat_id, role, content, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %v", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AppendMessage stores the message and touches the chat's updated_at.
func (cs *ChatStore) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, cs.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE chats SET updated_at = $2 WHERE id = $1`, msg.ChatID, msg.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("chat %s: %w", msg.ChatID, types.ErrNotFound)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, chat_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			msg.ID, msg.ChatID, msg.Role, msg.Content, msg.CreatedAt)
		return err
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

func (cs *ChatStore) RenameChat(ctx context.Context, userID, chatID, name string) (models.ChatSession, error) {
	row := cs.pool.QueryRow(ctx, `
		UPDATE chats SET name = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING `+chatColumns, chatID, userID, name)
	return scanChat(row, chatID)
}

func (cs *ChatStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	tag, err := cs.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chat %s: %w", chatID, types.ErrNotFound)
	}
	return nil
}

// MergeChats moves every message of source into target, keeping their
// created_at, then deletes source. Both chats must belong to userID.
func (cs *ChatStore) MergeChats(ctx context.Context, userID, sourceID, targetID string) error {
	if sourceID == targetID {
		return fmt.Errorf("cannot merge chat into itself: %w", types.ErrValidation)
	}

	return pgx.BeginFunc(ctx, cs.pool, func(tx pgx.Tx) error {
		for _, id := range []string{sourceID, targetID} {
			var exists bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1 AND user_id = $2 FOR UPDATE)`,
				id, userID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to load chat: %w", err)
			}
			if !exists {
				return fmt.Errorf("chat %s: %w", id, types.ErrNotFound)
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE messages SET chat_id = $2 WHERE chat_id = $1`, sourceID, targetID); err != nil {
			return fmt.Errorf("failed to move messages: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM chats WHERE id = $1`, sourceID); err != nil {
			return fmt.Errorf("failed to delete source chat: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE chats SET updated_at = now() WHERE id = $1`, targetID); err != nil {
			return fmt.Errorf("failed to touch target chat: %w", err)
		}
		return nil
	})
}

// ShareChat marks the chat shared. An existing share id is kept.
func (cs *ChatStore) ShareChat(ctx context.Context, userID, chatID, shareID string) (models.ChatSession, error) {
	row := cs.pool.QueryRow(ctx, `
		UPDATE chats SET is_shared = true, share_id = COALESCE(share_id, $3), updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING `+chatColumns, chatID, userID, shareID)
	return scanChat(row, chatID)
}

func (cs *ChatStore) GetSharedChat(ctx context.Context, shareID string) (models.ChatSession, error) {
	row := cs.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE share_id = $1 AND is_shared`, shareID)
	return scanChat(row, shareID)
}

func (cs *ChatStore) Close() {
	if cs.pool != nil {
		cs.pool.Close()
	}
}

func scanChat(row pgx.Row, id string) (models.ChatSession, error) {
	var c models.ChatSession
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.PDFName, &c.FileURL,
		&c.IsShared, &c.ShareID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ChatSession{}, fmt.Errorf("chat %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return models.ChatSession{}, fmt.Errorf("failed to scan chat: %v", err)
	}
	return c, nil
}

// DatabaseEntitlements reads the subscription flag from the users table.
type DatabaseEntitlements struct {
	pool *pgxpool.Pool
}

func NewDatabaseEntitlements(pool *pgxpool.Pool) *DatabaseEntitlements {
	return &DatabaseEntitlements{pool: pool}
}

func (d *DatabaseEntitlements) IsEntitled(ctx context.Context, userID string) (bool, error) {
	var isPro bool
	err := d.pool.QueryRow(ctx, `SELECT is_pro FROM users WHERE id = $1`, userID).Scan(&isPro)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read subscription: %w", err)
	}
	return isPro, nil
}

// AllowAll entitles every user.
type AllowAll struct{}

func (AllowAll) IsEntitled(ctx context.Context, userID string) (bool, error) {
	return true, nil
}

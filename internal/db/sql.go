package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/teiqr/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Database is the SQL-backed Store shared by the SQLite and Postgres
// drivers. Queries are written with '?' and rebound per driver.
type Database struct {
	db *sqlx.DB
}

const messageColumns = `id, conversation_id, role, content, sources, COALESCE(model, '') AS model, files, created_at`

func (db *Database) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := db.db.Rebind(`
        INSERT INTO conversations (id, user_id, title, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)`)
	if _, err := db.db.ExecContext(ctx, query, conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (db *Database) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	query := db.db.Rebind(`
        SELECT id, user_id, title, created_at, updated_at
        FROM conversations
        WHERE id = ?`)
	if err := db.db.GetContext(ctx, &conv, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (db *Database) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	conversations := make([]models.Conversation, 0)
	query := db.db.Rebind(`
        SELECT id, user_id, title, created_at, updated_at
        FROM conversations
        WHERE user_id = ?
        ORDER BY updated_at DESC`)
	if err := db.db.SelectContext(ctx, &conversations, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

func (db *Database) UpdateConversationTitle(ctx context.Context, id, title string) error {
	query := db.db.Rebind("UPDATE conversations SET title = ? WHERE id = ?")
	return db.execOne(ctx, query, title, id)
}

func (db *Database) TouchConversation(ctx context.Context, id string) error {
	query := db.db.Rebind("UPDATE conversations SET updated_at = ? WHERE id = ?")
	return db.execOne(ctx, query, time.Now().UTC(), id)
}

func (db *Database) DeleteConversation(ctx context.Context, id string) error {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM messages WHERE conversation_id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM conversations WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (db *Database) SaveMessage(ctx context.Context, msg *models.Message) error {
	msg.ID = uuid.New().String()
	msg.CreatedAt = time.Now().UTC()

	var model interface{}
	if msg.Model != "" {
		model = msg.Model
	}

	query := db.db.Rebind(`
        INSERT INTO messages (id, conversation_id, role, content, sources, model, files, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := db.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Sources, model, msg.Files, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (db *Database) GetConversationHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	messages := make([]models.Message, 0, limit)
	query := db.db.Rebind(`
        SELECT ` + messageColumns + `
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at DESC, seq DESC
        LIMIT ?`)
	if err := db.db.SelectContext(ctx, &messages, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}

	// Newest first from the query; callers want oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (db *Database) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	query := db.db.Rebind(`
        SELECT ` + messageColumns + `
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, seq ASC`)
	if err := db.db.SelectContext(ctx, &messages, query, conversationID); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

func (db *Database) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var profile models.Profile
	query := db.db.Rebind(`
        SELECT id, username, created_at, updated_at
        FROM profiles
        WHERE id = ?`)
	if err := db.db.GetContext(ctx, &profile, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &profile, nil
}

func (db *Database) UpsertProfile(ctx context.Context, profile *models.Profile) error {
	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	query := db.db.Rebind(`
        INSERT INTO profiles (id, username, created_at, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            username = EXCLUDED.username,
            updated_at = EXCLUDED.updated_at`)
	if _, err := db.db.ExecContext(ctx, query, profile.ID, profile.Username, profile.CreatedAt, profile.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*Database)(nil)

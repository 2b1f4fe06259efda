package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/RichardoC/teiqr/internal/config"
	"github.com/RichardoC/teiqr/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence layer for conversations, messages and profiles.
// Message lists are always returned in ascending creation order.
type Store interface {
	CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	TouchConversation(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error

	SaveMessage(ctx context.Context, msg *models.Message) error
	GetConversationHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)

	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	UpsertProfile(ctx context.Context, profile *models.Profile) error

	Close() error
}

// Open returns the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "dynamodb":
		return NewDynamoDB(ctx, cfg.DynamoDB)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

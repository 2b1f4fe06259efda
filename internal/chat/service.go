// Package chat runs a chat turn: it records the user's message, assembles
// the prompt, streams the reply and stores it once the stream completes.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/RichardoC/teiqr/internal/attachment"
	"github.com/RichardoC/teiqr/internal/config"
	"github.com/RichardoC/teiqr/internal/db"
	"github.com/RichardoC/teiqr/internal/llm"
	"github.com/RichardoC/teiqr/internal/models"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var (
	ErrMessageRequired      = errors.New("message is required")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Streamer opens a streaming completion.
type Streamer interface {
	Stream(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (*llm.Stream, error)
}

// Completer runs a single non-streaming completion.
type Completer interface {
	Complete(ctx context.Context, model, system, prompt string) (string, error)
}

// Request is the body of a chat turn.
type Request struct {
	ConversationID string            `json:"conversationId"`
	Message        string            `json:"message"`
	Model          string            `json:"model"`
	Files          []attachment.File `json:"files"`
}

// Turn is a chat turn that has been accepted and recorded, ready to stream.
type Turn struct {
	ConversationID string
	IsNew          bool
	Model          string
	Message        string
	UserMessage    *models.Message
	Prompt         []openai.ChatCompletionMessage
	ImageRequest   bool
}

type Service struct {
	store        db.Store
	streamer     Streamer
	completer    Completer
	normalizer   *attachment.Normalizer
	logger       *zap.Logger
	historyLimit int
	systemPrompt string
	defaultModel string
}

func NewService(store db.Store, streamer Streamer, completer Completer, cfg config.ChatConfig, defaultModel string, logger *zap.Logger) *Service {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = config.DefaultHistoryLimit
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = config.DefaultSystemPrompt
	}
	if defaultModel == "" {
		defaultModel = config.DefaultModel
	}
	return &Service{
		store:        store,
		streamer:     streamer,
		completer:    completer,
		normalizer:   attachment.NewNormalizer(logger),
		logger:       logger,
		historyLimit: limit,
		systemPrompt: systemPrompt,
		defaultModel: defaultModel,
	}
}

// Begin validates the request, creates the conversation when none was
// given, stores the user's message and builds the upstream prompt. Any
// error here happens before the upstream provider is contacted.
func (s *Service) Begin(ctx context.Context, userID string, req Request) (*Turn, error) {
	if req.Message == "" {
		return nil, ErrMessageRequired
	}

	turn := &Turn{
		ConversationID: req.ConversationID,
		Model:          req.Model,
		Message:        req.Message,
	}
	if turn.Model == "" {
		turn.Model = s.defaultModel
	}
	turn.ImageRequest = IsImageModel(turn.Model)

	if err := s.ensureConversation(ctx, userID, turn); err != nil {
		return nil, err
	}

	atts := attachment.Parse(req.Files)
	userMsg := &models.Message{
		ConversationID: turn.ConversationID,
		Role:           models.RoleUser,
		Content:        req.Message,
		Files:          attachment.Metadata(atts),
	}
	if err := s.store.SaveMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}
	turn.UserMessage = userMsg

	if turn.ImageRequest {
		return turn, nil
	}

	history, err := s.history(ctx, turn.ConversationID, userMsg.ID)
	if err != nil {
		return nil, err
	}

	prompt := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	prompt = append(prompt, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s.systemPrompt})
	for _, m := range history {
		prompt = append(prompt, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	prompt = append(prompt, s.normalizer.Fold(req.Message, atts).Message(openai.ChatMessageRoleUser))
	turn.Prompt = prompt

	return turn, nil
}

func (s *Service) ensureConversation(ctx context.Context, userID string, turn *Turn) error {
	if turn.ConversationID == "" {
		conv, err := s.store.CreateConversation(ctx, userID, models.DeriveTitle(turn.Message))
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		turn.ConversationID = conv.ID
		turn.IsNew = true
		return nil
	}

	conv, err := s.store.GetConversation(ctx, turn.ConversationID)
	if errors.Is(err, db.ErrNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.UserID != userID {
		return ErrConversationNotFound
	}
	return nil
}

// history returns up to historyLimit of the most recent messages before
// the current turn, oldest first.
func (s *Service) history(ctx context.Context, conversationID, currentID string) ([]models.Message, error) {
	msgs, err := s.store.GetConversationHistory(ctx, conversationID, s.historyLimit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}

	prior := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != currentID {
			prior = append(prior, m)
		}
	}
	if len(prior) > s.historyLimit {
		prior = prior[len(prior)-s.historyLimit:]
	}
	return prior, nil
}

// Open returns the function that starts the event stream for turn.
func (s *Service) Open(turn *Turn) OpenFunc {
	return func(ctx context.Context) (EventStream, error) {
		if turn.ImageRequest {
			return llm.NewStaticStream(s.DescribeImage(ctx, turn)), nil
		}
		stream, err := s.streamer.Stream(ctx, turn.Model, turn.Prompt)
		if err != nil {
			return nil, err
		}
		return stream, nil
	}
}

// FinishTurn stores the assistant reply and bumps the conversation.
func (s *Service) FinishTurn(ctx context.Context, turn *Turn, content string, sources []models.Source) error {
	if sources == nil {
		sources = []models.Source{}
	}
	reply := &models.Message{
		ConversationID: turn.ConversationID,
		Role:           models.RoleAssistant,
		Content:        content,
		Sources:        sources,
		Model:          turn.Model,
	}
	if err := s.store.SaveMessage(ctx, reply); err != nil {
		return fmt.Errorf("failed to save assistant message: %w", err)
	}
	if err := s.store.TouchConversation(ctx, turn.ConversationID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

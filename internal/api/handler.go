package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/RichardoC/teiqr/internal/chat"
	"github.com/RichardoC/teiqr/internal/config"
	"github.com/RichardoC/teiqr/internal/db"
	"github.com/RichardoC/teiqr/internal/metrics"
	"github.com/RichardoC/teiqr/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	store   db.Store
	chat    *chat.Service
	metrics *metrics.Chat
	models  []config.Model
	logger  *zap.Logger
}

func NewHandler(store db.Store, chatService *chat.Service, m *metrics.Chat, catalog []config.Model, logger *zap.Logger) *Handler {
	return &Handler{
		store:   store,
		chat:    chatService,
		metrics: m,
		models:  catalog,
		logger:  logger,
	}
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type UpdateProfileRequest struct {
	Username string `json:"username"`
}

// HandleChat runs one chat turn and streams the reply as server-sent events.
func (h *Handler) HandleChat(c *gin.Context) {
	identity := IdentityFrom(c)

	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.Turn(metrics.OutcomeRejected)
		h.logger.Warn("Failed to decode chat request", zap.Error(err))
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	ctx := c.Request.Context()
	turn, err := h.chat.Begin(ctx, identity.UserID, req)
	switch {
	case errors.Is(err, chat.ErrMessageRequired):
		h.metrics.Turn(metrics.OutcomeRejected)
		c.String(http.StatusBadRequest, "Message is required")
		return
	case errors.Is(err, chat.ErrConversationNotFound):
		h.metrics.Turn(metrics.OutcomeRejected)
		c.String(http.StatusNotFound, "Conversation not found")
		return
	case err != nil:
		h.logger.Error("Failed to start chat turn",
			zap.String("user_id", identity.UserID),
			zap.Error(err))
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	setSSEHeaders(c)
	reframer := chat.NewReframer(turn, h.chat, newSSEWriter(c), h.metrics, h.logger)
	if err := reframer.Run(ctx, h.chat.Open(turn)); err != nil {
		// Drop the connection without terminating the event stream so the
		// client sees an abnormal end instead of a clean close.
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) GetConversations(c *gin.Context) {
	identity := IdentityFrom(c)

	conversations, err := h.store.ListConversations(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("Failed to get conversations",
			zap.Error(err),
			zap.String("user_id", identity.UserID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if q := strings.ToLower(strings.TrimSpace(c.Query("q"))); q != "" {
		filtered := make([]models.Conversation, 0, len(conversations))
		for _, conv := range conversations {
			if strings.Contains(strings.ToLower(conv.Title), q) {
				filtered = append(filtered, conv)
			}
		}
		conversations = filtered
	}

	h.logger.Debug("Retrieved conversations",
		zap.Int("count", len(conversations)),
		zap.String("user_id", identity.UserID))

	c.JSON(http.StatusOK, conversations)
}

func (h *Handler) GetMessages(c *gin.Context) {
	conv, ok := h.ownedConversation(c)
	if !ok {
		return
	}

	messages, err := h.store.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		h.logger.Error("Failed to get messages", zap.Error(err), zap.String("conversation_id", conv.ID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *Handler) UpdateConversation(c *gin.Context) {
	var req UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Title is required"})
		return
	}

	conv, ok := h.ownedConversation(c)
	if !ok {
		return
	}

	if err := h.store.UpdateConversationTitle(c.Request.Context(), conv.ID, title); err != nil {
		h.logger.Error("Failed to update conversation", zap.Error(err), zap.String("conversation_id", conv.ID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	conv.Title = title
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	conv, ok := h.ownedConversation(c)
	if !ok {
		return
	}

	if err := h.store.DeleteConversation(c.Request.Context(), conv.ID); err != nil {
		h.logger.Error("Failed to delete conversation", zap.Error(err), zap.String("conversation_id", conv.ID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetProfile(c *gin.Context) {
	identity := IdentityFrom(c)

	profile, err := h.store.GetProfile(c.Request.Context(), identity.UserID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusOK, models.Profile{ID: identity.UserID})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get profile", zap.Error(err), zap.String("user_id", identity.UserID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	identity := IdentityFrom(c)

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username is required"})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.UpsertProfile(ctx, &models.Profile{ID: identity.UserID, Username: username}); err != nil {
		h.logger.Error("Failed to update profile", zap.Error(err), zap.String("user_id", identity.UserID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	profile, err := h.store.GetProfile(ctx, identity.UserID)
	if err != nil {
		h.logger.Error("Failed to reload profile", zap.Error(err), zap.String("user_id", identity.UserID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, h.models)
}

// ownedConversation loads the :id conversation and checks that it belongs
// to the caller. It writes the error response itself.
func (h *Handler) ownedConversation(c *gin.Context) (*models.Conversation, bool) {
	identity := IdentityFrom(c)

	conv, err := h.store.GetConversation(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) || (err == nil && conv.UserID != identity.UserID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to get conversation", zap.Error(err), zap.String("conversation_id", c.Param("id")))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return nil, false
	}
	return conv, true
}

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"teamchat/internal/middleware"
	"teamchat/internal/models"
	"teamchat/internal/store"
	"teamchat/internal/telemetry"
)

// MessageService is the store surface behind the message endpoints.
type MessageService interface {
	Append(ctx context.Context, req store.AppendRequest) (models.Message, error)
	Edit(ctx context.Context, messageID, requesterID, newBody, requestID string) (models.Message, error)
	Delete(ctx context.Context, messageID, requesterID, requestID string) error
	React(ctx context.Context, messageID, userID, emoji, requestID string) (models.ReactionDelta, error)
	ListSince(ctx context.Context, channelID, viewerID, cursor string, limit int) ([]models.Message, error)
	Search(ctx context.Context, userID, query string, limit int) ([]models.Message, error)
}

// MessageHandler manages message endpoints. Mutations made here are
// broadcast to websocket sessions by the store's event sink.
type MessageHandler struct {
	svc   MessageService
	audit *telemetry.AuditEmitter
}

// NewMessageHandler constructs a MessageHandler.
func NewMessageHandler(svc MessageService, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{svc: svc, audit: audit}
}

// ListMessages handles GET /channels/:channel_id/messages?since=&limit=.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	msgs, err := h.svc.ListSince(c.Request.Context(), c.Param("channel_id"), c.GetString(middleware.UserIDKey), c.Query("since"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage handles POST /channels/:channel_id/messages.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req struct {
		Content     string              `json:"content"`
		ReplyTo     string              `json:"reply_to"`
		Kind        models.MessageKind  `json:"type"`
		Attachments []models.Attachment `json:"attachments"`
		ClientID    string              `json:"client_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.Append(c.Request.Context(), store.AppendRequest{
		ChannelID:   c.Param("channel_id"),
		SenderID:    c.GetString(middleware.UserIDKey),
		Body:        req.Content,
		ReplyTo:     req.ReplyTo,
		Kind:        req.Kind,
		Attachments: req.Attachments,
		RequestID:   req.ClientID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// EditMessage handles PATCH /messages/:message_id.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.Edit(c.Request.Context(), c.Param("message_id"), c.GetString(middleware.UserIDKey), req.Content, requestIDFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage handles DELETE /messages/:message_id (sender only).
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	messageID := c.Param("message_id")
	userID := c.GetString(middleware.UserIDKey)
	requestID := requestIDFromContext(c)

	if err := h.svc.Delete(c.Request.Context(), messageID, userID, requestID); err != nil {
		respondError(c, err)
		return
	}

	h.audit.Action(c.Request.Context(), "message_deleted", requestID, userID, "", messageID)
	c.Status(http.StatusNoContent)
}

// React handles POST /messages/:message_id/reactions, toggling the caller's reaction.
func (h *MessageHandler) React(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	delta, err := h.svc.React(c.Request.Context(), c.Param("message_id"), c.GetString(middleware.UserIDKey), req.Emoji, requestIDFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, delta)
}

// Search handles GET /search?q=&limit= across the caller's channels.
func (h *MessageHandler) Search(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	msgs, err := h.svc.Search(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Query("q"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

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

// ChannelService is the store surface behind the channel endpoints.
type ChannelService interface {
	CreateChannel(ctx context.Context, req store.CreateChannelRequest) (models.Channel, error)
	GetChannel(ctx context.Context, channelID, viewerID string) (models.Channel, error)
	AddMember(ctx context.Context, channelID, requesterID, userID string) error
	ListChannels(ctx context.Context, userID string) ([]models.ChannelSummary, error)
	MarkRead(ctx context.Context, channelID, userID, messageID string) (models.ReadState, error)
}

// ChannelHandler manages channel endpoints.
type ChannelHandler struct {
	svc   ChannelService
	audit *telemetry.AuditEmitter
}

// NewChannelHandler constructs a ChannelHandler.
func NewChannelHandler(svc ChannelService, audit *telemetry.AuditEmitter) *ChannelHandler {
	return &ChannelHandler{svc: svc, audit: audit}
}

// CreateChannel handles POST /channels.
func (h *ChannelHandler) CreateChannel(c *gin.Context) {
	var req struct {
		ID          string             `json:"id"`
		Kind        models.ChannelKind `json:"type" binding:"required"`
		Name        string             `json:"name" binding:"required"`
		Description string             `json:"description"`
		Members     []string           `json:"members"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString(middleware.UserIDKey)
	ch, err := h.svc.CreateChannel(c.Request.Context(), store.CreateChannelRequest{
		ID:          req.ID,
		Kind:        req.Kind,
		Name:        req.Name,
		Description: req.Description,
		CreatorID:   userID,
		Members:     req.Members,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.audit.Action(c.Request.Context(), "channel_created", requestIDFromContext(c), userID, ch.ID, "")
	c.JSON(http.StatusCreated, ch)
}

// ListChannels returns the caller's channels with unread counts.
func (h *ChannelHandler) ListChannels(c *gin.Context) {
	channels, err := h.svc.ListChannels(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// GetChannel handles GET /channels/:channel_id.
func (h *ChannelHandler) GetChannel(c *gin.Context) {
	ch, err := h.svc.GetChannel(c.Request.Context(), c.Param("channel_id"), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// AddMember handles POST /channels/:channel_id/members.
func (h *ChannelHandler) AddMember(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	channelID := c.Param("channel_id")
	requesterID := c.GetString(middleware.UserIDKey)
	if err := h.svc.AddMember(c.Request.Context(), channelID, requesterID, req.UserID); err != nil {
		respondError(c, err)
		return
	}

	h.audit.Action(c.Request.Context(), "member_added", requestIDFromContext(c), requesterID, channelID, "")
	c.Status(http.StatusNoContent)
}

// MarkRead handles POST /channels/:channel_id/read. An empty message id marks
// everything read.
func (h *ChannelHandler) MarkRead(c *gin.Context) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	rs, err := h.svc.MarkRead(c.Request.Context(), c.Param("channel_id"), c.GetString(middleware.UserIDKey), req.MessageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

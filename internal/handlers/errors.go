package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"teamchat/internal/store"
)

func statusFor(err error) int {
	if errors.Is(err, store.ErrChannelExists) {
		return http.StatusConflict
	}
	if errors.Is(err, store.ErrTimeout) {
		return http.StatusServiceUnavailable
	}
	switch store.KindOf(err) {
	case store.KindValidation:
		return http.StatusBadRequest
	case store.KindAuthorization:
		return http.StatusForbidden
	case store.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": store.PublicMessage(err), "code": store.CodeOf(err)})
}

// queryLimit parses ?limit=. Missing means zero, which the store treats as its default.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	return limit, true
}

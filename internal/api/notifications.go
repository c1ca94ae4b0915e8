package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (h *Handler) listNotifications(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := h.deps.Inbox.List(c.Request.Context(), claims(c).UserID, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, entries, "")
}

func (h *Handler) markNotificationRead(c *gin.Context) {
	if err := h.deps.Inbox.MarkRead(c.Request.Context(), claims(c).UserID, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, nil, "Notification marked as read")
}

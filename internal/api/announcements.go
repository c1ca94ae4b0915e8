package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"unisync/internal/announcement"
)

func (h *Handler) listAnnouncements(c *gin.Context) {
	list, err := h.deps.Announcements.List(c.Request.Context(), c.Query("courseId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, list, "")
}

func (h *Handler) getAnnouncement(c *gin.Context) {
	a, err := h.deps.Announcements.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a, "")
}

func (h *Handler) createAnnouncement(c *gin.Context) {
	var in announcement.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Title and content are required")
		return
	}
	cl := claims(c)
	a, err := h.deps.Announcements.Create(c.Request.Context(), in, announcement.Author{ID: cl.UserID, Name: cl.Name})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, a, "Announcement created successfully")
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"unisync/internal/apperr"
	"unisync/internal/logging"
)

// envelope is the shape of every response body.
type envelope struct {
	Success bool    `json:"success"`
	Data    any     `json:"data"`
	Message *string `json:"message"`
	Error   *string `json:"error"`
}

func ok(c *gin.Context, status int, data any, message string) {
	env := envelope{Success: true, Data: data}
	if message != "" {
		env.Message = &message
	}
	c.JSON(status, env)
}

// fail renders err. Internal errors are logged with their cause and shown
// to the client as a generic message.
func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.Internal {
		logging.FromContext(c.Request.Context(), nil).ErrorContext(c.Request.Context(), "request failed",
			"path", c.FullPath(), "error", err)
	}
	msg := apperr.Message(err)
	c.JSON(apperr.Status(kind), envelope{Error: &msg})
}

// abort is fail for middleware.
func abort(c *gin.Context, err error) {
	fail(c, err)
	c.Abort()
}

func badRequest(c *gin.Context, msg string) {
	fail(c, apperr.New(apperr.Validation, msg))
}

func notFoundRoute(c *gin.Context) {
	msg := "Route not found"
	c.JSON(http.StatusNotFound, envelope{Error: &msg})
}

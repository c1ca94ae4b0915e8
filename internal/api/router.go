// Package api exposes the HTTP surface.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"unisync/internal/announcement"
	"unisync/internal/attendance"
	"unisync/internal/auth"
	"unisync/internal/config"
	"unisync/internal/docstore"
	"unisync/internal/httpmiddleware"
	"unisync/internal/notify"
	"unisync/internal/reconcile"
)

// Pinger reports the health of a dependency.
type Pinger interface {
	Healthy(ctx context.Context) bool
}

// Deps are the services the router dispatches to.
type Deps struct {
	Config        config.App
	Logger        *slog.Logger
	Store         docstore.Store
	Redis         Pinger
	Limiter       httpmiddleware.Limiter
	Reconciler    *reconcile.Reconciler
	Attendance    *attendance.Service
	Announcements *announcement.Service
	Inbox         *notify.Inbox
}

// Handler holds the route handlers.
type Handler struct {
	deps Deps
}

// NewRouter builds the gin engine with middleware and routes.
func NewRouter(d Deps) *gin.Engine {
	h := &Handler{deps: d}
	cfg := d.Config
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(d.Logger, "/healthz", "/metrics"))
	r.Use(httpmiddleware.Metrics())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	if d.Limiter != nil {
		r.Use(httpmiddleware.RateLimit(d.Limiter, abort))
	}
	r.NoRoute(notFoundRoute)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.health)

	staff := []string{auth.RoleLecturer, auth.RoleProgramCoordinator, auth.RoleAdmin}
	authed := r.Group("/api", auth.Authenticate(cfg.JWTSigningKey, cfg.JWTIssuer, abort))
	{
		authed.POST("/sync/pending", h.syncPending)
		authed.GET("/sync/status", h.syncStatus)

		authed.POST("/qr-codes/generate", auth.RequireRole(abort, staff...), h.generateQRCode)
		authed.POST("/qr-codes/scan", auth.RequireRole(abort, auth.RoleStudent), h.scanQRCode)

		authed.GET("/attendance", h.listAttendance)
		authed.POST("/attendance", auth.RequireRole(abort, staff...), h.markAttendance)
		authed.GET("/attendance/stats/:studentId/:courseId", h.attendanceStats)

		authed.GET("/announcements", h.listAnnouncements)
		authed.GET("/announcements/:id", h.getAnnouncement)
		authed.POST("/announcements", auth.RequireRole(abort, staff...), h.createAnnouncement)

		authed.GET("/notifications", h.listNotifications)
		authed.POST("/notifications/:id/read", h.markNotificationRead)
	}
	return r
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	storeHealthy := h.deps.Store != nil && h.deps.Store.Ping(ctx) == nil
	redisHealthy := h.deps.Redis == nil || h.deps.Redis.Healthy(ctx)
	healthy := storeHealthy && redisHealthy
	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, envelope{
		Success: healthy,
		Data:    gin.H{"status": state, "store": storeHealthy, "redis": redisHealthy},
	})
}

func claims(c *gin.Context) auth.Claims {
	cl, _ := auth.FromContext(c)
	return cl
}

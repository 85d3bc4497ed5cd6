// Package admin exposes an operator HTTP API next to the game server:
// health, live sessions, presence, broadcast and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gamelink/internal/protocol"
	"gamelink/internal/server"
	"gamelink/internal/store"
)

// PresenceLister is satisfied by *store.Presence.
type PresenceLister interface {
	Online(ctx context.Context) ([]store.PresenceEntry, error)
}

type Options struct {
	Registry *server.Registry
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Presence serves /presence when set.
	Presence PresenceLister
	// Tokens guards the mutating routes when set.
	Tokens TokenValidator
	Logger *slog.Logger
}

type Handler struct {
	registry *server.Registry
	presence PresenceLister
	logger   *slog.Logger
}

type SessionView struct {
	SessionID  string `json:"session_id"`
	PlayerID   string `json:"player_id"`
	Name       string `json:"name,omitempty"`
	State      string `json:"state"`
	RemoteAddr string `json:"remote_addr"`
}

type BroadcastRequest struct {
	Topic   string          `json:"topic" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

type DisconnectRequest struct {
	Reason string `json:"reason"`
}

// NewRouter builds the gin engine with every admin route registered.
func NewRouter(opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{registry: opts.Registry, presence: opts.Presence, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	r.GET("/healthz", h.Health)
	r.GET("/sessions", h.ListSessions)

	ops := r.Group("/")
	if opts.Tokens != nil {
		ops.Use(RequireToken(opts.Tokens))
	}
	ops.POST("/sessions/:id/disconnect", h.DisconnectSession)
	ops.POST("/broadcast", h.Broadcast)
	if opts.Presence != nil {
		r.GET("/presence", h.ListPresence)
	}
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.registry.Len(),
	})
}

// ListSessions returns the authenticated sessions ordered by session id.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.registry.Snapshot()
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		p := s.Principal()
		views = append(views, SessionView{
			SessionID:  s.ID(),
			PlayerID:   p.ID,
			Name:       p.Name,
			State:      s.State().String(),
			RemoteAddr: s.RemoteAddr(),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].SessionID < views[j].SessionID })

	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (h *Handler) DisconnectSession(c *gin.Context) {
	id := c.Param("id")
	s, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	var req DisconnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "disconnected by operator"
	}

	s.Shutdown(reason)
	h.logger.Info("admin_session_disconnected",
		"session_id", id,
		"operator_id", c.GetString("operator_id"),
		"reason", reason,
	)
	c.Status(http.StatusAccepted)
}

// Broadcast sends a Notification to every authenticated session.
func (h *Handler) Broadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("null")
	}

	delivered := h.registry.Broadcast(protocol.NewNotification(req.Topic, req.Payload))
	h.logger.Info("admin_broadcast",
		"topic", req.Topic,
		"operator_id", c.GetString("operator_id"),
		"delivered", delivered,
	)
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

func (h *Handler) ListPresence(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	entries, err := h.presence.Online(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": entries})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin_request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Serve runs the admin API on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin_server_started", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("admin_server_stopped")
		return nil
	}
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goatkit/goatbridge/internal/apierrors"
	"github.com/goatkit/goatbridge/internal/connector"
	"github.com/goatkit/goatbridge/internal/plugin"
	"github.com/goatkit/goatbridge/internal/plugin/loader"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status        string                   `json:"status"`
	Version       string                   `json:"version"`
	PID           int                      `json:"pid"`
	StartedAt     time.Time                `json:"started_at"`
	UptimeSeconds float64                  `json:"uptime_seconds"`
	IdleSeconds   float64                  `json:"idle_seconds"`
	Ready         bool                     `json:"ready"`
	Plugins       int                      `json:"plugins"`
	Connectors    connector.Status         `json:"connectors"`
	PluginHealth  map[string]plugin.Health `json:"plugin_health"`
	LastSweep     *SweepStatus             `json:"last_sweep,omitempty"`
}

// SweepStatus reports the most recent reload sweep.
type SweepStatus struct {
	At     time.Time          `json:"at"`
	Result loader.SweepResult `json:"result"`
}

// PluginDetail is the body of GET /plugins/:name.
type PluginDetail struct {
	plugin.Summary
	Health plugin.Health `json:"health"`
	Hash   string        `json:"manifest_hash,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.Ready() {
		apierrors.Error(c, apierrors.CodeNotReady)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleStatus(c *gin.Context) {
	now := s.cfg.Now()
	resp := StatusResponse{
		Status:        "running",
		Version:       s.cfg.Version,
		PID:           s.pid,
		StartedAt:     s.started,
		UptimeSeconds: now.Sub(s.started).Seconds(),
		Ready:         s.Ready(),
		Plugins:       s.cfg.Plugins.Len(),
		Connectors:    s.cfg.Connectors.Status(),
		PluginHealth:  s.cfg.Plugins.HealthStatus(c.Request.Context()),
	}
	if s.closing.Load() {
		resp.Status = "shutting_down"
	}
	if s.cfg.Activity != nil {
		resp.IdleSeconds = s.cfg.Activity.IdleFor().Seconds()
	}
	if s.cfg.Reloader != nil {
		if at, result := s.cfg.Reloader.LastSweep(); !at.IsZero() {
			resp.LastSweep = &SweepStatus{At: at, Result: result}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePluginList(c *gin.Context) {
	body := gin.H{"plugins": s.cfg.Plugins.List()}
	if s.cfg.Reloader != nil {
		if _, result := s.cfg.Reloader.LastSweep(); len(result.Failed) > 0 {
			body["failed"] = result.Failed
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handlePluginGet(c *gin.Context) {
	name := c.Param("name")
	summary, ok := s.cfg.Plugins.Describe(name)
	if !ok {
		apierrors.ErrorWithMessage(c, apierrors.CodePluginNotFound, "plugin "+strconv.Quote(name)+" is not loaded")
		return
	}
	detail := PluginDetail{Summary: summary}
	detail.Health, _ = s.cfg.Plugins.Health(c.Request.Context(), name)
	if s.cfg.Reloader != nil {
		detail.Hash = s.cfg.Reloader.Snapshot()[name]
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handlePluginLogs(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.cfg.Plugins.Describe(name); !ok {
		apierrors.ErrorWithMessage(c, apierrors.CodePluginNotFound, "plugin "+strconv.Quote(name)+" is not loaded")
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			apierrors.ErrorWithMessage(c, apierrors.CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries := s.cfg.Plugins.Logs().Recent(name, limit)
	c.JSON(http.StatusOK, gin.H{"plugin": name, "logs": entries, "count": len(entries)})
}

func (s *Server) handlePluginReload(c *gin.Context) {
	if s.cfg.Reloader == nil {
		apierrors.ErrorWithMessage(c, apierrors.CodeServiceUnavailable, "hot reload is disabled")
		return
	}
	name := c.Param("name")
	err := s.cfg.Reloader.ReloadOne(c.Request.Context(), name)
	switch {
	case errors.Is(err, loader.ErrUnknownPlugin):
		apierrors.ErrorWithMessage(c, apierrors.CodePluginNotFound, err.Error())
	case err != nil:
		apierrors.ErrorWithMessage(c, apierrors.CodeReloadFailed, err.Error())
	default:
		summary, _ := s.cfg.Plugins.Describe(name)
		c.JSON(http.StatusOK, gin.H{"status": "reloaded", "plugin": summary})
	}
}

func (s *Server) handleReloadAll(c *gin.Context) {
	if s.cfg.Reloader == nil {
		apierrors.ErrorWithMessage(c, apierrors.CodeServiceUnavailable, "hot reload is disabled")
		return
	}
	result := s.cfg.Reloader.ReloadAll(c.Request.Context())
	status := "ok"
	if len(result.Failed) > 0 {
		status = "partial"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "result": result})
}

func (s *Server) handleConnectorList(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Connectors.Status())
}

func (s *Server) handleConnectorReconnect(c *gin.Context) {
	name := c.Param("name")
	conn, ok := s.cfg.Connectors.Get(name)
	if !ok {
		apierrors.ErrorWithMessage(c, apierrors.CodeConnectorNotFound, "connector "+strconv.Quote(name)+" is not registered")
		return
	}
	ctx := c.Request.Context()
	if err := conn.Connect(ctx); err != nil {
		s.logger.Warn("manual reconnect failed", "connector", name, "error", err)
		apierrors.ErrorWithMessage(c, apierrors.CodeReconnectFailed, err.Error())
		return
	}
	conn.SetHealthy(conn.CheckHealth(ctx))
	s.logger.Info("connector reconnected", "connector", name)
	c.JSON(http.StatusOK, gin.H{"status": "reconnected", "connector": conn.Info()})
}

func (s *Server) handleShutdown(c *gin.Context) {
	if !s.closing.CompareAndSwap(false, true) {
		c.JSON(http.StatusAccepted, gin.H{"status": "shutting_down"})
		return
	}
	s.ready.Store(false)
	s.logger.Info("shutdown requested over http", "remote", c.ClientIP())
	if s.cfg.Shutdown != nil {
		// Run after the response is flushed so the client sees the 202.
		go s.cfg.Shutdown("api")
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "shutting_down"})
}

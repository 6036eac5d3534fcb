// Package api implements the daemon's loopback HTTP surface: core status
// and control routes plus the dynamic engine serving plugin sub-trees.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goatkit/goatbridge/internal/connector"
	"github.com/goatkit/goatbridge/internal/events"
	"github.com/goatkit/goatbridge/internal/middleware"
	"github.com/goatkit/goatbridge/internal/plugin"
	"github.com/goatkit/goatbridge/internal/plugin/loader"
)

// Reloader is the hot reload surface the API drives.
type Reloader interface {
	ReloadAll(ctx context.Context) loader.SweepResult
	ReloadOne(ctx context.Context, name string) error
	LastSweep() (time.Time, loader.SweepResult)
	Snapshot() map[string]string
}

// Activity records and reports inbound request activity.
type Activity interface {
	Touch()
	IdleFor() time.Duration
}

// Config holds the server's collaborators. Plugins and Connectors are
// required; the rest may be nil.
type Config struct {
	Version    string
	Plugins    *plugin.Registry
	Connectors *connector.Registry
	Reloader   Reloader
	Broker     *events.Broker
	Activity   Activity
	// Shutdown is invoked once, asynchronously, by POST /shutdown.
	Shutdown func(reason string)
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server is the gin application.
type Server struct {
	cfg     Config
	engine  *gin.Engine
	dynamic *DynamicRouter
	logger  *slog.Logger
	started time.Time
	ready   atomic.Bool
	closing atomic.Bool
	limiter *middleware.RateLimiter
	pid     int
}

// NewServer builds the engine and registers every core route.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:     cfg,
		engine:  gin.New(),
		logger:  cfg.Logger,
		started: cfg.Now(),
		limiter: middleware.NewRateLimiter(middleware.DefaultRate, middleware.DefaultBurst),
		pid:     os.Getpid(),
	}
	s.dynamic = NewDynamicRouter(cfg.Plugins, cfg.Logger)

	s.engine.Use(gin.Recovery(), middleware.RequestLogger(cfg.Logger), observe())
	if cfg.Activity != nil {
		s.engine.Use(middleware.Touch(cfg.Activity))
	}
	s.registerRoutes()
	s.dynamic.Attach(s.engine)
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Engine exposes the gin engine for tests and extra registrations.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Router is the plugin mounter used by the reloader.
func (s *Server) Router() *DynamicRouter { return s.dynamic }

// SetReloader attaches the reloader after construction, for callers that
// need Router() to build it. Call before serving.
func (s *Server) SetReloader(r Reloader) { s.cfg.Reloader = r }

// SetReady flips /ready to 200 once startup has finished.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Ready reports the readiness flag.
func (s *Server) Ready() bool { return s.ready.Load() }

func (s *Server) registerRoutes() {
	r := s.engine
	throttled := middleware.ThrottleByPath(s.limiter)

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/status", s.handleStatus)

	r.GET("/plugins", s.handlePluginList)
	r.GET("/plugins/:name", s.handlePluginGet)
	r.GET("/plugins/:name/logs", s.handlePluginLogs)
	r.POST("/plugins/:name/reload", throttled, s.handlePluginReload)
	r.POST("/reload-plugins", throttled, s.handleReloadAll)

	r.GET("/connectors", s.handleConnectorList)
	r.POST("/connectors/:name/reconnect", throttled, s.handleConnectorReconnect)

	r.POST("/shutdown", s.handleShutdown)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	if s.cfg.Broker != nil {
		r.GET("/events", gin.WrapF(s.cfg.Broker.ServeHTTP))
		r.GET("/events/ws", gin.WrapF(s.cfg.Broker.ServeWS))
	}
}

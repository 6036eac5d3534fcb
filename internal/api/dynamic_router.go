package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/goatkit/goatbridge/internal/apierrors"
	"github.com/goatkit/goatbridge/internal/connector"
	"github.com/goatkit/goatbridge/internal/plugin"
	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
)

// maxPluginBody caps request bodies forwarded to plugins.
const maxPluginBody = 8 << 20

// Dispatcher routes a request to a plugin handler.
type Dispatcher interface {
	Call(ctx context.Context, name, handler string, req *plugin.Request) (*plugin.Response, error)
}

// DynamicRouter serves plugin sub-trees from a gin engine that is rebuilt
// and swapped atomically whenever a plugin is mounted or unmounted. Core
// routes registered on the main engine take priority; NoRoute delegates the
// rest here.
type DynamicRouter struct {
	dispatch Dispatcher
	logger   *slog.Logger

	mu     sync.RWMutex
	routes map[string][]plugin.RouteSpec
	engine *gin.Engine
}

// NewDynamicRouter creates a router with no plugins mounted.
func NewDynamicRouter(dispatch Dispatcher, logger *slog.Logger) *DynamicRouter {
	if logger == nil {
		logger = slog.Default()
	}
	d := &DynamicRouter{
		dispatch: dispatch,
		logger:   logger,
		routes:   make(map[string][]plugin.RouteSpec),
	}
	eng, _ := d.build(d.routes)
	d.engine = eng
	return d
}

// Attach installs the router as the NoRoute handler of r.
func (d *DynamicRouter) Attach(r *gin.Engine) {
	r.NoRoute(d.serve)
}

func (d *DynamicRouter) serve(c *gin.Context) {
	d.mu.RLock()
	eng := d.engine
	d.mu.RUnlock()

	eng.HandleContext(c)
	if !c.Writer.Written() {
		apierrors.Error(c, apierrors.CodeNotFound)
	}
}

// Mount replaces any routes for name with routes under /{name}. On a route
// conflict the previous table is kept and an error is returned.
func (d *DynamicRouter) Mount(name string, routes []plugin.RouteSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string][]plugin.RouteSpec, len(d.routes)+1)
	for k, v := range d.routes {
		next[k] = v
	}
	next[name] = append([]plugin.RouteSpec(nil), routes...)

	eng, err := d.build(next)
	if err != nil {
		return fmt.Errorf("mount %s: %w", name, err)
	}
	d.routes = next
	d.engine = eng
	d.logger.Info("plugin routes mounted", "plugin", name, "routes", len(routes))
	return nil
}

// Unmount removes every route under /{name}.
func (d *DynamicRouter) Unmount(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.routes[name]; !ok {
		return
	}
	next := make(map[string][]plugin.RouteSpec, len(d.routes))
	for k, v := range d.routes {
		if k != name {
			next[k] = v
		}
	}
	eng, err := d.build(next)
	if err != nil {
		// Removing routes from a table that built cleanly cannot conflict.
		d.logger.Error("rebuild after unmount failed", "plugin", name, "error", err)
		return
	}
	d.routes = next
	d.engine = eng
	d.logger.Info("plugin routes unmounted", "plugin", name)
}

// Routes returns the mounted "METHOD /path" entries, sorted.
func (d *DynamicRouter) Routes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for name, routes := range d.routes {
		for _, rt := range routes {
			out = append(out, method(rt)+" "+pluginPath(name, rt.Path))
		}
	}
	sort.Strings(out)
	return out
}

// build creates a fresh engine. gin panics on conflicting registrations,
// which is reported as an error.
func (d *DynamicRouter) build(table map[string][]plugin.RouteSpec) (eng *gin.Engine, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			eng, err = nil, fmt.Errorf("route conflict: %v", rec)
		}
	}()

	eng = gin.New()
	eng.Use(gin.Recovery())
	eng.NoRoute(func(c *gin.Context) {
		apierrors.Error(c, apierrors.CodeNotFound)
	})

	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, rt := range table[name] {
			eng.Handle(method(rt), pluginPath(name, rt.Path), d.handler(name, rt.Handler))
		}
	}
	return eng, nil
}

func (d *DynamicRouter) handler(name, handler string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := buildPluginRequest(c)
		if err != nil {
			apierrors.ErrorWithMessage(c, apierrors.CodeInvalidRequest, err.Error())
			return
		}

		resp, err := d.dispatch.Call(c.Request.Context(), name, handler, req)
		if err != nil {
			writePluginError(c, name, err)
			return
		}
		writePluginResponse(c, resp)
	}
}

func buildPluginRequest(c *gin.Context) (*plugin.Request, error) {
	req := &plugin.Request{
		Method:  c.Request.Method,
		Path:    c.Request.URL.Path,
		Params:  make(map[string]string, len(c.Params)),
		Query:   c.Request.URL.Query(),
		Headers: make(map[string]string, len(c.Request.Header)),
	}
	for _, p := range c.Params {
		req.Params[p.Key] = p.Value
	}
	for k := range c.Request.Header {
		req.Headers[k] = c.Request.Header.Get(k)
	}

	if c.Request.Body != nil {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPluginBody))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(body) > 0 {
			if !json.Valid(body) {
				// Non-JSON payloads travel as a JSON string.
				body, _ = json.Marshal(string(body))
			}
			req.Body = body
		}
	}
	return req, nil
}

func writePluginResponse(c *gin.Context, resp *plugin.Response) {
	if resp == nil {
		c.Status(http.StatusNoContent)
		c.Writer.WriteHeaderNow()
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	contentType := "application/json; charset=utf-8"
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "Content-Type") {
			contentType = v
			continue
		}
		c.Header(k, v)
	}
	if len(resp.Body) == 0 {
		c.Status(status)
		c.Writer.WriteHeaderNow()
		return
	}
	c.Data(status, contentType, resp.Body)
}

func writePluginError(c *gin.Context, name string, err error) {
	switch {
	case errors.Is(err, plugin.ErrNotFound):
		apierrors.ErrorWithMessage(c, apierrors.CodePluginNotFound, err.Error())
	case errors.Is(err, plugin.ErrNotStarted):
		apierrors.ErrorWithMessage(c, apierrors.CodePluginNotStarted, err.Error())
	case errors.Is(err, pkgplugin.ErrUnavailable), errors.Is(err, connector.ErrUnavailable):
		apierrors.ErrorWithMessage(c, apierrors.CodeConnectorUnavailable, err.Error())
	default:
		apierrors.ErrorWithMessage(c, apierrors.CodePluginError, fmt.Sprintf("plugin %s: %v", name, err))
	}
}

func method(rt plugin.RouteSpec) string {
	if rt.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(rt.Method)
}

func pluginPath(name, path string) string {
	if path == "" || path == "/" {
		return "/" + name
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "/" + name + path
}

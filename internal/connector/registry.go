package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Aggregate health values reported by Registry.Status.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Registry tracks connectors by name.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connectors: make(map[string]Connector),
		logger:     logger,
	}
}

// Register adds a connector. Name collisions are rejected.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[c.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, c.Name())
	}
	r.connectors[c.Name()] = c
	return nil
}

// Unregister removes a connector without disconnecting it.
func (r *Registry) Unregister(name string) (Connector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.connectors[name]
	if exists {
		delete(r.connectors, name)
		globalMetrics().forget(name)
	}
	return c, exists
}

// Get returns a connector by name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered connectors in name order.
func (r *Registry) All() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

// ConnectAll connects every connector concurrently. The result holds one
// entry per connector: nil on success, the captured error otherwise.
func (r *Registry) ConnectAll(ctx context.Context) map[string]error {
	all := r.All()
	results := make(map[string]error, len(all))
	var mu sync.Mutex

	var g errgroup.Group
	for _, c := range all {
		g.Go(func() error {
			err := safeConnect(ctx, c)
			if err != nil {
				r.logger.Warn("connector connect failed", "connector", c.Name(), "error", err)
			}
			mu.Lock()
			results[c.Name()] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DisconnectAll disconnects every connector, ignoring individual failures.
func (r *Registry) DisconnectAll(ctx context.Context) {
	for _, c := range r.All() {
		if err := c.Disconnect(ctx); err != nil {
			r.logger.Debug("connector disconnect failed", "connector", c.Name(), "error", err)
		}
	}
}

// Status is the aggregate connector view.
type Status struct {
	Status     string          `json:"status"`
	Connectors map[string]Info `json:"connectors"`
}

// Status reports healthy when every connector is healthy, unhealthy when none
// is, and degraded otherwise.
func (r *Registry) Status() Status {
	all := r.All()
	st := Status{Connectors: make(map[string]Info, len(all))}

	healthy := 0
	for _, c := range all {
		info := c.Info()
		st.Connectors[c.Name()] = info
		if info.Healthy {
			healthy++
		}
	}

	switch {
	case healthy == len(all):
		st.Status = StatusHealthy
	case healthy == 0:
		st.Status = StatusUnhealthy
	default:
		st.Status = StatusDegraded
	}
	return st
}

func safeConnect(ctx context.Context, c Connector) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("connector %q: connect panicked: %v", c.Name(), rec)
		}
	}()
	return c.Connect(ctx)
}

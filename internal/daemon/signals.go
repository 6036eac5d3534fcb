package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalHandler turns the first termination signal, or a programmatic
// Trigger, into a one-shot shutdown. A second signal exits immediately.
type SignalHandler struct {
	logger *slog.Logger
	exit   func(code int)

	mu       sync.Mutex
	syncFns  []func()
	asyncFns []func(ctx context.Context)
	reason   string
	count    int

	once sync.Once
	done chan struct{}
}

// NewSignalHandler creates a handler. Nothing is installed until Install.
func NewSignalHandler(logger *slog.Logger) *SignalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalHandler{
		logger: logger,
		exit:   os.Exit,
		done:   make(chan struct{}),
	}
}

// OnShutdown registers a callback run inline when shutdown is triggered.
func (h *SignalHandler) OnShutdown(fn func()) {
	h.mu.Lock()
	h.syncFns = append(h.syncFns, fn)
	h.mu.Unlock()
}

// OnShutdownAsync registers a callback run by Wait after shutdown has been
// observed, in registration order.
func (h *SignalHandler) OnShutdownAsync(fn func(ctx context.Context)) {
	h.mu.Lock()
	h.asyncFns = append(h.asyncFns, fn)
	h.mu.Unlock()
}

// Install starts listening for SIGINT and SIGTERM until the returned stop
// function is called.
func (h *SignalHandler) Install() (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				h.handle(sig)
			case <-quit:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

func (h *SignalHandler) handle(sig os.Signal) {
	h.mu.Lock()
	h.count++
	n := h.count
	h.mu.Unlock()

	if n > 1 {
		code := 1
		if s, ok := sig.(syscall.Signal); ok {
			code = exitCode(s)
		}
		h.logger.Warn("second signal, forcing exit", "signal", sig.String(), "exit_code", code)
		h.exit(code)
		return
	}
	h.logger.Info("signal received, shutting down", "signal", sig.String())
	h.Trigger("signal " + sig.String())
}

// Trigger starts shutdown once. Synchronous callbacks run before Done is
// closed; later calls are ignored.
func (h *SignalHandler) Trigger(reason string) {
	h.once.Do(func() {
		h.mu.Lock()
		h.reason = reason
		callbacks := append([]func(){}, h.syncFns...)
		h.mu.Unlock()

		for _, fn := range callbacks {
			h.safe(fn)
		}
		close(h.done)
	})
}

// Done is closed once shutdown has been triggered.
func (h *SignalHandler) Done() <-chan struct{} { return h.done }

// Triggered reports whether shutdown has started.
func (h *SignalHandler) Triggered() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Reason returns what triggered shutdown.
func (h *SignalHandler) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Wait blocks until shutdown is triggered or ctx is done, then runs the
// asynchronous callbacks and returns the reason.
func (h *SignalHandler) Wait(ctx context.Context) string {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.Trigger("context " + ctx.Err().Error())
	}

	h.mu.Lock()
	callbacks := append([]func(context.Context){}, h.asyncFns...)
	h.mu.Unlock()
	for _, fn := range callbacks {
		h.safe(func() { fn(context.WithoutCancel(ctx)) })
	}
	return h.Reason()
}

func (h *SignalHandler) safe(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("shutdown callback panicked", "panic", rec)
		}
	}()
	fn()
}

func exitCode(sig syscall.Signal) int {
	return 128 + int(sig)
}

// Package shutdown runs the serve command's cleanup callbacks when a
// signal arrives or the caller's context ends.
package shutdown

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/PentesterFlow/OpenGateway/internal/logger"
)

// Handler manages graceful shutdown.
type Handler struct {
	mu sync.Mutex

	callbacks []namedCallback

	isShuttingDown atomic.Bool
	done           chan struct{}
	timeout        time.Duration
	result         *Result

	// Cancelled when shutdown begins.
	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal
	log     *logger.Logger
}

// Callback is a function called during shutdown.
type Callback func(ctx context.Context) error

type namedCallback struct {
	name string
	fn   Callback
}

// Config holds shutdown configuration.
type Config struct {
	Timeout time.Duration
	Signals []os.Signal
	Logger  *logger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 15 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// New creates a handler and starts listening for the configured signals.
func New(cfg Config) *Handler {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = defaults.Signals
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		done:    make(chan struct{}),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
		log:     cfg.Logger.WithComponent("shutdown"),
	}

	signal.Notify(h.sigChan, cfg.Signals...)

	return h
}

// Register registers a shutdown callback with a name. Callbacks run in
// reverse registration order.
func (h *Handler) Register(name string, callback Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, namedCallback{name: name, fn: callback})
}

// RegisterFunc registers a simple cleanup function.
func (h *Handler) RegisterFunc(name string, fn func()) {
	h.Register(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Server is anything with an http.Server style Shutdown.
type Server interface {
	Shutdown(ctx context.Context) error
}

// RegisterServer registers a Server for shutdown.
func (h *Handler) RegisterServer(name string, server Server) {
	h.Register(name, server.Shutdown)
}

// Context returns the shutdown context.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Done returns a channel that is closed when shutdown completes.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until a signal is received or ctx ends, then shuts down.
func (h *Handler) Wait(ctx context.Context) *Result {
	select {
	case sig := <-h.sigChan:
		h.log.Event(logger.InfoLevel).Str("signal", sig.String()).Msg("signal received")
	case <-ctx.Done():
	case <-h.ctx.Done():
		<-h.done
		return h.Result()
	}
	return h.Shutdown()
}

// Shutdown cancels the context and runs callbacks. Only the first call
// does work; later calls wait for it and return the same result.
func (h *Handler) Shutdown() *Result {
	if !h.isShuttingDown.CompareAndSwap(false, true) {
		<-h.done
		return h.Result()
	}

	start := time.Now()
	signal.Stop(h.sigChan)
	h.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), h.timeout)
	defer shutdownCancel()

	h.mu.Lock()
	callbacks := make([]namedCallback, len(h.callbacks))
	copy(callbacks, h.callbacks)
	h.mu.Unlock()

	result := &Result{}
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		if err := h.run(shutdownCtx, cb); err != nil {
			h.log.Event(logger.WarnLevel).Err(err).Str("callback", cb.name).Msg("shutdown callback failed")
			result.Errors = append(result.Errors, err)
			continue
		}
		h.log.Debugf("%s stopped", cb.name)
	}
	result.Elapsed = time.Since(start)

	h.mu.Lock()
	h.result = result
	h.mu.Unlock()

	h.log.Event(logger.InfoLevel).Dur("elapsed", result.Elapsed).Int("errors", len(result.Errors)).Msg("shutdown complete")
	close(h.done)
	return result
}

func (h *Handler) run(ctx context.Context, cb namedCallback) error {
	done := make(chan error, 1)
	go func() {
		done <- cb.fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{CallbackName: cb.name}
	}
}

// Result returns the outcome of a finished shutdown, or nil before.
func (h *Handler) Result() *Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// TimeoutError is returned when a callback outlives the shutdown timeout.
type TimeoutError struct {
	CallbackName string
}

func (e *TimeoutError) Error() string {
	return "shutdown callback timed out: " + e.CallbackName
}

// Result holds the outcome of a shutdown.
type Result struct {
	Elapsed time.Duration
	Errors  []error
}

// HasErrors returns whether any callback failed.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

// Err joins the callback errors.
func (r *Result) Err() error {
	return stderrors.Join(r.Errors...)
}

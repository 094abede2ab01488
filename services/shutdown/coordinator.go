// Package shutdown is the LIFO graceful shutdown coordinator: handlers are
// registered in startup order and run in reverse on signal or on explicit
// Shutdown(), one at a time, each capped at 5s inside the overall budget.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
)

// ShutdownHandler tears a component down, honoring ctx's deadline.
type ShutdownHandler func(context.Context) error

// Coordinator runs registered handlers in reverse-registration order within
// an overall timeout budget, once, on signal or explicit Shutdown().
type Coordinator struct {
	handlers     []ShutdownHandler
	handlerNames []string
	mu           sync.Mutex
	shutdownOnce sync.Once
	shutdownChan chan struct{}
	timeout      time.Duration
}

// NewCoordinator creates a coordinator with an overall shutdown budget.
func NewCoordinator(timeout time.Duration) *Coordinator {
	return &Coordinator{
		handlers:     make([]ShutdownHandler, 0),
		handlerNames: make([]string, 0),
		shutdownChan: make(chan struct{}),
		timeout:      timeout,
	}
}

// RegisterHandler adds a named handler. Handlers run LIFO: the last one
// registered is the first one shut down, so components should register in
// the same order they start up.
func (c *Coordinator) RegisterHandler(name string, handler ShutdownHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, handler)
	c.handlerNames = append(c.handlerNames, name)

	logger.Info("registered shutdown handler", zap.String("name", name))
}

// Start listens for SIGINT/SIGTERM/SIGHUP/SIGQUIT and triggers Shutdown.
func (c *Coordinator) Start() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		c.Shutdown()
	}()
}

// Shutdown runs every registered handler exactly once, blocking until they
// finish or the overall timeout elapses, then unblocks WaitForShutdown/Done.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		logger.Info("starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.executeShutdown(ctx)
		close(c.shutdownChan)
	})
}

func (c *Coordinator) executeShutdown(ctx context.Context) {
	var wg sync.WaitGroup
	errs := make(chan error, len(c.handlers))

	for i := len(c.handlers) - 1; i >= 0; i-- {
		wg.Add(1)
		func(idx int) {
			defer wg.Done()

			name := c.handlerNames[idx]
			handler := c.handlers[idx]

			logger.Info("shutting down component", zap.String("name", name))

			handlerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := handler(handlerCtx); err != nil {
				logger.Error("shutdown handler failed", zap.String("name", name), zap.Error(err))
				errs <- err
				return
			}
			logger.Info("component shutdown complete", zap.String("name", name))
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all components shut down gracefully")
	case <-ctx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}

	close(errs)

	errorCount := 0
	for err := range errs {
		if err != nil {
			errorCount++
		}
	}
	if errorCount > 0 {
		logger.Warn("shutdown completed with errors", zap.Int("error_count", errorCount))
	}
}

// WaitForShutdown blocks until every registered handler has run to
// completion (or the overall timeout elapsed).
func (c *Coordinator) WaitForShutdown() {
	<-c.shutdownChan
}

// Done returns a channel closed once shutdown has fully completed, for use
// in a select alongside other completion signals.
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownChan
}

// CreateHTTPServerShutdown wraps an *http.Server-shaped listener (the HTTP
// API or the subdomain proxy listener) for graceful drain.
func CreateHTTPServerShutdown(server interface{ Shutdown(context.Context) error }) ShutdownHandler {
	return func(ctx context.Context) error {
		logger.Info("shutting down HTTP listener")
		return server.Shutdown(ctx)
	}
}

// CreateDatabaseShutdown closes the state store's underlying connection.
func CreateDatabaseShutdown(db interface{ Close() error }) ShutdownHandler {
	return func(ctx context.Context) error {
		logger.Info("closing state store")
		done := make(chan error, 1)
		go func() { done <- db.Close() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateSandboxProviderShutdown releases the Sandbox Provider's underlying
// client connection (e.g. the Docker Engine API client).
func CreateSandboxProviderShutdown(provider interface{ Close() error }) ShutdownHandler {
	return func(ctx context.Context) error {
		logger.Info("closing sandbox provider")
		done := make(chan error, 1)
		go func() { done <- provider.Close() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateEventExporterShutdown flushes and closes the optional Kafka mirror.
// Safe to call with a nil-backed exporter since eventexport.Exporter's
// methods all tolerate a nil receiver.
func CreateEventExporterShutdown(exporter interface{ Close() error }) ShutdownHandler {
	return func(ctx context.Context) error {
		logger.Info("flushing event exporter")
		done := make(chan error, 1)
		go func() { done <- exporter.Close() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateStopFuncShutdown adapts a bare stop function, such as the Browser
// Orchestrator's reconcile ticker or the Container Event Monitor's consume
// loop, into a named handler.
func CreateStopFuncShutdown(name string, stop func()) ShutdownHandler {
	return func(ctx context.Context) error {
		logger.Info("stopping background loop", zap.String("loop", name))
		done := make(chan struct{})
		go func() {
			stop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

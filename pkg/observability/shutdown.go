package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultShutdownTimeout bounds a graceful shutdown when none is configured
const DefaultShutdownTimeout = 30 * time.Second

// ShutdownFunc releases one resource during shutdown
type ShutdownFunc func(context.Context) error

// ShutdownManager drains the HTTP servers and then runs the registered
// shutdown functions concurrently under a shared deadline
type ShutdownManager struct {
	logger  *Logger
	servers []*http.Server
	timeout time.Duration

	mu    sync.Mutex
	funcs []ShutdownFunc
}

// NewShutdownManager creates a shutdown manager for servers
func NewShutdownManager(logger *Logger, timeout time.Duration, servers ...*http.Server) *ShutdownManager {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	return &ShutdownManager{
		logger:  logger,
		servers: servers,
		timeout: timeout,
	}
}

// RegisterShutdownFunc adds fn to the functions run after the servers stop
func (sm *ShutdownManager) RegisterShutdownFunc(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, fn)
}

// WaitForShutdown blocks until ctx is cancelled or SIGINT/SIGTERM arrives,
// then shuts down
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	sm.logger.Info("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()
	return sm.Shutdown(shutdownCtx)
}

// Shutdown stops the servers, then runs every shutdown function. It returns
// the joined errors, or a timeout error if ctx expires first.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	var errs []error

	for _, server := range sm.servers {
		if err := server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).WithField("addr", server.Addr).Error("HTTP server shutdown failed")
			errs = append(errs, fmt.Errorf("server %s: %w", server.Addr, err))
		}
	}

	sm.mu.Lock()
	funcs := append([]ShutdownFunc(nil), sm.funcs...)
	sm.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		fnErrs []error
	)
	done := make(chan struct{})
	for i, fn := range funcs {
		wg.Add(1)
		go func(index int, fn ShutdownFunc) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				sm.logger.WithError(err).WithField("index", index).Error("Shutdown function failed")
				errMu.Lock()
				fnErrs = append(fnErrs, err)
				errMu.Unlock()
			}
		}(i, fn)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sm.logger.Warn("Shutdown deadline reached")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	errMu.Lock()
	errs = append(errs, fnErrs...)
	errMu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	sm.logger.Info("Shutdown complete")
	return nil
}

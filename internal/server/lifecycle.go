// Package server provides application lifecycle management: the flow loop,
// the autosaver, and the console run as services that start together and
// stop in reverse order on quit, error, or signal.
package server

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long Run waits for a stopped service's Start
// to return.
const DefaultStopTimeout = 5 * time.Second

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start runs the service. It blocks until the service is stopped
	// or an error occurs.
	Start() error
	// Stop asks the service to return from Start. Stop must be safe to call
	// more than once and before Start.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger      *zap.Logger
	stopTimeout time.Duration

	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name      string
	service   Service
	essential bool
}

// NewLifecycle creates a new Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:      logger,
		stopTimeout: DefaultStopTimeout,
	}
}

// SetStopTimeout overrides DefaultStopTimeout.
func (l *Lifecycle) SetStopTimeout(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopTimeout = d
}

// Add registers a named background service. Services are started in the
// order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.add(name, svc, false)
}

// AddEssential registers a service whose return, with or without error,
// shuts the whole lifecycle down. The interactive console is essential: the
// player quitting ends the session.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) AddEssential(name string, svc Service) {
	l.add(name, svc, true)
}

func (l *Lifecycle) add(name string, svc Service, essential bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc, essential: essential})
}

type exit struct {
	name      string
	essential bool
	err       error
}

// Run starts all services and blocks until ctx is cancelled, SIGINT or
// SIGTERM arrives, any service fails, or an essential service returns.
// Services are then stopped in reverse order.
//
// Postcondition: Every service has been asked to stop. Returns the first
// service error, or nil on a clean shutdown.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	stopTimeout := l.stopTimeout
	l.mu.Unlock()

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	exits := make(chan exit, len(services))
	for _, ns := range services {
		ns := ns
		go func() {
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			err := ns.service.Start()
			if err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				err = fmt.Errorf("service %s: %w", ns.name, err)
			}
			exits <- exit{name: ns.name, essential: ns.essential, err: err}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	running := len(services)
wait:
	for running > 0 {
		select {
		case ex := <-exits:
			running--
			if ex.err != nil {
				runErr = ex.err
				break wait
			}
			if ex.essential {
				l.logger.Info("essential service exited, shutting down", zap.String("service", ex.name))
				break wait
			}
		case <-ctx.Done():
			l.logger.Info("shutting down", zap.NamedError("cause", context.Cause(ctx)))
			break wait
		}
	}

	l.shutdown(services)
	l.await(exits, running, stopTimeout)

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}

// await drains the remaining service exits, giving up after timeout.
func (l *Lifecycle) await(exits <-chan exit, running int, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for running > 0 {
		select {
		case ex := <-exits:
			running--
			if ex.err != nil && !errors.Is(ex.err, context.Canceled) {
				l.logger.Warn("service reported error during shutdown",
					zap.String("service", ex.name),
					zap.Error(ex.err),
				)
			}
		case <-deadline.C:
			l.logger.Warn("services did not return before stop timeout",
				zap.Int("remaining", running),
				zap.Duration("timeout", timeout),
			)
			return
		}
	}
}

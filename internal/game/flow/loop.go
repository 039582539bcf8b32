package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned by Do once the loop has stopped.
var ErrLoopStopped = errors.New("update loop stopped")

// Dispatcher schedules work onto the update loop.
type Dispatcher interface {
	// Post queues fn to run on the update loop. It never blocks.
	Post(fn func())
}

// Loop is the single goroutine on which every controller operation runs.
// Producers on other goroutines hand work back to it with Post or Do.
//
// Loop implements the lifecycle Service contract via Start and Stop.
type Loop struct {
	logger *zap.Logger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	stop  sync.Once
}

// NewLoop creates a stopped-until-run Loop.
//
// Precondition: logger must be non-nil.
func NewLoop(logger *zap.Logger) *Loop {
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues fn. Work posted after Stop is discarded.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it to finish.
//
// Postcondition: Returns nil once fn has run, ctx.Err() if ctx ends first, or
// ErrLoopStopped if the loop stops first.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopStopped
	}
}

// Run processes posted work until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
			l.drain()
		}
	}
}

// Start runs the loop until Stop.
func (l *Loop) Start() error {
	return l.Run(context.Background())
}

// Stop ends Run. Safe to call multiple times.
func (l *Loop) Stop() {
	l.stop.Do(func() { close(l.done) })
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		select {
		case <-l.done:
			return
		default:
		}
		l.run(fn)
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("flow: loop task panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

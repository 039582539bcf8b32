package savegame

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// autosaveTimeout bounds each background write.
const autosaveTimeout = 10 * time.Second

// Autosaver writes the most recently requested record to a fixed slot in the
// background. Requests arriving while a write is in progress coalesce: only
// the latest is written next.
type Autosaver struct {
	store  Store
	slot   string
	logger *zap.Logger

	mu      sync.Mutex
	pending *Record

	writeMu sync.Mutex
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
	started atomic.Bool
	stop    sync.Once
}

// NewAutosaver creates an Autosaver writing to slot in store.
//
// Precondition: store and logger must be non-nil; slot must be a valid slot name.
func NewAutosaver(store Store, slot string, logger *zap.Logger) *Autosaver {
	return &Autosaver{
		store:  store,
		slot:   slot,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Request queues rec for writing, replacing any record not yet written.
func (a *Autosaver) Request(rec Record) {
	a.mu.Lock()
	a.pending = &rec
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Start runs the background writer until Stop is called.
func (a *Autosaver) Start() error {
	a.started.Store(true)
	defer close(a.exited)
	for {
		select {
		case <-a.done:
			return nil
		case <-a.wake:
			a.flush(context.Background())
		}
	}
}

// Stop halts the background writer and writes any pending record.
//
// Postcondition: No write is in progress and nothing is pending when Stop returns.
func (a *Autosaver) Stop() {
	a.stop.Do(func() {
		close(a.done)
		if a.started.Load() {
			<-a.exited
		}
		a.flush(context.Background())
	})
}

// Flush writes the pending record, if any, synchronously.
func (a *Autosaver) Flush(ctx context.Context) error {
	return a.flush(ctx)
}

func (a *Autosaver) flush(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	rec := a.pending
	a.pending = nil
	a.mu.Unlock()
	if rec == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, autosaveTimeout)
	defer cancel()
	if err := a.store.Save(ctx, a.slot, *rec); err != nil {
		a.logger.Warn("savegame: autosave failed",
			zap.String("slot", a.slot),
			zap.Error(err),
		)
		return err
	}
	a.logger.Debug("savegame: autosaved",
		zap.String("slot", a.slot),
		zap.String("stage", string(rec.CurrentStage)),
	)
	return nil
}

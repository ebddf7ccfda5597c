package storage

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"rxledger/internal/model"
)

// LoadFunc reads the current snapshot of a subscription.
type LoadFunc func(ctx context.Context) ([]model.Prescription, error)

// Watcher drives one subscription. Every Poke schedules a reload followed by
// a delivery; pokes that arrive while one is pending coalesce.
type Watcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	poke   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewWatcher starts a watcher and schedules the initial snapshot. It stops
// when ctx is cancelled or Stop is called.
func NewWatcher(ctx context.Context, load LoadFunc, onChange func([]model.Prescription), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		ctx:    ctx,
		cancel: cancel,
		poke:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	w.Poke()
	go w.run(load, onChange, logger)
	return w
}

// Context is cancelled when the watcher stops.
func (w *Watcher) Context() context.Context {
	return w.ctx
}

// Done is closed once the delivery loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Poke schedules a reload.
func (w *Watcher) Poke() {
	select {
	case w.poke <- struct{}{}:
	default:
	}
}

// Stop cancels the watcher and waits for the delivery loop to exit. It must
// not be called from inside onChange.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *Watcher) run(load LoadFunc, onChange func([]model.Prescription), logger *zap.Logger) {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.poke:
		}

		records, err := load(w.ctx)
		if w.ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("subscription reload failed", zap.Error(err))
			continue
		}
		onChange(records)
	}
}

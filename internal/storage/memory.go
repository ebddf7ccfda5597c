package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rxledger/internal/model"
)

// ErrNotFound is returned by Update for an unknown prescription id.
var ErrNotFound = errors.New("prescription not found")

// MemoryStore keeps the mirror in process memory.
type MemoryStore struct {
	logger *zap.Logger

	mu       sync.RWMutex
	records  map[string]model.Prescription
	watchers map[*Watcher]struct{}
}

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		logger:   logger,
		records:  make(map[string]model.Prescription),
		watchers: make(map[*Watcher]struct{}),
	}
}

func (m *MemoryStore) Put(_ context.Context, record model.Prescription) error {
	if record.PrescriptionID == "" {
		return fmt.Errorf("prescription id required")
	}
	m.mu.Lock()
	if existing, ok := m.records[record.PrescriptionID]; ok {
		record = existing.Overwrite(record)
	}
	m.records[record.PrescriptionID] = record
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, prescriptionID string, update model.StatusUpdate) error {
	if update.Status != model.StatusUsed {
		return fmt.Errorf("unsupported status transition to %q", update.Status)
	}
	m.mu.Lock()
	existing, ok := m.records[prescriptionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, prescriptionID)
	}
	m.records[prescriptionID] = existing.Merge(update)
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, prescriptionID string) (model.Prescription, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[prescriptionID]
	return record, ok, nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]model.Prescription, error) {
	m.mu.RLock()
	out := make([]model.Prescription, 0, len(m.records))
	for _, record := range m.records {
		if q.Matches(record) {
			out = append(out, record)
		}
	}
	m.mu.RUnlock()

	SortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, q Query, onChange func([]model.Prescription)) (Unsubscribe, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange is nil")
	}
	w := NewWatcher(ctx, func(ctx context.Context) ([]model.Prescription, error) {
		return m.List(ctx, q)
	}, onChange, m.logger)

	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-w.Done()
		m.mu.Lock()
		delete(m.watchers, w)
		m.mu.Unlock()
	}()

	return w.Stop, nil
}

func (m *MemoryStore) Close() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}

func (m *MemoryStore) notify() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for w := range m.watchers {
		w.Poke()
	}
}

package storage

import (
	"context"

	"rxledger/internal/model"
)

// NoopStore stands in when no mirror is configured. Every call succeeds and
// does nothing.
type NoopStore struct{}

func (NoopStore) Put(context.Context, model.Prescription) error { return nil }

func (NoopStore) Update(context.Context, string, model.StatusUpdate) error { return nil }

func (NoopStore) Get(context.Context, string) (model.Prescription, bool, error) {
	return model.Prescription{}, false, nil
}

func (NoopStore) List(context.Context, Query) ([]model.Prescription, error) { return nil, nil }

func (NoopStore) Subscribe(context.Context, Query, func([]model.Prescription)) (Unsubscribe, error) {
	return func() {}, nil
}

func (NoopStore) Close() {}

package events

import (
	"context"
	"errors"

	"rxledger/internal/storage"
)

// Type is also the AMQP routing key.
type Type string

const (
	TypeIssued Type = "prescription.issued"
	TypeUsed   Type = "prescription.used"
)

// Event announces a ledger write made by one of the flows.
type Event struct {
	Type           Type   `json:"type"`
	PrescriptionID string `json:"prescriptionId"`
	DoctorAddress  string `json:"doctorAddress,omitempty"`
	TxHash         string `json:"txHash"`
	DemoMode       bool   `json:"demoMode"`
	At             int64  `json:"at"`
}

// Publisher delivers events. Publication is best-effort; callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }

// LogPublisher appends events to a JSONL audit log.
type LogPublisher struct {
	w *storage.JSONLWriter
}

func NewLogPublisher(path string) *LogPublisher {
	return &LogPublisher{w: storage.NewJSONLWriter(path)}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	return p.w.Append(e)
}

func (p *LogPublisher) Close() error { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package storage

import (
	"context"
	"sort"
	"strings"

	"rxledger/internal/model"
)

// Unsubscribe releases a subscription. It is safe to call more than once.
type Unsubscribe func()

// Query selects mirror records. Empty fields match everything.
type Query struct {
	PatientID     string
	DoctorAddress string
	Status        model.Status
}

// Matches reports whether record satisfies q.
func (q Query) Matches(record model.Prescription) bool {
	if q.PatientID != "" && record.PatientID != q.PatientID {
		return false
	}
	if q.DoctorAddress != "" && !strings.EqualFold(record.DoctorAddress, q.DoctorAddress) {
		return false
	}
	if q.Status != "" && record.Status != q.Status {
		return false
	}
	return true
}

// MirrorStore is the best-effort document mirror of ledger records. It is
// never authoritative: verification reads the ledger.
type MirrorStore interface {
	// Put writes record under its prescription id, replacing content fields.
	// A record that is already used stays used.
	Put(ctx context.Context, record model.Prescription) error
	// Update applies a status transition. Used records never revert.
	Update(ctx context.Context, prescriptionID string, update model.StatusUpdate) error
	Get(ctx context.Context, prescriptionID string) (model.Prescription, bool, error)
	// List returns matching records, newest first.
	List(ctx context.Context, q Query) ([]model.Prescription, error)
	// Subscribe delivers a snapshot of q now and after every change until the
	// returned function is called or ctx is cancelled.
	Subscribe(ctx context.Context, q Query, onChange func([]model.Prescription)) (Unsubscribe, error)
	Close()
}

// SortNewestFirst orders records by issuedAt descending, then id.
func SortNewestFirst(records []model.Prescription) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].IssuedAt != records[j].IssuedAt {
			return records[i].IssuedAt > records[j].IssuedAt
		}
		return records[i].PrescriptionID < records[j].PrescriptionID
	})
}

package indexer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"rxledger/internal/ledger"
	"rxledger/internal/model"
)

// Drift is a mirror record that disagrees with the ledger.
type Drift struct {
	PrescriptionID string `json:"prescription_id"`
	NumericID      uint64 `json:"numeric_id"`
	Kind           string `json:"kind"`
	MirrorValue    string `json:"mirror_value"`
	LedgerValue    string `json:"ledger_value"`
	TxHash         string `json:"tx_hash"`
}

const (
	DriftStatus = "status"
	DriftDigest = "data_hash"
)

// Collision is a numeric id shared by several mirror records. Ledger events
// for it cannot be attributed.
type Collision struct {
	NumericID       uint64   `json:"numeric_id"`
	PrescriptionIDs []string `json:"prescription_ids"`
}

// Report is the outcome of comparing ledger events with the mirror.
type Report struct {
	Events     int         `json:"events"`
	Records    int         `json:"records"`
	Drift      []Drift     `json:"drift"`
	Collisions []Collision `json:"collisions"`
	// MissingFromMirror lists numeric ids issued on the ledger with no mirror
	// record.
	MissingFromMirror []uint64 `json:"missing_from_mirror"`
}

// Clean reports whether the mirror agrees with the ledger.
func (r Report) Clean() bool {
	return len(r.Drift) == 0 && len(r.Collisions) == 0 && len(r.MissingFromMirror) == 0
}

// ReadEvents loads ledger events written by the audit scan.
func ReadEvents(path string) ([]model.LedgerEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)

	var events []model.LedgerEvent
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var event model.LedgerEvent
		if err := json.Unmarshal([]byte(text), &event); err != nil {
			return nil, fmt.Errorf("parse events line %d: %w", line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

// Reconcile compares ledger events with mirror records, matching them by
// numeric id. Removed logs are ignored.
func Reconcile(events []model.LedgerEvent, records []model.Prescription) Report {
	report := Report{Records: len(records)}

	byNumeric := make(map[uint64][]model.Prescription)
	for _, record := range records {
		id := ledger.NumericID(record.PrescriptionID)
		byNumeric[id] = append(byNumeric[id], record)
	}
	for id, group := range byNumeric {
		if len(group) < 2 {
			continue
		}
		ids := make([]string, 0, len(group))
		for _, record := range group {
			ids = append(ids, record.PrescriptionID)
		}
		sort.Strings(ids)
		report.Collisions = append(report.Collisions, Collision{NumericID: id, PrescriptionIDs: ids})
	}

	missing := make(map[uint64]struct{})
	for _, event := range events {
		if event.Removed {
			continue
		}
		report.Events++

		group := byNumeric[event.NumericID]
		if len(group) == 0 {
			if event.EventName == ledger.EventIssued {
				missing[event.NumericID] = struct{}{}
			}
			continue
		}
		if len(group) > 1 {
			continue
		}
		record := group[0]

		switch event.EventName {
		case ledger.EventUsed:
			if !record.IsUsed() {
				report.Drift = append(report.Drift, Drift{
					PrescriptionID: record.PrescriptionID,
					NumericID:      event.NumericID,
					Kind:           DriftStatus,
					MirrorValue:    string(record.Status),
					LedgerValue:    string(model.StatusUsed),
					TxHash:         event.TxHash,
				})
			}
		case ledger.EventIssued:
			if event.DataHash != "" && !strings.EqualFold(event.DataHash, record.DataHash) {
				report.Drift = append(report.Drift, Drift{
					PrescriptionID: record.PrescriptionID,
					NumericID:      event.NumericID,
					Kind:           DriftDigest,
					MirrorValue:    record.DataHash,
					LedgerValue:    event.DataHash,
					TxHash:         event.TxHash,
				})
			}
		}
	}

	for id := range missing {
		report.MissingFromMirror = append(report.MissingFromMirror, id)
	}
	sort.Slice(report.MissingFromMirror, func(i, j int) bool {
		return report.MissingFromMirror[i] < report.MissingFromMirror[j]
	})
	sort.Slice(report.Collisions, func(i, j int) bool {
		return report.Collisions[i].NumericID < report.Collisions[j].NumericID
	})
	sort.SliceStable(report.Drift, func(i, j int) bool {
		return report.Drift[i].NumericID < report.Drift[j].NumericID
	})
	return report
}

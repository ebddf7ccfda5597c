package report

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"rxledger/internal/model"
)

// SortOrder orders a history listing.
type SortOrder string

const (
	SortDateDesc   SortOrder = "date-desc"
	SortDateAsc    SortOrder = "date-asc"
	SortMedication SortOrder = "medication"
)

// StatusAll disables the status filter.
const StatusAll = "all"

// HistoryQuery narrows and orders the history view.
type HistoryQuery struct {
	// Search is a case-insensitive substring of prescription id, medication,
	// patient id or doctor address.
	Search string
	// Status is "all", "issued" or "used". Empty means all.
	Status string
	Sort   SortOrder
}

// ParseHistoryQuery validates raw query parameters.
func ParseHistoryQuery(search, status, sortBy string) (HistoryQuery, error) {
	q := HistoryQuery{Search: strings.TrimSpace(search), Status: status, Sort: SortOrder(sortBy)}
	switch status {
	case "", StatusAll, string(model.StatusIssued), string(model.StatusUsed):
	default:
		return HistoryQuery{}, fmt.Errorf("unknown status filter %q", status)
	}
	switch q.Sort {
	case "":
		q.Sort = SortDateDesc
	case SortDateDesc, SortDateAsc, SortMedication:
	default:
		return HistoryQuery{}, fmt.Errorf("unknown sort order %q", sortBy)
	}
	return q, nil
}

// History filters and sorts records. The input slice is not modified.
func History(records []model.Prescription, q HistoryQuery) []model.Prescription {
	term := strings.ToLower(q.Search)
	out := make([]model.Prescription, 0, len(records))
	for _, r := range records {
		if term != "" && !matchesTerm(r, term) {
			continue
		}
		if q.Status != "" && q.Status != StatusAll && string(r.Status) != q.Status {
			continue
		}
		out = append(out, r)
	}

	switch q.Sort {
	case SortDateAsc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt < out[j].IssuedAt })
	case SortMedication:
		c := collate.New(language.English, collate.IgnoreCase)
		sort.SliceStable(out, func(i, j int) bool { return c.CompareString(out[i].DrugName, out[j].DrugName) < 0 })
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt > out[j].IssuedAt })
	}
	return out
}

func matchesTerm(r model.Prescription, term string) bool {
	return strings.Contains(strings.ToLower(r.PrescriptionID), term) ||
		strings.Contains(strings.ToLower(r.DrugName), term) ||
		strings.Contains(strings.ToLower(r.PatientID), term) ||
		strings.Contains(strings.ToLower(r.DoctorAddress), term)
}

// PatientView returns one patient's records, newest first.
func PatientView(records []model.Prescription, patientID string) []model.Prescription {
	out := make([]model.Prescription, 0)
	for _, r := range records {
		if r.PatientID == patientID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt > out[j].IssuedAt })
	return out
}

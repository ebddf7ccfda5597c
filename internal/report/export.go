package report

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"rxledger/internal/model"
)

const (
	dateLayout     = "Jan 2, 2006"
	dateTimeLayout = "Jan 2, 2006, 03:04 PM"
)

// CSVHeader is the first line of a history export.
const CSVHeader = "Prescription ID,Patient ID,Medication,Dosage,Doctor,Status,Issued Date,Notes"

// WriteCSV writes records as a history export. Notes are always quoted;
// other cells are quoted only when they hold a comma, quote or line break.
func WriteCSV(w io.Writer, records []model.Prescription, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(CSVHeader + "\n"); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		cells := []string{
			csvCell(r.PrescriptionID),
			csvCell(r.PatientID),
			csvCell(r.DrugName),
			csvCell(r.Dosage),
			csvCell(r.DoctorAddress),
			csvCell(string(r.Status)),
			csvCell(time.UnixMilli(r.IssuedAt).In(loc).Format(dateLayout)),
			quote(r.Notes),
		}
		if _, err := bw.WriteString(strings.Join(cells, ",") + "\n"); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.PrescriptionID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func csvCell(s string) string {
	if strings.ContainsAny(s, ",\"\r\n") {
		return quote(s)
	}
	return s
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// CSVFileName names a history export taken at now.
func CSVFileName(now time.Time) string {
	return fmt.Sprintf("prescription-history-%d.csv", now.UnixMilli())
}

// RecordText renders one prescription as a printable block. The Used line is
// present only for used records.
func RecordText(r model.Prescription, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	b.WriteString("PRESCRIPTION RECORD\n")
	b.WriteString("==================\n")
	fmt.Fprintf(&b, "Prescription ID: %s\n", r.PrescriptionID)
	fmt.Fprintf(&b, "Patient ID: %s\n", r.PatientID)
	fmt.Fprintf(&b, "Medication: %s\n", r.DrugName)
	fmt.Fprintf(&b, "Dosage: %s\n", r.Dosage)
	fmt.Fprintf(&b, "Doctor Address: %s\n", r.DoctorAddress)
	fmt.Fprintf(&b, "Status: %s\n", r.Status)
	fmt.Fprintf(&b, "Issued: %s\n", time.UnixMilli(r.IssuedAt).In(loc).Format(dateTimeLayout))
	if r.UsedAt != nil {
		fmt.Fprintf(&b, "Used: %s\n", time.UnixMilli(*r.UsedAt).In(loc).Format(dateTimeLayout))
	}
	fmt.Fprintf(&b, "Notes: %s\n", r.Notes)
	return b.String()
}

// RecordFileName names a text export.
func RecordFileName(prescriptionID string) string {
	return fmt.Sprintf("prescription-%s.txt", prescriptionID)
}

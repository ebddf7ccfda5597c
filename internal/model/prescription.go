package model

// Status is the lifecycle state of a prescription.
type Status string

const (
	StatusIssued Status = "issued"
	StatusUsed   Status = "used"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusIssued || s == StatusUsed
}

// Prescription is the mirror record of an issued prescription.
type Prescription struct {
	PrescriptionID string `json:"prescriptionId"`
	DoctorAddress  string `json:"doctorAddress"`
	PatientID      string `json:"patientId"`
	DrugName       string `json:"drugName"`
	Dosage         string `json:"dosage"`
	Notes          string `json:"notes"`
	DataHash       string `json:"dataHash"`
	TxHash         string `json:"txHash"`
	Network        string `json:"network"`
	Status         Status `json:"status"`
	IssuedAt       int64  `json:"issuedAt"`
	UsedAt         *int64 `json:"usedAt,omitempty"`
	DemoMode       bool   `json:"demoMode,omitempty"`
}

// IsUsed reports whether the prescription has been dispensed.
func (p Prescription) IsUsed() bool {
	return p.Status == StatusUsed
}

// StatusUpdate is the partial update applied when a prescription is dispensed.
type StatusUpdate struct {
	Status Status `json:"status"`
	UsedAt int64  `json:"usedAt"`
}

// Merge applies an update to p without ever moving a used record back to issued.
func (p Prescription) Merge(update StatusUpdate) Prescription {
	if p.IsUsed() {
		return p
	}
	if update.Status == StatusUsed {
		p.Status = StatusUsed
		usedAt := update.UsedAt
		p.UsedAt = &usedAt
	}
	return p
}

// Overwrite replaces p with next, keeping the used state if p was already used.
func (p Prescription) Overwrite(next Prescription) Prescription {
	if p.IsUsed() {
		next.Status = StatusUsed
		next.UsedAt = p.UsedAt
	}
	return next
}

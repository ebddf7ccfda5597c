package model

// IssueResult is returned to the caller when the issuance flow settles.
type IssueResult struct {
	Success        bool   `json:"success"`
	TxHash         string `json:"txHash,omitempty"`
	ExplorerURL    string `json:"explorerUrl,omitempty"`
	Error          string `json:"error,omitempty"`
	PrescriptionID string `json:"prescriptionId,omitempty"`
	DataHash       string `json:"dataHash,omitempty"`
	DoctorAddress  string `json:"doctorAddress,omitempty"`
	PatientID      string `json:"patientId,omitempty"`
	DrugName       string `json:"drugName,omitempty"`
	Dosage         string `json:"dosage,omitempty"`
	Notes          string `json:"notes"`
	DemoMode       bool   `json:"demoMode"`
	IssuedAt       int64  `json:"issuedAt,omitempty"`
}

// VerifyResult is returned to the caller when the verification flow settles.
type VerifyResult struct {
	Verified       bool   `json:"verified"`
	Checked        bool   `json:"checked"`
	PrescriptionID string `json:"prescriptionId"`
	DoctorAddress  string `json:"doctorAddress"`
	DataHash       string `json:"dataHash,omitempty"`
	DemoMode       bool   `json:"demoMode"`
	MarkedUsed     bool   `json:"markedUsed"`
	MarkTxHash     string `json:"markTxHash,omitempty"`
	Error          string `json:"error,omitempty"`
}

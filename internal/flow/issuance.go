package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rxledger/internal/chain"
	"rxledger/internal/ledger"
	"rxledger/internal/model"
	"rxledger/internal/rx"
	"rxledger/internal/wallet"
)

// IssueState is the lifecycle of one issuance form.
type IssueState string

const (
	IssueIdle       IssueState = "idle"
	IssueCollecting IssueState = "collecting"
	IssueSubmitting IssueState = "submitting"
	IssueSucceeded  IssueState = "succeeded"
	IssueFailed     IssueState = "failed"
)

// Issuance is one prescription form. It is safe for concurrent use; a second
// Submit while the first waits on the wallet gets ErrBusy.
type Issuance struct {
	svc *Service

	mu     sync.Mutex
	state  IssueState
	id     string
	result model.IssueResult
}

func (s *Service) NewIssuance() *Issuance {
	return &Issuance{svc: s, state: IssueIdle}
}

// Begin starts a new form with a freshly generated prescription id.
func (i *Issuance) Begin() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == IssueSubmitting {
		return "", ErrBusy
	}
	i.begin()
	return i.id, nil
}

func (i *Issuance) begin() {
	i.state = IssueCollecting
	i.id = rx.NewPrescriptionID(i.svc.now())
	i.result = model.IssueResult{}
}

func (i *Issuance) State() IssueState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// PrescriptionID returns the id of the current form.
func (i *Issuance) PrescriptionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.id
}

// Result returns the last settled result.
func (i *Issuance) Result() model.IssueResult {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result
}

// Submit hashes the fields and writes them to the ledger through the wallet.
// An empty PrescriptionID uses the form's generated id.
//
// Validation errors and a disconnected wallet are returned as errors before
// any ledger call. Ledger failures settle the form as failed and are carried
// in the result.
func (i *Issuance) Submit(ctx context.Context, f rx.Fields) (model.IssueResult, error) {
	i.mu.Lock()
	switch i.state {
	case IssueSubmitting:
		i.mu.Unlock()
		return model.IssueResult{}, ErrBusy
	case IssueSucceeded:
		i.mu.Unlock()
		return model.IssueResult{}, ErrAlreadySubmitted
	case IssueIdle:
		i.begin()
	}

	if rx.Trim(f.PrescriptionID) == "" {
		f.PrescriptionID = i.id
	}
	f = f.Normalize()
	if err := validateIssue(f); err != nil {
		i.mu.Unlock()
		return model.IssueResult{}, err
	}
	i.id = f.PrescriptionID

	identity, ok := i.svc.wallet.Identity()
	if !ok {
		i.state = IssueFailed
		i.result = model.IssueResult{Success: false, Error: NotConnectedMessage, PrescriptionID: f.PrescriptionID}
		result := i.result
		i.mu.Unlock()
		return result, wallet.ErrNotConnected
	}
	i.state = IssueSubmitting
	i.mu.Unlock()

	result := i.svc.issue(ctx, f, identity.Address)

	i.mu.Lock()
	defer i.mu.Unlock()
	if result.Success {
		i.state = IssueSucceeded
	} else {
		i.state = IssueFailed
	}
	i.result = result
	return result, nil
}

func validateIssue(f rx.Fields) error {
	ve := &model.ValidationError{}
	if f.PatientID == "" {
		ve.Add("patientId", "patient ID is required")
	}
	if f.DrugName == "" {
		ve.Add("drugName", "medication name is required")
	}
	if f.Dosage == "" {
		ve.Add("dosage", "dosage is required")
	}
	if f.PrescriptionID == "" {
		ve.Add("prescriptionId", "prescription ID is required")
	}
	return ve.Err()
}

func (s *Service) issue(ctx context.Context, f rx.Fields, doctor string) model.IssueResult {
	digest := rx.Hash(f)
	issuedAt := s.now().UnixMilli()
	result := model.IssueResult{
		PrescriptionID: f.PrescriptionID,
		DataHash:       digest,
		DoctorAddress:  doctor,
		PatientID:      f.PatientID,
		DrugName:       f.DrugName,
		Dosage:         f.Dosage,
		Notes:          f.Notes,
		IssuedAt:       issuedAt,
	}
	log := s.logger.With(zap.String("prescription_id", f.PrescriptionID))

	payload, err := s.ledger.Encoder().Issue(f.PrescriptionID, digest)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	demo := s.ledger.IsDefault()
	if !demo {
		sub, err := s.wallet.SignAndSubmit(ctx, payload)
		switch {
		case err == nil:
			result.TxHash = sub.TransactionID
		case errors.Is(err, ledger.ErrModuleNotFound):
			log.Warn("prescription module not deployed, issuing in demo mode", zap.Error(err))
			demo = true
		case errors.Is(err, wallet.ErrNotConnected):
			result.Error = NotConnectedMessage
			return result
		default:
			log.Error("issue prescription failed", zap.Error(err))
			result.Error = err.Error()
			return result
		}
	}

	if demo {
		result.TxHash = fmt.Sprintf("DEMO_MODE_%d", issuedAt)
		result.DemoMode = true
	} else {
		result.ExplorerURL = chain.ExplorerURL(s.opts.ExplorerURL, result.TxHash, s.opts.Network)
	}
	result.Success = true
	log.Info("prescription issued",
		zap.String("tx_hash", result.TxHash),
		zap.String("data_hash", digest),
		zap.Bool("demo_mode", result.DemoMode),
	)

	s.recordIssued(model.Prescription{
		PrescriptionID: f.PrescriptionID,
		DoctorAddress:  doctor,
		PatientID:      f.PatientID,
		DrugName:       f.DrugName,
		Dosage:         f.Dosage,
		Notes:          f.Notes,
		DataHash:       digest,
		TxHash:         result.TxHash,
		Network:        s.opts.Network,
		Status:         model.StatusIssued,
		IssuedAt:       issuedAt,
		DemoMode:       result.DemoMode,
	})
	return result
}

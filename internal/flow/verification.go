package flow

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"rxledger/internal/ledger"
	"rxledger/internal/model"
	"rxledger/internal/qr"
	"rxledger/internal/rx"
	"rxledger/internal/wallet"
)

// VerifyState is the lifecycle of one verification session.
type VerifyState string

const (
	VerifyIdle       VerifyState = "idle"
	VerifyVerifying  VerifyState = "verifying"
	VerifyMatched    VerifyState = "matched"
	VerifyUnmatched  VerifyState = "unmatched"
	VerifyMarking    VerifyState = "marking"
	VerifyMarked     VerifyState = "marked"
	VerifyMarkFailed VerifyState = "mark-failed"
)

// VerifyInput is what a pharmacist enters or scans.
type VerifyInput struct {
	rx.Fields
	DoctorAddress string `json:"doctorAddress"`
}

// InputFromQR maps a decoded QR payload onto verification input.
func InputFromQR(p qr.Payload) VerifyInput {
	return VerifyInput{
		Fields: rx.Fields{
			PatientID:      p.PatientID,
			DrugName:       p.DrugName,
			Dosage:         p.Dosage,
			Notes:          p.Notes,
			PrescriptionID: p.PrescriptionID,
		},
		DoctorAddress: p.DoctorAddress,
	}
}

// Verification checks one prescription against the ledger and can then mark
// it used. It is safe for concurrent use.
type Verification struct {
	svc *Service

	mu     sync.Mutex
	state  VerifyState
	input  VerifyInput
	result model.VerifyResult
	// marked maps prescription ids this session has dispensed to the
	// mark_used transaction.
	marked map[string]string
}

func (s *Service) NewVerification() *Verification {
	return &Verification{svc: s, state: VerifyIdle, marked: make(map[string]string)}
}

func (v *Verification) State() VerifyState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Result returns the last settled result.
func (v *Verification) Result() model.VerifyResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.result
}

// Verify recomputes the digest and asks the ledger whether the doctor issued
// it. Any ledger error other than a missing module reports unmatched.
func (v *Verification) Verify(ctx context.Context, in VerifyInput) (model.VerifyResult, error) {
	in.Fields = in.Fields.Normalize()
	in.DoctorAddress = rx.Trim(in.DoctorAddress)
	if err := validateVerify(in); err != nil {
		return model.VerifyResult{}, err
	}
	in.DoctorAddress = ledger.NormalizeAddress(in.DoctorAddress)

	v.mu.Lock()
	if v.state == VerifyVerifying || v.state == VerifyMarking {
		v.mu.Unlock()
		return model.VerifyResult{}, ErrBusy
	}
	v.state = VerifyVerifying
	v.input = in
	v.result = model.VerifyResult{}
	v.mu.Unlock()

	result := v.svc.verify(ctx, in)

	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case !result.Verified:
		v.state = VerifyUnmatched
	case v.marked[in.PrescriptionID] != "" && !result.DemoMode:
		v.state = VerifyMarked
		result.MarkedUsed = true
		result.MarkTxHash = v.marked[in.PrescriptionID]
	default:
		v.state = VerifyMatched
	}
	v.result = result
	return result, nil
}

func validateVerify(in VerifyInput) error {
	ve := &model.ValidationError{}
	if in.PrescriptionID == "" {
		ve.Add("prescriptionId", "prescription ID is required")
	}
	if in.DoctorAddress == "" {
		ve.Add("doctorAddress", "doctor address is required")
	} else if !ledger.IsAccountAddress(in.DoctorAddress) {
		ve.Add("doctorAddress", "doctor address is not a valid account address")
	}
	if in.PatientID == "" {
		ve.Add("patientId", "patient ID is required")
	}
	if in.DrugName == "" {
		ve.Add("drugName", "medication name is required")
	}
	if in.Dosage == "" {
		ve.Add("dosage", "dosage is required")
	}
	return ve.Err()
}

func (s *Service) verify(ctx context.Context, in VerifyInput) model.VerifyResult {
	digest := rx.Hash(in.Fields)
	result := model.VerifyResult{
		Checked:        true,
		PrescriptionID: in.PrescriptionID,
		DoctorAddress:  in.DoctorAddress,
		DataHash:       digest,
	}
	log := s.logger.With(zap.String("prescription_id", in.PrescriptionID))

	if s.ledger.IsDefault() {
		result.Verified = true
		result.DemoMode = true
		log.Info("verification in demo mode")
		return result
	}

	raw, err := ledger.DigestBytes(digest)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	ok, err := s.ledger.Verify(ctx, in.DoctorAddress, ledger.NumericID(in.PrescriptionID), raw)
	switch {
	case errors.Is(err, ledger.ErrModuleNotFound):
		log.Warn("prescription module not deployed, verifying in demo mode", zap.Error(err))
		result.Verified = true
		result.DemoMode = true
	case err != nil:
		log.Warn("ledger verification failed", zap.Error(err))
		result.Error = err.Error()
	default:
		result.Verified = ok
	}
	log.Info("prescription verified", zap.Bool("verified", result.Verified), zap.Bool("demo_mode", result.DemoMode))
	return result
}

// MarkUsed records on the ledger that the verified prescription was
// dispensed. Calling it again after success returns the earlier result
// without another ledger write. A failed write can be retried.
func (v *Verification) MarkUsed(ctx context.Context) (model.VerifyResult, error) {
	v.mu.Lock()
	switch v.state {
	case VerifyMarked:
		result := v.result
		v.mu.Unlock()
		return result, nil
	case VerifyMarking:
		v.mu.Unlock()
		return model.VerifyResult{}, ErrBusy
	case VerifyMatched, VerifyMarkFailed:
	default:
		v.mu.Unlock()
		return model.VerifyResult{}, ErrNotMatched
	}
	if v.result.DemoMode {
		v.mu.Unlock()
		return model.VerifyResult{}, ErrDemoMode
	}
	if _, ok := v.svc.wallet.Identity(); !ok {
		v.mu.Unlock()
		return model.VerifyResult{}, wallet.ErrNotConnected
	}
	in := v.input
	v.state = VerifyMarking
	v.mu.Unlock()

	log := v.svc.logger.With(zap.String("prescription_id", in.PrescriptionID))
	sub, err := v.svc.wallet.SignAndSubmit(ctx, v.svc.ledger.Encoder().MarkUsed(in.PrescriptionID))

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		log.Error("mark used failed", zap.Error(err))
		v.state = VerifyMarkFailed
		v.result.Error = err.Error()
		if errors.Is(err, wallet.ErrNotConnected) {
			v.result.Error = NotConnectedMessage
		}
		return v.result, nil
	}

	usedAt := v.svc.now().UnixMilli()
	v.state = VerifyMarked
	v.marked[in.PrescriptionID] = sub.TransactionID
	v.result.MarkedUsed = true
	v.result.MarkTxHash = sub.TransactionID
	v.result.Error = ""
	log.Info("prescription marked used", zap.String("tx_hash", sub.TransactionID))

	v.svc.recordUsed(in.PrescriptionID, in.DoctorAddress, sub.TransactionID, usedAt)
	return v.result, nil
}

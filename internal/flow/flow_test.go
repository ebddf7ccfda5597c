package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rxledger/internal/events"
	"rxledger/internal/ledger"
	"rxledger/internal/model"
	"rxledger/internal/rx"
	"rxledger/internal/storage"
	"rxledger/internal/wallet"
)

const (
	contractAddr = "0x00000000000000000000000000000000000000aa"
	doctorAddr   = "0x1111111111111111111111111111111111111111"
)

// fakeLedger answers verify from the issue payloads fakeWallet submitted.
type fakeLedger struct {
	mu        sync.Mutex
	isDefault bool
	verifyErr error
	issued    map[string]bool
	verifies  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{issued: make(map[string]bool)}
}

func ledgerKey(doctor string, id uint64, digest []byte) string {
	return fmt.Sprintf("%s/%d/%x", strings.ToLower(ledger.NormalizeAddress(doctor)), id, digest)
}

func (l *fakeLedger) IsDefault() bool { return l.isDefault }

func (l *fakeLedger) Encoder() ledger.Encoder { return ledger.NewEncoder(contractAddr) }

func (l *fakeLedger) Verify(_ context.Context, doctor string, id uint64, digest []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verifies++
	if l.verifyErr != nil {
		return false, l.verifyErr
	}
	return l.issued[ledgerKey(doctor, id, digest)], nil
}

type fakeWallet struct {
	mu        sync.Mutex
	ledger    *fakeLedger
	connected bool
	submitErr error
	submits   []ledger.Payload
}

func (w *fakeWallet) Connect(context.Context) (wallet.Identity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = true
	return wallet.Identity{Address: doctorAddr}, nil
}

func (w *fakeWallet) Disconnect(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = false
	return nil
}

func (w *fakeWallet) Identity() (wallet.Identity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return wallet.Identity{}, false
	}
	return wallet.Identity{Address: doctorAddr}, true
}

func (w *fakeWallet) SignAndSubmit(_ context.Context, p ledger.Payload) (wallet.Submission, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return wallet.Submission{}, wallet.ErrNotConnected
	}
	if w.submitErr != nil {
		return wallet.Submission{}, w.submitErr
	}
	w.submits = append(w.submits, p)
	if strings.HasSuffix(p.Function, ledger.EntryIssue) && w.ledger != nil {
		w.ledger.mu.Lock()
		w.ledger.issued[ledgerKey(doctorAddr, p.Arguments[0].(uint64), p.Arguments[1].([]byte))] = true
		w.ledger.mu.Unlock()
	}
	return wallet.Submission{TransactionID: fmt.Sprintf("0xtx%d", len(w.submits))}, nil
}

func (w *fakeWallet) submitted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.submits)
}

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capture) Close() error { return nil }

type brokenStore struct{ storage.NoopStore }

func (brokenStore) Put(context.Context, model.Prescription) error { return errors.New("store down") }

func (brokenStore) Update(context.Context, string, model.StatusUpdate) error {
	return errors.New("store down")
}

type harness struct {
	svc    *Service
	ledger *fakeLedger
	wallet *fakeWallet
	store  *storage.MemoryStore
	events *capture
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := newFakeLedger()
	w := &fakeWallet{ledger: l, connected: true}
	store := storage.NewMemoryStore(nil)
	pub := &capture{}
	now := time.UnixMilli(1700000000000)
	svc := NewService(l, w, store, pub, Options{
		Network:       "testnet",
		ExplorerURL:   "https://explorer.example.org/tx/{tx}?network={network}",
		MirrorRetries: 1,
		MirrorBackoff: time.Millisecond,
		Now:           func() time.Time { return now },
	}, nil)
	return &harness{svc: svc, ledger: l, wallet: w, store: store, events: pub}
}

func amoxicillin() rx.Fields {
	return rx.Fields{PatientID: "P1", DrugName: "Amoxicillin", Dosage: "500mg", Notes: "", PrescriptionID: "RX-1"}
}

const amoxicillinDigest = "851dc7f056f7c6130dbe3a3b745bc019887b9c9b9bd8b37466b378e98fe2a925"

func TestIssueSucceeds(t *testing.T) {
	h := newHarness(t)
	iss := h.svc.NewIssuance()

	res, err := iss.Submit(context.Background(), amoxicillin())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.DemoMode)
	require.Equal(t, amoxicillinDigest, res.DataHash)
	require.Equal(t, "0xtx1", res.TxHash)
	require.Equal(t, "https://explorer.example.org/tx/0xtx1?network=testnet", res.ExplorerURL)
	require.Equal(t, doctorAddr, res.DoctorAddress)
	require.Equal(t, IssueSucceeded, iss.State())

	h.svc.Wait()
	rec, ok, err := h.store.Get(context.Background(), "RX-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StatusIssued, rec.Status)
	require.Equal(t, "testnet", rec.Network)
	require.Equal(t, int64(1700000000000), rec.IssuedAt)
	require.Len(t, h.events.events, 1)
	require.Equal(t, events.TypeIssued, h.events.events[0].Type)

	_, err = iss.Submit(context.Background(), amoxicillin())
	require.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestIssueUsesGeneratedID(t *testing.T) {
	h := newHarness(t)
	iss := h.svc.NewIssuance()

	id, err := iss.Begin()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "RX-1700000000000-"))

	f := amoxicillin()
	f.PrescriptionID = "  "
	res, err := iss.Submit(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, id, res.PrescriptionID)
}

func TestIssueDemoModeOnDefaultAddress(t *testing.T) {
	h := newHarness(t)
	h.ledger.isDefault = true

	res, err := h.svc.NewIssuance().Submit(context.Background(), amoxicillin())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.DemoMode)
	require.Equal(t, "DEMO_MODE_1700000000000", res.TxHash)
	require.Empty(t, res.ExplorerURL)
	require.Zero(t, h.wallet.submitted())

	h.svc.Wait()
	rec, ok, _ := h.store.Get(context.Background(), "RX-1")
	require.True(t, ok)
	require.True(t, rec.DemoMode)
}

func TestIssueDemoModeOnMissingModule(t *testing.T) {
	h := newHarness(t)
	h.wallet.submitErr = fmt.Errorf("sign: %w", ledger.ErrModuleNotFound)

	res, err := h.svc.NewIssuance().Submit(context.Background(), amoxicillin())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.DemoMode)
	require.True(t, strings.HasPrefix(res.TxHash, "DEMO_MODE_"))
}

func TestIssueFailureCarriesRawError(t *testing.T) {
	h := newHarness(t)
	h.wallet.submitErr = errors.New("insufficient funds for gas")
	iss := h.svc.NewIssuance()

	res, err := iss.Submit(context.Background(), amoxicillin())
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "insufficient funds for gas", res.Error)
	require.Equal(t, IssueFailed, iss.State())

	h.svc.Wait()
	_, ok, _ := h.store.Get(context.Background(), "RX-1")
	require.False(t, ok)

	h.wallet.submitErr = nil
	res, err = iss.Submit(context.Background(), amoxicillin())
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestIssueRequiresWallet(t *testing.T) {
	h := newHarness(t)
	h.wallet.connected = false
	iss := h.svc.NewIssuance()

	res, err := iss.Submit(context.Background(), amoxicillin())
	require.ErrorIs(t, err, wallet.ErrNotConnected)
	require.Equal(t, NotConnectedMessage, res.Error)
	require.Equal(t, IssueFailed, iss.State())
	require.Zero(t, h.wallet.submitted())
}

func TestIssueValidation(t *testing.T) {
	h := newHarness(t)
	iss := h.svc.NewIssuance()

	_, err := iss.Submit(context.Background(), rx.Fields{PatientID: " ", PrescriptionID: "RX-1"})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Fields, 3)
	require.Equal(t, IssueCollecting, iss.State())
	require.Zero(t, h.wallet.submitted())
}

func TestIssueSurvivesMirrorFailure(t *testing.T) {
	l := newFakeLedger()
	w := &fakeWallet{ledger: l, connected: true}
	svc := NewService(l, w, brokenStore{}, nil, Options{MirrorRetries: 2, MirrorBackoff: time.Millisecond}, nil)

	res, err := svc.NewIssuance().Submit(context.Background(), amoxicillin())
	require.NoError(t, err)
	require.True(t, res.Success)
	svc.Wait()
}

func TestVerifyEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.NewIssuance().Submit(ctx, amoxicillin())
	require.NoError(t, err)

	v := h.svc.NewVerification()
	res, err := v.Verify(ctx, VerifyInput{Fields: amoxicillin(), DoctorAddress: doctorAddr})
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.False(t, res.DemoMode)
	require.Equal(t, amoxicillinDigest, res.DataHash)
	require.Equal(t, VerifyMatched, v.State())

	tampered := amoxicillin()
	tampered.Dosage = "250mg"
	res, err = v.Verify(ctx, VerifyInput{Fields: tampered, DoctorAddress: doctorAddr})
	require.NoError(t, err)
	require.False(t, res.Verified)
	require.Equal(t, VerifyUnmatched, v.State())

	// Surrounding whitespace and a missing 0x prefix do not matter.
	padded := amoxicillin()
	padded.PatientID = "  P1  "
	res, err = v.Verify(ctx, VerifyInput{Fields: padded, DoctorAddress: strings.TrimPrefix(doctorAddr, "0x")})
	require.NoError(t, err)
	require.True(t, res.Verified)
}

func TestVerifyFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.ledger.verifyErr = errors.New("connection refused")
	v := h.svc.NewVerification()

	res, err := v.Verify(context.Background(), VerifyInput{Fields: amoxicillin(), DoctorAddress: doctorAddr})
	require.NoError(t, err)
	require.False(t, res.Verified)
	require.False(t, res.DemoMode)
	require.Equal(t, "connection refused", res.Error)

	_, err = v.MarkUsed(context.Background())
	require.ErrorIs(t, err, ErrNotMatched)
}

func TestVerifyDemoMode(t *testing.T) {
	h := newHarness(t)
	h.ledger.isDefault = true
	v := h.svc.NewVerification()

	res, err := v.Verify(context.Background(), VerifyInput{Fields: amoxicillin(), DoctorAddress: doctorAddr})
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.True(t, res.DemoMode)
	require.Zero(t, h.ledger.verifies)

	_, err = v.MarkUsed(context.Background())
	require.ErrorIs(t, err, ErrDemoMode)
	require.Zero(t, h.wallet.submitted())
}

func TestVerifyMissingModuleIsDemo(t *testing.T) {
	h := newHarness(t)
	h.ledger.verifyErr = fmt.Errorf("call: %w", ledger.ErrModuleNotFound)

	res, err := h.svc.NewVerification().Verify(context.Background(), VerifyInput{Fields: amoxicillin(), DoctorAddress: doctorAddr})
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.True(t, res.DemoMode)
}

func TestVerifyValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.NewVerification().Verify(context.Background(), VerifyInput{Fields: amoxicillin(), DoctorAddress: "dr-who"})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "doctorAddress", ve.Fields[0].Field)
	require.Zero(t, h.ledger.verifies)
}

func TestMarkUsedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.NewIssuance().Submit(ctx, amoxicillin())
	require.NoError(t, err)
	h.svc.Wait()

	v := h.svc.NewVerification()
	_, err = v.Verify(ctx, VerifyInput{Fields: amoxicillin(), DoctorAddress: doctorAddr})
	require.NoError(t, err)

	first, err := v.MarkUsed(ctx)
	require.NoError(t, err)
	require.True(t, first.MarkedUsed)
	require.Equal(t, VerifyMarked, v.State())

	second, err := v.MarkUsed(ctx)
	require.NoError(t, err)
	require.Equal(t, first.MarkTxHash, second.MarkTxHash)
	require.Equal(t, 2, h.wallet.submitted())

	// Verifying again does not re-arm the guard.
	res, err := v.Verify(ctx, VerifyInput{Fields: amoxicillin(), DoctorAddress: doctorAddr})
	require.NoError(t, err)
	require.True(t, res.MarkedUsed)
	_, err = v.MarkUsed(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, h.wallet.submitted())

	h.svc.Wait()
	rec, _, _ := h.store.Get(ctx, "RX-1")
	require.Equal(t, model.StatusUsed, rec.Status)
	require.NotNil(t, rec.UsedAt)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.Equal(t, events.TypeUsed, h.events.events[len(h.events.events)-1].Type)
}

func TestMarkUsedRetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.NewIssuance().Submit(ctx, amoxicillin())
	require.NoError(t, err)

	v := h.svc.NewVerification()
	_, err = v.Verify(ctx, VerifyInput{Fields: amoxicillin(), DoctorAddress: doctorAddr})
	require.NoError(t, err)

	h.wallet.submitErr = errors.New("nonce too low")
	res, err := v.MarkUsed(ctx)
	require.NoError(t, err)
	require.False(t, res.MarkedUsed)
	require.Equal(t, "nonce too low", res.Error)
	require.Equal(t, VerifyMarkFailed, v.State())

	h.wallet.submitErr = nil
	res, err = v.MarkUsed(ctx)
	require.NoError(t, err)
	require.True(t, res.MarkedUsed)
	require.Empty(t, res.Error)
}

func TestMarkUsedRequiresWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.NewIssuance().Submit(ctx, amoxicillin())
	require.NoError(t, err)

	v := h.svc.NewVerification()
	_, err = v.Verify(ctx, VerifyInput{Fields: amoxicillin(), DoctorAddress: doctorAddr})
	require.NoError(t, err)

	h.wallet.connected = false
	_, err = v.MarkUsed(ctx)
	require.ErrorIs(t, err, wallet.ErrNotConnected)
	require.Equal(t, VerifyMatched, v.State())
}

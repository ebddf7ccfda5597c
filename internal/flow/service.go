package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"rxledger/internal/events"
	"rxledger/internal/ledger"
	"rxledger/internal/model"
	"rxledger/internal/retry"
	"rxledger/internal/storage"
	"rxledger/internal/wallet"
)

var (
	// ErrBusy is returned while a session is waiting on the ledger.
	ErrBusy = errors.New("operation already in progress")
	// ErrAlreadySubmitted is returned by Submit after a successful issuance.
	ErrAlreadySubmitted = errors.New("prescription already submitted, begin a new one")
	// ErrNotMatched is returned by MarkUsed before a successful verification.
	ErrNotMatched = errors.New("prescription has not been verified")
	// ErrDemoMode is returned by MarkUsed for a demo-mode verification.
	ErrDemoMode = errors.New("mark used is unavailable in demo mode")
)

// NotConnectedMessage is reported when a ledger write is attempted without a
// connected wallet.
const NotConnectedMessage = "please connect your wallet first"

// Ledger is the read side of the prescription contract.
type Ledger interface {
	IsDefault() bool
	Encoder() ledger.Encoder
	Verify(ctx context.Context, doctor string, prescriptionID uint64, digest []byte) (bool, error)
}

// Options tune the flows.
type Options struct {
	// Network labels mirror records.
	Network string
	// ExplorerURL is a template with {tx} and {network} placeholders.
	ExplorerURL string
	// MirrorRetries and MirrorBackoff bound background mirror writes.
	MirrorRetries int
	MirrorBackoff time.Duration
	// MirrorTimeout caps one background write including retries.
	MirrorTimeout time.Duration
	Now           func() time.Time
}

// Service owns the collaborators shared by every flow session.
type Service struct {
	ledger Ledger
	wallet wallet.Wallet
	store  storage.MirrorStore
	pub    events.Publisher
	opts   Options
	logger *zap.Logger

	wg sync.WaitGroup
}

func NewService(l Ledger, w wallet.Wallet, store storage.MirrorStore, pub events.Publisher, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = storage.NoopStore{}
	}
	if pub == nil {
		pub = events.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 30 * time.Second
	}
	return &Service{
		ledger: l,
		wallet: w,
		store:  store,
		pub:    pub,
		opts:   opts,
		logger: logger,
	}
}

// DemoMode reports whether the ledger address is the undeployed default.
func (s *Service) DemoMode() bool {
	return s.ledger.IsDefault()
}

// Network returns the configured network label.
func (s *Service) Network() string {
	return s.opts.Network
}

// Wait blocks until background mirror writes and event publications finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) now() time.Time {
	return s.opts.Now()
}

// recordIssued mirrors a new record and announces it. Neither step can
// change the outcome the caller already has.
func (s *Service) recordIssued(record model.Prescription) {
	s.background("issued", record.PrescriptionID, func(ctx context.Context) {
		err := retry.Do(ctx, s.opts.MirrorRetries, s.opts.MirrorBackoff, func(ctx context.Context) error {
			return s.store.Put(ctx, record)
		})
		if err != nil {
			s.logger.Warn("mirror write failed", zap.String("prescription_id", record.PrescriptionID), zap.Error(err))
		}
		s.publish(ctx, events.Event{
			Type:           events.TypeIssued,
			PrescriptionID: record.PrescriptionID,
			DoctorAddress:  record.DoctorAddress,
			TxHash:         record.TxHash,
			DemoMode:       record.DemoMode,
			At:             record.IssuedAt,
		})
	})
}

func (s *Service) recordUsed(prescriptionID, doctor, txHash string, usedAt int64) {
	s.background("used", prescriptionID, func(ctx context.Context) {
		update := model.StatusUpdate{Status: model.StatusUsed, UsedAt: usedAt}
		err := retry.Do(ctx, s.opts.MirrorRetries, s.opts.MirrorBackoff, func(ctx context.Context) error {
			err := s.store.Update(ctx, prescriptionID, update)
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("mirror has no record to mark used", zap.String("prescription_id", prescriptionID))
				return nil
			}
			return err
		})
		if err != nil {
			s.logger.Warn("mirror update failed", zap.String("prescription_id", prescriptionID), zap.Error(err))
		}
		s.publish(ctx, events.Event{
			Type:           events.TypeUsed,
			PrescriptionID: prescriptionID,
			DoctorAddress:  doctor,
			TxHash:         txHash,
			At:             usedAt,
		})
	})
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.pub.Publish(ctx, e); err != nil {
		s.logger.Warn("publish event failed", zap.String("type", string(e.Type)), zap.String("prescription_id", e.PrescriptionID), zap.Error(err))
	}
}

func (s *Service) background(kind, prescriptionID string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.MirrorTimeout)
		defer cancel()
		fn(ctx)
		s.logger.Debug("background record done", zap.String("kind", kind), zap.String("prescription_id", prescriptionID))
	}()
}

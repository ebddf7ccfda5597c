package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rxledger/internal/flow"
	"rxledger/internal/storage"
	"rxledger/internal/wallet"
)

// Options configure the HTTP surface.
type Options struct {
	RPCURL          string
	ContractAddress string
	ExplorerURL     string
	Location        *time.Location
	// SessionTTL evicts flow sessions idle for longer.
	SessionTTL time.Duration
	// Heartbeat is the interval of keep-alive events on live streams.
	Heartbeat time.Duration
	Now       func() time.Time
}

// Server exposes the issuance and verification flows, reports and live views
// over HTTP.
type Server struct {
	flow     *flow.Service
	wallet   wallet.Wallet
	store    storage.MirrorStore
	opts     Options
	logger   *zap.Logger
	sessions *sessions
	engine   *gin.Engine
}

func NewServer(svc *flow.Service, w wallet.Wallet, store storage.MirrorStore, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = storage.NoopStore{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}

	s := &Server{
		flow:     svc,
		wallet:   w,
		store:    store,
		opts:     opts,
		logger:   logger,
		sessions: newSessions(opts.SessionTTL, opts.Now),
	}

	engine := gin.New()
	engine.MaxMultipartMemory = 8 << 20
	engine.Use(requestLogger(logger), recovery(logger))
	s.routes(engine)
	s.engine = engine
	return s
}

// Handler returns the gin engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
// Live streams end with ctx.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) routes(r *gin.Engine) {
	api := r.Group("/api")
	api.GET("/health", s.health)
	api.GET("/config", s.config)

	api.GET("/wallet", s.walletIdentity)
	api.POST("/wallet/connect", s.connectWallet)
	api.POST("/wallet/disconnect", s.disconnectWallet)

	api.GET("/prescriptions/new-id", s.newPrescription)
	api.POST("/prescriptions", s.issuePrescription)
	api.POST("/prescriptions/hash", s.hashPrescription)
	api.GET("/prescriptions", s.history)
	api.GET("/prescriptions/export.csv", s.exportCSV)
	api.GET("/prescriptions/:id", s.getPrescription)
	api.GET("/prescriptions/:id/qr.png", s.prescriptionQR)
	api.GET("/prescriptions/:id/record.txt", s.prescriptionText)
	api.GET("/patients/:patientId/prescriptions", s.patientPrescriptions)
	api.GET("/analytics", s.analytics)

	api.GET("/stream/history", s.streamHistory)
	api.GET("/stream/analytics", s.streamAnalytics)
	api.GET("/stream/patients/:patientId", s.streamPatient)

	api.POST("/verifications", s.verify)
	api.POST("/verifications/qr", s.verifyQR)
	api.GET("/verifications/:sessionId", s.verification)
	api.POST("/verifications/:sessionId/mark-used", s.markUsed)
}

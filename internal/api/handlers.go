package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rxledger/internal/chain"
	"rxledger/internal/flow"
	"rxledger/internal/model"
	"rxledger/internal/qr"
	"rxledger/internal/report"
	"rxledger/internal/rx"
	"rxledger/internal/storage"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": s.opts.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) config(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rpcUrl":          s.opts.RPCURL,
		"contractAddress": s.opts.ContractAddress,
		"demoMode":        s.flow.DemoMode(),
		"network":         s.flow.Network(),
	})
}

func (s *Server) walletIdentity(c *gin.Context) {
	identity, ok := s.wallet.Identity()
	c.JSON(http.StatusOK, gin.H{
		"connected":        ok,
		"address":          identity.Address,
		"truncatedAddress": rx.TruncateAddress(identity.Address),
	})
}

func (s *Server) connectWallet(c *gin.Context) {
	identity, err := s.wallet.Connect(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected":        true,
		"address":          identity.Address,
		"truncatedAddress": rx.TruncateAddress(identity.Address),
	})
}

func (s *Server) disconnectWallet(c *gin.Context) {
	if err := s.wallet.Disconnect(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": false})
}

// newPrescription opens an issuance form with a generated id.
func (s *Server) newPrescription(c *gin.Context) {
	issuance := s.flow.NewIssuance()
	id, err := issuance.Begin()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":      s.sessions.addIssuance(issuance),
		"prescriptionId": id,
	})
}

type issueRequest struct {
	rx.Fields
	SessionID string `json:"sessionId"`
}

func (s *Server) issuePrescription(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, fmt.Errorf("invalid request body: %w", err))
		return
	}

	var issuance *flow.Issuance
	if req.SessionID != "" {
		var err error
		issuance, err = s.sessions.issuance(req.SessionID)
		if err != nil {
			respondError(c, err)
			return
		}
	} else {
		issuance = s.flow.NewIssuance()
	}

	result, err := issuance.Submit(c.Request.Context(), req.Fields)
	if err != nil {
		respondError(c, err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusBadGateway, result)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) hashPrescription(c *gin.Context) {
	var f rx.Fields
	if err := c.ShouldBindJSON(&f); err != nil {
		badRequest(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dataHash":  rx.Hash(f),
		"canonical": string(rx.Canonical(f)),
	})
}

func (s *Server) historyQuery(c *gin.Context) (report.HistoryQuery, bool) {
	q, err := report.ParseHistoryQuery(c.Query("q"), c.Query("status"), c.Query("sort"))
	if err != nil {
		badRequest(c, err)
		return report.HistoryQuery{}, false
	}
	return q, true
}

func (s *Server) history(c *gin.Context) {
	q, ok := s.historyQuery(c)
	if !ok {
		return
	}
	records, err := s.store.List(c.Request.Context(), storage.Query{})
	if err != nil {
		respondError(c, err)
		return
	}
	out := report.History(records, q)
	c.JSON(http.StatusOK, gin.H{"prescriptions": out, "count": len(out)})
}

func (s *Server) exportCSV(c *gin.Context) {
	q, ok := s.historyQuery(c)
	if !ok {
		return
	}
	records, err := s.store.List(c.Request.Context(), storage.Query{})
	if err != nil {
		respondError(c, err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteCSV(&buf, report.History(records, q), s.opts.Location); err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.CSVFileName(s.opts.Now().In(s.opts.Location))))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func (s *Server) record(c *gin.Context) (model.Prescription, bool) {
	id := c.Param("id")
	record, found, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return model.Prescription{}, false
	}
	if !found {
		respondError(c, fmt.Errorf("%w: %s", storage.ErrNotFound, id))
		return model.Prescription{}, false
	}
	return record, true
}

func (s *Server) getPrescription(c *gin.Context) {
	record, ok := s.record(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"prescription": record,
		"explorerUrl":  chain.ExplorerURL(s.opts.ExplorerURL, record.TxHash, record.Network),
	})
}

func (s *Server) prescriptionQR(c *gin.Context) {
	size := qr.DefaultSize
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > 2048 {
			badRequest(c, fmt.Errorf("size must be an integer between 64 and 2048"))
			return
		}
		size = n
	}

	record, ok := s.record(c)
	if !ok {
		return
	}
	png, err := qr.Encode(qr.NewPayload(record, s.opts.Now()), size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) prescriptionText(c *gin.Context) {
	record, ok := s.record(c)
	if !ok {
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.RecordFileName(record.PrescriptionID)))
	c.String(http.StatusOK, report.RecordText(record, s.opts.Location))
}

func (s *Server) patientPrescriptions(c *gin.Context) {
	patientID := rx.Trim(c.Param("patientId"))
	records, err := s.store.List(c.Request.Context(), storage.Query{PatientID: patientID})
	if err != nil {
		respondError(c, err)
		return
	}
	out := report.PatientView(records, patientID)
	c.JSON(http.StatusOK, gin.H{"patientId": patientID, "prescriptions": out, "count": len(out)})
}

func (s *Server) analytics(c *gin.Context) {
	records, err := s.store.List(c.Request.Context(), storage.Query{})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report.ComputeAnalytics(records, s.opts.Now(), s.opts.Location))
}

type verifyRequest struct {
	flow.VerifyInput
	SessionID string `json:"sessionId"`
}

type verifyResponse struct {
	SessionID string             `json:"sessionId"`
	State     flow.VerifyState   `json:"state"`
	Result    model.VerifyResult `json:"result"`
}

func (s *Server) verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	s.runVerification(c, req.SessionID, req.VerifyInput)
}

func (s *Server) verifyQR(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		badRequest(c, fmt.Errorf("image upload required: %w", err))
		return
	}
	src, err := file.Open()
	if err != nil {
		badRequest(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer src.Close()

	payload, err := qr.Decode(src)
	if err != nil {
		respondError(c, err)
		return
	}
	s.runVerification(c, c.PostForm("sessionId"), flow.InputFromQR(payload))
}

func (s *Server) runVerification(c *gin.Context, sessionID string, in flow.VerifyInput) {
	var verification *flow.Verification
	if sessionID != "" {
		var err error
		verification, err = s.sessions.verification(sessionID)
		if err != nil {
			respondError(c, err)
			return
		}
	} else {
		verification = s.flow.NewVerification()
	}

	result, err := verification.Verify(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	if sessionID == "" {
		sessionID = s.sessions.addVerification(verification)
	}
	c.JSON(http.StatusOK, verifyResponse{SessionID: sessionID, State: verification.State(), Result: result})
}

func (s *Server) verification(c *gin.Context) {
	id := c.Param("sessionId")
	verification, err := s.sessions.verification(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, verifyResponse{SessionID: id, State: verification.State(), Result: verification.Result()})
}

func (s *Server) markUsed(c *gin.Context) {
	id := c.Param("sessionId")
	verification, err := s.sessions.verification(id)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := verification.MarkUsed(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if !result.MarkedUsed {
		status = http.StatusBadGateway
	}
	c.JSON(status, verifyResponse{SessionID: id, State: verification.State(), Result: result})
}

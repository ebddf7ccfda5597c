package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rxledger/internal/model"
	"rxledger/internal/report"
	"rxledger/internal/rx"
	"rxledger/internal/storage"
)

func (s *Server) streamHistory(c *gin.Context) {
	q, ok := s.historyQuery(c)
	if !ok {
		return
	}
	s.stream(c, "history", storage.Query{}, func(records []model.Prescription) interface{} {
		out := report.History(records, q)
		return gin.H{"prescriptions": out, "count": len(out)}
	})
}

func (s *Server) streamAnalytics(c *gin.Context) {
	s.stream(c, "analytics", storage.Query{}, func(records []model.Prescription) interface{} {
		return report.ComputeAnalytics(records, s.opts.Now(), s.opts.Location)
	})
}

func (s *Server) streamPatient(c *gin.Context) {
	patientID := rx.Trim(c.Param("patientId"))
	s.stream(c, "patient", storage.Query{PatientID: patientID}, func(records []model.Prescription) interface{} {
		out := report.PatientView(records, patientID)
		return gin.H{"patientId": patientID, "prescriptions": out, "count": len(out)}
	})
}

// stream sends a server-sent event per mirror snapshot. The subscription is
// released when the client goes away.
func (s *Server) stream(c *gin.Context, view string, q storage.Query, render func([]model.Prescription) interface{}) {
	ctx := c.Request.Context()
	updates := make(chan []model.Prescription, 1)

	unsubscribe, err := s.store.Subscribe(ctx, q, func(records []model.Prescription) {
		// Only the newest snapshot matters to a slow client.
		for {
			select {
			case updates <- records:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	if err != nil {
		respondError(c, err)
		return
	}
	defer unsubscribe()

	log := s.logger.With(zap.String("view", view), zap.String("request_id", c.GetString(requestIDKey)))
	log.Debug("stream opened")
	defer log.Debug("stream closed")

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case records := <-updates:
			c.SSEvent(view, render(records))
			return true
		case now := <-heartbeat.C:
			c.SSEvent("ping", now.UTC().Format(time.RFC3339))
			return true
		}
	})
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rxledger/internal/flow"
	"rxledger/internal/model"
	"rxledger/internal/qr"
	"rxledger/internal/storage"
	"rxledger/internal/wallet"
)

func statusFor(err error) int {
	var missing *qr.MissingFieldsError
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, wallet.ErrNotConnected), errors.Is(err, wallet.ErrNoKey):
		return http.StatusConflict
	case errors.Is(err, flow.ErrBusy), errors.Is(err, flow.ErrAlreadySubmitted),
		errors.Is(err, flow.ErrNotMatched), errors.Is(err, flow.ErrDemoMode):
		return http.StatusConflict
	case errors.Is(err, errSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, qr.ErrNotFound), errors.Is(err, qr.ErrBadFormat),
		errors.Is(err, qr.ErrNotImage), errors.As(err, &missing):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	body := gin.H{"error": err.Error()}
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		body["fields"] = ve.Fields
	case errors.Is(err, wallet.ErrNotConnected):
		body["error"] = flow.NotConnectedMessage
	}
	c.AbortWithStatusJSON(statusFor(err), body)
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

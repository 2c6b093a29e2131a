package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/payment"
	"github.com/stratafi/vault-engine/internal/treasury"
	"github.com/stratafi/vault-engine/internal/vault"
)

// writeError maps a service error to its HTTP answer. Anything unmapped is
// an internal error whose detail only reaches the log.
func (s *Server) writeError(c *gin.Context, err error) {
	var dup *vault.DuplicateDepositError
	switch {
	case errors.Is(err, vault.ErrInvalidInput), errors.Is(err, payment.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.Is(err, vault.ErrVaultNotFound),
		errors.Is(err, vault.ErrPositionNotFound),
		errors.Is(err, payment.ErrUnknownResource):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{"error": "deposit already recorded", "original": dup.Original})

	case errors.Is(err, vault.ErrCapacityExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": "capacity exceeded", "detail": err.Error()})

	case errors.Is(err, vault.ErrDepositNotFound), errors.Is(err, vault.ErrDepositUnconfirmed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})

	case errors.Is(err, vault.ErrDepositFailed),
		errors.Is(err, vault.ErrInsufficientAmount),
		errors.Is(err, vault.ErrSenderMismatch),
		errors.Is(err, vault.ErrInsufficientBalance),
		errors.Is(err, vault.ErrBelowMinimumClaim):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})

	case errors.Is(err, treasury.ErrSignerUnavailable),
		errors.Is(err, treasury.ErrTransferFailed),
		errors.Is(err, vault.ErrDisbursementPending),
		errors.Is(err, payment.ErrFacilitatorUnavailable):
		s.log.Warn("request deferred", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})

	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

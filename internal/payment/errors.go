package payment

import (
	"errors"

	"github.com/stratafi/vault-engine/internal/x402"
)

var (
	ErrUnknownResource  = errors.New("unknown resource")
	ErrInvalidInput     = errors.New("invalid input")
	ErrPaymentRequired  = errors.New("payment required")
	ErrInvalidRecipient = errors.New("payment recipient does not match")
	ErrInvalidAmount    = errors.New("payment amount does not match price")
	ErrPaymentInvalid   = errors.New("payment invalid")
	ErrPaymentReplayed  = errors.New("payment already used")
	// ErrFacilitatorUnavailable means the proof could not be checked; the
	// client may retry with the same proof.
	ErrFacilitatorUnavailable = errors.New("payment facilitator unavailable")
)

// Rejected reports whether err is answered with a 402 challenge.
func Rejected(err error) bool {
	for _, target := range []error{
		ErrPaymentRequired,
		ErrInvalidRecipient,
		ErrInvalidAmount,
		ErrPaymentInvalid,
		ErrPaymentReplayed,
		x402.ErrMalformedProof,
		x402.ErrUnsupportedVersion,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

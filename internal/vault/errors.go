package vault

import (
	"errors"
	"fmt"

	"github.com/stratafi/vault-engine/internal/store"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrVaultNotFound = errors.New("vault not found")

	// Deposit verification.
	ErrDepositNotFound    = errors.New("deposit transaction not found")
	ErrDepositUnconfirmed = errors.New("deposit transaction not confirmed")
	ErrDepositFailed      = errors.New("deposit transaction reverted")
	ErrInsufficientAmount = errors.New("deposit amount below expected")
	ErrSenderMismatch     = errors.New("deposit not sent by user")
	ErrDuplicateDeposit   = errors.New("deposit already recorded")
	ErrCapacityExceeded   = errors.New("capacity exceeded")

	ErrPositionNotFound    = errors.New("position not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBelowMinimumClaim   = errors.New("claim below minimum")

	// ErrDisbursementPending means an earlier payout for the position was
	// broadcast but its outcome is not yet known. Retry later.
	ErrDisbursementPending = errors.New("disbursement pending confirmation")
)

// DuplicateDepositError carries the record of the original deposit so that a
// replay can be answered with the first outcome.
type DuplicateDepositError struct {
	Original store.TxRecord
}

func (e *DuplicateDepositError) Error() string {
	return fmt.Sprintf("deposit %s already recorded", e.Original.Signature)
}

func (e *DuplicateDepositError) Is(target error) bool { return target == ErrDuplicateDeposit }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

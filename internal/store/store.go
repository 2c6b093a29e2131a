package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
	// ErrCapacity is returned by PositionTx.AddTVL when the increase would
	// take the vault past MaxTVL.
	ErrCapacity = errors.New("vault capacity exceeded")
	// ErrNegativeTVL guards the conservation invariant on withdrawals.
	ErrNegativeTVL = errors.New("vault tvl would go negative")
)

// Store is the durable ledger. Every mutation of a position goes through
// WithPosition so that operations on the same (vault, user) pair are
// serialized while different pairs proceed in parallel.
type Store interface {
	// UpsertVault creates or updates a vault's operator-defined attributes.
	// TVL is never changed by an upsert.
	UpsertVault(ctx context.Context, v Vault) error
	GetVault(ctx context.Context, id string) (Vault, error)
	ListVaults(ctx context.Context) ([]Vault, error)

	GetPosition(ctx context.Context, vaultID, user string) (Position, error)
	ListPositions(ctx context.Context, user string) ([]Position, error)

	FindTransaction(ctx context.Context, signature string) (TxRecord, error)
	ListTransactions(ctx context.Context, user string, limit int) ([]TxRecord, error)
	ListTransactionsByStatus(ctx context.Context, status TxStatus, limit int) ([]TxRecord, error)

	// WithPosition runs fn with the (vaultID, user) position locked. If fn
	// returns an error every write made through the PositionTx is discarded.
	// Returns ErrNotFound if the vault does not exist.
	WithPosition(ctx context.Context, vaultID, user string, fn func(tx PositionTx) error) error

	EnsureUser(ctx context.Context, address string) (User, error)
	FindPaymentByProof(ctx context.Context, proofID string) (Payment, error)
	// RecordPayment stores p and, when g is non-nil, the grant it paid for,
	// atomically. A reused ProofID yields ErrDuplicate.
	RecordPayment(ctx context.Context, p Payment, g *AccessGrant) (Payment, error)
	MarkPaymentSettled(ctx context.Context, paymentID, settlementTx string) error
	// ActiveGrant returns the live grant with the latest expiry for the
	// user and resource, or ErrNotFound.
	ActiveGrant(ctx context.Context, userAddress, resource string, now time.Time) (AccessGrant, error)

	Close() error
}

// PositionTx is the locked view handed to WithPosition callbacks.
type PositionTx interface {
	Vault() Vault
	// Position returns the current row; ok is false when the pair has no
	// position yet.
	Position() (p Position, ok bool)
	FindTransaction(ctx context.Context, signature string) (TxRecord, error)
	// PendingTransactions lists this position's records in StatusPending.
	PendingTransactions(ctx context.Context) ([]TxRecord, error)
	SavePosition(ctx context.Context, p Position) error
	// AddTVL adjusts the vault's TVL by delta. Positive deltas are admitted
	// only if TVL+delta <= MaxTVL (ErrCapacity otherwise).
	AddTVL(ctx context.Context, delta decimal.Decimal) error
	AppendTransaction(ctx context.Context, rec TxRecord) error
	SetTransactionStatus(ctx context.Context, signature string, status TxStatus) error
}

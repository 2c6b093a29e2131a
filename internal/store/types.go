// Package store defines the ledger's persisted state and the Store contract.
// It is the only owner of vaults, positions, transaction records, users,
// payments and access grants.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vault is one yield strategy with its own treasury.
type Vault struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	APYMin          decimal.Decimal `json:"apyMin"`
	APYMax          decimal.Decimal `json:"apyMax"`
	MaxTVL          decimal.Decimal `json:"maxTvl"`
	MaxPerUser      decimal.Decimal `json:"maxPerUser"`
	TVL             decimal.Decimal `json:"tvl"`
	TreasuryAddress string          `json:"treasuryAddress"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Position is a user's stake in one vault.
//
// AccruedRewards holds rewards folded in when principal last changed;
// AccrualCheckpoint is the instant accrual on DepositAmount resumes from.
type Position struct {
	VaultID           string          `json:"vaultId"`
	UserAddress       string          `json:"userAddress"`
	DepositAmount     decimal.Decimal `json:"depositAmount"`
	LastClaimAt       time.Time       `json:"lastClaimAt"`
	TotalClaimed      decimal.Decimal `json:"totalClaimed"`
	AccruedRewards    decimal.Decimal `json:"accruedRewards"`
	AccrualCheckpoint time.Time       `json:"accrualCheckpoint"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Drained reports whether the position holds no principal.
func (p Position) Drained() bool { return !p.DepositAmount.IsPositive() }

type TxType string

const (
	TxDeposit    TxType = "deposit"
	TxWithdrawal TxType = "withdrawal"
	TxFee        TxType = "fee"
	TxClaim      TxType = "claim"
	TxRefund     TxType = "refund"
)

type TxStatus string

const (
	StatusConfirmed TxStatus = "confirmed"
	StatusPending   TxStatus = "pending"
	StatusFailed    TxStatus = "failed"
	StatusRejected  TxStatus = "rejected" // deposit seen on-chain but refused for capacity
	StatusRefunded  TxStatus = "refunded"
)

// TxRecord is an append-only audit entry. Signature is the on-chain tx hash
// and is unique across all records.
type TxRecord struct {
	ID               string          `json:"id"`
	VaultID          string          `json:"vaultId"`
	UserAddress      string          `json:"userAddress"`
	Type             TxType          `json:"type"`
	Status           TxStatus        `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	Signature        string          `json:"signature"`
	RelatedSignature string          `json:"relatedSignature,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// User is identified by wallet address (lowercase hex).
type User struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

type AccessType string

const (
	AccessHuman AccessType = "human"
	AccessAgent AccessType = "agent"
)

type PaymentStatus string

const (
	PaymentVerified PaymentStatus = "verified"
	PaymentSettled  PaymentStatus = "settled"
)

// Payment is one verified x402 payment. ProofID is unique.
type Payment struct {
	ID           string          `json:"id"`
	ProofID      string          `json:"proofId"`
	UserID       string          `json:"userId"`
	PayerAddress string          `json:"payerAddress"`
	Resource     string          `json:"resource"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	AccessType   AccessType      `json:"accessType"`
	Status       PaymentStatus   `json:"status"`
	SettlementTx string          `json:"settlementTx,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// AccessGrant is a time-boxed permission created by a payment.
type AccessGrant struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Resource  string    `json:"resource"`
	PaymentID string    `json:"paymentId"`
	GrantedAt time.Time `json:"grantedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Active    bool      `json:"active"`
}

// Live reports whether the grant gates access at now.
func (g AccessGrant) Live(now time.Time) bool {
	return g.Active && now.Before(g.ExpiresAt)
}

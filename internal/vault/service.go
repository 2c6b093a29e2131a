// Package vault is the ledger service: it verifies deposits against the
// chain, pays out withdrawals and reward claims through the treasury, and
// keeps positions and vault TVL consistent with what actually moved on chain.
package vault

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/accrual"
	"github.com/stratafi/vault-engine/internal/chain"
	"github.com/stratafi/vault-engine/internal/metrics"
	"github.com/stratafi/vault-engine/internal/store"
	"github.com/stratafi/vault-engine/internal/treasury"
)

// ChainReader looks up transactions. *chain.Client satisfies it.
type ChainReader interface {
	GetTransaction(ctx context.Context, hash common.Hash) (*chain.TxStatus, error)
}

// Treasury moves funds out of vault treasuries. *treasury.Treasury satisfies it.
type Treasury interface {
	Balance(ctx context.Context, vaultID string) (decimal.Decimal, error)
	Disburse(ctx context.Context, vaultID string, recipient common.Address, gross, feePercent decimal.Decimal, feeRecipient common.Address) (*treasury.Result, error)
	DisburseReward(ctx context.Context, vaultID string, recipient common.Address, amount decimal.Decimal) (*treasury.Result, error)
}

type Options struct {
	Token        common.Address
	Decimals     int32
	FeePercent   decimal.Decimal
	FeeRecipient common.Address
	MinClaim     decimal.Decimal
	// PendingGrace is how long a broadcast payout may stay unknown to the
	// node before it is considered dropped.
	PendingGrace time.Duration
	Clock        accrual.Clock
	Metrics      *metrics.Metrics
}

type Service struct {
	store    store.Store
	chain    ChainReader
	treasury Treasury
	opts     Options
	clock    accrual.Clock
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(st store.Store, cr ChainReader, tr Treasury, o Options, log *zap.Logger) *Service {
	if o.Clock == nil {
		o.Clock = accrual.SystemClock{}
	}
	if o.PendingGrace == 0 {
		o.PendingGrace = 10 * time.Minute
	}
	return &Service{
		store:    st,
		chain:    cr,
		treasury: tr,
		opts:     o,
		clock:    o.Clock,
		metrics:  o.Metrics,
		log:      log,
	}
}

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// normalizeAddress validates a hex address and returns its lowercase form,
// which is how users are keyed in the store.
func normalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", invalid("userAddress %q is not a valid address", s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

func (s *Service) checkAmount(name string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid("%s must be positive", name)
	}
	if !amount.Equal(accrual.TruncateToToken(amount, s.opts.Decimals)) {
		return invalid("%s has more than %d decimal places", name, s.opts.Decimals)
	}
	return nil
}

func (s *Service) vault(ctx context.Context, id string) (store.Vault, error) {
	v, err := s.store.GetVault(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Vault{}, ErrVaultNotFound
	}
	return v, err
}

// fold moves accrual earned on the current principal into AccruedRewards and
// restarts the clock at now. Called before every principal change.
func (s *Service) fold(p *store.Position, v store.Vault, now time.Time) {
	if p.DepositAmount.IsPositive() && now.After(p.AccrualCheckpoint) {
		rate := accrual.PublishedRate(v.APYMin, v.APYMax, now)
		earned := accrual.PendingRewards(p.DepositAmount, rate, now.Sub(p.AccrualCheckpoint))
		p.AccruedRewards = p.AccruedRewards.Add(earned)
	}
	if now.After(p.AccrualCheckpoint) {
		p.AccrualCheckpoint = now
	}
}

// owed is what a claim at now would pay, before truncation.
func (s *Service) owed(p store.Position, v store.Vault, now time.Time) decimal.Decimal {
	s.fold(&p, v, now)
	return p.AccruedRewards
}

// ── Queries ───────────────────────────────────────────────────────────────────

// VaultView is a vault as published to clients.
type VaultView struct {
	store.Vault
	CurrentAPY      decimal.Decimal  `json:"currentApy"`
	CapacityPercent decimal.Decimal  `json:"capacityPercent"`
	VaultBalance    *decimal.Decimal `json:"vaultBalance,omitempty"`
}

func capacityPercent(v store.Vault) decimal.Decimal {
	if !v.MaxTVL.IsPositive() {
		return decimal.Zero
	}
	return v.TVL.Div(v.MaxTVL).Mul(decimal.NewFromInt(100)).Round(2)
}

// ListVaults returns every vault with its current published rate. The
// on-chain treasury balance is best-effort and omitted when the read fails.
func (s *Service) ListVaults(ctx context.Context) ([]VaultView, error) {
	vaults, err := s.store.ListVaults(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]VaultView, 0, len(vaults))
	for _, v := range vaults {
		view := VaultView{
			Vault:           v,
			CurrentAPY:      accrual.PublishedRate(v.APYMin, v.APYMax, now),
			CapacityPercent: capacityPercent(v),
		}
		if s.treasury != nil {
			bctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			bal, err := s.treasury.Balance(bctx, v.ID)
			cancel()
			if err != nil {
				s.log.Debug("vault balance unavailable", zap.String("vault", v.ID), zap.Error(err))
			} else {
				view.VaultBalance = &bal
			}
		}
		out = append(out, view)
	}
	return out, nil
}

// PositionView is a position with its live accrual.
type PositionView struct {
	store.Position
	VaultName      string          `json:"vaultName"`
	CurrentAPY     decimal.Decimal `json:"currentApy"`
	PendingRewards decimal.Decimal `json:"pendingRewards"`
}

type UserSummary struct {
	UserAddress    string           `json:"userAddress"`
	Positions      []PositionView   `json:"positions"`
	TotalDeposited decimal.Decimal  `json:"totalDeposited"`
	TotalPending   decimal.Decimal  `json:"totalPending"`
	TotalClaimed   decimal.Decimal  `json:"totalClaimed"`
	Transactions   []store.TxRecord `json:"transactions"`
}

const historyLimit = 50

// UserSummary reports a wallet's positions, totals and recent history.
func (s *Service) UserSummary(ctx context.Context, address string) (*UserSummary, error) {
	user, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx, user)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.ListTransactions(ctx, user, historyLimit)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sum := &UserSummary{
		UserAddress:  user,
		Positions:    make([]PositionView, 0, len(positions)),
		Transactions: txs,
	}
	if sum.Transactions == nil {
		sum.Transactions = []store.TxRecord{}
	}
	for _, p := range positions {
		v, err := s.store.GetVault(ctx, p.VaultID)
		if err != nil {
			return nil, err
		}
		pending := accrual.TruncateToToken(s.owed(p, v, now), s.opts.Decimals)
		sum.Positions = append(sum.Positions, PositionView{
			Position:       p,
			VaultName:      v.Name,
			CurrentAPY:     accrual.PublishedRate(v.APYMin, v.APYMax, now),
			PendingRewards: pending,
		})
		sum.TotalDeposited = sum.TotalDeposited.Add(p.DepositAmount)
		sum.TotalPending = sum.TotalPending.Add(pending)
		sum.TotalClaimed = sum.TotalClaimed.Add(p.TotalClaimed)
	}
	return sum, nil
}

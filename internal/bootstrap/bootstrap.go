// Package bootstrap turns configuration into the engine's components. The
// server and the operator CLIs share it.
package bootstrap

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/chain"
	"github.com/stratafi/vault-engine/internal/config"
	"github.com/stratafi/vault-engine/internal/keystore"
	"github.com/stratafi/vault-engine/internal/payment"
	"github.com/stratafi/vault-engine/internal/store"
	"github.com/stratafi/vault-engine/internal/store/postgres"
	"github.com/stratafi/vault-engine/internal/treasury"
	"github.com/stratafi/vault-engine/internal/vault"
	"github.com/stratafi/vault-engine/internal/x402"
)

// OpenStore opens the configured ledger backend.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn("using the in-memory ledger; all state is lost on restart")
		return store.NewMemory(), nil
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, log)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %q is not a number", field, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

// VaultFromSeed validates an operator vault definition.
func VaultFromSeed(s config.VaultSeed) (store.Vault, error) {
	v := store.Vault{ID: s.ID, Name: s.Name, Description: s.Description}
	if v.Name == "" {
		v.Name = s.ID
	}
	var err error
	if v.APYMin, err = parseAmount("apy_min", s.APYMin); err != nil {
		return store.Vault{}, fmt.Errorf("vault %s: %w", s.ID, err)
	}
	if v.APYMax, err = parseAmount("apy_max", s.APYMax); err != nil {
		return store.Vault{}, fmt.Errorf("vault %s: %w", s.ID, err)
	}
	if v.MaxTVL, err = parseAmount("max_tvl", s.MaxTVL); err != nil {
		return store.Vault{}, fmt.Errorf("vault %s: %w", s.ID, err)
	}
	if v.MaxPerUser, err = parseAmount("max_per_user", s.MaxPerUser); err != nil {
		return store.Vault{}, fmt.Errorf("vault %s: %w", s.ID, err)
	}
	switch {
	case v.APYMin.GreaterThan(v.APYMax):
		return store.Vault{}, fmt.Errorf("vault %s: apy_min %s above apy_max %s", s.ID, v.APYMin, v.APYMax)
	case !v.MaxTVL.IsPositive():
		return store.Vault{}, fmt.Errorf("vault %s: max_tvl must be positive", s.ID)
	case !v.MaxPerUser.IsPositive():
		return store.Vault{}, fmt.Errorf("vault %s: max_per_user must be positive", s.ID)
	case !common.IsHexAddress(s.TreasuryAddress):
		return store.Vault{}, fmt.Errorf("vault %s: invalid treasury_address %q", s.ID, s.TreasuryAddress)
	}
	v.TreasuryAddress = strings.ToLower(common.HexToAddress(s.TreasuryAddress).Hex())
	return v, nil
}

// SeedVaults upserts every configured vault. Existing TVL is untouched.
func SeedVaults(ctx context.Context, st store.Store, seeds []config.VaultSeed, log *zap.Logger) error {
	for _, s := range seeds {
		v, err := VaultFromSeed(s)
		if err != nil {
			return err
		}
		if err := st.UpsertVault(ctx, v); err != nil {
			return fmt.Errorf("seed vault %s: %w", v.ID, err)
		}
		log.Info("vault seeded",
			zap.String("vault", v.ID),
			zap.String("apy", v.APYMin.String()+"-"+v.APYMax.String()),
			zap.String("max_tvl", v.MaxTVL.String()),
		)
	}
	return nil
}

// TreasuryAddresses maps vault ID to the treasury address deposits go to.
func TreasuryAddresses(seeds []config.VaultSeed) map[string]common.Address {
	out := make(map[string]common.Address, len(seeds))
	for _, s := range seeds {
		if common.IsHexAddress(s.TreasuryAddress) {
			out[s.ID] = common.HexToAddress(s.TreasuryAddress)
		}
	}
	return out
}

// NewTreasury loads the signing keys and builds the treasury. A key whose
// address is not the vault's configured treasury is refused, since deposits
// would land somewhere withdrawals cannot pay from.
func NewTreasury(ctx context.Context, cfg *config.Config, c *chain.Client, log *zap.Logger) (*treasury.Treasury, *keystore.Set, error) {
	keys, err := keystore.Load(ctx, cfg.Treasury, log)
	if err != nil {
		return nil, nil, fmt.Errorf("load treasury keys: %w", err)
	}
	addrs := TreasuryAddresses(cfg.Vaults)
	for id, s := range keys.Vaults {
		want, ok := addrs[id]
		if !ok {
			log.Warn("treasury key for unknown vault", zap.String("vault", id))
			continue
		}
		if s.Address() != want {
			keys.Close() //nolint:errcheck
			return nil, nil, fmt.Errorf("vault %s: key address %s is not treasury %s", id, s.Address().Hex(), want.Hex())
		}
	}
	tr := treasury.New(c, keys, treasury.Options{
		Decimals:       cfg.Chain.TokenDecimals,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		Addresses:      addrs,
	}, log)
	return tr, keys, nil
}

// VaultOptions reads the ledger's fee and claim settings.
func VaultOptions(cfg *config.Config) (vault.Options, error) {
	fee, err := parseAmount("fee_percent", cfg.Vault.FeePercent)
	if err != nil {
		return vault.Options{}, err
	}
	if fee.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return vault.Options{}, fmt.Errorf("fee_percent: %s is not below 100", fee)
	}
	minClaim, err := parseAmount("min_claim", cfg.Vault.MinClaim)
	if err != nil {
		return vault.Options{}, err
	}
	if !common.IsHexAddress(cfg.Vault.FeeRecipient) {
		return vault.Options{}, fmt.Errorf("fee_recipient: invalid address %q", cfg.Vault.FeeRecipient)
	}
	return vault.Options{
		Token:        common.HexToAddress(cfg.Chain.TokenAddress),
		Decimals:     cfg.Chain.TokenDecimals,
		FeePercent:   fee,
		FeeRecipient: common.HexToAddress(cfg.Vault.FeeRecipient),
		MinClaim:     minClaim,
	}, nil
}

// PaymentOptions derives the gate's token domain from the chain settings.
func PaymentOptions(cfg *config.Config) payment.Options {
	return payment.Options{
		Network: cfg.Payment.Network,
		Domain: x402.Domain{
			Name:              cfg.Payment.TokenName,
			Version:           cfg.Payment.TokenVersion,
			ChainID:           big.NewInt(cfg.Chain.ChainID),
			VerifyingContract: common.HexToAddress(cfg.Chain.TokenAddress),
		},
		Decimals:          cfg.Chain.TokenDecimals,
		CheckPayerBalance: cfg.Payment.CheckPayerBalance,
	}
}

// Resources builds the gated resources. Every one of them serves content.
func Resources(cfg config.PaymentConfig, content payment.ContentFunc) ([]payment.Resource, error) {
	out := make([]payment.Resource, 0, len(cfg.Resources))
	for _, rc := range cfg.Resources {
		price, err := decimal.NewFromString(rc.Price)
		if err != nil {
			return nil, fmt.Errorf("resource %s: price %q is not a number", rc.Name, rc.Price)
		}
		if !common.IsHexAddress(rc.PayTo) {
			return nil, fmt.Errorf("resource %s: invalid pay_to %q", rc.Name, rc.PayTo)
		}
		hours := rc.AccessHours
		if hours == 0 {
			hours = 24
		}
		currency := rc.Currency
		if currency == "" {
			currency = "USDC"
		}
		out = append(out, payment.Resource{
			Name:        rc.Name,
			Description: rc.Description,
			Price:       price,
			Currency:    currency,
			PayTo:       common.HexToAddress(rc.PayTo),
			AccessTTL:   time.Duration(hours) * time.Hour,
			MaxTimeout:  time.Duration(rc.MaxTimeoutSec) * time.Second,
			Content:     content,
		})
	}
	return out, nil
}

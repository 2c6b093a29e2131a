package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/config"
	"github.com/stratafi/vault-engine/internal/store"
)

const treasuryHex = "0x2222222222222222222222222222222222222222"

func seed() config.VaultSeed {
	return config.VaultSeed{
		ID:              "stable",
		Name:            "Stable Yield",
		APYMin:          "5",
		APYMax:          "9.5",
		MaxTVL:          "1000000",
		MaxPerUser:      "50000",
		TreasuryAddress: treasuryHex,
	}
}

func TestVaultFromSeed(t *testing.T) {
	v, err := VaultFromSeed(seed())
	require.NoError(t, err)
	assert.True(t, v.APYMax.Equal(decimal.RequireFromString("9.5")))
	assert.Equal(t, treasuryHex, v.TreasuryAddress)

	bad := map[string]func(*config.VaultSeed){
		"apy not a number":  func(s *config.VaultSeed) { s.APYMin = "five" },
		"apy range reverse": func(s *config.VaultSeed) { s.APYMin = "10" },
		"negative cap":      func(s *config.VaultSeed) { s.MaxTVL = "-1" },
		"zero cap":          func(s *config.VaultSeed) { s.MaxTVL = "0" },
		"zero per user":     func(s *config.VaultSeed) { s.MaxPerUser = "0" },
		"bad treasury":      func(s *config.VaultSeed) { s.TreasuryAddress = "vault" },
	}
	for name, mutate := range bad {
		t.Run(name, func(t *testing.T) {
			s := seed()
			mutate(&s)
			_, err := VaultFromSeed(s)
			assert.Error(t, err)
		})
	}
}

func TestSeedVaultsKeepsTVL(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, SeedVaults(ctx, st, []config.VaultSeed{seed()}, zap.NewNop()))
	require.NoError(t, st.WithPosition(ctx, "stable", "0xaa", func(tx store.PositionTx) error {
		return tx.AddTVL(ctx, decimal.NewFromInt(40))
	}))

	s := seed()
	s.APYMax = "12"
	require.NoError(t, SeedVaults(ctx, st, []config.VaultSeed{s}, zap.NewNop()))

	v, err := st.GetVault(ctx, "stable")
	require.NoError(t, err)
	assert.True(t, v.APYMax.Equal(decimal.NewFromInt(12)))
	assert.True(t, v.TVL.Equal(decimal.NewFromInt(40)))
}

func TestOpenStoreMemory(t *testing.T) {
	st, err := OpenStore(context.Background(), config.DatabaseConfig{Driver: "memory"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)

	_, err = OpenStore(context.Background(), config.DatabaseConfig{Driver: "sqlite"}, zap.NewNop())
	assert.Error(t, err)
}

func TestVaultOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.Chain.TokenDecimals = 6
	cfg.Chain.TokenAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	cfg.Vault = config.VaultConfig{FeePercent: "1.5", MinClaim: "0.01", FeeRecipient: treasuryHex}

	o, err := VaultOptions(cfg)
	require.NoError(t, err)
	assert.True(t, o.FeePercent.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, common.HexToAddress(treasuryHex), o.FeeRecipient)

	cfg.Vault.FeePercent = "100"
	_, err = VaultOptions(cfg)
	assert.Error(t, err)

	cfg.Vault.FeePercent = "1"
	cfg.Vault.FeeRecipient = ""
	_, err = VaultOptions(cfg)
	assert.Error(t, err)
}

func TestResources(t *testing.T) {
	rs, err := Resources(config.PaymentConfig{Resources: []config.ResourceConfig{
		{Name: "analytics", Price: "0.10", PayTo: treasuryHex},
		{Name: "report", Price: "2", PayTo: treasuryHex, Currency: "EURC", AccessHours: 1, MaxTimeoutSec: 60},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, 24*time.Hour, rs[0].AccessTTL)
	assert.Equal(t, "USDC", rs[0].Currency)
	assert.Equal(t, time.Hour, rs[1].AccessTTL)
	assert.Equal(t, time.Minute, rs[1].MaxTimeout)

	_, err = Resources(config.PaymentConfig{Resources: []config.ResourceConfig{{Name: "x", Price: "free", PayTo: treasuryHex}}}, nil)
	assert.Error(t, err)
}

func TestPaymentOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.Chain.ChainID = 8453
	cfg.Chain.TokenAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	cfg.Chain.TokenDecimals = 6
	cfg.Payment = config.PaymentConfig{Network: "base", TokenName: "USD Coin", TokenVersion: "2"}

	o := PaymentOptions(cfg)
	assert.Equal(t, int64(8453), o.Domain.ChainID.Int64())
	assert.Equal(t, common.HexToAddress(cfg.Chain.TokenAddress), o.Domain.VerifyingContract)
	assert.Equal(t, int32(6), o.Decimals)
}

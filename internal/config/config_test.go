package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RPC_URL", "http://127.0.0.1:8545")
	t.Setenv("CHAIN_ID", "8453")
	t.Setenv("USDC_ADDRESS", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	t.Setenv("FEE_RECIPIENT", "0x1111111111111111111111111111111111111111")
	t.Setenv("FACILITATOR_URL", "http://facilitator.local")
	t.Setenv("DB_DRIVER", "memory")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port: got %d want 8080", cfg.Server.Port)
	}
	if cfg.Chain.TokenDecimals != 6 {
		t.Errorf("token decimals: got %d want 6", cfg.Chain.TokenDecimals)
	}
	if cfg.Chain.ConfirmTimeout != 90*time.Second {
		t.Errorf("confirm timeout: got %s", cfg.Chain.ConfirmTimeout)
	}
	if cfg.Vault.FeePercent != "1.5" {
		t.Errorf("fee percent: got %q", cfg.Vault.FeePercent)
	}
	if !cfg.Auth.Enabled {
		t.Error("wallet auth should default to enabled")
	}
	if cfg.Settler.MaxAttempts != 5 {
		t.Errorf("settler attempts: got %d", cfg.Settler.MaxAttempts)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9191")
	t.Setenv("WITHDRAW_FEE_PERCENT", "2")
	t.Setenv("WALLET_AUTH_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port: got %d want 9191", cfg.Server.Port)
	}
	if cfg.Vault.FeePercent != "2" {
		t.Errorf("fee percent: got %q want 2", cfg.Vault.FeePercent)
	}
	if cfg.Auth.Enabled {
		t.Error("WALLET_AUTH_ENABLED=false not applied")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FACILITATOR_URL", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "FACILITATOR_URL") {
		t.Fatalf("expected missing FACILITATOR_URL error, got %v", err)
	}
}

func TestLoad_PostgresNeedsDSN(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected missing DATABASE_URL error, got %v", err)
	}
}

func TestLoad_UnknownDriver(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DB_DRIVER", "sqlite")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

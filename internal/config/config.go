package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Treasury TreasuryConfig
	Vault    VaultConfig
	Payment  PaymentConfig
	Settler  SettlerConfig
	Auth     AuthConfig
	Vaults   []VaultSeed `mapstructure:"vaults"`
}

type ServerConfig struct {
	Port         int     `mapstructure:"port"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
	RateBurst    int     `mapstructure:"rate_burst"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "postgres" | "memory"
	DSN    string `mapstructure:"dsn"`
}

type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	TokenAddress   string        `mapstructure:"token_address"`
	TokenDecimals  int32         `mapstructure:"token_decimals"`
	Confirmations  uint64        `mapstructure:"confirmations"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// KeyConfig selects a keystore backend for one signing identity.
type KeyConfig struct {
	Backend       string `mapstructure:"backend"`         // "env" | "remote"
	PrivateKeyEnv string `mapstructure:"private_key_env"` // env backend: variable holding the hex key
	KeyID         string `mapstructure:"key_id"`          // remote backend
}

type TreasuryConfig struct {
	Keys         map[string]KeyConfig `mapstructure:"keys"` // by vault ID
	RewardsKey   *KeyConfig           `mapstructure:"rewards_key"`
	RemoteTarget string               `mapstructure:"remote_target"`
}

type VaultConfig struct {
	FeePercent        string        `mapstructure:"fee_percent"`
	FeeRecipient      string        `mapstructure:"fee_recipient"`
	MinClaim          string        `mapstructure:"min_claim"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// ResourceConfig describes one pay-per-use resource.
type ResourceConfig struct {
	Name          string `mapstructure:"name"`
	Description   string `mapstructure:"description"`
	Price         string `mapstructure:"price"`
	Currency      string `mapstructure:"currency"`
	PayTo         string `mapstructure:"pay_to"`
	AccessHours   int    `mapstructure:"access_hours"`
	MaxTimeoutSec int    `mapstructure:"max_timeout_sec"`
}

type PaymentConfig struct {
	FacilitatorURL    string           `mapstructure:"facilitator_url"`
	Network           string           `mapstructure:"network"`
	TokenName         string           `mapstructure:"token_name"`
	TokenVersion      string           `mapstructure:"token_version"`
	CheckPayerBalance bool             `mapstructure:"check_payer_balance"`
	Resources         []ResourceConfig `mapstructure:"resources"`
}

type SettlerConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	PopTimeout  time.Duration `mapstructure:"pop_timeout"`
}

type AuthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// VaultSeed is an operator-defined vault upserted at startup.
type VaultSeed struct {
	ID              string `mapstructure:"id"`
	Name            string `mapstructure:"name"`
	Description     string `mapstructure:"description"`
	APYMin          string `mapstructure:"apy_min"`
	APYMax          string `mapstructure:"apy_max"`
	MaxTVL          string `mapstructure:"max_tvl"`
	MaxPerUser      string `mapstructure:"max_per_user"`
	TreasuryAddress string `mapstructure:"treasury_address"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 5.0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("chain.token_decimals", 6)
	v.SetDefault("chain.confirmations", 1)
	v.SetDefault("chain.read_timeout", 10*time.Second)
	v.SetDefault("chain.confirm_timeout", 90*time.Second)
	v.SetDefault("treasury.remote_target", "127.0.0.1:9090")
	v.SetDefault("vault.fee_percent", "1.5")
	v.SetDefault("vault.min_claim", "0.01")
	v.SetDefault("vault.reconcile_interval", time.Minute)
	v.SetDefault("payment.network", "base")
	v.SetDefault("payment.token_name", "USD Coin")
	v.SetDefault("payment.token_version", "2")
	v.SetDefault("settler.max_attempts", 5)
	v.SetDefault("settler.retry_delay", 5*time.Second)
	v.SetDefault("settler.pop_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", true)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                 "PORT",
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"database.driver":             "DB_DRIVER",
		"database.dsn":                "DATABASE_URL",
		"chain.rpc_url":               "RPC_URL",
		"chain.chain_id":              "CHAIN_ID",
		"chain.token_address":         "USDC_ADDRESS",
		"chain.confirmations":         "CONFIRMATIONS",
		"treasury.remote_target":      "KEYSTORE_TARGET",
		"vault.fee_percent":           "WITHDRAW_FEE_PERCENT",
		"vault.fee_recipient":         "FEE_RECIPIENT",
		"vault.min_claim":             "MIN_CLAIM",
		"payment.facilitator_url":     "FACILITATOR_URL",
		"payment.network":             "X402_NETWORK",
		"payment.check_payer_balance": "X402_CHECK_PAYER_BALANCE",
		"auth.enabled":                "WALLET_AUTH_ENABLED",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.TokenAddress, "USDC_ADDRESS"},
		{c.Vault.FeeRecipient, "FEE_RECIPIENT"},
		{c.Payment.FacilitatorURL, "FACILITATOR_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("required config missing: DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	for i, r := range c.Payment.Resources {
		if r.Name == "" || r.Price == "" || r.PayTo == "" {
			return fmt.Errorf("payment.resources[%d]: name, price and pay_to are required", i)
		}
	}
	for _, s := range c.Vaults {
		if s.ID == "" || s.TreasuryAddress == "" {
			return fmt.Errorf("vault seed: id and treasury_address are required")
		}
	}
	return nil
}

// Package keystore provides the signing identities that move funds out of
// vault treasuries. Callers only ever see an address and a SignTx method;
// where the private key lives is up to the backend.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/stratafi/vault-engine/internal/config"
)

// ErrUnavailable means the key could not be loaded or the signing backend
// could not be reached.
var ErrUnavailable = errors.New("signer unavailable")

type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ── Local key ─────────────────────────────────────────────────────────────────

type keySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// FromKey wraps an in-memory secp256k1 key.
func FromKey(key *ecdsa.PrivateKey) Signer {
	return &keySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// FromEnv loads a hex private key (with or without 0x) from the named
// environment variable.
func FromEnv(name string) (Signer, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(os.Getenv(name)), "0x")
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrUnavailable, name)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("%w: %s must be a 32-byte hex string (got %d chars)", ErrUnavailable, name, len(raw))
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrUnavailable, name, err)
	}
	return FromKey(key), nil
}

func (s *keySigner) Address() common.Address { return s.addr }

func (s *keySigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// ── Set ───────────────────────────────────────────────────────────────────────

// Set holds the treasury signers resolved at startup.
type Set struct {
	Vaults  map[string]Signer
	Rewards Signer // nil when claims are paid from the vault key
	conn    *grpc.ClientConn
}

// Load resolves every configured key. The remote key service is dialled
// lazily, once, and only if some key uses it. A key that fails to load is
// logged and left out so that other vaults keep working; disbursing from
// that vault then fails with ErrUnavailable.
func Load(ctx context.Context, cfg config.TreasuryConfig, log *zap.Logger) (*Set, error) {
	set := &Set{Vaults: make(map[string]Signer)}

	resolve := func(kc config.KeyConfig) (Signer, error) {
		switch kc.Backend {
		case "", "env":
			return FromEnv(kc.PrivateKeyEnv)
		case "remote":
			if set.conn == nil {
				conn, err := Dial(cfg.RemoteTarget)
				if err != nil {
					return nil, err
				}
				set.conn = conn
			}
			return NewRemote(ctx, set.conn, kc.KeyID)
		default:
			return nil, fmt.Errorf("unknown keystore backend %q", kc.Backend)
		}
	}

	for vaultID, kc := range cfg.Keys {
		s, err := resolve(kc)
		if err != nil {
			log.Error("treasury key unavailable", zap.String("vault", vaultID), zap.Error(err))
			continue
		}
		set.Vaults[vaultID] = s
		log.Info("treasury key loaded",
			zap.String("vault", vaultID),
			zap.String("backend", kc.Backend),
			zap.String("address", s.Address().Hex()),
		)
	}

	if cfg.RewardsKey != nil {
		s, err := resolve(*cfg.RewardsKey)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("rewards key: %w", err)
		}
		set.Rewards = s
		log.Info("rewards key loaded", zap.String("address", s.Address().Hex()))
	}
	return set, nil
}

// Close releases the remote key service connection, if any.
func (s *Set) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Package payment is the x402 payment gate: it challenges requests for a
// premium resource, verifies and records the payment proof a client sends
// back, and hands out time-boxed access grants.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/accrual"
	"github.com/stratafi/vault-engine/internal/chain"
	"github.com/stratafi/vault-engine/internal/facilitator"
	"github.com/stratafi/vault-engine/internal/metrics"
	"github.com/stratafi/vault-engine/internal/settler"
	"github.com/stratafi/vault-engine/internal/store"
	"github.com/stratafi/vault-engine/internal/x402"
)

// Facilitator verifies and settles proofs. *facilitator.Client satisfies it.
type Facilitator interface {
	Verify(ctx context.Context, pl x402.PaymentPayload, req x402.Requirements) (*facilitator.VerifyResponse, error)
	Settle(ctx context.Context, pl x402.PaymentPayload, req x402.Requirements) (*facilitator.SettleResponse, error)
}

// SettleQueue takes payments whose settlement must be retried later.
type SettleQueue interface {
	Enqueue(ctx context.Context, j settler.Job) error
}

// BalanceReader reads a payer's token balance. *chain.Client satisfies it.
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// ContentFunc produces the payload a successful unlock returns.
type ContentFunc func(ctx context.Context) (any, error)

// Resource is one gated resource and its price.
type Resource struct {
	Name        string
	Description string
	Price       decimal.Decimal
	Currency    string
	PayTo       common.Address
	AccessTTL   time.Duration
	MaxTimeout  time.Duration
	Content     ContentFunc
}

type Options struct {
	Network string
	// Domain is the payment token's EIP-712 domain; its VerifyingContract
	// is the asset.
	Domain            x402.Domain
	Decimals          int32
	BasePath          string
	CheckPayerBalance bool
	SettleTimeout     time.Duration
	Clock             accrual.Clock
	Metrics           *metrics.Metrics
}

type Gate struct {
	store     store.Store
	fac       Facilitator
	queue     SettleQueue
	balances  BalanceReader
	resources map[string]Resource
	names     []string
	opts      Options
	clock     accrual.Clock
	log       *zap.Logger
}

func New(st store.Store, fac Facilitator, q SettleQueue, bal BalanceReader, resources []Resource, o Options, log *zap.Logger) (*Gate, error) {
	if o.Clock == nil {
		o.Clock = accrual.SystemClock{}
	}
	if o.BasePath == "" {
		o.BasePath = "/api/premium"
	}
	if o.SettleTimeout == 0 {
		o.SettleTimeout = 30 * time.Second
	}
	g := &Gate{
		store:     st,
		fac:       fac,
		queue:     q,
		balances:  bal,
		resources: make(map[string]Resource, len(resources)),
		opts:      o,
		clock:     o.Clock,
		log:       log,
	}
	for _, r := range resources {
		switch {
		case r.Name == "":
			return nil, errors.New("payment: resource without a name")
		case !r.Price.IsPositive() || !r.Price.Equal(r.Price.Truncate(o.Decimals)):
			return nil, fmt.Errorf("payment: resource %s: price %s is not a positive %d-decimal amount", r.Name, r.Price, o.Decimals)
		case r.PayTo == (common.Address{}):
			return nil, fmt.Errorf("payment: resource %s: missing pay_to", r.Name)
		case r.AccessTTL <= 0:
			return nil, fmt.Errorf("payment: resource %s: access duration must be positive", r.Name)
		}
		if _, dup := g.resources[r.Name]; dup {
			return nil, fmt.Errorf("payment: duplicate resource %s", r.Name)
		}
		if r.MaxTimeout <= 0 {
			r.MaxTimeout = 5 * time.Minute
		}
		g.resources[r.Name] = r
		g.names = append(g.names, r.Name)
	}
	return g, nil
}

func (g *Gate) resource(name string) (Resource, error) {
	r, ok := g.resources[name]
	if !ok {
		return Resource{}, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return r, nil
}

func (g *Gate) requirements(r Resource) x402.Requirements {
	return x402.Requirements{
		Scheme:            x402.SchemeExact,
		Network:           g.opts.Network,
		MaxAmountRequired: chain.ToBaseUnits(r.Price, g.opts.Decimals).String(),
		Resource:          g.opts.BasePath + "/" + r.Name,
		Description:       r.Description,
		MimeType:          "application/json",
		PayTo:             r.PayTo.Hex(),
		MaxTimeoutSeconds: int(r.MaxTimeout.Seconds()),
		Asset:             g.opts.Domain.VerifyingContract.Hex(),
		Extra:             x402.Extra{Name: g.opts.Domain.Name, Version: g.opts.Domain.Version},
	}
}

// Challenge builds the 402 body for resource. reason is empty for a plain
// challenge and names the rejection otherwise.
func (g *Gate) Challenge(resource, reason string) (*x402.Challenge, error) {
	r, err := g.resource(resource)
	if err != nil {
		return nil, err
	}
	return &x402.Challenge{
		X402Version: x402.Version,
		Error:       reason,
		Accepts:     []x402.Requirements{g.requirements(r)},
		Price:       r.Price.String(),
		Currency:    r.Currency,
		Decimals:    g.opts.Decimals,
		PayTo:       r.PayTo.Hex(),
	}, nil
}

// RequestShape tells clients how to submit a payment.
type RequestShape struct {
	Method        string            `json:"method"`
	PaymentHeader string            `json:"paymentHeader"`
	Body          map[string]string `json:"body"`
}

type ResourceDescription struct {
	*x402.Challenge
	Request RequestShape `json:"request"`
}

// Describe is the discovery answer for GET on a gated resource.
func (g *Gate) Describe(resource string) (*ResourceDescription, error) {
	ch, err := g.Challenge(resource, "")
	if err != nil {
		return nil, err
	}
	return &ResourceDescription{
		Challenge: ch,
		Request: RequestShape{
			Method:        "POST",
			PaymentHeader: x402.HeaderPayment,
			Body: map[string]string{
				"userAddress": "wallet address that receives access (defaults to the payer)",
				"accessType":  "human | agent",
			},
		},
	}, nil
}

// DiscoveryEntry is one resource in the well-known document.
type DiscoveryEntry struct {
	Resource    string  `json:"resource"`
	Path        string  `json:"path"`
	Description string  `json:"description"`
	Price       string  `json:"price"`
	Currency    string  `json:"currency"`
	Decimals    int32   `json:"decimals"`
	Recipient   string  `json:"recipient"`
	AccessHours float64 `json:"accessHours"`
}

type Discovery struct {
	X402Version int              `json:"x402Version"`
	Network     string           `json:"network"`
	Asset       string           `json:"asset"`
	Resources   []DiscoveryEntry `json:"resources"`
}

// Discovery lists every gated resource.
func (g *Gate) Discovery() Discovery {
	d := Discovery{
		X402Version: x402.Version,
		Network:     g.opts.Network,
		Asset:       g.opts.Domain.VerifyingContract.Hex(),
		Resources:   make([]DiscoveryEntry, 0, len(g.names)),
	}
	for _, name := range g.names {
		r := g.resources[name]
		d.Resources = append(d.Resources, DiscoveryEntry{
			Resource:    r.Name,
			Path:        g.opts.BasePath + "/" + r.Name,
			Description: r.Description,
			Price:       r.Price.String(),
			Currency:    r.Currency,
			Decimals:    g.opts.Decimals,
			Recipient:   r.PayTo.Hex(),
			AccessHours: r.AccessTTL.Hours(),
		})
	}
	return d
}

// AccessStatus answers an access check.
type AccessStatus struct {
	HasAccess      bool       `json:"hasAccess"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	RemainingHours *float64   `json:"remainingHours,omitempty"`
}

func normalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q is not a valid address", ErrInvalidInput, s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// CheckAccess reports whether user holds a live grant for resource.
func (g *Gate) CheckAccess(ctx context.Context, userAddress, resource string) (*AccessStatus, error) {
	user, err := normalizeAddress(userAddress)
	if err != nil {
		return nil, err
	}
	if _, err := g.resource(resource); err != nil {
		return nil, err
	}
	now := g.clock.Now()
	grant, err := g.store.ActiveGrant(ctx, user, resource, now)
	if errors.Is(err, store.ErrNotFound) {
		return &AccessStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	exp := grant.ExpiresAt
	hours := math.Round(exp.Sub(now).Hours()*100) / 100
	return &AccessStatus{HasAccess: true, ExpiresAt: &exp, RemainingHours: &hours}, nil
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/facilitator"
	"github.com/stratafi/vault-engine/internal/settler"
	"github.com/stratafi/vault-engine/internal/store"
	"github.com/stratafi/vault-engine/internal/x402"
)

// UnlockRequest is a POST to a gated resource.
type UnlockRequest struct {
	Resource string
	// UserAddress receives access; the payer when empty.
	UserAddress string
	AccessType  store.AccessType
	// Proof is the raw X-PAYMENT header.
	Proof string
}

type UnlockResult struct {
	Success       bool       `json:"success"`
	AccessGranted bool       `json:"accessGranted"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Charged       bool       `json:"charged"`
	PaymentID     string     `json:"paymentId,omitempty"`
	Data          any        `json:"data,omitempty"`

	// SettlementHeader is the X-PAYMENT-RESPONSE value, empty until the
	// payment is settled.
	SettlementHeader string `json:"-"`
}

// Unlock runs the payment flow for one request. The proof is always checked
// locally first. A live grant held by the payer is then honoured without
// charging; otherwise the proof goes to the facilitator, is recorded, and
// settled best-effort.
func (g *Gate) Unlock(ctx context.Context, req UnlockRequest) (*UnlockResult, error) {
	res, err := g.unlock(ctx, req)
	label := req.Resource
	if errors.Is(err, ErrUnknownResource) {
		label = "unknown"
	}
	g.opts.Metrics.Payment(label, unlockOutcome(res, err))
	return res, err
}

func (g *Gate) unlock(ctx context.Context, req UnlockRequest) (*UnlockResult, error) {
	r, err := g.resource(req.Resource)
	if err != nil {
		return nil, err
	}
	switch req.AccessType {
	case "":
		req.AccessType = store.AccessHuman
	case store.AccessHuman, store.AccessAgent:
	default:
		return nil, fmt.Errorf("%w: accessType must be human or agent", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Proof) == "" {
		return nil, ErrPaymentRequired
	}

	proof, err := x402.Decode(req.Proof)
	if err != nil {
		return nil, err
	}
	payer := strings.ToLower(proof.From.Hex())
	user := payer
	if req.UserAddress != "" {
		if user, err = normalizeAddress(req.UserAddress); err != nil {
			return nil, err
		}
	}
	now := g.clock.Now()

	// 1. The proof must pay this resource exactly and be signed by From.
	reqs := g.requirements(r)
	if err := g.checkProof(proof, r, now); err != nil {
		return nil, err
	}

	// 2. Already paid. Only the payer's own grant is honoured without a
	// charge; buying for someone else always pays.
	if user == payer {
		grant, err := g.store.ActiveGrant(ctx, payer, r.Name, now)
		switch {
		case err == nil:
			data, err := g.content(ctx, r)
			if err != nil {
				return nil, err
			}
			exp := grant.ExpiresAt
			return &UnlockResult{Success: true, AccessGranted: true, ExpiresAt: &exp, Data: data}, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	// 3. Replays, funds, facilitator.
	if _, err := g.store.FindPaymentByProof(ctx, proof.ID()); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrPaymentReplayed, proof.ID())
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if g.opts.CheckPayerBalance && g.balances != nil {
		bal, err := g.balances.BalanceOf(ctx, proof.From)
		if err != nil {
			g.log.Warn("payer balance check skipped", zap.String("payer", proof.From.Hex()), zap.Error(err))
		} else if bal.Cmp(proof.Value) < 0 {
			return nil, fmt.Errorf("%w: payer balance %s below %s", ErrPaymentInvalid, bal, proof.Value)
		}
	}
	if _, err := g.fac.Verify(ctx, proof.Payload, reqs); err != nil {
		if errors.Is(err, facilitator.ErrRejected) {
			return nil, fmt.Errorf("%w: %v", ErrPaymentInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, err)
	}

	data, err := g.content(ctx, r)
	if err != nil {
		return nil, err
	}

	// 4 + 6. Record the payment and what it bought together.
	u, err := g.store.EnsureUser(ctx, user)
	if err != nil {
		return nil, err
	}
	payment := store.Payment{
		ProofID:      proof.ID(),
		UserID:       u.ID,
		PayerAddress: payer,
		Resource:     r.Name,
		Amount:       r.Price,
		Currency:     r.Currency,
		AccessType:   req.AccessType,
		Status:       store.PaymentVerified,
		CreatedAt:    now,
	}
	var newGrant *store.AccessGrant
	if req.AccessType == store.AccessHuman {
		newGrant = &store.AccessGrant{
			UserID:    u.ID,
			Resource:  r.Name,
			GrantedAt: now,
			ExpiresAt: now.Add(r.AccessTTL),
			Active:    true,
		}
	}
	payment, err = g.store.RecordPayment(ctx, payment, newGrant)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentReplayed, proof.ID())
	}
	if err != nil {
		return nil, err
	}
	g.log.Info("payment verified",
		zap.String("resource", r.Name),
		zap.String("user", user),
		zap.String("payer", payment.PayerAddress),
		zap.String("proof", payment.ProofID),
		zap.String("access", string(req.AccessType)),
	)

	res := &UnlockResult{Success: true, Charged: true, PaymentID: payment.ID, Data: data}
	if newGrant != nil {
		res.AccessGranted = true
		res.ExpiresAt = &newGrant.ExpiresAt
	}

	// 5. Settlement never fails the request.
	res.SettlementHeader = g.settle(ctx, payment, proof, reqs)
	return res, nil
}

func (g *Gate) checkProof(p *x402.Proof, r Resource, now time.Time) error {
	if p.Network != g.opts.Network {
		return fmt.Errorf("%w: network %s, expected %s", ErrPaymentInvalid, p.Network, g.opts.Network)
	}
	if p.To != r.PayTo {
		return fmt.Errorf("%w: paid %s, expected %s", ErrInvalidRecipient, p.To.Hex(), r.PayTo.Hex())
	}
	if price := g.requirements(r).MaxAmountRequired; p.Value.String() != price {
		return fmt.Errorf("%w: paid %s, expected %s", ErrInvalidAmount, p.Value, price)
	}
	if err := p.CheckWindow(now); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentInvalid, err)
	}
	if err := p.VerifySignature(g.opts.Domain); err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentInvalid, err)
	}
	return nil
}

func (g *Gate) content(ctx context.Context, r Resource) (any, error) {
	if r.Content == nil {
		return nil, nil
	}
	return r.Content(ctx)
}

// settle broadcasts the payment through the facilitator. On failure the
// payment is queued for the settler. Returns the X-PAYMENT-RESPONSE value
// when settlement succeeded.
func (g *Gate) settle(ctx context.Context, p store.Payment, proof *x402.Proof, reqs x402.Requirements) string {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.SettleTimeout)
	defer cancel()

	out, err := g.fac.Settle(sctx, proof.Payload, reqs)
	if err != nil {
		g.log.Warn("settlement deferred",
			zap.String("payment", p.ID),
			zap.String("proof", p.ProofID),
			zap.Error(err),
		)
		g.opts.Metrics.Settlement("deferred")
		if g.queue == nil {
			return ""
		}
		job := settler.Job{PaymentID: p.ID, ProofID: p.ProofID, Payload: proof.Payload, Requirements: reqs, LastError: err.Error()}
		if err := g.queue.Enqueue(sctx, job); err != nil {
			g.log.Error("settlement not queued; payment stays verified",
				zap.String("payment", p.ID),
				zap.Error(err),
			)
		}
		return ""
	}

	if err := g.store.MarkPaymentSettled(sctx, p.ID, out.Transaction); err != nil {
		g.log.Error("payment settled but not recorded",
			zap.String("payment", p.ID),
			zap.String("tx", out.Transaction),
			zap.Error(err),
		)
	}
	g.opts.Metrics.Settlement("ok")

	header, err := x402.EncodeResponse(x402.SettleResponse{
		Success:     true,
		Transaction: out.Transaction,
		Network:     out.Network,
		Payer:       proof.From.Hex(),
	})
	if err != nil {
		return ""
	}
	return header
}

func unlockOutcome(res *UnlockResult, err error) string {
	switch {
	case err == nil && res.Charged:
		return "paid"
	case err == nil:
		return "grant_reused"
	case errors.Is(err, ErrPaymentRequired):
		return "challenged"
	case errors.Is(err, ErrPaymentReplayed):
		return "replayed"
	case Rejected(err):
		return "rejected"
	default:
		return "error"
	}
}

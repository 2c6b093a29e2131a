// Package api is the HTTP surface: vault operations, the payment gate and
// operational endpoints.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/auth"
	"github.com/stratafi/vault-engine/internal/metrics"
	"github.com/stratafi/vault-engine/internal/payment"
	"github.com/stratafi/vault-engine/internal/store"
	"github.com/stratafi/vault-engine/internal/vault"
	"github.com/stratafi/vault-engine/internal/x402"
)

// Vaults is the ledger service. *vault.Service satisfies it.
type Vaults interface {
	ListVaults(ctx context.Context) ([]vault.VaultView, error)
	UserSummary(ctx context.Context, address string) (*vault.UserSummary, error)
	Deposit(ctx context.Context, vaultID, txSignature, userAddress string, expected decimal.Decimal) (*vault.DepositResult, error)
	Withdraw(ctx context.Context, vaultID, userAddress string, amount decimal.Decimal) (*vault.WithdrawResult, error)
	Claim(ctx context.Context, vaultID, userAddress string) (*vault.ClaimResult, error)
}

type Options struct {
	RateLimitRPS float64
	RateBurst    int
	// AuthEnabled requires a wallet signature on withdraw and claim.
	AuthEnabled bool
	Metrics     *metrics.Metrics
}

type Server struct {
	vaults  Vaults
	gate    *payment.Gate
	rdb     *redis.Client
	opts    Options
	limiter *rateLimiter
	log     *zap.Logger
}

func New(v Vaults, g *payment.Gate, rdb *redis.Client, o Options, log *zap.Logger) *Server {
	s := &Server{vaults: v, gate: g, rdb: rdb, opts: o, log: log}
	if o.RateLimitRPS > 0 {
		s.limiter = newRateLimiter(o.RateLimitRPS, o.RateBurst, log)
	}
	return s
}

// RunSweeper forgets idle rate-limit clients until ctx is done.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	if s.limiter == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.limiter.sweep(now, 10*interval)
		}
	}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.opts.Metrics.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	}

	limited := r.Group("/")
	if s.limiter != nil {
		limited.Use(s.limiter.middleware())
	}

	limited.GET("/vaults", s.handleListVaults)
	limited.GET("/vaults/user/:address", s.handleUserSummary)
	limited.POST("/vaults/:id/deposit", s.handleDeposit)
	limited.POST("/vaults/:id/withdraw", s.walletAuth("withdraw"), s.handleWithdraw)
	limited.POST("/vaults/:id/claim", s.walletAuth("claim"), s.handleClaim)

	if s.gate != nil {
		limited.GET("/api/access/check", s.handleAccessCheck)
		limited.GET("/api/premium/:resource", s.handleDescribe)
		limited.POST("/api/premium/:resource", s.handleUnlock)
		limited.GET("/.well-known/x402", s.handleDiscovery)
	}
	return r
}

func (s *Server) walletAuth(action string) gin.HandlerFunc {
	if !s.opts.AuthEnabled {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.Middleware(s.rdb, action, s.log)
}

// sameWallet enforces that an authenticated caller acts only for itself.
func (s *Server) sameWallet(c *gin.Context, userAddress string) bool {
	if !s.opts.AuthEnabled {
		return true
	}
	wallet, ok := auth.Wallet(c)
	if !ok || !strings.EqualFold(wallet, userAddress) {
		c.JSON(http.StatusForbidden, gin.H{"error": "userAddress does not match authenticated wallet"})
		return false
	}
	return true
}

// ── Vaults ────────────────────────────────────────────────────────────────────

func (s *Server) handleListVaults(c *gin.Context) {
	views, err := s.vaults.ListVaults(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vaults": views})
}

func (s *Server) handleUserSummary(c *gin.Context) {
	sum, err := s.vaults.UserSummary(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

type depositRequest struct {
	TxSignature    string          `json:"txSignature" binding:"required"`
	UserAddress    string          `json:"userAddress" binding:"required"`
	ExpectedAmount decimal.Decimal `json:"expectedAmount"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := s.vaults.Deposit(c.Request.Context(), c.Param("id"), req.TxSignature, req.UserAddress, req.ExpectedAmount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deposit": res})
}

type withdrawRequest struct {
	UserAddress string          `json:"userAddress" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !s.sameWallet(c, req.UserAddress) {
		return
	}
	res, err := s.vaults.Withdraw(c.Request.Context(), c.Param("id"), req.UserAddress, req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "withdrawal": res})
}

type claimRequest struct {
	UserAddress string `json:"userAddress" binding:"required"`
}

func (s *Server) handleClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !s.sameWallet(c, req.UserAddress) {
		return
	}
	res, err := s.vaults.Claim(c.Request.Context(), c.Param("id"), req.UserAddress)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "claim": res})
}

// ── Payment gate ──────────────────────────────────────────────────────────────

func (s *Server) handleAccessCheck(c *gin.Context) {
	user, resource := c.Query("userAddress"), c.Query("resource")
	if user == "" || resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userAddress and resource are required"})
		return
	}
	st, err := s.gate.CheckAccess(c.Request.Context(), user, resource)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleDescribe(c *gin.Context) {
	d, err := s.gate.Describe(c.Param("resource"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusPaymentRequired, d)
}

type unlockRequest struct {
	UserAddress string           `json:"userAddress"`
	AccessType  store.AccessType `json:"accessType"`
}

func (s *Server) handleUnlock(c *gin.Context) {
	var req unlockRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	resource := c.Param("resource")
	res, err := s.gate.Unlock(c.Request.Context(), payment.UnlockRequest{
		Resource:    resource,
		UserAddress: req.UserAddress,
		AccessType:  req.AccessType,
		Proof:       c.GetHeader(x402.HeaderPayment),
	})
	if payment.Rejected(err) {
		reason := ""
		if !errors.Is(err, payment.ErrPaymentRequired) {
			reason = err.Error()
		}
		ch, cerr := s.gate.Challenge(resource, reason)
		if cerr != nil {
			s.writeError(c, cerr)
			return
		}
		c.JSON(http.StatusPaymentRequired, ch)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	if res.SettlementHeader != "" {
		c.Header(x402.HeaderPaymentResponse, res.SettlementHeader)
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, s.gate.Discovery())
}

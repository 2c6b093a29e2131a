package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type posKey struct{ vault, user string }

// Memory is an in-process Store. Position locks are one-slot semaphores so
// that waiting honours context cancellation.
//
// TVL behaves like the vault row in Postgres: the first AddTVL in a
// WithPosition call takes the vault's lock and holds it until the call
// returns, and the change is only visible to others once fn succeeds.
type Memory struct {
	mu        sync.Mutex
	vaults    map[string]Vault
	positions map[posKey]Position
	txs       []TxRecord
	users     map[string]User
	payments  map[string]Payment // by ID
	proofs    map[string]string  // proof ID → payment ID
	grants    []AccessGrant
	locks     map[posKey]chan struct{}
	tvlLocks  map[string]chan struct{}
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		vaults:    make(map[string]Vault),
		positions: make(map[posKey]Position),
		users:     make(map[string]User),
		payments:  make(map[string]Payment),
		proofs:    make(map[string]string),
		locks:     make(map[posKey]chan struct{}),
		tvlLocks:  make(map[string]chan struct{}),
	}
}

func (m *Memory) Close() error { return nil }

// ── Vaults ────────────────────────────────────────────────────────────────────

func (m *Memory) UpsertVault(_ context.Context, v Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if old, ok := m.vaults[v.ID]; ok {
		v.TVL = old.TVL
		v.CreatedAt = old.CreatedAt
	} else {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	m.vaults[v.ID] = v
	return nil
}

func (m *Memory) GetVault(_ context.Context, id string) (Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vaults[id]
	if !ok {
		return Vault{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) ListVaults(_ context.Context) ([]Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Vault, 0, len(m.vaults))
	for _, v := range m.vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Positions ─────────────────────────────────────────────────────────────────

func (m *Memory) GetPosition(_ context.Context, vaultID, user string) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[posKey{vaultID, user}]
	if !ok {
		return Position{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListPositions(_ context.Context, user string) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Position
	for k, p := range m.positions {
		if k.user == user {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VaultID < out[j].VaultID })
	return out, nil
}

// ── Transactions ──────────────────────────────────────────────────────────────

func (m *Memory) FindTransaction(_ context.Context, signature string) (TxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findTxLocked(signature)
}

func (m *Memory) findTxLocked(signature string) (TxRecord, error) {
	for _, r := range m.txs {
		if r.Signature == signature {
			return r, nil
		}
	}
	return TxRecord{}, ErrNotFound
}

func (m *Memory) ListTransactions(_ context.Context, user string, limit int) ([]TxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TxRecord
	for i := len(m.txs) - 1; i >= 0; i-- {
		if m.txs[i].UserAddress == user {
			out = append(out, m.txs[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListTransactionsByStatus(_ context.Context, status TxStatus, limit int) ([]TxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TxRecord
	for _, r := range m.txs {
		if r.Status == status {
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ── Locked position view ──────────────────────────────────────────────────────

func (m *Memory) lockFor(k posKey) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[k] = l
	}
	return l
}

func (m *Memory) tvlLockFor(vaultID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.tvlLocks[vaultID]
	if !ok {
		l = make(chan struct{}, 1)
		m.tvlLocks[vaultID] = l
	}
	return l
}

func (m *Memory) WithPosition(ctx context.Context, vaultID, user string, fn func(tx PositionTx) error) error {
	if _, err := m.GetVault(ctx, vaultID); err != nil {
		return err
	}
	k := posKey{vaultID, user}
	l := m.lockFor(k)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l }()

	tx := &memTx{m: m, key: k, tvlDelta: decimal.Zero}
	defer tx.release()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	m    *Memory
	key  posKey
	undo []func()

	// tvlLock is non-nil once AddTVL has taken the vault's lock.
	tvlLock  chan struct{}
	tvlDelta decimal.Decimal
}

func (t *memTx) rollback() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.tvlDelta = decimal.Zero
}

func (t *memTx) commit() {
	if t.tvlDelta.IsZero() {
		return
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	v := t.m.vaults[t.key.vault]
	v.TVL = v.TVL.Add(t.tvlDelta)
	t.m.vaults[t.key.vault] = v
}

func (t *memTx) release() {
	if t.tvlLock != nil {
		<-t.tvlLock
		t.tvlLock = nil
	}
}

func (t *memTx) Vault() Vault {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	v := t.m.vaults[t.key.vault]
	v.TVL = v.TVL.Add(t.tvlDelta)
	return v
}

func (t *memTx) Position() (Position, bool) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	p, ok := t.m.positions[t.key]
	return p, ok
}

func (t *memTx) FindTransaction(ctx context.Context, signature string) (TxRecord, error) {
	return t.m.FindTransaction(ctx, signature)
}

func (t *memTx) PendingTransactions(_ context.Context) ([]TxRecord, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var out []TxRecord
	for _, r := range t.m.txs {
		if r.VaultID == t.key.vault && r.UserAddress == t.key.user && r.Status == StatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) SavePosition(_ context.Context, p Position) error {
	if p.VaultID != t.key.vault || p.UserAddress != t.key.user {
		return fmt.Errorf("save position: key mismatch")
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	old, existed := t.m.positions[t.key]
	now := time.Now().UTC()
	if !existed {
		p.CreatedAt = now
	} else {
		p.CreatedAt = old.CreatedAt
	}
	p.UpdatedAt = now
	t.m.positions[t.key] = p
	t.undo = append(t.undo, func() {
		if existed {
			t.m.positions[t.key] = old
		} else {
			delete(t.m.positions, t.key)
		}
	})
	return nil
}

func (t *memTx) AddTVL(ctx context.Context, delta decimal.Decimal) error {
	if t.tvlLock == nil {
		l := t.m.tvlLockFor(t.key.vault)
		select {
		case l <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.tvlLock = l
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	v := t.m.vaults[t.key.vault]
	next := v.TVL.Add(t.tvlDelta).Add(delta)
	if delta.IsPositive() && next.GreaterThan(v.MaxTVL) {
		return ErrCapacity
	}
	if next.IsNegative() {
		return ErrNegativeTVL
	}
	t.tvlDelta = t.tvlDelta.Add(delta)
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, rec TxRecord) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, err := t.m.findTxLocked(rec.Signature); err == nil {
		return ErrDuplicate
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	t.m.txs = append(t.m.txs, rec)
	sig := rec.Signature
	t.undo = append(t.undo, func() {
		for i := range t.m.txs {
			if t.m.txs[i].Signature == sig {
				t.m.txs = append(t.m.txs[:i], t.m.txs[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (t *memTx) SetTransactionStatus(_ context.Context, signature string, status TxStatus) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for i := range t.m.txs {
		if t.m.txs[i].Signature == signature {
			prev := t.m.txs[i].Status
			t.m.txs[i].Status = status
			t.undo = append(t.undo, func() {
				for j := range t.m.txs {
					if t.m.txs[j].Signature == signature {
						t.m.txs[j].Status = prev
						return
					}
				}
			})
			return nil
		}
	}
	return ErrNotFound
}

// ── Users, payments, grants ───────────────────────────────────────────────────

func (m *Memory) EnsureUser(_ context.Context, address string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureUserLocked(address), nil
}

func (m *Memory) ensureUserLocked(address string) User {
	if u, ok := m.users[address]; ok {
		return u
	}
	u := User{ID: uuid.NewString(), Address: address, CreatedAt: time.Now().UTC()}
	m.users[address] = u
	return u
}

func (m *Memory) FindPaymentByProof(_ context.Context, proofID string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.proofs[proofID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return m.payments[id], nil
}

func (m *Memory) RecordPayment(_ context.Context, p Payment, g *AccessGrant) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proofs[p.ProofID]; ok {
		return Payment{}, ErrDuplicate
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.payments[p.ID] = p
	m.proofs[p.ProofID] = p.ID
	if g != nil {
		gr := *g
		if gr.ID == "" {
			gr.ID = uuid.NewString()
		}
		gr.PaymentID = p.ID
		m.grants = append(m.grants, gr)
	}
	return p, nil
}

func (m *Memory) MarkPaymentSettled(_ context.Context, paymentID, settlementTx string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	p.Status = PaymentSettled
	p.SettlementTx = settlementTx
	m.payments[paymentID] = p
	return nil
}

func (m *Memory) ActiveGrant(_ context.Context, userAddress, resource string, now time.Time) (AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userAddress]
	if !ok {
		return AccessGrant{}, ErrNotFound
	}
	var best AccessGrant
	found := false
	for _, g := range m.grants {
		if g.UserID != u.ID || g.Resource != resource || !g.Live(now) {
			continue
		}
		if !found || g.ExpiresAt.After(best.ExpiresAt) {
			best, found = g, true
		}
	}
	if !found {
		return AccessGrant{}, ErrNotFound
	}
	return best, nil
}

// Package postgres is the PostgreSQL implementation of store.Store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratafi/vault-engine/internal/store"
)

const (
	vaultCols = `id, name, description, apy_min, apy_max, max_tvl, max_per_user, tvl, treasury_address, created_at, updated_at`
	posCols   = `vault_id, user_address, deposit_amount, last_claim_at, total_claimed, accrued_rewards, accrual_checkpoint, created_at, updated_at`
	txCols    = `id, vault_id, user_address, type, status, amount, fee, signature, related_signature, created_at`
	payCols   = `id, proof_id, user_id, payer_address, resource, amount, currency, access_type, status, settlement_tx, created_at`
	grantCols = `g.id, g.user_id, g.resource, g.payment_id, g.granted_at, g.expires_at, g.active`
)

// Store persists the ledger in PostgreSQL. Position locking uses row locks
// (SELECT ... FOR UPDATE) so it is safe across several engine replicas.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB) *Store { return &Store{db: db} }

// Open connects to dsn, waits for the server to accept connections and
// applies pending migrations.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	for i := 0; i < 5; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		log.Warn("waiting for postgres", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Apply(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("postgres ready")
	return New(db), nil
}

func (s *Store) Close() error { return s.db.Close() }

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface{ Scan(dest ...any) error }

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// ── Vaults ────────────────────────────────────────────────────────────────────

func scanVault(r scanner) (store.Vault, error) {
	var v store.Vault
	err := r.Scan(&v.ID, &v.Name, &v.Description, &v.APYMin, &v.APYMax, &v.MaxTVL,
		&v.MaxPerUser, &v.TVL, &v.TreasuryAddress, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func (s *Store) UpsertVault(ctx context.Context, v store.Vault) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vaults (id, name, description, apy_min, apy_max, max_tvl, max_per_user, treasury_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			apy_min = EXCLUDED.apy_min,
			apy_max = EXCLUDED.apy_max,
			max_tvl = EXCLUDED.max_tvl,
			max_per_user = EXCLUDED.max_per_user,
			treasury_address = EXCLUDED.treasury_address,
			updated_at = now()`,
		v.ID, v.Name, v.Description, v.APYMin, v.APYMax, v.MaxTVL, v.MaxPerUser, v.TreasuryAddress)
	if err != nil {
		return fmt.Errorf("upsert vault %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) GetVault(ctx context.Context, id string) (store.Vault, error) {
	v, err := scanVault(s.db.QueryRowContext(ctx, `SELECT `+vaultCols+` FROM vaults WHERE id = $1`, id))
	return v, notFound(err)
}

func (s *Store) ListVaults(ctx context.Context) ([]store.Vault, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vaultCols+` FROM vaults ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ── Positions ─────────────────────────────────────────────────────────────────

func scanPosition(r scanner) (store.Position, error) {
	var p store.Position
	err := r.Scan(&p.VaultID, &p.UserAddress, &p.DepositAmount, &p.LastClaimAt, &p.TotalClaimed,
		&p.AccruedRewards, &p.AccrualCheckpoint, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) GetPosition(ctx context.Context, vaultID, user string) (store.Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx,
		`SELECT `+posCols+` FROM positions WHERE vault_id = $1 AND user_address = $2`, vaultID, user))
	return p, notFound(err)
}

func (s *Store) ListPositions(ctx context.Context, user string) ([]store.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+posCols+` FROM positions WHERE user_address = $1 ORDER BY vault_id`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Transactions ──────────────────────────────────────────────────────────────

func scanTx(r scanner) (store.TxRecord, error) {
	var t store.TxRecord
	err := r.Scan(&t.ID, &t.VaultID, &t.UserAddress, &t.Type, &t.Status, &t.Amount, &t.Fee,
		&t.Signature, &t.RelatedSignature, &t.CreatedAt)
	return t, err
}

func findTx(ctx context.Context, q queryer, signature string) (store.TxRecord, error) {
	t, err := scanTx(q.QueryRowContext(ctx, `SELECT `+txCols+` FROM transactions WHERE signature = $1`, signature))
	return t, notFound(err)
}

func listTx(ctx context.Context, q queryer, query string, args ...any) ([]store.TxRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.TxRecord
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// limitArg maps a non-positive limit to NULL, which LIMIT treats as "no limit".
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *Store) FindTransaction(ctx context.Context, signature string) (store.TxRecord, error) {
	return findTx(ctx, s.db, signature)
}

func (s *Store) ListTransactions(ctx context.Context, user string, limit int) ([]store.TxRecord, error) {
	return listTx(ctx, s.db,
		`SELECT `+txCols+` FROM transactions WHERE user_address = $1 ORDER BY created_at DESC LIMIT $2`,
		user, limitArg(limit))
}

func (s *Store) ListTransactionsByStatus(ctx context.Context, status store.TxStatus, limit int) ([]store.TxRecord, error) {
	return listTx(ctx, s.db,
		`SELECT `+txCols+` FROM transactions WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(status), limitArg(limit))
}

func insertTx(ctx context.Context, q queryer, rec store.TxRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO transactions (`+txCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (signature) DO NOTHING`,
		rec.ID, rec.VaultID, rec.UserAddress, string(rec.Type), string(rec.Status), rec.Amount, rec.Fee,
		rec.Signature, rec.RelatedSignature, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", rec.Signature, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

// ── Locked position view ──────────────────────────────────────────────────────

// WithPosition opens a transaction, materializes a placeholder row for the
// pair if none exists and locks it. The placeholder is removed again if fn
// never saves a position.
func (s *Store) WithPosition(ctx context.Context, vaultID, user string, fn func(tx store.PositionTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	v, err := scanVault(sqlTx.QueryRowContext(ctx, `SELECT `+vaultCols+` FROM vaults WHERE id = $1`, vaultID))
	if err != nil {
		return notFound(err)
	}

	now := time.Now().UTC()
	var created time.Time
	err = sqlTx.QueryRowContext(ctx, `
		INSERT INTO positions (vault_id, user_address, last_claim_at, accrual_checkpoint, created_at, updated_at)
		VALUES ($1, $2, $3, $3, $3, $3)
		ON CONFLICT (vault_id, user_address) DO NOTHING
		RETURNING created_at`, vaultID, user, now).Scan(&created)
	placeholder := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("materialize position: %w", err)
	}

	p, err := scanPosition(sqlTx.QueryRowContext(ctx,
		`SELECT `+posCols+` FROM positions WHERE vault_id = $1 AND user_address = $2 FOR UPDATE`, vaultID, user))
	if err != nil {
		return fmt.Errorf("lock position: %w", err)
	}

	t := &pgTx{tx: sqlTx, vault: v, pos: p, exists: !placeholder}
	if err := fn(t); err != nil {
		return err
	}
	if placeholder && !t.saved {
		if _, err := sqlTx.ExecContext(ctx,
			`DELETE FROM positions WHERE vault_id = $1 AND user_address = $2`, vaultID, user); err != nil {
			return fmt.Errorf("drop placeholder: %w", err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx     *sql.Tx
	vault  store.Vault
	pos    store.Position
	exists bool
	saved  bool
}

func (t *pgTx) Vault() store.Vault { return t.vault }

func (t *pgTx) Position() (store.Position, bool) {
	return t.pos, t.exists || t.saved
}

func (t *pgTx) FindTransaction(ctx context.Context, signature string) (store.TxRecord, error) {
	return findTx(ctx, t.tx, signature)
}

func (t *pgTx) PendingTransactions(ctx context.Context) ([]store.TxRecord, error) {
	return listTx(ctx, t.tx,
		`SELECT `+txCols+` FROM transactions WHERE vault_id = $1 AND user_address = $2 AND status = $3 ORDER BY created_at`,
		t.vault.ID, t.pos.UserAddress, string(store.StatusPending))
}

func (t *pgTx) SavePosition(ctx context.Context, p store.Position) error {
	if p.VaultID != t.pos.VaultID || p.UserAddress != t.pos.UserAddress {
		return fmt.Errorf("save position: key mismatch")
	}
	p.CreatedAt = t.pos.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `
		UPDATE positions SET
			deposit_amount = $3,
			last_claim_at = $4,
			total_claimed = $5,
			accrued_rewards = $6,
			accrual_checkpoint = $7,
			updated_at = $8
		WHERE vault_id = $1 AND user_address = $2`,
		p.VaultID, p.UserAddress, p.DepositAmount, p.LastClaimAt, p.TotalClaimed,
		p.AccruedRewards, p.AccrualCheckpoint, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	t.pos = p
	t.saved = true
	return nil
}

func (t *pgTx) AddTVL(ctx context.Context, delta decimal.Decimal) error {
	var tvl decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		UPDATE vaults SET tvl = tvl + $2::numeric, updated_at = now()
		WHERE id = $1
		  AND tvl + $2::numeric >= 0
		  AND ($2::numeric <= 0 OR tvl + $2::numeric <= max_tvl)
		RETURNING tvl`, t.vault.ID, delta).Scan(&tvl)
	if errors.Is(err, sql.ErrNoRows) {
		if delta.IsPositive() {
			return store.ErrCapacity
		}
		return store.ErrNegativeTVL
	}
	if err != nil {
		return fmt.Errorf("update tvl: %w", err)
	}
	t.vault.TVL = tvl
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, rec store.TxRecord) error {
	return insertTx(ctx, t.tx, rec)
}

func (t *pgTx) SetTransactionStatus(ctx context.Context, signature string, status store.TxStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE transactions SET status = $2 WHERE signature = $1`, signature, string(status))
	if err != nil {
		return fmt.Errorf("set status %s: %w", signature, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ── Users, payments, grants ───────────────────────────────────────────────────

func (s *Store) EnsureUser(ctx context.Context, address string) (store.User, error) {
	var u store.User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, address) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING id, address, created_at`, uuid.NewString(), address).Scan(&u.ID, &u.Address, &u.CreatedAt)
	if err != nil {
		return store.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

func scanPayment(r scanner) (store.Payment, error) {
	var p store.Payment
	err := r.Scan(&p.ID, &p.ProofID, &p.UserID, &p.PayerAddress, &p.Resource, &p.Amount, &p.Currency,
		&p.AccessType, &p.Status, &p.SettlementTx, &p.CreatedAt)
	return p, err
}

func (s *Store) FindPaymentByProof(ctx context.Context, proofID string) (store.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `SELECT `+payCols+` FROM payments WHERE proof_id = $1`, proofID))
	return p, notFound(err)
}

func (s *Store) RecordPayment(ctx context.Context, p store.Payment, g *store.AccessGrant) (store.Payment, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Payment{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payments (`+payCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (proof_id) DO NOTHING`,
		p.ID, p.ProofID, p.UserID, p.PayerAddress, p.Resource, p.Amount, p.Currency,
		string(p.AccessType), string(p.Status), p.SettlementTx, p.CreatedAt)
	if err != nil {
		return store.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Payment{}, store.ErrDuplicate
	}

	if g != nil {
		gid := g.ID
		if gid == "" {
			gid = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO access_grants (id, user_id, resource, payment_id, granted_at, expires_at, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			gid, g.UserID, g.Resource, p.ID, g.GrantedAt, g.ExpiresAt, g.Active); err != nil {
			return store.Payment{}, fmt.Errorf("insert grant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Payment{}, fmt.Errorf("commit payment: %w", err)
	}
	return p, nil
}

func (s *Store) MarkPaymentSettled(ctx context.Context, paymentID, settlementTx string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = $2, settlement_tx = $3 WHERE id = $1`,
		paymentID, string(store.PaymentSettled), settlementTx)
	if err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ActiveGrant(ctx context.Context, userAddress, resource string, now time.Time) (store.AccessGrant, error) {
	var g store.AccessGrant
	err := s.db.QueryRowContext(ctx, `
		SELECT `+grantCols+`
		FROM access_grants g JOIN users u ON u.id = g.user_id
		WHERE u.address = $1 AND g.resource = $2 AND g.active AND g.expires_at > $3
		ORDER BY g.expires_at DESC
		LIMIT 1`, userAddress, resource, now).
		Scan(&g.ID, &g.UserID, &g.Resource, &g.PaymentID, &g.GrantedAt, &g.ExpiresAt, &g.Active)
	return g, notFound(err)
}

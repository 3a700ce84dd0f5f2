package wallet

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satstacker/satstacker/internal/config"
	"github.com/satstacker/satstacker/internal/domain"
	"github.com/satstacker/satstacker/internal/errors"
	"github.com/satstacker/satstacker/internal/event"
	"github.com/satstacker/satstacker/internal/telemetry"
)

type Config struct {
	DB       *pgxpool.Pool
	Config   *config.Store
	EventBus *event.Bus
}

// Ledger is the single writer of balance state. Every balance mutation is
// documented by a payout row created in the same transaction, and every
// guard (non-negative available, pending-only settlement) is a conditional
// write, so concurrent requests cannot race past a check.
type Ledger struct {
	db  *pgxpool.Pool
	cfg *config.Store
	eb  *event.Bus
}

func NewLedger(c Config) *Ledger {
	return &Ledger{
		db:  c.DB,
		cfg: c.Config,
		eb:  c.EventBus,
	}
}

// Balance returns the user's balance. Users without a row have an empty
// balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (domain.Balance, error) {
	const stmt = `
SELECT user_id, available, pending, lifetime_earned, lifetime_withdrawn, last_activity_at
FROM balances
WHERE user_id = $1;`

	b, err := scanBalance(l.db.QueryRow(ctx, stmt, userID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Balance{UserID: userID}, nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("wallet: balance %s: %w", userID, err)
	}

	return b, nil
}

// Credit adds a reward to the user's balance in its own transaction.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, kind domain.PayoutKind) (p domain.Payout, err error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return domain.Payout{}, fmt.Errorf("wallet: begin credit: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	p, err = l.CreditTx(ctx, tx, userID, amount, kind)
	if err != nil {
		return domain.Payout{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.Payout{}, fmt.Errorf("wallet: commit credit: %w", err)
	}

	return p, nil
}

// CreditTx adds amount to the user's balance inside tx and records the
// matching payout row. Credits above the auto-approve threshold land in
// pending until settled by review; everything else is instantly available.
func (l *Ledger) CreditTx(ctx context.Context, tx pgx.Tx, userID string, amount int64, kind domain.PayoutKind) (domain.Payout, error) {
	if amount <= 0 {
		return domain.Payout{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("credit amount must be positive, got %d", amount))
	}
	if kind == domain.PayoutKindWithdrawal {
		return domain.Payout{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("withdrawals are reserved, not credited"))
	}

	cfg := l.cfg.Current()

	status := domain.PayoutStatusPaid
	if amount > cfg.AutoApproveThreshold && !cfg.AutoApprove {
		status = domain.PayoutStatusPending
	}

	const balanceStmt = `
INSERT INTO balances (user_id, available, pending, lifetime_earned, lifetime_withdrawn, last_activity_at)
VALUES ($1, $2, $3, $2 + $3, 0, now())
ON CONFLICT (user_id) DO UPDATE SET
	available        = balances.available + $2,
	pending          = balances.pending + $3,
	lifetime_earned  = balances.lifetime_earned + $2 + $3,
	last_activity_at = now();`

	available, pending := amount, int64(0)
	if status == domain.PayoutStatusPending {
		available, pending = 0, amount
	}

	if _, err := tx.Exec(ctx, balanceStmt, userID, available, pending); err != nil {
		return domain.Payout{}, fmt.Errorf("wallet: credit balance %s: %w", userID, err)
	}

	p, err := insertPayout(ctx, tx, domain.Payout{
		UserID: userID,
		Amount: amount,
		Kind:   kind,
		Status: status,
	})
	if err != nil {
		return domain.Payout{}, err
	}

	telemetry.SatsCredited.WithLabelValues(string(kind)).Add(float64(amount))
	return p, nil
}

// Reserve atomically moves the payout's amount from available to pending
// and records the withdrawal payout row. The row is the reservation
// handle; Settle resolves it. Returns InsufficientBalance as an
// InvalidArgument error when available cannot cover the amount.
func (l *Ledger) Reserve(ctx context.Context, p domain.Payout) (out domain.Payout, err error) {
	if p.Kind != domain.PayoutKindWithdrawal {
		return domain.Payout{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("only withdrawals can reserve funds, got kind %q", p.Kind))
	}
	if p.Amount <= 0 {
		return domain.Payout{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("reserve amount must be positive, got %d", p.Amount))
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return domain.Payout{}, fmt.Errorf("wallet: begin reserve: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	// The available >= amount guard lives in the statement itself. Of two
	// concurrent reservations against a balance that covers only one,
	// exactly one row-update wins.
	const stmt = `
UPDATE balances
SET available = available - $2, pending = pending + $2, last_activity_at = now()
WHERE user_id = $1 AND available >= $2;`

	tag, err := tx.Exec(ctx, stmt, p.UserID, p.Amount)
	if err != nil {
		return domain.Payout{}, fmt.Errorf("wallet: reserve %s: %w", p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Payout{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("insufficient balance for withdrawal of %d sats", p.Amount))
	}

	p.Status = domain.PayoutStatusPending
	out, err = insertPayout(ctx, tx, p)
	if err != nil {
		return domain.Payout{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.Payout{}, fmt.Errorf("wallet: commit reserve: %w", err)
	}

	return out, nil
}

// Settle resolves a pending payout to a terminal status and reconciles the
// balance. It is idempotent: settling an already-terminal payout changes
// nothing and reports transitioned=false, so webhook redelivery is safe.
func (l *Ledger) Settle(ctx context.Context, payoutID string, outcome domain.PayoutStatus, providerRef string) (p domain.Payout, transitioned bool, err error) {
	if outcome != domain.PayoutStatusPaid && outcome != domain.PayoutStatusFailed {
		return domain.Payout{}, false, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("settle outcome must be paid or failed, got %q", outcome))
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return domain.Payout{}, false, fmt.Errorf("wallet: begin settle: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Only a pending row transitions; a terminal row matches zero rows and
	// skips the balance mutation entirely.
	const stmt = `
UPDATE payouts
SET status = $2, provider_ref = COALESCE(NULLIF($3, ''), provider_ref), settled_at = now()
WHERE payout_id = $1 AND status = 'pending'
RETURNING payout_id, user_id, amount, fee, kind, status, COALESCE(lightning_address, ''), COALESCE(provider_ref, ''), created_at, settled_at;`

	p, err = scanPayout(tx.QueryRow(ctx, stmt, payoutID, outcome, providerRef))
	if stderrors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := l.Payout(ctx, payoutID)
		if lookupErr != nil {
			return domain.Payout{}, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return domain.Payout{}, false, fmt.Errorf("wallet: settle %s: %w", payoutID, err)
	}

	if err = l.reconcileTx(ctx, tx, p); err != nil {
		return domain.Payout{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.Payout{}, false, fmt.Errorf("wallet: commit settle: %w", err)
	}

	telemetry.PayoutsSettled.WithLabelValues(string(outcome)).Inc()
	if l.eb != nil {
		l.eb.Publish(ctx, domain.EventPayoutSettled{Payout: p})
	}

	return p, true, nil
}

// reconcileTx moves the settled amount out of pending. Where it lands
// depends on the payout kind and outcome: a paid withdrawal is gone for
// good, a failed one returns to available; a paid reward credit is
// released to available, a rejected one is revoked entirely.
func (l *Ledger) reconcileTx(ctx context.Context, tx pgx.Tx, p domain.Payout) error {
	var stmt string
	switch {
	case p.Kind == domain.PayoutKindWithdrawal && p.Status == domain.PayoutStatusPaid:
		stmt = `
UPDATE balances
SET pending = pending - $2, lifetime_withdrawn = lifetime_withdrawn + $2, last_activity_at = now()
WHERE user_id = $1 AND pending >= $2;`
	case p.Kind == domain.PayoutKindWithdrawal && p.Status == domain.PayoutStatusFailed:
		stmt = `
UPDATE balances
SET pending = pending - $2, available = available + $2, last_activity_at = now()
WHERE user_id = $1 AND pending >= $2;`
	case p.Status == domain.PayoutStatusPaid:
		stmt = `
UPDATE balances
SET pending = pending - $2, available = available + $2, last_activity_at = now()
WHERE user_id = $1 AND pending >= $2;`
	default:
		stmt = `
UPDATE balances
SET pending = pending - $2, lifetime_earned = lifetime_earned - $2, last_activity_at = now()
WHERE user_id = $1 AND pending >= $2;`
	}

	tag, err := tx.Exec(ctx, stmt, p.UserID, p.Amount)
	if err != nil {
		return fmt.Errorf("wallet: reconcile %s: %w", p.PayoutID, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Internal(fmt.Errorf("wallet: reconcile %s: pending below settled amount %d", p.PayoutID, p.Amount))
	}

	return nil
}

// AttachProviderRef records the provider's reference on a still-pending
// payout so an asynchronous outcome can find it later.
func (l *Ledger) AttachProviderRef(ctx context.Context, payoutID, ref string) error {
	const stmt = `
UPDATE payouts
SET provider_ref = $2
WHERE payout_id = $1 AND status = 'pending';`

	if _, err := l.db.Exec(ctx, stmt, payoutID, ref); err != nil {
		return fmt.Errorf("wallet: attach provider ref %s: %w", payoutID, err)
	}

	return nil
}

// Payout returns one payout by id.
func (l *Ledger) Payout(ctx context.Context, payoutID string) (domain.Payout, error) {
	const stmt = selectPayout + ` WHERE payout_id = $1;`

	p, err := scanPayout(l.db.QueryRow(ctx, stmt, payoutID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Payout{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("payout not found: %s", payoutID))
	}
	if err != nil {
		return domain.Payout{}, fmt.Errorf("wallet: payout %s: %w", payoutID, err)
	}

	return p, nil
}

// PayoutByProviderRef finds the payout a provider callback refers to.
func (l *Ledger) PayoutByProviderRef(ctx context.Context, ref string) (domain.Payout, error) {
	const stmt = selectPayout + ` WHERE provider_ref = $1;`

	p, err := scanPayout(l.db.QueryRow(ctx, stmt, ref))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Payout{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no payout with provider ref %s", ref))
	}
	if err != nil {
		return domain.Payout{}, fmt.Errorf("wallet: payout by ref %s: %w", ref, err)
	}

	return p, nil
}

// ListPayouts returns the user's payouts newest first, keyset-paginated by
// creation time.
func (l *Ledger) ListPayouts(ctx context.Context, userID string, limit int, before time.Time) ([]domain.Payout, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if before.IsZero() {
		before = time.Now().Add(time.Minute)
	}

	const stmt = selectPayout + `
WHERE user_id = $1 AND created_at < $2
ORDER BY created_at DESC
LIMIT $3;`

	rows, err := l.db.Query(ctx, stmt, userID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("wallet: list payouts %s: %w", userID, err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Payout, error) {
		return scanPayout(r)
	})
}

// WithdrawnToday sums pending and paid withdrawals since midnight UTC, for
// the user and across all users. Pending ones count so a burst of in-flight
// withdrawals cannot slip past the caps.
func (l *Ledger) WithdrawnToday(ctx context.Context, userID string) (user, global int64, err error) {
	const stmt = `
SELECT
	COALESCE(SUM(amount) FILTER (WHERE user_id = $1), 0),
	COALESCE(SUM(amount), 0)
FROM payouts
WHERE kind = 'withdrawal' AND status IN ('pending', 'paid') AND created_at >= date_trunc('day', now() AT TIME ZONE 'utc');`

	if err := l.db.QueryRow(ctx, stmt, userID).Scan(&user, &global); err != nil {
		return 0, 0, fmt.Errorf("wallet: withdrawn today: %w", err)
	}

	return user, global, nil
}

const selectPayout = `
SELECT payout_id, user_id, amount, fee, kind, status, COALESCE(lightning_address, ''), COALESCE(provider_ref, ''), created_at, settled_at
FROM payouts`

func insertPayout(ctx context.Context, tx pgx.Tx, p domain.Payout) (domain.Payout, error) {
	id, err := uuidV7()
	if err != nil {
		return domain.Payout{}, err
	}
	p.PayoutID = id

	const stmt = `
INSERT INTO payouts (payout_id, user_id, amount, fee, kind, status, lightning_address, provider_ref, created_at, settled_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), now(), CASE WHEN $6 <> 'pending' THEN now() END)
RETURNING created_at, settled_at;`

	var settledAt *time.Time
	if err := tx.QueryRow(ctx, stmt, p.PayoutID, p.UserID, p.Amount, p.Fee, p.Kind, p.Status, p.LightningAddress, p.ProviderRef).Scan(&p.CreatedAt, &settledAt); err != nil {
		return domain.Payout{}, fmt.Errorf("wallet: insert payout: %w", err)
	}
	if settledAt != nil {
		p.SettledAt = *settledAt
	}

	return p, nil
}

func scanBalance(r pgx.Row) (domain.Balance, error) {
	var b domain.Balance
	err := r.Scan(&b.UserID, &b.Available, &b.Pending, &b.LifetimeEarned, &b.LifetimeWithdrawn, &b.LastActivityAt)
	return b, err
}

func scanPayout(r pgx.Row) (domain.Payout, error) {
	var (
		p         domain.Payout
		settledAt *time.Time
	)
	err := r.Scan(&p.PayoutID, &p.UserID, &p.Amount, &p.Fee, &p.Kind, &p.Status, &p.LightningAddress, &p.ProviderRef, &p.CreatedAt, &settledAt)
	if settledAt != nil {
		p.SettledAt = *settledAt
	}
	return p, err
}

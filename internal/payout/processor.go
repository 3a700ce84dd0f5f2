package payout

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/satstacker/satstacker/internal/config"
	"github.com/satstacker/satstacker/internal/domain"
	"github.com/satstacker/satstacker/internal/errors"
	"github.com/satstacker/satstacker/internal/ratelimit"
	"github.com/satstacker/satstacker/internal/wallet"
)

const defaultProviderTimeout = 30 * time.Second

// Ledger is the slice of the wallet ledger the processor drives.
type Ledger interface {
	Reserve(ctx context.Context, p domain.Payout) (domain.Payout, error)
	Settle(ctx context.Context, payoutID string, outcome domain.PayoutStatus, providerRef string) (domain.Payout, bool, error)
	AttachProviderRef(ctx context.Context, payoutID, ref string) error
	PayoutByProviderRef(ctx context.Context, ref string) (domain.Payout, error)
	WithdrawnToday(ctx context.Context, userID string) (user, global int64, err error)
}

type Limiter interface {
	Allow(ctx context.Context, userID, action string, r ratelimit.Rule) error
}

type Config struct {
	Ledger   Ledger
	Provider Provider
	Limiter  Limiter
	Config   *config.Store
	// ProviderTimeout bounds one synchronous provider call.
	// Default 30s.
	ProviderTimeout time.Duration
}

// Processor turns validated withdrawal requests into payouts and
// reconciles provider outcomes into the ledger.
type Processor struct {
	ledger   Ledger
	provider Provider
	limiter  Limiter
	cfg      *config.Store
	timeout  time.Duration
}

func NewProcessor(c Config) *Processor {
	t := c.ProviderTimeout
	if t <= 0 {
		t = defaultProviderTimeout
	}

	return &Processor{
		ledger:   c.Ledger,
		provider: c.Provider,
		limiter:  c.Limiter,
		cfg:      c.Config,
		timeout:  t,
	}
}

// Withdraw reserves the amount, records a pending withdrawal payout and
// sends it to the payment provider. A synchronous provider outcome settles
// the payout before returning; anything else leaves it pending for
// reconciliation. The returned payout's status tells the caller which of
// the two happened.
func (pr *Processor) Withdraw(ctx context.Context, userID string, amount int64, lightningAddress string) (domain.Payout, error) {
	cfg := pr.cfg.Current()

	if cfg.MaintenanceMode {
		return domain.Payout{}, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("withdrawals are paused for maintenance"))
	}
	if amount < cfg.MinWithdrawal {
		return domain.Payout{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("withdrawal of %d sats is below the minimum of %d", amount, cfg.MinWithdrawal))
	}
	if !validAddress(lightningAddress) {
		return domain.Payout{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid lightning address: %q", lightningAddress))
	}

	if err := pr.checkDailyCaps(ctx, userID, amount, cfg); err != nil {
		return domain.Payout{}, err
	}

	if err := pr.limiter.Allow(ctx, userID, ratelimit.ActionWithdrawal, ratelimit.Rule{
		Limit:  cfg.RateLimits.WithdrawalsPerDay,
		Window: 24 * time.Hour,
	}); err != nil {
		return domain.Payout{}, err
	}

	p, err := pr.ledger.Reserve(ctx, domain.Payout{
		UserID:           userID,
		Amount:           amount,
		Fee:              wallet.WithdrawalFee(amount, cfg.WithdrawalFeePpm),
		Kind:             domain.PayoutKindWithdrawal,
		LightningAddress: lightningAddress,
	})
	if err != nil {
		return domain.Payout{}, err
	}

	return pr.send(ctx, p)
}

// send calls the provider with a bounded timeout. Only an explicit
// provider response transitions the payout; a timeout leaves it pending
// rather than guessing an outcome.
func (pr *Processor) send(ctx context.Context, p domain.Payout) (domain.Payout, error) {
	cctx, cancel := context.WithTimeout(ctx, pr.timeout)
	defer cancel()

	ref, err := pr.provider.SendToAddress(cctx, p.LightningAddress, p.Amount-p.Fee)

	// Settlement must land even if the caller gave up waiting.
	sctx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		settled, _, serr := pr.ledger.Settle(sctx, p.PayoutID, domain.PayoutStatusPaid, ref)
		if serr != nil {
			return domain.Payout{}, serr
		}
		return settled, nil

	case stderrors.Is(err, ErrPending), stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		if ref != "" {
			if aerr := pr.ledger.AttachProviderRef(sctx, p.PayoutID, ref); aerr != nil {
				return domain.Payout{}, aerr
			}
			p.ProviderRef = ref
		}
		return p, nil

	default:
		if _, _, serr := pr.ledger.Settle(sctx, p.PayoutID, domain.PayoutStatusFailed, ref); serr != nil {
			return domain.Payout{}, serr
		}
		return domain.Payout{}, errors.New(errors.CodeProviderFailure,
			errors.WithMessagef("payment provider rejected the withdrawal: %v", err),
			errors.WithCause(err),
		)
	}
}

// Reconcile applies an asynchronous provider outcome, keyed by the
// provider's reference. Safe under redelivery: a payout that already
// settled is left untouched.
func (pr *Processor) Reconcile(ctx context.Context, providerRef string, outcome domain.PayoutStatus) (domain.Payout, error) {
	p, err := pr.ledger.PayoutByProviderRef(ctx, providerRef)
	if err != nil {
		return domain.Payout{}, err
	}

	settled, transitioned, err := pr.ledger.Settle(ctx, p.PayoutID, outcome, providerRef)
	if err != nil {
		return domain.Payout{}, err
	}
	if !transitioned && settled.Status != outcome {
		// Redelivery with a contradicting outcome. The first terminal
		// status wins; report what actually holds.
		return settled, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("payout %s already settled as %s", settled.PayoutID, settled.Status))
	}

	return settled, nil
}

func (pr *Processor) checkDailyCaps(ctx context.Context, userID string, amount int64, cfg config.Game) error {
	user, global, err := pr.ledger.WithdrawnToday(ctx, userID)
	if err != nil {
		return err
	}

	if user+amount > cfg.MaxPayoutPerUser {
		return errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("daily withdrawal cap of %d sats reached", cfg.MaxPayoutPerUser),
			errors.WithRetryAfter(untilMidnightUTC()),
		)
	}
	if global+amount > cfg.MaxDailyPayout {
		return errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("the site-wide daily payout cap is reached, try again tomorrow"),
			errors.WithRetryAfter(untilMidnightUTC()),
		)
	}

	return nil
}

func untilMidnightUTC() time.Duration {
	now := time.Now().UTC()
	return now.Truncate(24 * time.Hour).Add(24 * time.Hour).Sub(now)
}

// validAddress accepts user@domain lightning addresses.
func validAddress(addr string) bool {
	name, host, ok := strings.Cut(addr, "@")
	return ok && name != "" && strings.Contains(host, ".")
}

//go:build integration_test

package integration

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/satstacker/satstacker/internal/config"
	"github.com/satstacker/satstacker/internal/domain"
	"github.com/satstacker/satstacker/internal/errors"
	"github.com/satstacker/satstacker/internal/payout"
)

func TestWallet_WithdrawRoundTrip(t *testing.T) {
	ctx := context.Background()
	game := config.Game{AutoApprove: true}
	e := makeEnv(t, game)
	pr := e.processor(t, game, paidProvider("prov-1"))

	_, err := e.wallet.Credit(ctx, "alice", 5000, domain.PayoutKindTrivia)
	require.NoError(t, err)

	p, err := pr.Withdraw(ctx, "alice", 5000, "alice@getalby.com")
	require.NoError(t, err)
	require.Equal(t, domain.PayoutStatusPaid, p.Status)
	require.EqualValues(t, 5000, p.Amount)
	require.EqualValues(t, 5, p.Fee) // 0.1% of 5000
	require.Equal(t, "prov-1", p.ProviderRef)
	require.False(t, p.SettledAt.IsZero())

	b, err := e.wallet.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, b.Available)
	require.Zero(t, b.Pending)
	require.EqualValues(t, 5000, b.LifetimeEarned)
	require.EqualValues(t, 5000, b.LifetimeWithdrawn)
}

func TestWallet_ConcurrentWithdrawalsSingleWinner(t *testing.T) {
	ctx := context.Background()
	game := config.Game{AutoApprove: true}
	e := makeEnv(t, game)
	pr := e.processor(t, game, paidProvider("prov-2"))

	_, err := e.wallet.Credit(ctx, "bob", 1000, domain.PayoutKindTrivia)
	require.NoError(t, err)

	var paid atomic.Int64
	var eg errgroup.Group
	for i := 0; i < 2; i++ {
		eg.Go(func() error {
			_, err := pr.Withdraw(ctx, "bob", 1000, "bob@getalby.com")
			if err == nil {
				paid.Add(1)
				return nil
			}
			if errors.Convert(err).Code != errors.CodeInvalidArgument {
				return err
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.EqualValues(t, 1, paid.Load(), "the full balance can only be withdrawn once")

	b, err := e.wallet.Balance(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, b.Available)
	require.Zero(t, b.Pending)
	require.EqualValues(t, 1000, b.LifetimeWithdrawn)
}

func TestWallet_SettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := makeEnv(t, config.Game{AutoApprove: true})

	_, err := e.wallet.Credit(ctx, "carol", 2000, domain.PayoutKindAchievement)
	require.NoError(t, err)

	p, err := e.wallet.Reserve(ctx, domain.Payout{
		UserID:           "carol",
		Amount:           500,
		Kind:             domain.PayoutKindWithdrawal,
		LightningAddress: "carol@getalby.com",
	})
	require.NoError(t, err)

	settled, transitioned, err := e.wallet.Settle(ctx, p.PayoutID, domain.PayoutStatusPaid, "prov-3")
	require.NoError(t, err)
	require.True(t, transitioned)
	require.Equal(t, domain.PayoutStatusPaid, settled.Status)

	// Redelivered and even contradicting settlements leave the first
	// terminal state in place.
	again, transitioned, err := e.wallet.Settle(ctx, p.PayoutID, domain.PayoutStatusFailed, "prov-3")
	require.NoError(t, err)
	require.False(t, transitioned)
	require.Equal(t, domain.PayoutStatusPaid, again.Status)

	b, err := e.wallet.Balance(ctx, "carol")
	require.NoError(t, err)
	require.EqualValues(t, 1500, b.Available)
	require.Zero(t, b.Pending)
	require.EqualValues(t, 500, b.LifetimeWithdrawn)
}

func TestWallet_RejectedWithdrawalLeavesBalance(t *testing.T) {
	ctx := context.Background()
	game := config.Game{AutoApprove: true}
	e := makeEnv(t, game)
	pr := e.processor(t, game, paidProvider("prov-4"))

	_, err := e.wallet.Credit(ctx, "dave", 500, domain.PayoutKindTrivia)
	require.NoError(t, err)

	_, err = pr.Withdraw(ctx, "dave", 50, "dave@getalby.com")
	require.Error(t, err)
	require.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)

	b, err := e.wallet.Balance(ctx, "dave")
	require.NoError(t, err)
	require.EqualValues(t, 500, b.Available)
	require.Zero(t, b.Pending)
}

func TestWallet_LargeRewardNeedsApproval(t *testing.T) {
	ctx := context.Background()
	e := makeEnv(t, config.Game{})

	p, err := e.wallet.Credit(ctx, "erin", 5000, domain.PayoutKindReferral)
	require.NoError(t, err)
	require.Equal(t, domain.PayoutStatusPending, p.Status)

	b, err := e.wallet.Balance(ctx, "erin")
	require.NoError(t, err)
	require.Zero(t, b.Available)
	require.EqualValues(t, 5000, b.Pending)

	_, transitioned, err := e.wallet.Settle(ctx, p.PayoutID, domain.PayoutStatusPaid, "")
	require.NoError(t, err)
	require.True(t, transitioned)

	b, err = e.wallet.Balance(ctx, "erin")
	require.NoError(t, err)
	require.EqualValues(t, 5000, b.Available)
	require.Zero(t, b.Pending)
	require.EqualValues(t, 5000, b.LifetimeEarned)
}

func TestWallet_ReconcilePendingWithdrawal(t *testing.T) {
	ctx := context.Background()
	game := config.Game{AutoApprove: true}
	e := makeEnv(t, game)
	pr := e.processor(t, game, providerFunc(func(context.Context, string, int64) (string, error) {
		return "prov-5", payout.ErrPending
	}))

	_, err := e.wallet.Credit(ctx, "frank", 3000, domain.PayoutKindTrivia)
	require.NoError(t, err)

	p, err := pr.Withdraw(ctx, "frank", 3000, "frank@getalby.com")
	require.NoError(t, err)
	require.Equal(t, domain.PayoutStatusPending, p.Status)
	require.Equal(t, "prov-5", p.ProviderRef)

	b, err := e.wallet.Balance(ctx, "frank")
	require.NoError(t, err)
	require.Zero(t, b.Available)
	require.EqualValues(t, 3000, b.Pending)

	settled, err := pr.Reconcile(ctx, "prov-5", domain.PayoutStatusPaid)
	require.NoError(t, err)
	require.Equal(t, domain.PayoutStatusPaid, settled.Status)

	// Webhook redelivery is harmless; a contradicting one is reported.
	_, err = pr.Reconcile(ctx, "prov-5", domain.PayoutStatusPaid)
	require.NoError(t, err)
	_, err = pr.Reconcile(ctx, "prov-5", domain.PayoutStatusFailed)
	require.Error(t, err)
	require.Equal(t, errors.CodeAlreadyExists, errors.Convert(err).Code)

	b, err = e.wallet.Balance(ctx, "frank")
	require.NoError(t, err)
	require.Zero(t, b.Pending)
	require.EqualValues(t, 3000, b.LifetimeWithdrawn)
}

func TestWallet_DailyCapBlocksFurtherWithdrawals(t *testing.T) {
	ctx := context.Background()
	game := config.Game{AutoApprove: true, MaxPayoutPerUser: 600, MaxDailyPayout: 10_000}
	e := makeEnv(t, game)
	pr := e.processor(t, game, paidProvider("prov-6"))

	_, err := e.wallet.Credit(ctx, "grace", 2000, domain.PayoutKindTrivia)
	require.NoError(t, err)

	_, err = pr.Withdraw(ctx, "grace", 500, "grace@getalby.com")
	require.NoError(t, err)

	_, err = pr.Withdraw(ctx, "grace", 200, "grace@getalby.com")
	require.Error(t, err)
	ce := errors.Convert(err)
	require.Equal(t, errors.CodeResourceExhausted, ce.Code)
	require.Greater(t, ce.RetryAfter().Seconds(), 0.0)
}

package config

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Game holds every tunable of the trivia and ledger engine. Zero values are
// replaced by the documented defaults in Normalize; negative or otherwise
// nonsensical values are rejected rather than silently corrected.
type Game struct {
	// SessionTTL is how long a trivia session stays answerable.
	// Default 10m.
	SessionTTL time.Duration
	// QuestionsPerSession is the number of questions drawn per session.
	// Default 5.
	QuestionsPerSession int
	// MaxLevel caps level progression. Default 21.
	MaxLevel int

	Rewards    Rewards
	RateLimits RateLimits

	// StreakBonusStep is the per-consecutive-correct-answer bonus in sats.
	// Default 2.
	StreakBonusStep int64
	// MaxStreakBonus caps the streak bonus per answer. Default 21.
	MaxStreakBonus int64

	// MinWithdrawal in sats. Default 100.
	MinWithdrawal int64
	// WithdrawalFeePpm is the withdrawal fee in parts per million of the
	// amount, deducted from the sum sent to the provider. Default 1000
	// (0.1%).
	WithdrawalFeePpm int64
	// MaxDailyPayout caps the sats withdrawn across all users per UTC day.
	// Default 1_000_000.
	MaxDailyPayout int64
	// MaxPayoutPerUser caps the sats withdrawn by one user per UTC day.
	// Default 50_000.
	MaxPayoutPerUser int64

	// AutoApprove lets reward credits above AutoApproveThreshold settle
	// instantly instead of waiting for review. Default false.
	AutoApprove bool
	// AutoApproveThreshold in sats. Default 1000.
	AutoApproveThreshold int64

	// MaintenanceMode fails session starts and withdrawals fast.
	MaintenanceMode bool
}

// Rewards are the base sats rewards per credit source.
type Rewards struct {
	// Defaults: easy 10, medium 21, hard 50.
	TriviaEasy   int64
	TriviaMedium int64
	TriviaHard   int64
	// Defaults: daily challenge 100, achievement 500, referral 1000.
	DailyChallenge   int64
	AchievementBonus int64
	ReferralBonus    int64
}

type RateLimits struct {
	// TriviaPerHour is the max session starts per user per hour.
	// Default 10.
	TriviaPerHour int
	// WithdrawalsPerDay is the max withdrawal attempts per user per day.
	// Default 3.
	WithdrawalsPerDay int
}

// Normalize applies defaults to unset fields and validates the rest. It is
// total: any Game value either normalizes or returns an error naming the
// offending field.
func (g *Game) Normalize() error {
	defaults := []struct {
		name string
		v    *int64
		def  int64
	}{
		{"streakbonusstep", &g.StreakBonusStep, 2},
		{"maxstreakbonus", &g.MaxStreakBonus, 21},
		{"minwithdrawal", &g.MinWithdrawal, 100},
		{"withdrawalfeeppm", &g.WithdrawalFeePpm, 1000},
		{"maxdailypayout", &g.MaxDailyPayout, 1_000_000},
		{"maxpayoutperuser", &g.MaxPayoutPerUser, 50_000},
		{"autoapprovethreshold", &g.AutoApproveThreshold, 1000},
		{"rewards.triviaeasy", &g.Rewards.TriviaEasy, 10},
		{"rewards.triviamedium", &g.Rewards.TriviaMedium, 21},
		{"rewards.triviahard", &g.Rewards.TriviaHard, 50},
		{"rewards.dailychallenge", &g.Rewards.DailyChallenge, 100},
		{"rewards.achievementbonus", &g.Rewards.AchievementBonus, 500},
		{"rewards.referralbonus", &g.Rewards.ReferralBonus, 1000},
	}

	for _, d := range defaults {
		if *d.v < 0 {
			return fmt.Errorf("game config: %s must not be negative, got %d", d.name, *d.v)
		}
		if *d.v == 0 {
			*d.v = d.def
		}
	}

	if g.SessionTTL < 0 {
		return fmt.Errorf("game config: sessionttl must not be negative, got %s", g.SessionTTL)
	}
	if g.SessionTTL == 0 {
		g.SessionTTL = 10 * time.Minute
	}

	counts := []struct {
		name string
		v    *int
		def  int
	}{
		{"questionspersession", &g.QuestionsPerSession, 5},
		{"maxlevel", &g.MaxLevel, 21},
		{"ratelimits.triviaperhour", &g.RateLimits.TriviaPerHour, 10},
		{"ratelimits.withdrawalsperday", &g.RateLimits.WithdrawalsPerDay, 3},
	}

	for _, d := range counts {
		if *d.v < 0 {
			return fmt.Errorf("game config: %s must not be negative, got %d", d.name, *d.v)
		}
		if *d.v == 0 {
			*d.v = d.def
		}
	}

	if g.WithdrawalFeePpm >= 1_000_000 {
		return fmt.Errorf("game config: withdrawalfeeppm must be below 1000000, got %d", g.WithdrawalFeePpm)
	}
	if g.MaxPayoutPerUser > g.MaxDailyPayout {
		return fmt.Errorf("game config: maxpayoutperuser %d exceeds maxdailypayout %d", g.MaxPayoutPerUser, g.MaxDailyPayout)
	}

	return nil
}

// BaseReward returns the base sats reward for a question difficulty.
// Unknown difficulties earn the easy reward.
func (g Game) BaseReward(difficulty string) int64 {
	switch difficulty {
	case "hard":
		return g.Rewards.TriviaHard
	case "medium":
		return g.Rewards.TriviaMedium
	default:
		return g.Rewards.TriviaEasy
	}
}

// Store holds the current Game snapshot. Components read a snapshot at the
// start of an operation and keep it for the operation's lifetime; Swap
// installs a new snapshot without touching in-flight readers.
type Store struct {
	v atomic.Pointer[Game]
}

func NewStore(g Game) (*Store, error) {
	s := &Store{}
	if err := s.Swap(g); err != nil {
		return nil, err
	}

	return s, nil
}

// Current returns the live snapshot.
func (s *Store) Current() Game {
	return *s.v.Load()
}

// Swap normalizes g and installs it as the new snapshot.
func (s *Store) Swap(g Game) error {
	if err := g.Normalize(); err != nil {
		return err
	}

	s.v.Store(&g)
	return nil
}

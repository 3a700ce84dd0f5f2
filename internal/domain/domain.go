package domain

import (
	"time"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Question is an immutable trivia question. CorrectIndex and Explanation
// must never reach the client before the question has been graded.
type Question struct {
	QuestionID   string
	Prompt       string
	Options      []string
	CorrectIndex int
	Explanation  string
	Difficulty   Difficulty
	Category     string
	Level        int
}

// Session is a time-boxed set of trivia questions assigned to one user at
// one level. A user has at most one active session; starting a new one
// supersedes the old.
type Session struct {
	SessionID  string
	UserID     string
	Level      int
	Generation int64
	Questions  []SessionQuestion
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type SessionQuestion struct {
	Question Question
	Answered bool
	Correct  bool
}

// Progress is the per-user trivia aggregate. All fields are monotonic
// except CurrentStreak, which resets on a wrong answer.
type Progress struct {
	UserID            string
	CurrentLevel      int
	QuestionsAnswered int
	CorrectCount      int
	CurrentStreak     int
	BestStreak        int
	TotalSatsEarned   int64
	LevelCompleted    bool
}

// GradeResult is the outcome of grading one submitted answer.
type GradeResult struct {
	Correct         bool
	CorrectIndex    int
	Explanation     string
	SatsEarned      int64
	Streak          int
	LevelUnlocked   bool
	SessionComplete bool
}

// Balance holds a user's sats. Available and Pending never go negative;
// LifetimeEarned = Available + Pending + LifetimeWithdrawn whenever no
// mutation is in flight.
type Balance struct {
	UserID            string
	Available         int64
	Pending           int64
	LifetimeEarned    int64
	LifetimeWithdrawn int64
	LastActivityAt    time.Time
}

type PayoutKind string

const (
	PayoutKindTrivia      PayoutKind = "trivia"
	PayoutKindStacker     PayoutKind = "stacker"
	PayoutKindAchievement PayoutKind = "achievement"
	PayoutKindReferral    PayoutKind = "referral"
	PayoutKindWithdrawal  PayoutKind = "withdrawal"
)

type PayoutStatus string

const (
	PayoutStatusPending PayoutStatus = "pending"
	PayoutStatusPaid    PayoutStatus = "paid"
	PayoutStatusFailed  PayoutStatus = "failed"
)

// Payout documents one sats movement, reward or withdrawal. Status moves
// pending -> paid|failed and never leaves a terminal state.
type Payout struct {
	PayoutID         string
	UserID           string
	Amount           int64
	Fee              int64
	Kind             PayoutKind
	Status           PayoutStatus
	LightningAddress string
	ProviderRef      string
	CreatedAt        time.Time
	SettledAt        time.Time
}

// Terminal reports whether the payout reached a final status.
func (p Payout) Terminal() bool {
	return p.Status == PayoutStatusPaid || p.Status == PayoutStatusFailed
}

// Leaderboard is the list of top stackers ranked by lifetime sats earned.
type Leaderboard struct {
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	UserID string
	Sats   int64
}

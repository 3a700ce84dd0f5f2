package domain

import "time"

const (
	EventNameAnswerGraded       = "answer.graded"
	EventNamePayoutSettled      = "payout.settled"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventAnswerGraded struct {
	UserID          string
	Result          GradeResult
	TotalSatsEarned int64
	UpdateTime      time.Time
}

func (EventAnswerGraded) Name() string { return EventNameAnswerGraded }

type EventPayoutSettled struct {
	Payout Payout
}

func (EventPayoutSettled) Name() string { return EventNamePayoutSettled }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

// Package grade turns a submitted answer into a deterministic verdict:
// correctness, streak delta, sats reward and level-unlock decision. It
// performs no I/O; callers persist the result.
package grade

import (
	"github.com/satstacker/satstacker/internal/config"
	"github.com/satstacker/satstacker/internal/domain"
)

type Input struct {
	Question    domain.Question
	AnswerIndex int
	// Prior is the user's progress before this answer.
	Prior domain.Progress
	// SessionLevel is the level the graded session was started at.
	SessionLevel int
	// CompletesSession is true when this question is the session's last
	// unanswered one and every other question was answered correctly.
	CompletesSession bool
}

// Evaluate grades one answer under the given config snapshot.
func Evaluate(in Input, cfg config.Game) domain.GradeResult {
	res := domain.GradeResult{
		CorrectIndex: in.Question.CorrectIndex,
		Explanation:  in.Question.Explanation,
	}

	if in.AnswerIndex != in.Question.CorrectIndex {
		// Streak resets; best streak and level are untouched.
		return res
	}

	res.Correct = true
	res.Streak = in.Prior.CurrentStreak + 1
	res.SatsEarned = cfg.BaseReward(string(in.Question.Difficulty)) + streakBonus(res.Streak, cfg)
	res.SessionComplete = in.CompletesSession

	// Unlocking is a property of completing a session at the user's own
	// current level. Completing a replayed lower level never advances.
	if in.CompletesSession && in.SessionLevel == in.Prior.CurrentLevel && in.Prior.CurrentLevel < cfg.MaxLevel {
		res.LevelUnlocked = true
	}

	return res
}

// streakBonus grows with the streak and is capped to bound payout variance.
// The first correct answer of a streak earns no bonus.
func streakBonus(streak int, cfg config.Game) int64 {
	if streak <= 1 {
		return 0
	}

	bonus := cfg.StreakBonusStep * int64(streak-1)
	if bonus > cfg.MaxStreakBonus {
		return cfg.MaxStreakBonus
	}

	return bonus
}

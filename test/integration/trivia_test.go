//go:build integration_test

package integration

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/satstacker/satstacker/internal/config"
	"github.com/satstacker/satstacker/internal/errors"
	"github.com/satstacker/satstacker/internal/session"
)

func TestTrivia_DuplicateAnswerCreditsOnce(t *testing.T) {
	ctx := context.Background()
	e := makeEnv(t, config.Game{QuestionsPerSession: 2})
	e.seedQuestions(t, 1, 4)

	ss, err := e.session.Start(ctx, "alice", 1)
	require.NoError(t, err)
	q := ss.Questions[0].Question

	var graded atomic.Int64
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			_, err := e.session.Answer(ctx, session.AnswerRequest{
				SessionID:   ss.SessionID,
				UserID:      "alice",
				QuestionID:  q.QuestionID,
				AnswerIndex: q.CorrectIndex,
			})
			if err == nil {
				graded.Add(1)
				return nil
			}
			if errors.Convert(err).Code != errors.CodeInvalidArgument {
				return err
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.EqualValues(t, 1, graded.Load(), "exactly one submission must be graded")

	prog, err := e.progress.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, prog.QuestionsAnswered)
	require.EqualValues(t, 10, prog.TotalSatsEarned)

	b, err := e.wallet.Balance(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 10, b.Available)
	require.EqualValues(t, 10, b.LifetimeEarned)
}

func TestTrivia_CompletingOwnLevelUnlocksNext(t *testing.T) {
	ctx := context.Background()
	e := makeEnv(t, config.Game{QuestionsPerSession: 2})
	e.seedQuestions(t, 1, 2)

	ss, err := e.session.Start(ctx, "bob", 1)
	require.NoError(t, err)
	require.Len(t, ss.Questions, 2)

	first, err := e.session.Answer(ctx, session.AnswerRequest{
		SessionID:   ss.SessionID,
		UserID:      "bob",
		QuestionID:  ss.Questions[0].Question.QuestionID,
		AnswerIndex: 0,
	})
	require.NoError(t, err)
	require.True(t, first.Correct)
	require.False(t, first.SessionComplete)
	require.EqualValues(t, 10, first.SatsEarned)

	second, err := e.session.Answer(ctx, session.AnswerRequest{
		SessionID:   ss.SessionID,
		UserID:      "bob",
		QuestionID:  ss.Questions[1].Question.QuestionID,
		AnswerIndex: 0,
	})
	require.NoError(t, err)
	require.True(t, second.SessionComplete)
	require.True(t, second.LevelUnlocked)
	require.EqualValues(t, 12, second.SatsEarned) // base 10 + streak bonus 2

	prog, err := e.progress.Get(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, prog.CurrentLevel)
	require.Equal(t, 2, prog.CurrentStreak)
	require.EqualValues(t, 22, prog.TotalSatsEarned)

	// The next level is startable now.
	e.seedQuestions(t, 2, 2)
	_, err = e.session.Start(ctx, "bob", 2)
	require.NoError(t, err)
}

func TestTrivia_WrongAnswerResetsStreak(t *testing.T) {
	ctx := context.Background()
	e := makeEnv(t, config.Game{QuestionsPerSession: 2})
	e.seedQuestions(t, 1, 2)

	ss, err := e.session.Start(ctx, "carol", 1)
	require.NoError(t, err)

	_, err = e.session.Answer(ctx, session.AnswerRequest{
		SessionID:   ss.SessionID,
		UserID:      "carol",
		QuestionID:  ss.Questions[0].Question.QuestionID,
		AnswerIndex: 0,
	})
	require.NoError(t, err)

	res, err := e.session.Answer(ctx, session.AnswerRequest{
		SessionID:   ss.SessionID,
		UserID:      "carol",
		QuestionID:  ss.Questions[1].Question.QuestionID,
		AnswerIndex: 3,
	})
	require.NoError(t, err)
	require.False(t, res.Correct)
	require.Zero(t, res.SatsEarned)
	require.Equal(t, 0, res.CorrectIndex)
	require.NotEmpty(t, res.Explanation)

	prog, err := e.progress.Get(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, 0, prog.CurrentStreak)
	require.Equal(t, 1, prog.BestStreak)
	require.Equal(t, 1, prog.CurrentLevel)
	require.EqualValues(t, 10, prog.TotalSatsEarned)
}

func TestTrivia_ExpiredSessionRejectsAnswers(t *testing.T) {
	ctx := context.Background()
	e := makeEnv(t, config.Game{QuestionsPerSession: 2})
	e.seedQuestions(t, 1, 2)

	ss, err := e.session.Start(ctx, "dave", 1)
	require.NoError(t, err)
	e.expireSession(t, ss.SessionID)

	_, err = e.session.Answer(ctx, session.AnswerRequest{
		SessionID:   ss.SessionID,
		UserID:      "dave",
		QuestionID:  ss.Questions[0].Question.QuestionID,
		AnswerIndex: 0,
	})
	require.Error(t, err)
	require.Equal(t, errors.CodeExpired, errors.Convert(err).Code)

	b, err := e.wallet.Balance(ctx, "dave")
	require.NoError(t, err)
	require.Zero(t, b.Available)
}

func TestTrivia_StartSupersedesOldSession(t *testing.T) {
	ctx := context.Background()
	e := makeEnv(t, config.Game{QuestionsPerSession: 2})
	e.seedQuestions(t, 1, 4)

	old, err := e.session.Start(ctx, "erin", 1)
	require.NoError(t, err)

	fresh, err := e.session.Start(ctx, "erin", 1)
	require.NoError(t, err)
	require.NotEqual(t, old.SessionID, fresh.SessionID)
	require.Greater(t, fresh.Generation, old.Generation)

	_, err = e.session.Answer(ctx, session.AnswerRequest{
		SessionID:   old.SessionID,
		UserID:      "erin",
		QuestionID:  old.Questions[0].Question.QuestionID,
		AnswerIndex: 0,
	})
	require.Error(t, err)
	require.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
}

func TestTrivia_StartRateLimited(t *testing.T) {
	ctx := context.Background()
	e := makeEnv(t, config.Game{
		QuestionsPerSession: 2,
		RateLimits:          config.RateLimits{TriviaPerHour: 2},
	})
	e.seedQuestions(t, 1, 4)

	for i := 0; i < 2; i++ {
		_, err := e.session.Start(ctx, "frank", 1)
		require.NoError(t, err)
	}

	_, err := e.session.Start(ctx, "frank", 1)
	require.Error(t, err)
	ce := errors.Convert(err)
	require.Equal(t, errors.CodeResourceExhausted, ce.Code)
	require.Greater(t, ce.RetryAfter().Seconds(), 0.0)
}

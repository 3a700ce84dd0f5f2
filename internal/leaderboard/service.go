package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/satstacker/satstacker/internal/domain"
	"github.com/satstacker/satstacker/internal/errors"
	"github.com/satstacker/satstacker/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	publishTopN     = 100
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

// Service keeps the global top-stackers ranking: every user scored by
// lifetime sats earned, in a redis sorted set fed from graded answers.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameAnswerGraded, func(ctx context.Context, e event.Event) error {
		return s.ApplyGrade(ctx, e.(domain.EventAnswerGraded))
	})

	return s
}

type TopRequest struct {
	Limit int
}

// Top returns the highest-earning users, best first.
func (s *Service) Top(ctx context.Context, req TopRequest) (*domain.Leaderboard, error) {
	limit := req.Limit
	if limit <= 0 || limit > publishTopN {
		limit = publishTopN
	}

	res, err := s.redis.ZRevRangeWithScores(ctx, s.rankKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: top: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard is empty"))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			UserID: z.Member.(string),
			Sats:   int64(z.Score),
		})
	}

	return &domain.Leaderboard{Entries: entries}, nil
}

// ApplyGrade overwrites the user's lifetime total in the ranking.
func (s *Service) ApplyGrade(ctx context.Context, e domain.EventAnswerGraded) error {
	if err := s.redis.ZAdd(ctx, s.rankKey(), redis.Z{
		Score:  float64(e.TotalSatsEarned),
		Member: e.UserID,
	}).Err(); err != nil {
		return fmt.Errorf("leaderboard: update rank: %w", err)
	}

	return s.schedulePublish(ctx, e.UpdateTime)
}

// schedulePublish debounces leaderboard.updated events: under a burst of
// graded answers, at most one event per publishInterval leaves this
// instance, and the SetNX gate keeps multiple instances from all
// publishing.
func (s *Service) schedulePublish(ctx context.Context, at time.Time) error {
	ok, err := s.redis.SetNX(ctx, s.gateKey(), at.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("leaderboard: setnx: %w", err)
	}

	if !ok {
		return nil
	}

	l, err := s.Top(ctx, TopRequest{Limit: publishTopN})
	if err != nil {
		return fmt.Errorf("leaderboard: publish: %w", err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) rankKey() string {
	return fmt.Sprintf("%s:stackers", s.prefix)
}

func (s *Service) gateKey() string {
	return fmt.Sprintf("%s:stackers:publish", s.prefix)
}

package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/satstacker/satstacker/internal/domain"
	"github.com/satstacker/satstacker/internal/event"
	"github.com/satstacker/satstacker/internal/leaderboard"
)

func TestService_Top(t *testing.T) {
	s, eb := makeService(t)

	// Apply in order; the bus would run handlers concurrently.
	for _, e := range []domain.EventAnswerGraded{
		{UserID: "u1", TotalSatsEarned: 100, UpdateTime: time.Now()},
		{UserID: "u2", TotalSatsEarned: 2100, UpdateTime: time.Now()},
		{UserID: "u1", TotalSatsEarned: 150, UpdateTime: time.Now()},
	} {
		require.NoError(t, s.ApplyGrade(context.Background(), e))
	}
	eb.Stop()

	got, err := s.Top(context.Background(), leaderboard.TopRequest{Limit: 10})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		Entries: []domain.LeaderboardEntry{
			{UserID: "u2", Sats: 2100},
			{UserID: "u1", Sats: 150},
		},
	}
	require.Equal(t, want, got, "latest lifetime total wins, ranked descending")
}

func TestService_TopEmpty(t *testing.T) {
	s, _ := makeService(t)

	_, err := s.Top(context.Background(), leaderboard.TopRequest{})
	require.Error(t, err)
}

func TestService_PublishDebounce(t *testing.T) {
	tests := map[string]struct {
		arrange func() []domain.EventAnswerGraded
		assert  func(t *testing.T, published []domain.EventLeaderboardUpdated)
	}{
		"one graded answer publishes one update": {
			arrange: func() []domain.EventAnswerGraded {
				return []domain.EventAnswerGraded{
					{UserID: "u1", TotalSatsEarned: 10, UpdateTime: time.Now()},
				}
			},
			assert: func(t *testing.T, published []domain.EventLeaderboardUpdated) {
				require.Len(t, published, 1)
				require.Equal(t, []domain.LeaderboardEntry{{UserID: "u1", Sats: 10}}, published[0].Leaderboard.Entries)
			},
		},

		"a burst within the publish interval publishes once": {
			arrange: func() []domain.EventAnswerGraded {
				return []domain.EventAnswerGraded{
					{UserID: "u1", TotalSatsEarned: 10, UpdateTime: time.Now()},
					{UserID: "u2", TotalSatsEarned: 20, UpdateTime: time.Now()},
					{UserID: "u3", TotalSatsEarned: 30, UpdateTime: time.Now()},
				}
			},
			assert: func(t *testing.T, published []domain.EventLeaderboardUpdated) {
				require.Len(t, published, 1)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s, eb := makeService(t)

			var (
				mu        sync.Mutex
				published []domain.EventLeaderboardUpdated
			)
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				published = append(published, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			// Apply sequentially so the debounce gate sees the burst.
			for _, e := range tt.arrange() {
				require.NoError(t, s.ApplyGrade(context.Background(), e))
			}
			eb.Stop()

			mu.Lock()
			defer mu.Unlock()
			tt.assert(t, published)
		})
	}
}

func makeService(t *testing.T) (*leaderboard.Service, *event.Bus) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	eb := event.NewBus()
	return leaderboard.NewService(leaderboard.Config{
		EventBus: eb,
		Redis:    rc,
		Prefix:   "test",
	}), eb
}

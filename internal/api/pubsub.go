package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/satstacker/satstacker/internal/domain"
)

const maxConcurrentPublishes = 100

type (
	// Notification is the envelope pushed to a user's realtime channel.
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	GradeNotification struct {
		Correct         bool  `json:"correct"`
		SatsEarned      int64 `json:"sats_earned"`
		Streak          int   `json:"streak"`
		LevelUnlocked   bool  `json:"level_unlocked"`
		TotalSatsEarned int64 `json:"total_sats_earned"`
	}

	PayoutNotification struct {
		PayoutID string `json:"payout_id"`
		Kind     string `json:"kind"`
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
	}

	LeaderboardNotification struct {
		Entries []LeaderboardNotificationEntry `json:"entries"`
	}

	LeaderboardNotificationEntry struct {
		UserID string `json:"user_id"`
		Sats   int64  `json:"sats"`
	}
)

func (a *API) notifyAnswerGraded(ctx context.Context, e domain.EventAnswerGraded) error {
	return a.publishNotification(ctx, e.UserID, e.Name(), GradeNotification{
		Correct:         e.Result.Correct,
		SatsEarned:      e.Result.SatsEarned,
		Streak:          e.Result.Streak,
		LevelUnlocked:   e.Result.LevelUnlocked,
		TotalSatsEarned: e.TotalSatsEarned,
	})
}

func (a *API) notifyPayoutSettled(ctx context.Context, e domain.EventPayoutSettled) error {
	p := e.Payout

	return a.publishNotification(ctx, p.UserID, e.Name(), PayoutNotification{
		PayoutID: p.PayoutID,
		Kind:     string(p.Kind),
		Status:   string(p.Status),
		Amount:   p.Amount,
	})
}

// notifyLeaderboardUpdated pushes the fresh ranking to everyone on it.
func (a *API) notifyLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	data := LeaderboardNotification{
		Entries: make([]LeaderboardNotificationEntry, 0, len(e.Leaderboard.Entries)),
	}
	for _, entry := range e.Leaderboard.Entries {
		data.Entries = append(data.Entries, LeaderboardNotificationEntry{
			UserID: entry.UserID,
			Sats:   entry.Sats,
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentPublishes)

	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return a.publishNotification(ctx, entry.UserID, e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}

package progress

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satstacker/satstacker/internal/domain"
)

type Config struct {
	DB *pgxpool.Pool
}

// Store is the durable per-user trivia aggregate. It is only mutated with
// graded answers, inside the same transaction as the matching wallet
// credit.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(c Config) *Store {
	return &Store{db: c.DB}
}

// Get returns the user's progress. Users without a row start at level 1.
func (s *Store) Get(ctx context.Context, userID string) (domain.Progress, error) {
	const stmt = `
SELECT user_id, current_level, questions_answered, correct_count, current_streak, best_streak, total_sats_earned, level_completed
FROM progress
WHERE user_id = $1;`

	p, err := scanProgress(s.db.QueryRow(ctx, stmt, userID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return defaultProgress(userID), nil
	}
	if err != nil {
		return domain.Progress{}, fmt.Errorf("progress: get %s: %w", userID, err)
	}

	return p, nil
}

// GetForUpdateTx reads the user's progress inside tx, locking the row so a
// concurrent grade of the same user serializes behind it.
func (s *Store) GetForUpdateTx(ctx context.Context, tx pgx.Tx, userID string) (domain.Progress, error) {
	const stmt = `
SELECT user_id, current_level, questions_answered, correct_count, current_streak, best_streak, total_sats_earned, level_completed
FROM progress
WHERE user_id = $1
FOR UPDATE;`

	p, err := scanProgress(tx.QueryRow(ctx, stmt, userID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return defaultProgress(userID), nil
	}
	if err != nil {
		return domain.Progress{}, fmt.Errorf("progress: get for update %s: %w", userID, err)
	}

	return p, nil
}

// ApplyTx folds one grade result into the aggregate inside tx and returns
// the updated row.
func (s *Store) ApplyTx(ctx context.Context, tx pgx.Tx, userID string, res domain.GradeResult) (domain.Progress, error) {
	const stmt = `
INSERT INTO progress (user_id, current_level, questions_answered, correct_count, current_streak, best_streak, total_sats_earned, level_completed)
VALUES ($1, CASE WHEN $5 THEN 2 ELSE 1 END, 1, CASE WHEN $2 THEN 1 ELSE 0 END, $3, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE SET
	questions_answered = progress.questions_answered + 1,
	correct_count      = progress.correct_count + CASE WHEN $2 THEN 1 ELSE 0 END,
	current_streak     = $3,
	best_streak        = GREATEST(progress.best_streak, $3),
	total_sats_earned  = progress.total_sats_earned + $4,
	current_level      = progress.current_level + CASE WHEN $5 THEN 1 ELSE 0 END,
	level_completed    = $5 OR progress.level_completed
RETURNING user_id, current_level, questions_answered, correct_count, current_streak, best_streak, total_sats_earned, level_completed;`

	p, err := scanProgress(tx.QueryRow(ctx, stmt, userID, res.Correct, res.Streak, res.SatsEarned, res.LevelUnlocked))
	if err != nil {
		return domain.Progress{}, fmt.Errorf("progress: apply %s: %w", userID, err)
	}

	return p, nil
}

func defaultProgress(userID string) domain.Progress {
	return domain.Progress{
		UserID:       userID,
		CurrentLevel: 1,
	}
}

func scanProgress(r pgx.Row) (domain.Progress, error) {
	var p domain.Progress
	err := r.Scan(&p.UserID, &p.CurrentLevel, &p.QuestionsAnswered, &p.CorrectCount, &p.CurrentStreak, &p.BestStreak, &p.TotalSatsEarned, &p.LevelCompleted)
	return p, err
}

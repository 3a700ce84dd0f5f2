package question

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satstacker/satstacker/internal/domain"
	"github.com/satstacker/satstacker/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Bank is the read-only trivia question provider. The corpus is maintained
// by the content pipeline; the bank only draws from it.
type Bank struct {
	db *pgxpool.Pool
}

func NewBank(c Config) *Bank {
	return &Bank{db: c.DB}
}

// Draw picks up to n random questions for the level, preferring questions
// outside the exclusion set. When the remaining pool is too small, it tops
// up with repeats from the excluded set rather than returning a short
// session.
func (b *Bank) Draw(ctx context.Context, level int, exclude []string, n int) ([]domain.Question, error) {
	if exclude == nil {
		exclude = []string{}
	}

	const stmt = `
SELECT question_id, prompt, options, correct_index, explanation, difficulty, category, level
FROM questions
WHERE level = $1 AND NOT (question_id = ANY($2))
ORDER BY random()
LIMIT $3;`

	qs, err := b.query(ctx, stmt, level, exclude, n)
	if err != nil {
		return nil, fmt.Errorf("question: draw level %d: %w", level, err)
	}

	if len(qs) < n {
		drawn := make([]string, 0, len(qs))
		for _, q := range qs {
			drawn = append(drawn, q.QuestionID)
		}

		const topupStmt = `
SELECT question_id, prompt, options, correct_index, explanation, difficulty, category, level
FROM questions
WHERE level = $1 AND NOT (question_id = ANY($2))
ORDER BY random()
LIMIT $3;`

		more, err := b.query(ctx, topupStmt, level, drawn, n-len(qs))
		if err != nil {
			return nil, fmt.Errorf("question: top up level %d: %w", level, err)
		}
		qs = append(qs, more...)
	}

	if len(qs) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no questions available for level %d", level))
	}

	return qs, nil
}

// Get returns one question by id.
func (b *Bank) Get(ctx context.Context, questionID string) (domain.Question, error) {
	const stmt = `
SELECT question_id, prompt, options, correct_index, explanation, difficulty, category, level
FROM questions
WHERE question_id = $1;`

	qs, err := b.query(ctx, stmt, questionID)
	if err != nil {
		return domain.Question{}, fmt.Errorf("question: get %s: %w", questionID, err)
	}
	if len(qs) == 0 {
		return domain.Question{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("question not found: %s", questionID))
	}

	return qs[0], nil
}

func (b *Bank) query(ctx context.Context, stmt string, args ...any) ([]domain.Question, error) {
	rows, err := b.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		err := r.Scan(&q.QuestionID, &q.Prompt, &q.Options, &q.CorrectIndex, &q.Explanation, &q.Difficulty, &q.Category, &q.Level)
		return q, err
	})
}

package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/satstacker/satstacker/internal/config"
	"github.com/satstacker/satstacker/internal/domain"
	"github.com/satstacker/satstacker/internal/errors"
	"github.com/satstacker/satstacker/internal/event"
	"github.com/satstacker/satstacker/internal/grade"
	"github.com/satstacker/satstacker/internal/progress"
	"github.com/satstacker/satstacker/internal/ratelimit"
	"github.com/satstacker/satstacker/internal/telemetry"
	"github.com/satstacker/satstacker/internal/wallet"
)

// QuestionBank is the read-only question provider the service draws from.
type QuestionBank interface {
	Draw(ctx context.Context, level int, exclude []string, n int) ([]domain.Question, error)
	Get(ctx context.Context, questionID string) (domain.Question, error)
}

type Limiter interface {
	Allow(ctx context.Context, userID, action string, r ratelimit.Rule) error
}

type Config struct {
	DB       *pgxpool.Pool
	Bank     QuestionBank
	Limiter  Limiter
	Progress *progress.Store
	Wallet   *wallet.Ledger
	Config   *config.Store
	EventBus *event.Bus
}

// Service owns the session lifecycle. A user has one session row; starting
// a new session overwrites it and bumps its generation, which makes the
// superseded session id unresolvable. Grading marks the question answered
// before evaluating it, inside one transaction with the progress update and
// the wallet credit.
type Service struct {
	db       *pgxpool.Pool
	bank     QuestionBank
	limiter  Limiter
	progress *progress.Store
	wallet   *wallet.Ledger
	cfg      *config.Store
	eb       *event.Bus
	now      func() time.Time
}

func NewService(c Config) *Service {
	return &Service{
		db:       c.DB,
		bank:     c.Bank,
		limiter:  c.Limiter,
		progress: c.Progress,
		wallet:   c.Wallet,
		cfg:      c.Config,
		eb:       c.EventBus,
		now:      time.Now,
	}
}

// Start creates a new trivia session for the user at the given level,
// superseding any existing session. The level must already be unlocked.
func (s *Service) Start(ctx context.Context, userID string, level int) (*domain.Session, error) {
	cfg := s.cfg.Current()

	if cfg.MaintenanceMode {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("trivia is paused for maintenance"))
	}

	prog, err := s.progress.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if level < 1 || level > prog.CurrentLevel {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("level %d is not unlocked yet, current level is %d", level, prog.CurrentLevel))
	}

	if err := s.limiter.Allow(ctx, userID, ratelimit.ActionTriviaStart, ratelimit.Rule{
		Limit:  cfg.RateLimits.TriviaPerHour,
		Window: time.Hour,
	}); err != nil {
		return nil, err
	}

	exclude, err := s.correctlyAnswered(ctx, userID, level)
	if err != nil {
		return nil, err
	}

	qs, err := s.bank.Draw(ctx, level, exclude, cfg.QuestionsPerSession)
	if err != nil {
		return nil, err
	}

	ss := &domain.Session{
		UserID:    userID,
		Level:     level,
		CreatedAt: s.now(),
		ExpiresAt: s.now().Add(cfg.SessionTTL),
	}
	for _, q := range qs {
		ss.Questions = append(ss.Questions, domain.SessionQuestion{Question: q})
	}

	if err := s.insertSession(ctx, ss); err != nil {
		return nil, err
	}

	return ss, nil
}

func (s *Service) insertSession(ctx context.Context, ss *domain.Session) (err error) {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("session: generate session ID: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session: begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	// Locking the user's row serializes concurrent starts; the superseded
	// session's questions are removed so its id cannot be graded again.
	var oldID string
	err = tx.QueryRow(ctx, `SELECT session_id FROM sessions WHERE user_id = $1 FOR UPDATE;`, ss.UserID).Scan(&oldID)
	if err != nil && !stderrors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session: lock current session: %w", err)
	}
	if oldID != "" {
		if _, err = tx.Exec(ctx, `DELETE FROM session_questions WHERE session_id = $1;`, oldID); err != nil {
			return fmt.Errorf("session: drop superseded questions: %w", err)
		}
	}

	const upsertStmt = `
INSERT INTO sessions (user_id, session_id, generation, level, created_at, expires_at)
VALUES ($1, $2, 1, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE SET
	session_id = $2,
	generation = sessions.generation + 1,
	level      = $3,
	created_at = $4,
	expires_at = $5
RETURNING generation;`

	err = tx.QueryRow(ctx, upsertStmt, ss.UserID, id, ss.Level, ss.CreatedAt, ss.ExpiresAt).Scan(&ss.Generation)
	if err != nil {
		return fmt.Errorf("session: upsert session: %w", err)
	}
	ss.SessionID = id.String()

	const insQuestionStmt = `INSERT INTO session_questions (session_id, question_id, position) VALUES ($1, $2, $3);`
	for i, q := range ss.Questions {
		if _, err = tx.Exec(ctx, insQuestionStmt, id, q.Question.QuestionID, i); err != nil {
			return fmt.Errorf("session: insert question: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Service) correctlyAnswered(ctx context.Context, userID string, level int) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT question_id FROM correct_answers WHERE user_id = $1 AND level = $2;`, userID, level)
	if err != nil {
		return nil, fmt.Errorf("session: load answered questions: %w", err)
	}

	ids, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (string, error) {
		var id string
		err := r.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("session: load answered questions: %w", err)
	}

	return ids, nil
}

type AnswerRequest struct {
	SessionID   string
	UserID      string
	QuestionID  string
	AnswerIndex int
}

// Answer grades one submitted answer. The question is marked answered
// before grading, so a concurrent duplicate submission observes "already
// answered" instead of racing to a second credit. The mark, the progress
// update and the wallet credit commit or abort together.
func (s *Service) Answer(ctx context.Context, req AnswerRequest) (res *domain.GradeResult, err error) {
	cfg := s.cfg.Current()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	ss, err := s.lockSession(ctx, tx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if ss.UserID != req.UserID {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("session %s belongs to another user", req.SessionID))
	}
	if s.now().After(ss.ExpiresAt) {
		return nil, errors.New(errors.CodeExpired,
			errors.WithMessagef("session %s expired at %s", req.SessionID, ss.ExpiresAt.Format(time.RFC3339)))
	}

	if err = s.markAnswered(ctx, tx, req.SessionID, req.QuestionID); err != nil {
		return nil, err
	}

	q, err := s.bank.Get(ctx, req.QuestionID)
	if err != nil {
		return nil, err
	}

	completes, err := s.completesSession(ctx, tx, req.SessionID, req.QuestionID)
	if err != nil {
		return nil, err
	}

	prior, err := s.progress.GetForUpdateTx(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	verdict := grade.Evaluate(grade.Input{
		Question:         q,
		AnswerIndex:      req.AnswerIndex,
		Prior:            prior,
		SessionLevel:     ss.Level,
		CompletesSession: completes,
	}, cfg)

	if _, err = tx.Exec(ctx, `UPDATE session_questions SET correct = $3 WHERE session_id = $1 AND question_id = $2;`,
		req.SessionID, req.QuestionID, verdict.Correct); err != nil {
		return nil, fmt.Errorf("session: record verdict: %w", err)
	}

	updated, err := s.progress.ApplyTx(ctx, tx, req.UserID, verdict)
	if err != nil {
		return nil, err
	}

	if verdict.Correct {
		if _, err = tx.Exec(ctx, `INSERT INTO correct_answers (user_id, level, question_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING;`,
			req.UserID, ss.Level, req.QuestionID); err != nil {
			return nil, fmt.Errorf("session: record correct answer: %w", err)
		}
	}

	if verdict.SatsEarned > 0 {
		if _, err = s.wallet.CreditTx(ctx, tx, req.UserID, verdict.SatsEarned, domain.PayoutKindTrivia); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("session: commit grade: %w", err)
	}

	telemetry.AnswersGraded.WithLabelValues(fmt.Sprintf("%t", verdict.Correct)).Inc()
	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventAnswerGraded{
			UserID:          req.UserID,
			Result:          verdict,
			TotalSatsEarned: updated.TotalSatsEarned,
			UpdateTime:      s.now(),
		})
	}

	return &verdict, nil
}

func (s *Service) lockSession(ctx context.Context, tx pgx.Tx, sessionID string) (domain.Session, error) {
	const stmt = `
SELECT user_id, level, generation, created_at, expires_at
FROM sessions
WHERE session_id = $1
FOR UPDATE;`

	ss := domain.Session{SessionID: sessionID}
	err := tx.QueryRow(ctx, stmt, sessionID).Scan(&ss.UserID, &ss.Level, &ss.Generation, &ss.CreatedAt, &ss.ExpiresAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		// Unknown or superseded: either way the id resolves to nothing.
		return domain.Session{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", sessionID))
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: lock %s: %w", sessionID, err)
	}

	return ss, nil
}

// markAnswered flips the question's answered flag. Zero rows affected means
// the flag was already set or the question is not part of this session.
func (s *Service) markAnswered(ctx context.Context, tx pgx.Tx, sessionID, questionID string) error {
	const stmt = `
UPDATE session_questions
SET answered = true
WHERE session_id = $1 AND question_id = $2 AND NOT answered;`

	tag, err := tx.Exec(ctx, stmt, sessionID, questionID)
	if err != nil {
		return fmt.Errorf("session: mark answered: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM session_questions WHERE session_id = $1 AND question_id = $2);`,
		sessionID, questionID).Scan(&exists); err != nil {
		return fmt.Errorf("session: check question membership: %w", err)
	}

	if exists {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question %s was already answered in this session", questionID))
	}

	return errors.New(errors.CodeInvalidArgument,
		errors.WithMessagef("question %s is not part of session %s", questionID, sessionID))
}

// completesSession reports whether, should the current answer be correct,
// every question of the session is answered and correct.
func (s *Service) completesSession(ctx context.Context, tx pgx.Tx, sessionID, questionID string) (bool, error) {
	const stmt = `
SELECT
	COUNT(*) FILTER (WHERE NOT answered),
	COUNT(*) FILTER (WHERE answered AND NOT correct AND question_id <> $2)
FROM session_questions
WHERE session_id = $1;`

	var remaining, wrong int
	if err := tx.QueryRow(ctx, stmt, sessionID, questionID).Scan(&remaining, &wrong); err != nil {
		return false, fmt.Errorf("session: count remaining questions: %w", err)
	}

	return remaining == 0 && wrong == 0, nil
}

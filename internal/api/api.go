package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/satstacker/satstacker/internal/domain"
	"github.com/satstacker/satstacker/internal/errors"
	"github.com/satstacker/satstacker/internal/event"
	"github.com/satstacker/satstacker/internal/leaderboard"
	"github.com/satstacker/satstacker/internal/session"
)

// userIDHeader carries the caller identity, verified by the upstream
// signed-request gateway before a request reaches this service.
const userIDHeader = "X-User-Id"

const webhookSecretHeader = "X-Webhook-Secret"

type Session interface {
	Start(ctx context.Context, userID string, level int) (*domain.Session, error)
	Answer(ctx context.Context, req session.AnswerRequest) (*domain.GradeResult, error)
}

type Progress interface {
	Get(ctx context.Context, userID string) (domain.Progress, error)
}

type Wallet interface {
	Balance(ctx context.Context, userID string) (domain.Balance, error)
	ListPayouts(ctx context.Context, userID string, limit int, before time.Time) ([]domain.Payout, error)
}

type Payouts interface {
	Withdraw(ctx context.Context, userID string, amount int64, lightningAddress string) (domain.Payout, error)
	Reconcile(ctx context.Context, providerRef string, outcome domain.PayoutStatus) (domain.Payout, error)
}

type Leaderboard interface {
	Top(ctx context.Context, req leaderboard.TopRequest) (*domain.Leaderboard, error)
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Config struct {
	Router        gin.IRouter
	EventBus      *event.Bus
	Session       Session
	Progress      Progress
	Wallet        Wallet
	Payouts       Payouts
	Leaderboard   Leaderboard
	Redis         Redis
	PubsubPrefix  string
	WebhookSecret string
}

type API struct {
	session     Session
	progress    Progress
	wallet      Wallet
	payouts     Payouts
	leaderboard Leaderboard

	redis         Redis
	prefix        string
	webhookSecret string
}

func New(c Config) *API {
	a := &API{
		session:       c.Session,
		progress:      c.Progress,
		wallet:        c.Wallet,
		payouts:       c.Payouts,
		leaderboard:   c.Leaderboard,
		redis:         c.Redis,
		prefix:        c.PubsubPrefix,
		webhookSecret: c.WebhookSecret,
	}

	authed := c.Router.Group("/", a.authenticate)
	authed.POST("/trivia/session/start", a.StartSession)
	authed.POST("/trivia/session/answer", a.AnswerQuestion)
	authed.GET("/trivia/progress", a.GetProgress)
	authed.GET("/wallet/balance", a.GetBalance)
	authed.POST("/wallet/withdraw", a.Withdraw)
	authed.GET("/wallet/payouts", a.ListPayouts)

	c.Router.GET("/leaderboard", a.GetLeaderboard)
	c.Router.POST("/webhooks/payments", a.PaymentWebhook)

	c.EventBus.Subscribe(domain.EventNameAnswerGraded, func(ctx context.Context, e event.Event) error {
		return a.notifyAnswerGraded(ctx, e.(domain.EventAnswerGraded))
	})
	c.EventBus.Subscribe(domain.EventNamePayoutSettled, func(ctx context.Context, e event.Event) error {
		return a.notifyPayoutSettled(ctx, e.(domain.EventPayoutSettled))
	})
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.notifyLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

func (a *API) authenticate(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		renderError(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("missing verified user identity")))
		c.Abort()
		return
	}

	c.Set("userID", userID)
	c.Next()
}

func callerID(c *gin.Context) string {
	return c.GetString("userID")
}

type startSessionRequest struct {
	Level int `json:"level" binding:"required"`
}

// sessionQuestionView is the client-facing question projection. It must
// never carry the correct index or the explanation.
type sessionQuestionView struct {
	ID         string   `json:"id"`
	Prompt     string   `json:"prompt"`
	Options    []string `json:"options"`
	Difficulty string   `json:"difficulty"`
	Category   string   `json:"category"`
}

type startSessionResponse struct {
	SessionID string                `json:"sessionId"`
	Level     int                   `json:"level"`
	Questions []sessionQuestionView `json:"questions"`
	ExpiresAt time.Time             `json:"expiresAt"`
}

func (a *API) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request: %v", err)))
		return
	}

	ss, err := a.session.Start(c.Request.Context(), callerID(c), req.Level)
	if err != nil {
		renderError(c, err)
		return
	}

	resp := startSessionResponse{
		SessionID: ss.SessionID,
		Level:     ss.Level,
		Questions: make([]sessionQuestionView, 0, len(ss.Questions)),
		ExpiresAt: ss.ExpiresAt,
	}
	for _, q := range ss.Questions {
		resp.Questions = append(resp.Questions, sessionQuestionView{
			ID:         q.Question.QuestionID,
			Prompt:     q.Question.Prompt,
			Options:    q.Question.Options,
			Difficulty: string(q.Question.Difficulty),
			Category:   q.Question.Category,
		})
	}

	c.JSON(http.StatusOK, resp)
}

type answerRequest struct {
	SessionID  string `json:"sessionId" binding:"required"`
	QuestionID string `json:"questionId" binding:"required"`
	Answer     *int   `json:"answer" binding:"required"`
}

type answerResponse struct {
	Correct         bool   `json:"correct"`
	CorrectIndex    int    `json:"correctIndex"`
	Explanation     string `json:"explanation"`
	Streak          int    `json:"streak"`
	SatsEarned      int64  `json:"satsEarned"`
	LevelUnlocked   bool   `json:"levelUnlocked"`
	SessionComplete bool   `json:"sessionComplete"`
}

func (a *API) AnswerQuestion(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request: %v", err)))
		return
	}

	res, err := a.session.Answer(c.Request.Context(), session.AnswerRequest{
		SessionID:   req.SessionID,
		UserID:      callerID(c),
		QuestionID:  req.QuestionID,
		AnswerIndex: *req.Answer,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, answerResponse{
		Correct:         res.Correct,
		CorrectIndex:    res.CorrectIndex,
		Explanation:     res.Explanation,
		Streak:          res.Streak,
		SatsEarned:      res.SatsEarned,
		LevelUnlocked:   res.LevelUnlocked,
		SessionComplete: res.SessionComplete,
	})
}

type progressResponse struct {
	CurrentLevel      int   `json:"currentLevel"`
	QuestionsAnswered int   `json:"questionsAnswered"`
	CorrectCount      int   `json:"correctCount"`
	CurrentStreak     int   `json:"currentStreak"`
	BestStreak        int   `json:"bestStreak"`
	TotalSatsEarned   int64 `json:"totalSatsEarned"`
	LevelCompleted    bool  `json:"levelCompleted"`
}

func (a *API) GetProgress(c *gin.Context) {
	p, err := a.progress.Get(c.Request.Context(), callerID(c))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, progressResponse{
		CurrentLevel:      p.CurrentLevel,
		QuestionsAnswered: p.QuestionsAnswered,
		CorrectCount:      p.CorrectCount,
		CurrentStreak:     p.CurrentStreak,
		BestStreak:        p.BestStreak,
		TotalSatsEarned:   p.TotalSatsEarned,
		LevelCompleted:    p.LevelCompleted,
	})
}

type balanceResponse struct {
	Available         int64     `json:"available"`
	Pending           int64     `json:"pending"`
	LifetimeEarned    int64     `json:"lifetimeEarned"`
	LifetimeWithdrawn int64     `json:"lifetimeWithdrawn"`
	LastActivityAt    time.Time `json:"lastActivityAt"`
}

func (a *API) GetBalance(c *gin.Context) {
	b, err := a.wallet.Balance(c.Request.Context(), callerID(c))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		Available:         b.Available,
		Pending:           b.Pending,
		LifetimeEarned:    b.LifetimeEarned,
		LifetimeWithdrawn: b.LifetimeWithdrawn,
		LastActivityAt:    b.LastActivityAt,
	})
}

type withdrawRequest struct {
	Amount           int64  `json:"amount" binding:"required"`
	LightningAddress string `json:"lightningAddress" binding:"required"`
}

type withdrawResponse struct {
	PayoutID string `json:"payoutId"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Fee      int64  `json:"fee"`
}

func (a *API) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request: %v", err)))
		return
	}

	p, err := a.payouts.Withdraw(c.Request.Context(), callerID(c), req.Amount, req.LightningAddress)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, withdrawResponse{
		PayoutID: p.PayoutID,
		Status:   string(p.Status),
		Amount:   p.Amount,
		Fee:      p.Fee,
	})
}

type payoutView struct {
	PayoutID  string     `json:"payoutId"`
	Amount    int64      `json:"amount"`
	Fee       int64      `json:"fee,omitempty"`
	Kind      string     `json:"kind"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
}

type listPayoutsResponse struct {
	Payouts    []payoutView `json:"payouts"`
	NextBefore *time.Time   `json:"nextBefore,omitempty"`
}

func (a *API) ListPayouts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	var before time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid before cursor: %v", err)))
			return
		}
		before = t
	}

	ps, err := a.wallet.ListPayouts(c.Request.Context(), callerID(c), limit, before)
	if err != nil {
		renderError(c, err)
		return
	}

	resp := listPayoutsResponse{Payouts: make([]payoutView, 0, len(ps))}
	for _, p := range ps {
		v := payoutView{
			PayoutID:  p.PayoutID,
			Amount:    p.Amount,
			Fee:       p.Fee,
			Kind:      string(p.Kind),
			Status:    string(p.Status),
			CreatedAt: p.CreatedAt,
		}
		if !p.SettledAt.IsZero() {
			t := p.SettledAt
			v.SettledAt = &t
		}
		resp.Payouts = append(resp.Payouts, v)
	}
	if len(ps) > 0 {
		t := ps[len(ps)-1].CreatedAt
		resp.NextBefore = &t
	}

	c.JSON(http.StatusOK, resp)
}

type leaderboardResponse struct {
	Entries []leaderboardEntryView `json:"entries"`
}

type leaderboardEntryView struct {
	UserID string `json:"userId"`
	Sats   int64  `json:"sats"`
}

func (a *API) GetLeaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	l, err := a.leaderboard.Top(c.Request.Context(), leaderboard.TopRequest{Limit: limit})
	if err != nil {
		renderError(c, err)
		return
	}

	resp := leaderboardResponse{Entries: make([]leaderboardEntryView, 0, len(l.Entries))}
	for _, e := range l.Entries {
		resp.Entries = append(resp.Entries, leaderboardEntryView{UserID: e.UserID, Sats: e.Sats})
	}

	c.JSON(http.StatusOK, resp)
}

type paymentWebhookRequest struct {
	Reference string `json:"reference" binding:"required"`
	Outcome   string `json:"outcome" binding:"required"`
}

// PaymentWebhook applies an asynchronous provider outcome. The provider
// may redeliver; reconciliation is idempotent by reference.
func (a *API) PaymentWebhook(c *gin.Context) {
	if a.webhookSecret == "" || c.GetHeader(webhookSecretHeader) != a.webhookSecret {
		renderError(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid webhook secret")))
		return
	}

	var req paymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request: %v", err)))
		return
	}

	outcome := domain.PayoutStatus(req.Outcome)
	if outcome != domain.PayoutStatusPaid && outcome != domain.PayoutStatusFailed {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("outcome must be paid or failed, got %q", req.Outcome)))
		return
	}

	p, err := a.payouts.Reconcile(c.Request.Context(), req.Reference, outcome)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payoutId": p.PayoutID, "status": p.Status})
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if ra := e.RetryAfter(); ra > 0 {
		c.Header("Retry-After", strconv.Itoa(int(ra.Seconds())+1))
	}

	c.JSON(e.HTTPStatusCode(), gin.H{"code": e.Code, "message": e.Message})
}

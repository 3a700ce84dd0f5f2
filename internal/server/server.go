package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/satstacker/satstacker/internal/api"
	"github.com/satstacker/satstacker/internal/config"
	"github.com/satstacker/satstacker/internal/event"
	"github.com/satstacker/satstacker/internal/leaderboard"
	"github.com/satstacker/satstacker/internal/payout"
	"github.com/satstacker/satstacker/internal/progress"
	"github.com/satstacker/satstacker/internal/question"
	"github.com/satstacker/satstacker/internal/ratelimit"
	"github.com/satstacker/satstacker/internal/session"
	"github.com/satstacker/satstacker/internal/telemetry"
	"github.com/satstacker/satstacker/internal/wallet"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Game struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Game struct {
			Addr string
			User string
			Pass string
			Name string
		}

		Questions struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Provider struct {
		BaseURL        string
		APIKey         string
		TimeoutSeconds int
	}

	Webhook struct {
		Secret string
	}

	Game config.Game
}

type Server struct {
	c Config

	eb   *event.Bus
	game *config.Store

	infra struct {
		redis struct {
			game   redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres struct {
			game      *pgxpool.Pool
			questions *pgxpool.Pool
		}
	}

	service struct {
		session     *session.Service
		progress    *progress.Store
		wallet      *wallet.Ledger
		payout      *payout.Processor
		leaderboard *leaderboard.Service
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	game, err := config.NewStore(c.Game)
	if err != nil {
		return nil, fmt.Errorf("server: game config: %w", err)
	}
	s.game = game

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.game, err = connect(s.c.Redis.Game.Addrs, s.c.Redis.Game.Pass)
	if err != nil {
		return fmt.Errorf("game: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.game, err = connect(s.c.Postgres.Game.Addr, s.c.Postgres.Game.User, s.c.Postgres.Game.Pass, s.c.Postgres.Game.Name)
	if err != nil {
		return fmt.Errorf("postgres: game: %w", err)
	}

	s.infra.postgres.questions, err = connect(s.c.Postgres.Questions.Addr, s.c.Postgres.Questions.User, s.c.Postgres.Questions.Pass, s.c.Postgres.Questions.Name)
	if err != nil {
		return fmt.Errorf("postgres: questions: %w", err)
	}

	return nil
}

func (s *Server) initService() {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Redis:  s.infra.redis.game,
		Prefix: s.c.Redis.Game.Prefix,
	})

	s.service.progress = progress.NewStore(progress.Config{
		DB: s.infra.postgres.game,
	})

	s.service.wallet = wallet.NewLedger(wallet.Config{
		DB:       s.infra.postgres.game,
		Config:   s.game,
		EventBus: s.eb,
	})

	s.service.session = session.NewService(session.Config{
		DB: s.infra.postgres.game,
		Bank: question.NewBank(question.Config{
			DB: s.infra.postgres.questions,
		}),
		Limiter:  limiter,
		Progress: s.service.progress,
		Wallet:   s.service.wallet,
		Config:   s.game,
		EventBus: s.eb,
	})

	s.service.payout = payout.NewProcessor(payout.Config{
		Ledger: s.service.wallet,
		Provider: payout.NewHTTPProvider(payout.HTTPProviderConfig{
			BaseURL: s.c.Provider.BaseURL,
			APIKey:  s.c.Provider.APIKey,
		}),
		Limiter:         limiter,
		Config:          s.game,
		ProviderTimeout: time.Duration(s.c.Provider.TimeoutSeconds) * time.Second,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.game,
		Prefix:   s.c.Redis.Game.Prefix,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:        e,
		EventBus:      s.eb,
		Session:       s.service.session,
		Progress:      s.service.progress,
		Wallet:        s.service.wallet,
		Payouts:       s.service.payout,
		Leaderboard:   s.service.leaderboard,
		Redis:         s.infra.redis.pubsub,
		PubsubPrefix:  s.c.Redis.Pubsub.Prefix,
		WebhookSecret: s.c.Webhook.Secret,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	s.infra.postgres.game.Close()
	s.infra.postgres.questions.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}

// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"helpdesk-service/internal/config"
	"helpdesk-service/internal/db"
	"helpdesk-service/internal/events"
	authHandler "helpdesk-service/internal/handlers/auth"
	eventsHandler "helpdesk-service/internal/handlers/events"
	sessionHandler "helpdesk-service/internal/handlers/session"
	wsHandler "helpdesk-service/internal/handlers/websocket"
	"helpdesk-service/internal/metrics"
	"helpdesk-service/internal/middleware"
	"helpdesk-service/internal/pkg/clock"
	"helpdesk-service/internal/pkg/jwt"
	"helpdesk-service/internal/repository/postgres"
	"helpdesk-service/internal/rooms"
	"helpdesk-service/internal/security"
	authUsecase "helpdesk-service/internal/service/auth"
	"helpdesk-service/internal/service/email"
	"helpdesk-service/internal/session"
	"helpdesk-service/internal/token"
	"helpdesk-service/internal/websocket"
	wsHandlers "helpdesk-service/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 15 * time.Second
	purgeInterval   = time.Hour
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	authService *authUsecase.AuthService
	http        *http.Server
}

func NewServer(cfg config.AppConfig, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{cfg: cfg, engine: gin.New(), logger: logger}
}

// Start connects the stores, wires the realtime core and serves until ctx
// is cancelled or a component fails.
func (s *Server) Start(ctx context.Context) error {
	logger := s.logger
	clk := clock.Real()

	// ----- PostgreSQL -----
	if err := db.Migrate(s.cfg.DatabaseURL, "up"); err != nil && !errors.Is(err, db.ErrNoChange) {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	pool, err := db.ConnectDB(ctx, db.PostgresConfig{URL: s.cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pool.Close()
	store := postgres.NewDB(pool)
	logger.Info("connected to postgres")

	// ----- Redis -----
	rdb, err := db.NewRedis(ctx, db.RedisConfig{
		ClusterMode: s.cfg.RedisCluster,
		Addresses:   s.cfg.RedisAddrs,
		Password:    s.cfg.RedisPass,
		DB:          s.cfg.RedisDB,
		PoolSize:    s.cfg.RedisPoolSize,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer rdb.Close()
	logger.Info("connected to redis", zap.Strings("addrs", s.cfg.RedisAddrs))

	m := metrics.New()

	// ----- Security signals -----
	emailSender := email.NewSender(s.cfg.SMTP)
	dispatcher := security.NewDispatcher(256, m, logger, security.NewLogSink(logger))
	if emailSender.Enabled() && s.cfg.AlertRecipient != "" {
		dispatcher.AddSink(security.NewEmailSink(emailSender, s.cfg.AlertRecipient))
	}

	// ----- Tokens -----
	keys, err := jwt.LoadAndBuild(s.cfg.JWT, clk.Now)
	if err != nil {
		return fmt.Errorf("failed to load JWT keys: %w", err)
	}
	tokens, err := token.NewManager(s.cfg.Token, token.NewRedisStore(rdb), keys, clk, dispatcher, m, logger)
	if err != nil {
		return fmt.Errorf("failed to build token manager: %w", err)
	}

	// ----- Realtime -----
	sessionStore := session.NewRedisStore(rdb, s.cfg.Session.Retention)
	registry := rooms.NewRegistry()
	hub := websocket.NewHub(websocket.Config{
		SendBuffer:   s.cfg.WSSendBuffer,
		DedupeWindow: s.cfg.WSDedupeWindow,
	}, registry, tokens, sessionStore, m, logger)
	engine := events.NewEngine(
		events.NewRedisLog(rdb, s.cfg.EventLogCapacity, s.cfg.EventLogRetention),
		registry, hub, clk, m, logger,
	)
	dispatcher.AddSink(security.NewRoomSink(engine))

	// ----- Sessions -----
	coordinator := session.NewCoordinator(s.cfg.Session, sessionStore, tokens, session.Options{
		Mirror:    store.Sessions(),
		Publisher: engine,
		Reporter:  dispatcher,
		Clock:     clk,
		Metrics:   m,
		Logger:    logger,
	})

	for _, h := range []websocket.MessageHandler{
		wsHandlers.NewRoomHandler(hub),
		wsHandlers.NewSessionHandler(coordinator),
		wsHandlers.NewResyncHandler(engine),
	} {
		if err := hub.RegisterHandler(h); err != nil {
			return fmt.Errorf("failed to register websocket handler: %w", err)
		}
	}

	// ----- Auth -----
	var emails *authUsecase.EmailHelper
	if emailSender.Enabled() {
		emails = authUsecase.NewEmailHelper(emailSender, logger)
	}
	authService := authUsecase.NewAuthService(authUsecase.Config{
		LockoutAttempts: s.cfg.LockoutAttempts,
		LockoutDuration: s.cfg.LockoutDuration,
	}, store.Auth(), coordinator, tokens, authUsecase.Options{
		Limiter:  security.NewLimiter(rdb, s.cfg.Limiter, dispatcher),
		History:  store.Sessions(),
		Emails:   emails,
		Reporter: dispatcher,
		Now:      clk.Now,
		Logger:   logger,
	})
	s.authService = authService

	if err := s.initializeAdmin(ctx); err != nil {
		logger.Error("failed to initialize admin", zap.Error(err))
	}

	// ----- Router -----
	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.CORSMiddleware(s.cfg.AllowedOrigins),
	)
	SetupRouter(s.engine, logger, &Handlers{
		AuthHandler: authHandler.NewAuthHandler(authService, authHandler.CookieConfig{
			Secure: s.cfg.CookieSecure,
			Domain: s.cfg.CookieDomain,
		}, logger),
		SessionHandler: sessionHandler.NewSessionHandler(authService, logger),
		PollHandler:    eventsHandler.NewPollHandler(engine, logger),
		WSHandler:      wsHandler.NewWebSocketHandler(hub, s.cfg.AllowedOrigins, logger),
		AuthMiddleware: middleware.NewAuthMiddleware(authService),
		Metrics:        m.Handler(),
		Health: map[string]Pinger{
			"postgres": store.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	s.http = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return coordinator.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return s.purgeEndedSessions(gctx, store.Sessions()) })
	g.Go(func() error {
		logger.Info("server running", zap.String("addr", s.cfg.HTTPAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops accepting requests and waits for in flight ones.
func (s *Server) Shutdown() error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	return s.http.Shutdown(ctx)
}

func (s *Server) purgeEndedSessions(ctx context.Context, repo *postgres.SessionRepository) error {
	if s.cfg.Session.Retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := repo.PurgeEnded(ctx, time.Now().Add(-s.cfg.Session.Retention))
			if err != nil {
				s.logger.Warn("failed to purge ended sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("purged ended sessions", zap.Int64("count", n))
			}
		}
	}
}

// initializeAdmin creates the seed admin if none exists
func (s *Server) initializeAdmin(ctx context.Context) error {
	if s.cfg.AdminEmail == "" {
		s.logger.Warn("ADMIN_EMAIL not set, skipping admin seed")
		return nil
	}
	if len(s.cfg.AdminPassword) < 8 {
		return fmt.Errorf("admin password must be at least 8 characters")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.authService.EnsureAdminExists(ctx, s.cfg.AdminEmail, s.cfg.AdminPassword, s.cfg.AdminName); err != nil {
		return fmt.Errorf("failed to ensure admin exists: %w", err)
	}
	return nil
}

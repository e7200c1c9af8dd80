// Command agent runs one headless helpdesk tab: it signs in, joins the
// per-user leader election and prints the events it receives, whether they
// arrive over its own socket, from the leader tab or by polling.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helpdesk-service/internal/client"
	"helpdesk-service/internal/config"
	"helpdesk-service/internal/db"
	"helpdesk-service/internal/domain/auth"
	"helpdesk-service/internal/events"
	"helpdesk-service/internal/leader"
	"helpdesk-service/internal/pkg/logger"
	"helpdesk-service/internal/rooms"
	"helpdesk-service/internal/session"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[AGENT] No .env file found, relying on system env vars")
	}
	cfg := config.Load()
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Error("agent stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AppConfig, zl *zap.Logger) error {
	ac := cfg.Agent
	tabID := uuid.NewString()

	creds, err := client.NewCredentials(ac.APIBaseURL, nil)
	if err != nil {
		return err
	}
	login, err := creds.Login(ctx, auth.LoginRequest{
		Email:    ac.Email,
		Password: ac.Password,
		DeviceID: ac.DeviceID,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := creds.Logout(context.Background()); err != nil {
			zl.Warn("logout failed", zap.Error(err))
		}
	}()

	principal := creds.Principal()
	zl.Info("signed in",
		zap.String("principal", principal),
		zap.String("session_id", login.Session.ID),
		zap.String("tab_id", tabID),
	)

	rdb, err := db.NewRedis(ctx, db.RedisConfig{
		ClusterMode: cfg.RedisCluster,
		Addresses:   cfg.RedisAddrs,
		Password:    cfg.RedisPass,
		DB:          cfg.RedisDB,
		PoolSize:    cfg.RedisPoolSize,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	watched := rooms.Defaults(rooms.Identity{
		Principal: principal,
		DeviceID:  login.Session.DeviceID,
		SessionID: login.Session.ID,
		TabID:     tabID,
	})
	roomNames := make([]string, 0, len(watched))
	for _, r := range watched {
		roomNames = append(roomNames, r.String())
	}

	link := client.NewWSLink(ac.WSURL, tabID, creds, zl)
	link.HeartbeatInterval = ac.HeartbeatInterval
	elector, err := leader.NewElector(leader.Config{
		Principal:         principal,
		HolderID:          tabID,
		Visible:           ac.Visible,
		Rooms:             roomNames,
		HeartbeatInterval: ac.HeartbeatInterval,
		ClaimTimeout:      ac.ClaimTimeout,
	}, leader.NewRedisChannel(rdb, ac.ChannelRetention), leader.Options{
		Link:   link,
		Poller: client.NewHTTPPoller(ac.APIBaseURL, &http.Client{Timeout: 15 * time.Second}, creds, zl),
		Logger: zl,
		OnEvent: func(env *events.Envelope) {
			zl.Info("event",
				zap.String("id", env.Event.ID),
				zap.String("type", string(env.Event.Type)),
				zap.Any("cursors", env.Cursors),
			)
		},
		OnHeartbeat: func(hb *session.HeartbeatResult) {
			zl.Debug("session heartbeat",
				zap.String("status", string(hb.Status)),
				zap.Int64("seconds_remaining", hb.SecondsRemaining),
			)
		},
		OnRoleChange: func(role leader.Role) {
			zl.Info("role changed", zap.String("role", role.String()))
		},
		OnConnectivity: func(online bool) {
			if online {
				zl.Info("back online")
				return
			}
			zl.Warn("you appear to be offline; events will arrive once the server is reachable")
		},
	})
	if err != nil {
		return err
	}
	link.OnGap = elector.Resume
	link.OnHeartbeat = func(hb *session.HeartbeatResult) { elector.ShareHeartbeat(ctx, hb) }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return elector.Run(gctx) })
	return g.Wait()
}

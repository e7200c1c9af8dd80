package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"helpdesk-service/internal/pkg/jwt"
	"helpdesk-service/internal/security"
	"helpdesk-service/internal/service/email"
	"helpdesk-service/internal/session"
	"helpdesk-service/internal/token"
)

type AppConfig struct {
	// Server
	HTTPAddr       string
	LogLevel       string
	AllowedOrigins []string
	CookieSecure   bool
	CookieDomain   string

	// Storage
	DatabaseURL   string
	RedisAddrs    []string
	RedisPass     string
	RedisDB       int
	RedisCluster  bool
	RedisPoolSize int

	// JWT
	JWT jwt.Config

	// Tokens and sessions
	Token   token.Config
	Session session.Config

	// Login protection
	Limiter         security.LimiterConfig
	LockoutAttempts int
	LockoutDuration time.Duration

	// Realtime
	EventLogCapacity  int
	EventLogRetention time.Duration
	WSSendBuffer      int
	WSDedupeWindow    int

	// SMTP
	SMTP           email.Config
	AlertRecipient string

	// Seed admin
	AdminEmail    string
	AdminPassword string
	AdminName     string

	// Headless agent
	Agent AgentConfig
}

// AgentConfig drives cmd/agent, one headless tab.
type AgentConfig struct {
	APIBaseURL        string
	WSURL             string
	Email             string
	Password          string
	DeviceID          string
	Visible           bool
	HeartbeatInterval time.Duration
	ClaimTimeout      time.Duration
	ChannelRetention  time.Duration
}

// Load loads environment variables into AppConfig.
func Load() AppConfig {
	return AppConfig{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8000"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		CookieSecure:   getEnvBool("COOKIE_SECURE", true),
		CookieDomain:   getEnv("COOKIE_DOMAIN", ""),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddrs:    getEnvSlice("REDIS_ADDR", []string{"localhost:6379"}),
		RedisPass:     getEnv("REDIS_PASS", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisCluster:  getEnvBool("REDIS_CLUSTER", false),
		RedisPoolSize: getEnvInt("REDIS_POOL_SIZE", 10),

		JWT: jwt.Config{
			PrivPath: getEnv("JWT_PRIVATE_KEY_PATH", "/app/secrets/jwt_private.pem"),
			PubPath:  getEnv("JWT_PUBLIC_KEY_PATH", "/app/secrets/jwt_public.pem"),
			Issuer:   getEnv("JWT_ISSUER", "helpdesk-service"),
			Audience: getEnv("JWT_AUDIENCE", "helpdesk-agents"),
			KID:      getEnv("JWT_KID", "helpdesk-key"),
		},

		Token: token.Config{
			AccessTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTTL: getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
			Secret:     []byte(getEnv("TOKEN_SECRET", "")),
		},
		Session: session.Config{
			IdleThreshold: getEnvDuration("SESSION_IDLE_THRESHOLD", 15*time.Minute),
			IdleTimeout:   getEnvDuration("SESSION_IDLE_TIMEOUT", 0),
			ExpiryWarning: getEnvDuration("SESSION_EXPIRY_WARNING", 5*time.Minute),
			AbsoluteTTL:   getEnvDuration("SESSION_ABSOLUTE_TTL", 12*time.Hour),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
			Retention:     getEnvDuration("SESSION_RETENTION", 24*time.Hour),
		},

		Limiter: security.LimiterConfig{
			LoginMaxAttempts: int64(getEnvInt("LOGIN_MAX_ATTEMPTS", 5)),
			LoginWindow:      getEnvDuration("LOGIN_WINDOW", 15*time.Minute),
			FailureThreshold: int64(getEnvInt("VALIDATION_FAILURE_THRESHOLD", 10)),
			FailureWindow:    getEnvDuration("VALIDATION_FAILURE_WINDOW", 5*time.Minute),
		},
		LockoutAttempts: getEnvInt("LOCKOUT_ATTEMPTS", 10),
		LockoutDuration: getEnvDuration("LOCKOUT_DURATION", 30*time.Minute),

		EventLogCapacity:  getEnvInt("EVENT_LOG_CAPACITY", 256),
		EventLogRetention: getEnvDuration("EVENT_LOG_RETENTION", 24*time.Hour),
		WSSendBuffer:      getEnvInt("WS_SEND_BUFFER", 256),
		WSDedupeWindow:    getEnvInt("WS_DEDUPE_WINDOW", 512),

		SMTP: email.Config{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "465"),
			Username: getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASS", ""),
			FromName: getEnv("SMTP_FROM_NAME", "Helpdesk"),
			Security: email.Security(getEnv("SMTP_SECURITY", string(email.SecurityTLS))),
			Timeout:  getEnvDuration("SMTP_TIMEOUT", 15*time.Second),
		},
		AlertRecipient: getEnv("SECURITY_ALERT_EMAIL", ""),

		AdminEmail:    getEnv("ADMIN_EMAIL", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		AdminName:     getEnv("ADMIN_NAME", "Helpdesk Administrator"),

		Agent: AgentConfig{
			APIBaseURL:        getEnv("AGENT_API_URL", "http://localhost:8000"),
			WSURL:             getEnv("AGENT_WS_URL", "ws://localhost:8000/ws"),
			Email:             getEnv("AGENT_EMAIL", ""),
			Password:          getEnv("AGENT_PASSWORD", ""),
			DeviceID:          getEnv("AGENT_DEVICE_ID", ""),
			Visible:           getEnvBool("AGENT_VISIBLE", true),
			HeartbeatInterval: getEnvDuration("LEADER_HEARTBEAT_INTERVAL", 2*time.Second),
			ClaimTimeout:      getEnvDuration("LEADER_CLAIM_TIMEOUT", 6*time.Second),
			ChannelRetention:  getEnvDuration("LEADER_CHANNEL_RETENTION", time.Hour),
		},
	}
}

// Validate rejects settings that cannot work together.
func (c AppConfig) Validate() error {
	var errs []error
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	} else if c.Token.AccessTTL >= c.Token.RefreshTTL {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN_TTL (%s) must be shorter than REFRESH_TOKEN_TTL (%s)", c.Token.AccessTTL, c.Token.RefreshTTL))
	}
	if len(c.Token.Secret) < 16 {
		errs = append(errs, errors.New("TOKEN_SECRET must be at least 16 bytes"))
	}
	if c.Session.IdleThreshold >= c.Session.AbsoluteTTL {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_THRESHOLD (%s) must be shorter than SESSION_ABSOLUTE_TTL (%s)", c.Session.IdleThreshold, c.Session.AbsoluteTTL))
	}
	if c.Session.IdleTimeout > 0 && c.Session.IdleTimeout <= c.Session.IdleThreshold {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT must be longer than SESSION_IDLE_THRESHOLD"))
	}
	if c.Session.ExpiryWarning >= c.Session.AbsoluteTTL {
		errs = append(errs, errors.New("SESSION_EXPIRY_WARNING must be shorter than SESSION_ABSOLUTE_TTL"))
	}
	if c.EventLogCapacity <= 0 {
		errs = append(errs, errors.New("EVENT_LOG_CAPACITY must be positive"))
	}
	if err := c.SMTP.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.RedisAddrs) == 0 {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if c.Agent.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("LEADER_HEARTBEAT_INTERVAL must be positive"))
	} else if c.Agent.ClaimTimeout <= c.Agent.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("LEADER_CLAIM_TIMEOUT (%s) must exceed LEADER_HEARTBEAT_INTERVAL (%s)", c.Agent.ClaimTimeout, c.Agent.HeartbeatInterval))
	}
	return errors.Join(errs...)
}

// --- Helper functions ---

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

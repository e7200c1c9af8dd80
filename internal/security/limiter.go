package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type LimiterConfig struct {
	LoginMaxAttempts int64
	LoginWindow      time.Duration
	FailureThreshold int64
	FailureWindow    time.Duration
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.LoginMaxAttempts <= 0 {
		c.LoginMaxAttempts = 5
	}
	if c.LoginWindow <= 0 {
		c.LoginWindow = 15 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 10
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 5 * time.Minute
	}
	return c
}

// Limiter counts login attempts and token validation failures in Redis
// fixed windows.
type Limiter struct {
	client   redis.UniversalClient
	cfg      LimiterConfig
	reporter Reporter
}

func NewLimiter(client redis.UniversalClient, cfg LimiterConfig, reporter Reporter) *Limiter {
	if reporter == nil {
		reporter = Nop()
	}
	return &Limiter{client: client, cfg: cfg.withDefaults(), reporter: reporter}
}

func loginKey(ip, email string) string {
	return fmt.Sprintf("ratelimit:login:%s:%s", ip, email)
}

func failureKey(source string) string {
	return "ratelimit:validation:" + source
}

func (l *Limiter) hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// CheckLoginAttempt records one attempt and reports whether it is allowed
// along with how many remain in the window.
func (l *Limiter) CheckLoginAttempt(ctx context.Context, ip, email string) (bool, int64, error) {
	count, err := l.hit(ctx, loginKey(ip, email), l.cfg.LoginWindow)
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment login attempt: %w", err)
	}

	remaining := l.cfg.LoginMaxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	if count == l.cfg.LoginMaxAttempts+1 {
		l.reporter.Report(ctx, Event{
			Kind:     KindLoginLocked,
			Severity: SeverityWarning,
			Source:   ip,
			Detail:   email,
		})
	}
	return count <= l.cfg.LoginMaxAttempts, remaining, nil
}

func (l *Limiter) RemainingLoginAttempts(ctx context.Context, ip, email string) (int64, error) {
	count, err := l.client.Get(ctx, loginKey(ip, email)).Int64()
	if err == redis.Nil {
		return l.cfg.LoginMaxAttempts, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get login attempts: %w", err)
	}
	if remaining := l.cfg.LoginMaxAttempts - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

func (l *Limiter) ResetLoginAttempts(ctx context.Context, ip, email string) error {
	return l.client.Del(ctx, loginKey(ip, email)).Err()
}

// RecordValidationFailure counts a rejected token from source. The first
// failure that reaches the threshold in a window raises one event.
func (l *Limiter) RecordValidationFailure(ctx context.Context, source, detail string) (int64, error) {
	count, err := l.hit(ctx, failureKey(source), l.cfg.FailureWindow)
	if err != nil {
		return 0, fmt.Errorf("failed to record validation failure: %w", err)
	}
	if count == l.cfg.FailureThreshold {
		l.reporter.Report(ctx, Event{
			Kind:     KindValidationFailures,
			Severity: SeverityWarning,
			Source:   source,
			Detail:   fmt.Sprintf("%d rejected tokens, last: %s", count, detail),
		})
	}
	return count, nil
}

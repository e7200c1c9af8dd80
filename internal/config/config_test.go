package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "0123456789abcdef0123")
	cfg := Load()

	if cfg.HTTPAddr != ":8000" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Token.AccessTTL != 15*time.Minute || cfg.Token.RefreshTTL != 7*24*time.Hour {
		t.Errorf("token TTLs = %s / %s", cfg.Token.AccessTTL, cfg.Token.RefreshTTL)
	}
	if cfg.Agent.ClaimTimeout != 3*cfg.Agent.HeartbeatInterval {
		t.Errorf("claim timeout %s is not three heartbeats", cfg.Agent.ClaimTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://desk.example.com, https://admin.example.com ,")
	t.Setenv("SESSION_IDLE_THRESHOLD", "10m")
	t.Setenv("REDIS_CLUSTER", "true")
	t.Setenv("EVENT_LOG_CAPACITY", "1024")
	t.Setenv("WS_SEND_BUFFER", "not-a-number")

	cfg := Load()
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://admin.example.com" {
		t.Errorf("AllowedOrigins = %q", cfg.AllowedOrigins)
	}
	if cfg.Session.IdleThreshold != 10*time.Minute {
		t.Errorf("IdleThreshold = %s", cfg.Session.IdleThreshold)
	}
	if !cfg.RedisCluster || cfg.EventLogCapacity != 1024 {
		t.Errorf("cluster %v capacity %d", cfg.RedisCluster, cfg.EventLogCapacity)
	}
	if cfg.WSSendBuffer != 256 {
		t.Errorf("malformed int should fall back, got %d", cfg.WSSendBuffer)
	}
}

func TestValidateRejectsInconsistentDurations(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"access outlives refresh", map[string]string{"ACCESS_TOKEN_TTL": "2h", "REFRESH_TOKEN_TTL": "1h"}, "ACCESS_TOKEN_TTL"},
		{"idle after absolute", map[string]string{"SESSION_IDLE_THRESHOLD": "13h"}, "SESSION_IDLE_THRESHOLD"},
		{"claim timeout too short", map[string]string{"LEADER_CLAIM_TIMEOUT": "1s"}, "LEADER_CLAIM_TIMEOUT"},
		{"idle timeout before threshold", map[string]string{"SESSION_IDLE_TIMEOUT": "5m"}, "SESSION_IDLE_TIMEOUT"},
		{"unknown smtp security", map[string]string{"SMTP_SECURITY": "ssl"}, "SMTP_SECURITY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TOKEN_SECRET", "0123456789abcdef0123")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			err := Load().Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestValidateRequiresSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "short")
	if err := Load().Validate(); err == nil || !strings.Contains(err.Error(), "TOKEN_SECRET") {
		t.Errorf("Validate() = %v", err)
	}
}

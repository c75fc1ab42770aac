package config

import (
	"os"
	"testing"

	"github.com/evalbot/evalbot/internal/evalerr"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"EVALBOT_IDENTIFIER", "EVALBOT_PASSWORD", "EVALBOT_BOT_HANDLE",
		"EVALBOT_USE_QUEUE", "EVALBOT_REDIS_HOST",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadFailsWithoutIdentifier(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	if !evalerr.Is(err, evalerr.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestLoadSucceedsFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("EVALBOT_IDENTIFIER", "evalbot.bsky.social")
	os.Setenv("EVALBOT_PASSWORD", "app-password")
	os.Setenv("EVALBOT_BOT_HANDLE", "evalbot.bsky.social")
	defer clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Identifier != "evalbot.bsky.social" {
		t.Fatalf("unexpected identifier: %q", cfg.Identifier)
	}
	if cfg.Sandbox.TimeoutMS != 5000 {
		t.Fatalf("expected default sandbox timeout, got %d", cfg.Sandbox.TimeoutMS)
	}
	if cfg.Admission.CooldownMS != 5000 {
		t.Fatalf("expected default admission cooldown, got %d", cfg.Admission.CooldownMS)
	}
	if cfg.Admission.MaxInFlight != 100 {
		t.Fatalf("expected direct-mode default max in-flight of 100, got %d", cfg.Admission.MaxInFlight)
	}
}

func TestLoadDefaultsMaxInFlightHigherWhenQueueEnabled(t *testing.T) {
	clearEnv(t)
	os.Setenv("EVALBOT_IDENTIFIER", "evalbot.bsky.social")
	os.Setenv("EVALBOT_PASSWORD", "app-password")
	os.Setenv("EVALBOT_BOT_HANDLE", "evalbot.bsky.social")
	os.Setenv("EVALBOT_USE_QUEUE", "true")
	defer clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Admission.MaxInFlight != 1000 {
		t.Fatalf("expected queue-mode default max in-flight of 1000, got %d", cfg.Admission.MaxInFlight)
	}
}

func TestLoadDefaultRedisHostSatisfiesQueueMode(t *testing.T) {
	clearEnv(t)
	os.Setenv("EVALBOT_IDENTIFIER", "evalbot.bsky.social")
	os.Setenv("EVALBOT_PASSWORD", "app-password")
	os.Setenv("EVALBOT_BOT_HANDLE", "evalbot.bsky.social")
	os.Setenv("EVALBOT_USE_QUEUE", "true")
	os.Setenv("EVALBOT_REDIS_HOST", "")
	defer clearEnv(t)

	_, err := Load("")
	if err != nil {
		t.Fatalf("expected default redis host to satisfy validation, got %v", err)
	}
}

package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"K_THRESHOLD", "NOISE_B", "VOTE_THRESHOLD", "CLUSTER_COOLDOWN_HOURS", "DAILY_CAP_HOURS", "ZONE_LOCK_HOURS"} {
		t.Setenv(key, "")
	}
	cfg := FromEnv()

	if cfg.KThreshold != 20 {
		t.Fatalf("expected K 20, got %d", cfg.KThreshold)
	}
	if cfg.NoiseScale != 0 {
		t.Fatalf("expected noise disabled, got %v", cfg.NoiseScale)
	}
	if cfg.VoteThreshold != 1 {
		t.Fatalf("expected vote threshold 1, got %d", cfg.VoteThreshold)
	}
	if cfg.ClusterCooldown != 30*24*time.Hour {
		t.Fatalf("expected 30 day cooldown, got %v", cfg.ClusterCooldown)
	}
	if cfg.DailyCap != 24*time.Hour {
		t.Fatalf("expected 24h daily cap, got %v", cfg.DailyCap)
	}
	if cfg.ZoneLock != 7*24*time.Hour {
		t.Fatalf("expected 7 day zone lock, got %v", cfg.ZoneLock)
	}
}

func TestFromEnvOverridesAndClamps(t *testing.T) {
	t.Setenv("K_THRESHOLD", "0")
	t.Setenv("NOISE_B", "-2")
	t.Setenv("VOTE_THRESHOLD", "3")
	t.Setenv("STORE_TIMEOUT_MS", "250")
	cfg := FromEnv()

	if cfg.KThreshold != 1 {
		t.Fatalf("expected K clamped to 1, got %d", cfg.KThreshold)
	}
	if cfg.NoiseScale != 0 {
		t.Fatalf("expected negative noise clamped to 0, got %v", cfg.NoiseScale)
	}
	if cfg.VoteThreshold != 3 {
		t.Fatalf("expected vote threshold 3, got %d", cfg.VoteThreshold)
	}
	if cfg.StoreTimeout != 250*time.Millisecond {
		t.Fatalf("expected 250ms store timeout, got %v", cfg.StoreTimeout)
	}
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("K_THRESHOLD", "twenty")
	t.Setenv("NOISE_B", "lots")
	cfg := FromEnv()
	if cfg.KThreshold != 20 || cfg.NoiseScale != 0 {
		t.Fatalf("expected defaults for unparsable values, got K=%d b=%v", cfg.KThreshold, cfg.NoiseScale)
	}
}

func TestFromEnvClampsSignalWindowsToOneDay(t *testing.T) {
	t.Setenv("DAILY_CAP_HOURS", "6")
	t.Setenv("CLUSTER_COOLDOWN_HOURS", "0")
	cfg := FromEnv()
	if cfg.DailyCap != MinSignalCooldown || cfg.ClusterCooldown != MinSignalCooldown {
		t.Fatalf("expected both windows clamped to 24h, got cap=%v cooldown=%v", cfg.DailyCap, cfg.ClusterCooldown)
	}

	t.Setenv("DAILY_CAP_HOURS", "48")
	if cfg := FromEnv(); cfg.DailyCap != 48*time.Hour {
		t.Fatalf("expected longer cap to be kept, got %v", cfg.DailyCap)
	}
}

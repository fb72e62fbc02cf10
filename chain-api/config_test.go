package main

import (
	"os"
	"testing"
	"time"
)

func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

var chainEnvKeys = []string{
	"CHAIN_API_HTTP_ADDR", "CHAIN_API_SHUTDOWN_TIMEOUT", "CHAIN_LOCK_BACKEND", "CHAIN_JOB_BACKEND",
	"CHAIN_JOB_WORKERS", "CHAIN_JOB_BUFFER", "CHAIN_JOB_STREAM", "CHAIN_JOB_GROUP", "CHAIN_JOB_CONSUMER",
	"CHAIN_JOB_STREAM_BLOCK", "CHAIN_JOB_PUBLISH_RETRY", "CHAIN_RUNNER_PHASE_INTERVAL",
	"CHAIN_JOB_CLAIM_IDLE", "CHAIN_JOB_CLAIM_INTERVAL", "CHAIN_PLUGINS_FILE", "CHAIN_REPORTS_ENABLED",
}

func TestConfigFromEnvDefaults(t *testing.T) {
	unsetEnv(t, chainEnvKeys...)

	cfg, err := configFromEnv()
	if err != nil {
		t.Fatalf("configFromEnv() err=%v", err)
	}
	if cfg.HTTP.Addr != ":8888" || cfg.HTTP.Service != "chain-api" {
		t.Fatalf("HTTP=%+v", cfg.HTTP)
	}
	if cfg.LockBackend != "local" || cfg.JobBackend != "local" || cfg.usesRedis() {
		t.Fatalf("backends lock=%q job=%q", cfg.LockBackend, cfg.JobBackend)
	}
	if cfg.JobWorkers != 4 || cfg.Runner.PhaseInterval != 30*time.Second {
		t.Fatalf("workers=%d phase=%s", cfg.JobWorkers, cfg.Runner.PhaseInterval)
	}
	if cfg.Stream.Workers != 4 || cfg.Stream.ClaimIdle != 5*time.Minute || cfg.Stream.ClaimInterval != 30*time.Second {
		t.Fatalf("stream=%+v", cfg.Stream)
	}
	if cfg.ReportsEnabled {
		t.Fatalf("reports should default to disabled")
	}
}

func TestConfigFromEnvRedisBackends(t *testing.T) {
	unsetEnv(t, chainEnvKeys...)
	t.Setenv("CHAIN_LOCK_BACKEND", "Redis")
	t.Setenv("CHAIN_JOB_BACKEND", "redis")
	t.Setenv("CHAIN_JOB_CONSUMER", "replica-a")

	cfg, err := configFromEnv()
	if err != nil {
		t.Fatalf("configFromEnv() err=%v", err)
	}
	if !cfg.usesRedis() || cfg.Stream.Consumer != "replica-a" || cfg.Stream.Stream != "chain:jobs" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestConfigFromEnvRedisWorkersBoundConsumer(t *testing.T) {
	unsetEnv(t, chainEnvKeys...)
	t.Setenv("CHAIN_JOB_BACKEND", "redis")
	t.Setenv("CHAIN_JOB_CONSUMER", "replica-a")
	t.Setenv("CHAIN_JOB_WORKERS", "7")

	cfg, err := configFromEnv()
	if err != nil {
		t.Fatalf("configFromEnv() err=%v", err)
	}
	if cfg.Stream.Workers != 7 {
		t.Fatalf("Stream.Workers=%d, want 7", cfg.Stream.Workers)
	}

	t.Setenv("CHAIN_JOB_WORKERS", "0")
	if _, err := configFromEnv(); err == nil {
		t.Fatalf("expected error for zero workers on the redis backend")
	}
}

func TestConfigFromEnvRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"CHAIN_LOCK_BACKEND":          "etcd",
		"CHAIN_JOB_WORKERS":           "0",
		"CHAIN_RUNNER_PHASE_INTERVAL": "-1s",
		"CHAIN_REPORTS_ENABLED":       "sometimes",
	}
	for key, value := range cases {
		unsetEnv(t, chainEnvKeys...)
		t.Setenv(key, value)
		if _, err := configFromEnv(); err == nil {
			t.Fatalf("%s=%q: expected error", key, value)
		}
	}
}

package main

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/chainops/chain-go/internal/jobs"
	"github.com/chainops/chain-go/internal/platform/env"
	"github.com/chainops/chain-go/internal/platform/httpserver"
)

const serviceName = "chain-api"

const (
	backendLocal = "local"
	backendRedis = "redis"
)

type config struct {
	HTTP httpserver.Config

	LockBackend string
	JobBackend  string
	JobWorkers  int
	JobBuffer   int
	Stream      jobs.StreamConfig
	Runner      jobs.PhaseRunnerConfig

	PluginsFile    string
	ReportsEnabled bool
}

func configFromEnv() (config, error) {
	shutdownTimeout, err := env.Duration("CHAIN_API_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return config{}, err
	}
	lockBackend, err := env.OneOf("CHAIN_LOCK_BACKEND", backendLocal, backendLocal, backendRedis)
	if err != nil {
		return config{}, err
	}
	jobBackend, err := env.OneOf("CHAIN_JOB_BACKEND", backendLocal, backendLocal, backendRedis)
	if err != nil {
		return config{}, err
	}
	workers, err := env.Int("CHAIN_JOB_WORKERS", 4)
	if err != nil {
		return config{}, err
	}
	buffer, err := env.Int("CHAIN_JOB_BUFFER", 64)
	if err != nil {
		return config{}, err
	}
	block, err := env.Duration("CHAIN_JOB_STREAM_BLOCK", 2*time.Second)
	if err != nil {
		return config{}, err
	}
	publishRetry, err := env.Duration("CHAIN_JOB_PUBLISH_RETRY", 5*time.Second)
	if err != nil {
		return config{}, err
	}
	phaseInterval, err := env.Duration("CHAIN_RUNNER_PHASE_INTERVAL", 30*time.Second)
	if err != nil {
		return config{}, err
	}
	claimIdle, err := env.Duration("CHAIN_JOB_CLAIM_IDLE", 5*time.Minute)
	if err != nil {
		return config{}, err
	}
	claimInterval, err := env.Duration("CHAIN_JOB_CLAIM_INTERVAL", 30*time.Second)
	if err != nil {
		return config{}, err
	}
	reportsEnabled, err := env.Bool("CHAIN_REPORTS_ENABLED", false)
	if err != nil {
		return config{}, err
	}

	hostname, _ := os.Hostname()
	cfg := config{
		HTTP: httpserver.Config{
			Service:         serviceName,
			Addr:            env.String("CHAIN_API_HTTP_ADDR", ":8888"),
			ShutdownTimeout: shutdownTimeout,
		},
		LockBackend: lockBackend,
		JobBackend:  jobBackend,
		JobWorkers:  workers,
		JobBuffer:   buffer,
		Stream: jobs.StreamConfig{
			Stream:        env.String("CHAIN_JOB_STREAM", "chain:jobs"),
			Group:         env.String("CHAIN_JOB_GROUP", serviceName),
			Consumer:      env.String("CHAIN_JOB_CONSUMER", strings.TrimSpace(hostname)),
			Workers:       workers,
			MaxLen:        10000,
			Block:         block,
			PublishRetry:  publishRetry,
			ClaimIdle:     claimIdle,
			ClaimInterval: claimInterval,
		},
		Runner: jobs.PhaseRunnerConfig{
			PhaseInterval: phaseInterval,
		},
		PluginsFile:    env.String("CHAIN_PLUGINS_FILE", ""),
		ReportsEnabled: reportsEnabled,
	}
	return cfg, cfg.Validate()
}

func (c config) usesRedis() bool {
	return c.LockBackend == backendRedis || c.JobBackend == backendRedis
}

func (c config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	if err := c.Runner.Validate(); err != nil {
		return err
	}
	switch c.JobBackend {
	case backendLocal:
		return (jobs.LocalConfig{Workers: c.JobWorkers, Buffer: c.JobBuffer}).Validate()
	case backendRedis:
		if strings.TrimSpace(c.Stream.Consumer) == "" {
			return errors.New("CHAIN_JOB_CONSUMER is required when CHAIN_JOB_BACKEND=redis")
		}
		return c.Stream.Validate()
	}
	return nil
}

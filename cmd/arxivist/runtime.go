package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/arxivist/arxivist/config"
	core "github.com/arxivist/arxivist/internal/agent/core"
	"github.com/arxivist/arxivist/internal/audit"
	"github.com/arxivist/arxivist/internal/server"
	"github.com/arxivist/arxivist/internal/store"
	"github.com/arxivist/arxivist/internal/telemetry"
)

// appRuntime bundles the long-lived components shared by serve and worker.
type appRuntime struct {
	cfg        *config.Config
	logger     *log.Logger
	audit      *audit.Logger
	jobs       server.JobStore
	artifacts  core.ArtifactStore
	index      *store.ReportIndex
	supervisor *core.Supervisor
}

// buildRuntime wires storage, audit, telemetry and the supervisor from
// configuration. Postgres and the report index are optional; without them
// jobs live in process memory only.
func buildRuntime(ctx context.Context, cfg *config.Config, prefix string) (*appRuntime, error) {
	logger := log.New(os.Stdout, prefix, log.LstdFlags)

	auditLog, err := audit.Open(cfg.Audit.LogFile)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	rt := &appRuntime{cfg: cfg, logger: logger, audit: auditLog}

	if dsn, err := cfg.Storage.Postgres.DSN(); err == nil {
		st, err := store.NewWithDSN(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.jobs = st
		rt.artifacts = st
	} else {
		logger.Printf("postgres not configured, using in-memory store")
		mem := store.NewMemory()
		rt.jobs = mem
		rt.artifacts = mem
	}

	if cfg.Storage.IndexPath != "" {
		idx, err := store.OpenIndex(cfg.Storage.IndexPath)
		if err != nil {
			return nil, fmt.Errorf("open report index: %w", err)
		}
		rt.index = idx
	}

	tele := telemetry.New(prometheus.DefaultRegisterer)
	sup, err := core.NewSupervisor(cfg, logger, auditLog, rt.artifacts, tele)
	if err != nil {
		return nil, err
	}
	rt.supervisor = sup
	return rt, nil
}

func (rt *appRuntime) close() {
	rt.supervisor.Close()
	if rt.index != nil {
		_ = rt.index.Close()
	}
	_ = rt.audit.Close()
}

// redisClient connects to Redis per the queue config, or returns nil when
// no address is configured.
func redisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.Queue.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

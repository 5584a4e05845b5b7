package main

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/arjunmehta/taskforge/pkg/agentrunner"
	agentgrpc "github.com/arjunmehta/taskforge/pkg/agentrunner/grpc"
	"github.com/arjunmehta/taskforge/pkg/auditlog"
	"github.com/arjunmehta/taskforge/pkg/checkpoint"
	"github.com/arjunmehta/taskforge/pkg/config"
	"github.com/arjunmehta/taskforge/pkg/failureindex"
	"github.com/arjunmehta/taskforge/pkg/metrics"
	"github.com/arjunmehta/taskforge/pkg/obslog"
	"github.com/arjunmehta/taskforge/pkg/wave"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// components bundles everything a subcommand needs; Close runs closers in
// reverse registration order on the way out.
type components struct {
	cfg          *config.Config
	log          *slog.Logger
	store        *checkpoint.Store
	scheduler    *wave.Scheduler
	failureIdx   *failureindex.Index
	failureMatch *failureindex.Matcher
	audit        *auditlog.Log
	metrics      *metrics.Metrics
	closers      []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// loadConfig reads and defaults/validates the config file at path.
func loadConfig(path string) (*config.Config, error) {
	loader, err := config.NewLoader(config.LoaderOptions{Type: config.BackendFile, Path: path}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("build config loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// bootstrap wires every core component from cfg, without starting any
// network listeners; callers (serve, plan, resume, ...) decide what to run.
func bootstrap(cfg *config.Config) (*components, error) {
	log, err := obslog.New(cfg.Global.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	c := &components{cfg: cfg, log: log}

	met, err := metrics.New(&metrics.Config{Enabled: true, Namespace: "taskforge"})
	if err != nil {
		return nil, fmt.Errorf("build metrics: %w", err)
	}
	c.metrics = met

	store, err := checkpoint.New(checkpoint.Config{
		CheckpointsDir: cfg.CheckpointStore.CheckpointsDir,
		RetentionDays:  cfg.CheckpointStore.RetentionDays,
		MaxBytes:       cfg.CheckpointStore.MaxBytes,
	}, obslog.Component(log, "checkpoint_store"))
	if err != nil {
		return nil, fmt.Errorf("build checkpoint store: %w", err)
	}
	c.store = store

	idx := failureindex.New(failureindex.Config{
		MaxRecords:          cfg.FailureIndex.MaxRecords,
		SimilarityThreshold: cfg.FailureIndex.SimilarityThreshold,
	})
	c.failureIdx = idx
	c.failureMatch = failureindex.NewMatcher(idx, failureindex.DefaultWeights)

	provider, err := buildFailureIndexProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("build failure index provider: %w", err)
	}
	if provider != nil {
		idx.SetProvider(provider)
		c.closers = append(c.closers, func() { _ = provider.Close() })
	}

	if cfg.FailureIndex.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.FailureIndex.RedisAddr})
		c.failureMatch.SetCache(failureindex.NewRedisVoteCache(rdb, ""))
		c.closers = append(c.closers, func() { _ = rdb.Close() })
	}

	auditLog, err := auditlog.New(auditlog.Config{
		Path:              cfg.AuditLog.Path,
		MaxFileSize:       cfg.AuditLog.MaxFileSize,
		MaxFiles:          cfg.AuditLog.MaxFiles,
		EnableMemoryStore: cfg.AuditLog.EnableMemoryStore,
		MaxMemoryEntries:  cfg.AuditLog.MaxMemoryEntries,
	}, obslog.Component(log, "audit_log"))
	if err != nil {
		return nil, fmt.Errorf("build audit log: %w", err)
	}
	if cfg.AuditLog.SQLDialect != "" {
		db, err := config.OpenSQL(cfg.AuditLog.SQLDialect, cfg.AuditLog.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open audit sql mirror: %w", err)
		}
		sink, err := auditlog.NewSQLSink(db, cfg.AuditLog.SQLDialect)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("build audit sql sink: %w", err)
		}
		auditLog.SetSink(sink)
		c.closers = append(c.closers, func() { _ = sink.Close() })
	}
	c.audit = auditLog

	runner, runnerCloser, err := buildAgentRunner(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("build agent runner: %w", err)
	}
	if runnerCloser != nil {
		c.closers = append(c.closers, runnerCloser)
	}

	c.scheduler = wave.New(wave.Config{
		GlobalAgentBudget:       cfg.WaveScheduler.GlobalAgentBudget,
		AdmissionPollIntervalMs: cfg.WaveScheduler.AdmissionPollIntervalMs,
		FailurePolicy:           wave.FailurePolicy(cfg.WaveScheduler.FailurePolicy),
	}, store, runner, nil, obslog.Component(log, "wave_scheduler"))

	return c, nil
}

// buildFailureIndexProvider constructs the durable vector-store backend
// selected by cfg.FailureIndex.Provider: "qdrant" builds a Qdrant provider
// and any other value builds a chromem provider, so a successful call always
// returns a non-nil Provider.
func buildFailureIndexProvider(cfg *config.Config) (failureindex.Provider, error) {
	switch cfg.FailureIndex.Provider {
	case "qdrant":
		host, portStr, err := net.SplitHostPort(cfg.FailureIndex.QdrantAddr)
		if err != nil {
			return nil, fmt.Errorf("parse qdrant_addr %q: %w", cfg.FailureIndex.QdrantAddr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("parse qdrant_addr port %q: %w", portStr, err)
		}
		p, err := failureindex.NewQdrantProvider(failureindex.QdrantConfig{Host: host, Port: port})
		if err != nil {
			return nil, err
		}
		_ = failureindex.RegisterProvider(p)
		return p, nil
	default:
		p, err := failureindex.NewChromemProvider(failureindex.ChromemConfig{PersistPath: cfg.FailureIndex.ChromemPersistPath})
		if err != nil {
			return nil, err
		}
		_ = failureindex.RegisterProvider(p)
		return p, nil
	}
}

// buildAgentRunner constructs the AgentRunner adapter selected by
// cfg.AgentRunner.Mode. The returned closer (possibly nil) must be called
// on shutdown.
func buildAgentRunner(cfg *config.Config, log *slog.Logger) (wave.AgentRunner, func(), error) {
	switch cfg.AgentRunner.Mode {
	case "grpc":
		cc, err := grpc.NewClient(cfg.AgentRunner.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("dial agent runner at %s: %w", cfg.AgentRunner.GRPCAddr, err)
		}
		remote := agentgrpc.Dial(cc)
		return remote, func() { _ = cc.Close() }, nil
	default:
		hlog := hclog.New(&hclog.LoggerOptions{Name: "taskforge-agent-runner", Level: hclog.Info})
		runner, err := agentrunner.LoadPlugin(cfg.AgentRunner.PluginPath, hlog)
		if err != nil {
			return nil, nil, err
		}
		return runner, runner.Close, nil
	}
}

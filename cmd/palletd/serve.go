package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/pallet-run/palletd/internal/agent"
	"github.com/pallet-run/palletd/internal/config"
	"github.com/pallet-run/palletd/internal/engine"
	"github.com/pallet-run/palletd/internal/httpapi"
	"github.com/pallet-run/palletd/internal/intent"
	"github.com/pallet-run/palletd/internal/llm"
	"github.com/pallet-run/palletd/internal/memory"
	"github.com/pallet-run/palletd/internal/profile"
	"github.com/pallet-run/palletd/internal/queue"
	"github.com/pallet-run/palletd/internal/scheduler"
	"github.com/pallet-run/palletd/internal/skill"
	"github.com/pallet-run/palletd/internal/store"
	"github.com/pallet-run/palletd/internal/tool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: HTTP surface, worker pool, and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "palletd.yaml", "path to palletd config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}

	logger, err := engine.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("serve: build logger: %w", err)
	}
	defer logger.Sync()

	watcher, err := config.WatchFile(configPath, cfg)
	if err != nil {
		return fmt.Errorf("serve: watch config: %w", err)
	}

	caps, err := profile.Select(cfg.Profile)
	if err != nil {
		return fmt.Errorf("serve: select profile: %w", err)
	}
	logger.Infow("profile selected", "name", caps.Name, "workers", caps.WorkerCount)

	db, err := store.Open(cfg.Store.Path, cfg.Store.BusyTimeoutMS)
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		return fmt.Errorf("serve: migrate store: %w", err)
	}
	if err := store.SeedUsers(db, cfg.Users.Admins, cfg.Users.Allowlist); err != nil {
		return fmt.Errorf("serve: seed users: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engCtx := engine.New(logger, cfg, caps, db, Version)

	providers, err := buildProviders(ctx, cfg.Providers)
	if err != nil {
		return fmt.Errorf("serve: build providers: %w", err)
	}
	gateway := llm.NewGateway(db, logger, caps.UserRPM, providers...)

	memEngine := memory.New(db, gateway)
	router := intent.New(db, gateway)

	sandbox, err := tool.New(cfg.Tool)
	if err != nil {
		return fmt.Errorf("serve: build tool sandbox: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Tool.MCPEnabled {
		mcpSrv := tool.NewMCPServer(sandbox)
		stdioSrv := mcpserver.NewStdioServer(mcpSrv)
		logger.Infow("mcp stdio server enabled", "tool_count", 4)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp stdio server: %w", err)
			}
			return nil
		})
	}

	dispatcher := skill.New(cfg.Skills, caps.SkillConcurrency)

	q := queue.New(db, caps.QueueLimit, caps.UserRPM)

	allowedTools := []string{"read_file", "write_file", "list_dir", "run_cmd"}
	skillNames := skillNames(cfg.Skills)

	taskTimeout := time.Duration(taskTimeoutSeconds(cfg)) * time.Second
	skillTimeout := time.Duration(skillTimeoutSeconds(cfg.Skills)) * time.Second

	poolDeps := queue.Dispatcher{
		Queue:  q,
		Router: router,
		Skills: dispatcher,
		Memory: memEngine,
		NewRuntime: func(userID, chatID int64, taskID string) *agent.Runtime {
			return agent.New(db, logger, sandbox, dispatcher, allowedTools, agent.DefaultStepLimit, agent.DefaultDupLimit, skillTimeout)
		},
		NewPlanner: func(userID int64, taskID string, tools []string) agent.Planner {
			return agent.NewLLMPlanner(gateway, userID, taskID, tools, skillNames)
		},
		AllowedTools: allowedTools,
		TaskTimeout:  taskTimeout,
		SkillTimeout: skillTimeout,
	}
	pool := queue.NewPool(poolDeps, time.Duration(cfg.Scheduler.PollIntervalMS)*time.Millisecond)

	sched := scheduler.New(db, q, time.Duration(cfg.Scheduler.PollIntervalMS)*time.Millisecond)

	router2 := httpapi.NewRouter(httpapi.Deps{
		DB:                 db,
		Queue:              q,
		Pool:               pool,
		Config:             cfg,
		Version:            Version,
		Started:            engCtx.Started,
		TaskTimeoutSeconds: taskTimeoutSeconds(cfg),
	})

	g.Go(func() error { return pool.Run(gctx, caps.WorkerCount) })
	g.Go(func() error { sched.Run(gctx); return nil })
	g.Go(func() error { return httpapi.Start(gctx, cfg.Server.Bind, router2) })
	g.Go(func() error { runRetentionSweeps(gctx, db, cfg, logger); return nil })

	if watcher != nil {
		g.Go(func() error {
			defer watcher.Close()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-watcher.Changed():
					logger.Infow("config reloaded", "generation", watcher.Generation(),
						"server_bind", watcher.Snapshot().Server.Bind)
				}
			}
		})
	}

	if cfg.Server.DebugBind != "" {
		debugMux := httpapi.NewDebugMux(cfg, dispatcher)
		g.Go(func() error { return httpapi.Start(gctx, cfg.Server.DebugBind, debugMux) })
	}

	logger.Infow("palletd serving", "bind", cfg.Server.Bind, "version", Version)
	return g.Wait()
}

func buildProviders(ctx context.Context, configs []config.ProviderConfig) ([]llm.Provider, error) {
	sorted := make([]config.ProviderConfig, len(configs))
	copy(sorted, configs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	providers := make([]llm.Provider, 0, len(sorted))
	for _, pc := range sorted {
		timeout := time.Duration(pc.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		switch pc.Kind {
		case "openai_compat":
			p, err := llm.NewOpenAICompatProvider(pc.Name, pc.Model, pc.BaseURL, pc.APIKeyEnv, timeout)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			providers = append(providers, p)
		case "bedrock":
			p, err := llm.NewBedrockProvider(ctx, pc.Name, pc.Model, pc.Region, timeout)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			providers = append(providers, p)
		case "gemini":
			p, err := llm.NewGeminiProvider(ctx, pc.Name, pc.Model, pc.APIKeyEnv, timeout)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
		}
	}
	return providers, nil
}

func skillNames(skills []config.SkillConfig) []string {
	names := make([]string, len(skills))
	for i, s := range skills {
		names[i] = s.Name
	}
	return names
}

func skillTimeoutSeconds(skills []config.SkillConfig) int {
	max := 30
	for _, s := range skills {
		if s.TimeoutSeconds > max {
			max = s.TimeoutSeconds
		}
	}
	return max
}

func taskTimeoutSeconds(cfg *config.Config) int {
	timeout := 300
	for _, s := range cfg.Skills {
		if s.TimeoutSeconds > timeout {
			timeout = s.TimeoutSeconds + 60
		}
	}
	return timeout
}

const retentionSweepInterval = 1 * time.Hour

func runRetentionSweeps(ctx context.Context, db *gorm.DB, cfg *config.Config, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	sweep := func() {
		r := cfg.Retention
		tasks := store.RetentionPolicy{MaxAge: time.Duration(r.TaskMaxAgeDays) * 24 * time.Hour, MaxRows: int64(r.TaskMaxRows)}
		audit := store.RetentionPolicy{MaxAge: time.Duration(r.AuditMaxAgeDays) * 24 * time.Hour, MaxRows: int64(r.AuditMaxRows)}
		memoryPolicy := store.RetentionPolicy{MaxAge: time.Duration(r.MemoryMaxAgeDays) * 24 * time.Hour, MaxRows: int64(r.MemoryMaxRows)}
		if err := store.Sweep(db, tasks, audit, memoryPolicy); err != nil {
			logger.Errorw("retention sweep failed", "error", err)
		}
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/agent"
	"relay/internal/binding"
	"relay/internal/channel"
	"relay/internal/config"
	"relay/internal/executor"
	"relay/internal/ingest"
	"relay/internal/scheduler"
	"relay/internal/store"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relay",
		Short: "relay: messaging delivery layer for agent runtimes",
		Long:  "relay connects an agent runtime to Telegram, Discord, Slack, WeCom and web clients: webhook ingest, scheduled tasks and streamed delivery.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.relay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(tasksCmd())
	root.AddCommand(channelsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "version", version)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// buildLogger replaces the bootstrap logger with the configured one.
func buildLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := io.Writer(os.Stderr)
	cleanup := func() {}
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		cleanup = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), cleanup, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon (ingest + scheduler + dispatch)",
		Long:  "Starts the webhook ingest server, the task scheduler and the dispatch workers. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, cleanup, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mainStore, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer mainStore.Close()

	// The executor gets its own handle so long agent runs never contend
	// with ingest and scheduler reads on one connection.
	execStore, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open executor store: %w", err)
	}
	defer execStore.Close()

	// Records left pending or running by the previous process would
	// keep their task in flight forever; fail them before anything new
	// is dispatched.
	if n, err := mainStore.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("recover interrupted records: %w", err)
	} else if n > 0 {
		logger.Warn("failed records interrupted by previous shutdown", "count", n)
	}

	hub := channel.NewHub(logger)
	registry := channel.NewRegistry(channel.RegistryConfig{
		Store:        mainStore,
		Hub:          hub,
		EditInterval: time.Duration(cfg.Delivery.EditIntervalMs) * time.Millisecond,
		Logger:       logger,
	})

	agentClient := agent.NewClient(agent.ClientConfig{
		BaseURL: cfg.Agent.BaseURL,
		APIKey:  cfg.Agent.APIKey,
		Timeout: time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	exec := executor.New(executor.Config{
		Store:    execStore,
		Agent:    agentClient,
		Registry: registry,
		Logger:   logger,
	})
	dispatcher := executor.NewDispatcher(exec, cfg.Executor.QueueSize, cfg.Executor.MaxConcurrent, logger)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(scheduler.Config{
			Store:        mainStore,
			Dispatcher:   dispatcher,
			TickInterval: time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
			Logger:       logger,
		})
		go sched.Run(ctx)
	} else {
		logger.Info("scheduler disabled by config")
	}

	srv := ingest.NewServer(ingest.Config{
		Addr:       fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Store:      mainStore,
		Resolver:   binding.NewResolver(mainStore, logger),
		Dispatcher: dispatcher,
		Hub:        hub,
		AgentRef:   cfg.Agent.DefaultAgent,
		Logger:     logger,
	})

	logger.Info("relay started", "version", version, "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	serveErr := srv.Start(ctx)

	// Ingest is down; stop accepting work and drain in-flight dispatches.
	dispatcher.Close()
	select {
	case <-dispatcherDone:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out, forcing exit")
	}
	return serveErr
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored channels, tasks and recent outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				logger.Info("config", "path", resolveConfigPath(), "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", resolveConfigPath(), "loaded", true)
			}

			s, err := store.Open(config.ExpandPath(cfg.Store.DBPath), logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			ctx := context.Background()
			channels, err := s.ListChannels(ctx)
			if err != nil {
				return err
			}
			active := 0
			for _, ch := range channels {
				if ch.Active {
					active++
				}
			}
			logger.Info("channels", "total", len(channels), "active", active)

			tasks, err := s.ListTasks(ctx)
			if err != nil {
				return err
			}
			activeTasks := 0
			for _, task := range tasks {
				if task.Active {
					activeTasks++
				}
			}
			logger.Info("tasks", "total", len(tasks), "active", activeTasks)

			records, err := s.ListRecords(ctx, "", 5)
			if err != nil {
				return err
			}
			for _, rec := range records {
				logger.Info("recent dispatch",
					"record", rec.ID,
					"trigger", rec.Trigger,
					"status", rec.Status,
					"started", rec.StartedAt.Format(time.RFC3339),
				)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var taskID string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show execution records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			records, err := s.ListRecords(context.Background(), taskID, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no execution records")
				return nil
			}
			for _, rec := range records {
				finished := "-"
				if !rec.FinishedAt.IsZero() {
					finished = rec.FinishedAt.Format(time.RFC3339)
				}
				fmt.Printf("%s  %-9s  %-9s  started=%s finished=%s  %s\n",
					rec.ID, rec.Trigger, rec.Status,
					rec.StartedAt.Format(time.RFC3339), finished, rec.Summary)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to show")
	return cmd
}

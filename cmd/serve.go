package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/jagc/internal/agent"
	"github.com/nextlevelbuilder/jagc/internal/config"
	"github.com/nextlevelbuilder/jagc/internal/executor"
	"github.com/nextlevelbuilder/jagc/internal/httpapi"
	"github.com/nextlevelbuilder/jagc/internal/logging"
	"github.com/nextlevelbuilder/jagc/internal/runs"
	"github.com/nextlevelbuilder/jagc/internal/store"
	"github.com/nextlevelbuilder/jagc/internal/tasks"
	"github.com/nextlevelbuilder/jagc/internal/telegram"
	"github.com/nextlevelbuilder/jagc/internal/workspace"
	"github.com/nextlevelbuilder/jagc/migrations"
)

// shutdownGrace bounds how long in-flight runs may finish on shutdown.
const shutdownGrace = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator (HTTP API, Telegram bot, task engine)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	if err := serve(); err != nil {
		slog.Error("serve failed", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.LogLevel)
	logger := slog.Default()

	seeded, err := workspace.Ensure(cfg.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}
	if len(seeded) > 0 {
		logger.Info("workspace seeded", "dir", cfg.WorkspaceDir, "files", seeded)
	}

	st, err := store.Open(cfg.DatabasePath, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx, migrations.FS()); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	var runner agent.Runner
	switch cfg.Runner {
	case config.RunnerEcho:
		runner = agent.EchoRunner{}
	default:
		runner = &agent.PiRunner{WorkingDir: cfg.WorkspaceDir, Logger: logger}
	}
	logger.Info("jagc starting",
		"version", Version, "runner", runner.Name(),
		"workspace", cfg.WorkspaceDir, "database", cfg.DatabasePath)

	exec := executor.New(st, runner, cfg.WorkspaceDir, logger)
	runSvc := runs.NewService(st, exec, logger)
	runSvc.Start()
	if _, err := runSvc.Recover(ctx); err != nil {
		return fmt.Errorf("recover unfinished runs: %w", err)
	}

	var (
		dispatcher *telegram.Dispatcher
		engineOpts []tasks.Option
	)
	if cfg.TelegramBotToken != "" {
		bot, err := telego.NewBot(cfg.TelegramBotToken)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		registry := telegram.NewRegistry(logger)
		delivery := telegram.NewDelivery(bot, runSvc, registry, logger)
		dispatcher = telegram.NewDispatcher(bot, cfg.TelegramBotToken,
			cfg.TelegramAllowedUserIDs, runSvc, exec, st, delivery, registry, logger)
		engineOpts = append(engineOpts, tasks.WithDeliverer(delivery))
	} else {
		logger.Info("telegram disabled (no TELEGRAM_BOT_TOKEN)")
	}

	engine := tasks.NewEngine(st, runSvc, logger, engineOpts...)
	engine.Start()
	defer engine.Stop()

	if dispatcher != nil {
		if err := dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("start telegram: %w", err)
		}
		defer dispatcher.Stop()
	}

	server := httpapi.New(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), runSvc, exec, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if shutdownErr := runSvc.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("shutdown incomplete", "error", shutdownErr)
	}
	logger.Info("jagc stopped")
	return err
}

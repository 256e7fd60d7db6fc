package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowrelay/relay/internal/config"
	"github.com/flowrelay/relay/internal/dispatch"
	"github.com/flowrelay/relay/internal/filter"
	"github.com/flowrelay/relay/internal/lifecycle"
	"github.com/flowrelay/relay/internal/scheduler"
	"github.com/flowrelay/relay/internal/server"
	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/internal/telemetry"
	"github.com/flowrelay/relay/internal/trigger"
	"github.com/flowrelay/relay/internal/webhook"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server and scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			st, err := store.NewLibSQLStore(cfg.DB.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Migrate(cmd.Context())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	st, err := store.NewLibSQLStore(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	engines, err := filter.NewEngines()
	if err != nil {
		return fmt.Errorf("filter engines: %w", err)
	}
	tokens, err := lifecycle.NewTokenIssuer(cfg.Token.Secret)
	if err != nil {
		return err
	}

	triggers := trigger.NewService(st, engines, logger)
	manager := lifecycle.NewManager(st, triggers, tokens, logger)
	dispatcher := dispatch.NewDispatcher(manager, cfg.Agent.BaseURL, cfg.Agent.DispatchTimeout, logger)
	recorder := telemetry.NewRecorder(st, logger)
	queue := webhook.NewQueue(st, cfg.Webhook.Secret, logger)

	sched := scheduler.NewScheduler(st, triggers, manager, dispatcher, cfg.Scheduler.TickInterval, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := server.New(cfg.Server.Addr, server.Deps{
		Store:      st,
		Queue:      queue,
		Lifecycle:  manager,
		Recorder:   recorder,
		Triggers:   triggers,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

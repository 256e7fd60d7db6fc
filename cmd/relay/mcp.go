package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowrelay/relay/internal/config"
	"github.com/flowrelay/relay/internal/dispatch"
	"github.com/flowrelay/relay/internal/filter"
	"github.com/flowrelay/relay/internal/lifecycle"
	"github.com/flowrelay/relay/internal/store"
	"github.com/flowrelay/relay/internal/trigger"
	relaymcp "github.com/flowrelay/relay/pkg/mcp"
)

// newMCPCmd exposes the relay tools over MCP stdio so agents can browse
// workflows and dispatch runs without going through the HTTP API.
func newMCPCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve relay tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			st, err := store.NewLibSQLStore(cfg.DB.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
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

			srv := relaymcp.NewRelayServer(relaymcp.RelayServerDeps{
				Store:  st,
				Runner: dispatcher,
				Logger: logger,
			})
			return srv.Serve(cmd.Context())
		},
	}
}

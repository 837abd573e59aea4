package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memento-project/memento/internal/bundle"
	"github.com/memento-project/memento/internal/dump"
	"github.com/memento-project/memento/internal/scheduler"
	"github.com/memento-project/memento/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket control channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger := newLogger()

	env, err := loadEnv(logger, true)
	if err != nil {
		return err
	}

	dbs, err := bundle.New(ctx, cfg, env, logger)
	if err != nil {
		return fmt.Errorf("serve: building storage: %w", err)
	}
	defer func() { _ = dbs.Close() }()

	if dumpOut {
		return dump.WriteAll(ctx, dbs, dump.DefaultPath, logger)
	}

	decay := scheduler.NewDecayScheduler(dbs.LongTerm, logger)
	if err := decay.Start(ctx); err != nil {
		return fmt.Errorf("serve: starting decay schedule: %w", err)
	}
	defer decay.Stop()

	srv := server.New(cfg.WSS.Host, cfg.WSS.Port, logger)
	srv.SetDispatcher(server.NewDispatcher(dbs, logger, srv.Shutdown))

	return srv.Run(ctx)
}

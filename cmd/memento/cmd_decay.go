package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memento-project/memento/internal/bundle"
)

func decayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decay",
		Short: "Run one decay pass over the long-term store and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			env, err := loadEnv(logger, false)
			if err != nil {
				return err
			}

			dbs, err := bundle.New(ctx, cfg, env, logger)
			if err != nil {
				return fmt.Errorf("decay: building storage: %w", err)
			}
			defer func() { _ = dbs.Close() }()

			return dbs.LongTerm.DecayAll(ctx)
		},
	}
}

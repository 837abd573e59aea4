package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memento-project/memento/internal/bundle"
	"github.com/memento-project/memento/internal/dump"
)

func dumpCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write every tier's contents to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			env, err := loadEnv(logger, false)
			if err != nil {
				return err
			}

			dbs, err := bundle.New(ctx, cfg, env, logger)
			if err != nil {
				return fmt.Errorf("dump: building storage: %w", err)
			}
			defer func() { _ = dbs.Close() }()

			return dump.WriteAll(ctx, dbs, out, logger)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", dump.DefaultPath, "output file path")
	return cmd
}

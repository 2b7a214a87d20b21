package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/concierge/internal/db"
	"github.com/memohai/concierge/internal/logger"
	"github.com/memohai/concierge/internal/operator"
)

func newOperatorsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operators",
		Short: "Manage operator accounts",
	}
	cmd.AddCommand(newOperatorsImportCommand(), newOperatorsCreateCommand())
	return cmd
}

func newOperatorsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Create operators listed in a YAML file, skipping existing usernames",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withOperatorService(cmd.Context(), func(ctx context.Context, svc *operator.Service) error {
				res, err := svc.ImportYAML(ctx, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %d, skipped %d\n", len(res.Created), len(res.Skipped))
				return nil
			})
		},
	}
}

func newOperatorsCreateCommand() *cobra.Command {
	var input operator.CreateInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a single operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if input.Password == "" {
				input.Password = os.Getenv("CONCIERGE_OPERATOR_PASSWORD")
			}
			return withOperatorService(cmd.Context(), func(ctx context.Context, svc *operator.Service) error {
				op, err := svc.Create(ctx, input)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created operator %s (%s)\n", op.Username, op.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&input.Username, "username", "", "login name")
	cmd.Flags().StringVar(&input.DisplayName, "display-name", "", "name shown to other operators")
	cmd.Flags().StringVar(&input.Password, "password", "", "password (defaults to $CONCIERGE_OPERATOR_PASSWORD)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("display-name")
	return cmd
}

func withOperatorService(ctx context.Context, fn func(ctx context.Context, svc *operator.Service) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	return fn(ctx, operator.NewService(logger.L, operator.NewPgStore(pool)))
}

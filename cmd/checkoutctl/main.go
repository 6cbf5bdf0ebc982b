package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"checkout-service/config"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "checkoutctl",
		Short:         "Operator tools for the checkout service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return util.InitLogger("development", "warn")
		},
	}

	root.AddCommand(
		newMigrateCommand(),
		newEventsCommand(),
		newAuditCommand(),
		newReapCommand(),
		newStockCommand(),
		newWebhookCommand(),
	)
	return root
}

// env is what most commands need: configuration and a database handle
type env struct {
	cfg *config.Config
	db  *store.Store
}

func openEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := store.NewStore(store.Options{
		URL:          cfg.Database.URL,
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &env{cfg: cfg, db: db}, nil
}

func (e *env) Close() {
	e.db.Close()
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

// Command engine is the neural engine's CLI entry point: serve runs the
// HTTP API and background loops, investigate runs a one-shot health
// check, migrate applies the Execution Store's embedded schema.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/lib/pq"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/store"
	"github.com/neuralcore/engine/pkg/system"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if errors.Is(err, core.ErrInvalidConfig) {
		return 1
	}
	return 2
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "engine",
		Short:         "Autonomous goal-execution neural engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(serveCmd(), investigateCmd(), migrateCmd())
	return root
}

func loadConfig() (*core.Config, error) {
	cfg, err := core.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background investigation/improvement loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sys, err := system.New(ctx, cfg, version)
			if err != nil {
				return fmt.Errorf("build system: %w", err)
			}
			sys.Start(ctx)

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Port),
				Handler: sys.HTTP,
			}

			serveErrCh := make(chan error, 1)
			go func() {
				sys.Logger.Info("serving", map[string]interface{}{"port": cfg.Port})
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErrCh <- err
					return
				}
				serveErrCh <- nil
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErrCh:
				if err != nil {
					_ = sys.Shutdown()
					return fmt.Errorf("serve: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return sys.Shutdown()
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP listen port (overrides NEURALCORE_PORT)")
	return cmd
}

func investigateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "investigate",
		Short: "Run one Self-Investigation health cycle and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			sys, err := system.New(ctx, cfg, version)
			if err != nil {
				return fmt.Errorf("build system: %w", err)
			}
			defer sys.Shutdown()

			health, err := sys.Investigator.InvestigateHealth(ctx)
			if err != nil {
				return fmt.Errorf("investigate: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(health)
		},
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Execution Store's embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("%w: NEURALCORE_DATABASE_URL is required for migrate", core.ErrInvalidConfig)
			}

			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := store.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	return cmd
}

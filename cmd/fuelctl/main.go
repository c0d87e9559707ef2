// Command fuelctl is the Fuelwatch operations CLI.
//
// Usage:
//
//	fuelctl migrate
//	fuelctl push test --token <fcm-token> [--token ...] --title "..." --body "..."
//	fuelctl push test --station 42 --produit essence
//	fuelctl devices prune --days 90
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/malitadji/fuelwatch/internal/config"
	"github.com/malitadji/fuelwatch/internal/db"
	"github.com/malitadji/fuelwatch/internal/follow"
	"github.com/malitadji/fuelwatch/internal/notify"
	"github.com/malitadji/fuelwatch/internal/push"
	"github.com/malitadji/fuelwatch/internal/stock"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "fuelctl",
		Short: "Fuelwatch operations CLI",
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(pushCmd())
	root.AddCommand(devicesCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// withPool loads config, opens the pool through open and runs fn. Commands
// that query through prepared statements pass db.New; migrate passes
// db.NewBare, since the statements cannot be prepared before the tables
// they reference exist.
func withPool(open func(context.Context, *config.Config) (*db.Pool, error), fn func(ctx context.Context, cfg *config.Config, pool *db.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	var schemaPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema.sql to the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(db.NewBare, func(ctx context.Context, cfg *config.Config, pool *db.Pool) error {
				start := time.Now()
				if err := db.Migrate(ctx, pool, schemaPath); err != nil {
					return err
				}
				logger.Info("Schema applied", "path", schemaPath, "duration", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "schema.sql", "path to schema file")
	return cmd
}

// --------------------------------------------------------------------------
// push commands
// --------------------------------------------------------------------------

func pushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push delivery utilities",
	}
	cmd.AddCommand(pushTestCmd())
	return cmd
}

func pushTestCmd() *cobra.Command {
	var (
		tokens    []string
		stationID int64
		produit   string
		title     string
		body      string
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send a test push to explicit tokens or a station's followers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(db.New, func(ctx context.Context, cfg *config.Config, pool *db.Pool) error {
				fcm, err := push.NewFCMClient(ctx, cfg.FirebaseCredentialsFile)
				if err != nil {
					return err
				}
				if fcm == nil {
					return fmt.Errorf("FIREBASE_CREDENTIALS_FILE is required")
				}

				follows := follow.NewPGStore(pool.Pool)
				dispatcher := push.NewDispatcher(fcm, follows, cfg.PushBatchSize, cfg.PushCleanupInvalid, logger)

				targets := tokens
				if len(targets) == 0 {
					if stationID == 0 {
						return fmt.Errorf("either --token or --station is required")
					}
					product, err := stock.ParseProduct(produit)
					if err != nil {
						return fmt.Errorf("--produit must be essence or gasoil")
					}
					audience, err := notify.ResolveAudience(ctx, notify.NewPGStore(pool.Pool), stationID, product)
					if err != nil {
						return err
					}
					targets = audience.Tokens
				}

				sum := dispatcher.Dispatch(ctx, targets, title, body, map[string]string{"kind": "test"})
				logger.Info("Test push finished",
					"tokens", sum.TokenCount,
					"batches", sum.Batches,
					"sent", sum.Sent,
					"fail", sum.Fail,
					"invalid", sum.Invalid)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&tokens, "token", nil, "explicit FCM token (repeatable)")
	cmd.Flags().Int64Var(&stationID, "station", 0, "resolve tokens from this station's followers")
	cmd.Flags().StringVar(&produit, "produit", "essence", "product scope for --station")
	cmd.Flags().StringVar(&title, "title", "Fuelwatch test", "notification title")
	cmd.Flags().StringVar(&body, "body", "Test push from fuelctl", "notification body")
	return cmd
}

// --------------------------------------------------------------------------
// devices commands
// --------------------------------------------------------------------------

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Device registry utilities",
	}
	cmd.AddCommand(devicesPruneCmd())
	return cmd
}

func devicesPruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete devices not seen within the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(db.New, func(ctx context.Context, cfg *config.Config, pool *db.Pool) error {
				if days < 1 {
					return fmt.Errorf("--days must be positive")
				}
				cutoff := time.Now().AddDate(0, 0, -days)
				deleted, err := follow.NewPGStore(pool.Pool).PruneStale(ctx, cutoff)
				if err != nil {
					return err
				}
				logger.Info("Stale devices pruned", "cutoff", cutoff.Format(time.RFC3339), "deleted", deleted)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 90, "retention window in days")
	return cmd
}

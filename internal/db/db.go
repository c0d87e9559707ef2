// Package db provides a pgxpool-based connection pool with prepared statement
// registration and health checking.
package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malitadji/fuelwatch/internal/config"
)

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool with prepared statements
// registered on every connection.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	return open(ctx, cfg, true)
}

// NewBare creates a pool without prepared-statement registration. Postgres
// validates relations at PREPARE time, so the statements cannot be prepared
// before the tables they reference exist; migrate connects through this
// path to apply schema.sql to a fresh database.
func NewBare(ctx context.Context, cfg *config.Config) (*Pool, error) {
	return open(ctx, cfg, false)
}

func open(ctx context.Context, cfg *config.Config, prepare bool) (*Pool, error) {
	poolCfg, err := newPoolConfig(cfg, prepare)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

func newPoolConfig(cfg *config.Config, prepare bool) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	if prepare {
		// Register prepared statements on every new connection.
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return registerPreparedStatements(ctx, conn)
		}
	}

	return poolCfg, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Migrate applies schema.sql. Statements are idempotent (IF NOT EXISTS), so
// running it against an existing database is safe.
func Migrate(ctx context.Context, pool *Pool, schemaPath string) error {
	ddl, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := pool.Exec(ctx, string(ddl)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// registerPreparedStatements registers all statements the API and
// notification layers use. Prepared statements eliminate parse overhead on
// every request.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		"health_check": "SELECT 1",

		// Stations
		"station_name": "SELECT name FROM stations WHERE id = $1",

		// Stock reads
		"current_stock_levels": "SELECT produit, niveau, updated_at FROM stocks WHERE station_id = $1 ORDER BY produit",
		"stock_history_page":   "SELECT id, produit, previous_niveau, new_niveau, recorded_at FROM stock_history WHERE station_id = $1 ORDER BY recorded_at DESC LIMIT $2 OFFSET $3",

		// Follow resolution: produit IS NULL means "all products"
		"active_device_follows": "SELECT df.device_id, d.fcm_token FROM device_follows df JOIN devices d ON d.device_id = df.device_id WHERE df.station_id = $1 AND df.is_active AND (df.produit IS NULL OR df.produit = $2) AND d.is_active",
		"active_user_follows":   "SELECT user_id FROM user_follows WHERE station_id = $1 AND is_active AND (produit IS NULL OR produit = $2)",
		"device_follow_list":    "SELECT station_id, produit, created_at FROM device_follows WHERE device_id = $1 AND is_active ORDER BY station_id, produit",

		// Cooldown ledger
		"push_event_recent": "SELECT EXISTS (SELECT 1 FROM push_events WHERE station_id = $1 AND produit = $2 AND niveau = $3 AND created_at > $4)",
		"push_event_insert": "INSERT INTO push_events (station_id, produit, niveau) VALUES ($1, $2, $3)",

		// In-app notifications
		"inapp_list": "SELECT id, station_id, produit, title, message, is_read, created_at FROM inapp_notifications WHERE user_id = $1 AND ($2 = false OR is_read = false) ORDER BY created_at DESC LIMIT $3 OFFSET $4",
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}

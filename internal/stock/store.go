package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the stock persistence contract. The production implementation is
// Postgres-backed; tests substitute an in-memory one.
type Store interface {
	// RecordLevel upserts the (station, product) stock row and appends a
	// history entry when the level changed. An identical level is still
	// persisted (timestamp refresh) but yields no history entry.
	RecordLevel(ctx context.Context, stationID int64, product Product, level Level) (Transition, error)
	CurrentLevels(ctx context.Context, stationID int64) ([]Entry, error)
	History(ctx context.Context, stationID int64, limit, offset int) ([]HistoryEntry, error)
	StationName(ctx context.Context, stationID int64) (string, error)
}

// pgxPool is the subset of pgxpool.Pool the store uses. Tests substitute a
// fake so the transaction logic runs without a database.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store on a pgx connection pool.
type PGStore struct {
	pool pgxPool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// RecordLevel runs the read-modify-write as one transaction holding a
// row-level lock on the stock row, so two concurrent updates to the same
// (station, product) cannot both observe the same previous level. The lock
// covers only the comparison and write; dispatch happens after commit.
//
// Creation goes through INSERT ... ON CONFLICT DO NOTHING first: when two
// first-ever updates race, the loser falls through to the locked update
// path instead of failing on the primary key.
func (s *PGStore) RecordLevel(ctx context.Context, stationID int64, product Product, level Level) (Transition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transition{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM stations WHERE id = $1)", stationID,
	).Scan(&exists); err != nil {
		return Transition{}, fmt.Errorf("check station: %w", err)
	}
	if !exists {
		return Transition{}, ErrStationNotFound
	}

	t := Transition{
		StationID: stationID,
		Product:   product,
		New:       level,
		At:        time.Now().UTC(),
	}

	tag, err := tx.Exec(ctx,
		"INSERT INTO stocks (station_id, produit, niveau, updated_at) VALUES ($1, $2, $3, NOW()) ON CONFLICT (station_id, produit) DO NOTHING",
		stationID, product, level,
	)
	if err != nil {
		return Transition{}, fmt.Errorf("insert stock: %w", err)
	}

	if tag.RowsAffected() == 1 {
		t.Created = true
		t.Previous = LevelNone
	} else {
		// Row already exists (possibly committed by a racing create
		// a moment ago); lock it and update in place.
		var prev string
		if err := tx.QueryRow(ctx,
			"SELECT niveau FROM stocks WHERE station_id = $1 AND produit = $2 FOR UPDATE",
			stationID, product,
		).Scan(&prev); err != nil {
			return Transition{}, fmt.Errorf("lock stock row: %w", err)
		}
		t.Previous = Level(prev)
		if _, err := tx.Exec(ctx,
			"UPDATE stocks SET niveau = $3, updated_at = NOW() WHERE station_id = $1 AND produit = $2",
			stationID, product, level,
		); err != nil {
			return Transition{}, fmt.Errorf("update stock: %w", err)
		}
	}

	if t.Changed() {
		var prevArg any // NULL on first creation
		if !t.Created {
			prevArg = string(t.Previous)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO stock_history (station_id, produit, previous_niveau, new_niveau) VALUES ($1, $2, $3, $4)",
			stationID, product, prevArg, level,
		); err != nil {
			return Transition{}, fmt.Errorf("insert history: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Transition{}, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

func (s *PGStore) CurrentLevels(ctx context.Context, stationID int64) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, "current_stock_levels", stationID)
	if err != nil {
		return nil, fmt.Errorf("current stock levels: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Product, &e.Level, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PGStore) History(ctx context.Context, stationID int64, limit, offset int) ([]HistoryEntry, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, "stock_history_page", stationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("stock history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var prev *string
		if err := rows.Scan(&e.ID, &e.Product, &prev, &e.New, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if prev != nil {
			e.Previous = Level(*prev)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PGStore) StationName(ctx context.Context, stationID int64) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, "station_name", stationID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrStationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("station name: %w", err)
	}
	return name, nil
}

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malitadji/fuelwatch/internal/stock"
)

// PGStore implements Registry and Ledger on a pgx connection pool.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) ActiveUserFollows(ctx context.Context, stationID int64, product stock.Product) ([]int64, error) {
	rows, err := s.pool.Query(ctx, "active_user_follows", stationID, product)
	if err != nil {
		return nil, fmt.Errorf("user follows: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user follow: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PGStore) ActiveDeviceFollows(ctx context.Context, stationID int64, product stock.Product) ([]DeviceTarget, error) {
	rows, err := s.pool.Query(ctx, "active_device_follows", stationID, product)
	if err != nil {
		return nil, fmt.Errorf("device follows: %w", err)
	}
	defer rows.Close()

	var targets []DeviceTarget
	for rows.Next() {
		var t DeviceTarget
		if err := rows.Scan(&t.DeviceID, &t.Token); err != nil {
			return nil, fmt.Errorf("scan device follow: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *PGStore) RecentlyNotified(ctx context.Context, stationID int64, product stock.Product, level stock.Level, since time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "push_event_recent", stationID, product, level, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("recent push event: %w", err)
	}
	return exists, nil
}

func (s *PGStore) RecordEvent(ctx context.Context, stationID int64, product stock.Product, level stock.Level) error {
	if _, err := s.pool.Exec(ctx, "push_event_insert", stationID, product, level); err != nil {
		return fmt.Errorf("insert push event: %w", err)
	}
	return nil
}

// InsertInApp persists in-app rows with insert-or-ignore semantics on the
// event key. Returns how many rows were actually created.
func (s *PGStore) InsertInApp(ctx context.Context, rows []InApp) (int, error) {
	created := 0
	for _, n := range rows {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO inapp_notifications (id, user_id, station_id, produit, title, message, event_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_key) DO NOTHING`,
			n.ID, n.UserID, n.StationID, n.Product, n.Title, n.Message, n.EventKey, n.CreatedAt,
		)
		if err != nil {
			return created, fmt.Errorf("insert in-app notification: %w", err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

// InAppRow is a stored in-app notification as returned to the API.
type InAppRow struct {
	ID        string    `json:"id"`
	StationID *int64    `json:"station_id"`
	Product   *string   `json:"produit"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// ListInApp returns a user's in-app notifications, newest first.
func (s *PGStore) ListInApp(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]InAppRow, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, "inapp_list", userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list in-app notifications: %w", err)
	}
	defer rows.Close()

	var out []InAppRow
	for rows.Next() {
		var r InAppRow
		if err := rows.Scan(&r.ID, &r.StationID, &r.Product, &r.Title, &r.Message, &r.IsRead, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan in-app notification: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

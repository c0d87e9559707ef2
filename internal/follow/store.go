package follow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malitadji/fuelwatch/internal/stock"
)

// Store is the device/follow persistence contract used by the API handlers
// and the push dispatcher's token cleanup.
type Store interface {
	RegisterDevice(ctx context.Context, deviceID, platform, token string) (Device, bool, error)
	Follow(ctx context.Context, deviceID string, stationID int64, product *stock.Product) (Follow, bool, error)
	Unfollow(ctx context.Context, deviceID string, stationID int64) (int64, error)
	ListFollows(ctx context.Context, deviceID string) ([]Follow, error)
	ClearTokens(ctx context.Context, tokens []string) error
	PruneStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// PGStore implements Store on a pgx connection pool.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// RegisterDevice upserts the device row. The token is last-write-wins, but
// an empty incoming token never erases an existing one — clients re-register
// on every app start and do not always hold a fresh token. Assigning a token
// already owned by another device clears it from the previous owner inside
// the same transaction; the partial unique index on non-empty tokens is the
// backing constraint.
func (s *PGStore) RegisterDevice(ctx context.Context, deviceID, platform, token string) (Device, bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Device{}, false, ErrDeviceIDMissing
	}
	platform = strings.TrimSpace(platform)
	if platform == "" {
		platform = "android"
	}
	token = strings.TrimSpace(token)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Device{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if token != "" {
		// Orphan the token from any previous owner.
		if _, err := tx.Exec(ctx,
			"UPDATE devices SET fcm_token = '' WHERE fcm_token = $1 AND device_id <> $2",
			token, deviceID,
		); err != nil {
			return Device{}, false, fmt.Errorf("reassign token: %w", err)
		}
	}

	var created bool
	if err := tx.QueryRow(ctx, `
		INSERT INTO devices (device_id, fcm_token, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET
			fcm_token    = CASE WHEN EXCLUDED.fcm_token  = '' THEN devices.fcm_token ELSE EXCLUDED.fcm_token END,
			platform     = CASE WHEN EXCLUDED.platform   = '' THEN devices.platform  ELSE EXCLUDED.platform  END,
			last_seen_at = NOW()
		RETURNING (xmax = 0)`,
		deviceID, token, platform,
	).Scan(&created); err != nil {
		return Device{}, false, fmt.Errorf("upsert device: %w", err)
	}

	var d Device
	if err := tx.QueryRow(ctx,
		"SELECT device_id, fcm_token, platform, is_active, created_at, last_seen_at FROM devices WHERE device_id = $1",
		deviceID,
	).Scan(&d.DeviceID, &d.Token, &d.Platform, &d.IsActive, &d.CreatedAt, &d.LastSeenAt); err != nil {
		return Device{}, false, fmt.Errorf("reload device: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Device{}, false, fmt.Errorf("commit: %w", err)
	}
	return d, created, nil
}

// Follow subscribes a device to a station, optionally scoped to one product.
// Following a specific product deactivates the device's active "all
// products" follow for that station, so a device is not notified twice for
// overlapping scopes it explicitly narrowed.
func (s *PGStore) Follow(ctx context.Context, deviceID string, stationID int64, product *stock.Product) (Follow, bool, error) {
	if strings.TrimSpace(deviceID) == "" {
		return Follow{}, false, ErrDeviceIDMissing
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Follow{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The device must exist; a bare follow call creates it without a token.
	if _, err := tx.Exec(ctx,
		"INSERT INTO devices (device_id) VALUES ($1) ON CONFLICT (device_id) DO UPDATE SET last_seen_at = NOW()",
		deviceID,
	); err != nil {
		return Follow{}, false, fmt.Errorf("ensure device: %w", err)
	}

	if product != nil {
		if _, err := tx.Exec(ctx,
			"UPDATE device_follows SET is_active = FALSE WHERE device_id = $1 AND station_id = $2 AND produit IS NULL AND is_active",
			deviceID, stationID,
		); err != nil {
			return Follow{}, false, fmt.Errorf("deactivate global follow: %w", err)
		}
	}

	var produitArg any
	if product != nil {
		produitArg = string(*product)
	}

	var f Follow
	var created bool
	var produit *string
	if err := tx.QueryRow(ctx, `
		INSERT INTO device_follows (device_id, station_id, produit)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id, station_id, COALESCE(produit, ''))
		DO UPDATE SET is_active = TRUE
		RETURNING station_id, produit, created_at, (xmax = 0)`,
		deviceID, stationID, produitArg,
	).Scan(&f.StationID, &produit, &f.CreatedAt, &created); err != nil {
		return Follow{}, false, fmt.Errorf("upsert follow: %w", err)
	}
	if produit != nil {
		p := stock.Product(*produit)
		f.Product = &p
	}

	if err := tx.Commit(ctx); err != nil {
		return Follow{}, false, fmt.Errorf("commit: %w", err)
	}
	return f, created, nil
}

// Unfollow deactivates every follow (global and per-product) the device has
// on the station. Returns how many rows were deactivated.
func (s *PGStore) Unfollow(ctx context.Context, deviceID string, stationID int64) (int64, error) {
	if strings.TrimSpace(deviceID) == "" {
		return 0, ErrDeviceIDMissing
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE device_follows SET is_active = FALSE WHERE device_id = $1 AND station_id = $2 AND is_active",
		deviceID, stationID,
	)
	if err != nil {
		return 0, fmt.Errorf("unfollow: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) ListFollows(ctx context.Context, deviceID string) ([]Follow, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, ErrDeviceIDMissing
	}
	rows, err := s.pool.Query(ctx, "device_follow_list", deviceID)
	if err != nil {
		return nil, fmt.Errorf("list follows: %w", err)
	}
	defer rows.Close()

	var follows []Follow
	for rows.Next() {
		var f Follow
		var produit *string
		if err := rows.Scan(&f.StationID, &produit, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan follow: %w", err)
		}
		if produit != nil {
			p := stock.Product(*produit)
			f.Product = &p
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

// ClearTokens empties the token column for every device currently holding
// one of the given tokens. Used by invalid-token cleanup after dispatch.
func (s *PGStore) ClearTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		"UPDATE devices SET fcm_token = '' WHERE fcm_token = ANY($1)", tokens,
	); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// PruneStale deletes devices not seen since the cutoff. Follows cascade.
func (s *PGStore) PruneStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM devices WHERE last_seen_at < $1", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune devices: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Package notify turns committed stock transitions into notifications.
//
// Pipeline: decide (level rule + cooldown) → resolve audience → persist
// in-app rows → dispatch push. The pipeline is called explicitly by the
// stock update handler after the stock transaction commits; nothing here
// runs under the stock row lock, and nothing here can fail the stock write.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/malitadji/fuelwatch/internal/push"
	"github.com/malitadji/fuelwatch/internal/stock"
)

// DefaultCooldown is the suppression window per (station, product, level):
// once a transition dispatched, identical transitions stay silent until the
// window reopens, regardless of watcher.
const DefaultCooldown = 10 * time.Minute

// DeviceTarget is one matching device follow with its current token.
// The token may be empty (delivery disabled for that device).
type DeviceTarget struct {
	DeviceID string
	Token    string
}

// Registry answers "who watches this station for this product". A follow
// matches when its scope is NULL (all products) or equals the product.
type Registry interface {
	ActiveUserFollows(ctx context.Context, stationID int64, product stock.Product) ([]int64, error)
	ActiveDeviceFollows(ctx context.Context, stationID int64, product stock.Product) ([]DeviceTarget, error)
}

// Ledger is the anti-spam record: the coarse per-(station, product, level)
// cooldown plus the unique-or-ignore in-app row inserts.
type Ledger interface {
	RecentlyNotified(ctx context.Context, stationID int64, product stock.Product, level stock.Level, since time.Time) (bool, error)
	RecordEvent(ctx context.Context, stationID int64, product stock.Product, level stock.Level) error
	InsertInApp(ctx context.Context, rows []InApp) (int, error)
}

// StationDirectory resolves station display names for messages.
type StationDirectory interface {
	StationName(ctx context.Context, stationID int64) (string, error)
}

// Dispatcher is the push boundary. Satisfied by *push.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, tokens []string, title, body string, data map[string]string) push.Summary
}

// InApp is one in-app notification row. EventKey dedups retried inserts
// within the same minute bucket.
type InApp struct {
	ID        uuid.UUID
	UserID    int64
	StationID int64
	Product   stock.Product
	Title     string
	Message   string
	EventKey  string
	CreatedAt time.Time
}

// Audience is the deduplicated recipient set for one transition.
type Audience struct {
	UserIDs []int64
	Tokens  []string
}

// Outcome summarizes what the pipeline did for one transition. A suppressed
// dispatch is a normal outcome with a Skipped reason, not an error.
type Outcome struct {
	Notified bool         `json:"notified"`
	Skipped  string       `json:"skipped,omitempty"`
	InApp    int          `json:"inapp_created,omitempty"`
	Push     push.Summary `json:"push"`
}

// Skip reasons.
const (
	SkipNotPlein    = "niveau_not_plein"
	SkipAlreadyFull = "already_plein"
	SkipCooldown    = "cooldown"
	SkipNoFollowers = "no_followers"
)

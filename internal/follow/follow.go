// Package follow manages devices and their station subscriptions.
//
// A Follow links a watcher to a station with an optional product scope;
// a NULL scope means "all products". Follows are unique per
// (watcher, station, scope) and are deactivated, never deleted, so
// re-following reactivates the existing row in place.
package follow

import (
	"errors"
	"time"

	"github.com/malitadji/fuelwatch/internal/stock"
)

var ErrDeviceIDMissing = errors.New("device id missing")

// Device is a push target identified by an opaque client-generated id.
// It holds at most one current FCM token; an empty token disables delivery
// without deleting the device.
type Device struct {
	DeviceID   string    `json:"device_id"`
	Token      string    `json:"-"`
	Platform   string    `json:"platform"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Follow is one device subscription to a station. Product is nil when the
// device watches all products.
type Follow struct {
	StationID int64          `json:"station_id"`
	Product   *stock.Product `json:"produit"`
	CreatedAt time.Time      `json:"created_at"`
}

// Package stock tracks the current fuel level per (station, product) pair
// and an append-only history of level changes.
//
// RecordLevel is the single mutation point: get previous level, set new
// level and append history inside one row-locked transaction. Whether the
// change is notification-worthy is decided by the caller after commit —
// never while the lock is held.
package stock

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownProduct  = errors.New("unknown product")
	ErrUnknownLevel    = errors.New("unknown level")
	ErrStationNotFound = errors.New("station not found")
)

// Product is a fuel type.
type Product string

const (
	Essence Product = "essence"
	Gasoil  Product = "gasoil"
)

// ParseProduct normalizes raw input to a known product. Tolerates quotes,
// spaces and the common diesel aliases mobile clients send.
func ParseProduct(raw string) (Product, error) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'`)
	s = strings.ToLower(strings.TrimSpace(s))

	switch s {
	case "diesel", "gazole", "gazoil":
		s = "gasoil"
	}

	switch Product(s) {
	case Essence, Gasoil:
		return Product(s), nil
	}
	return "", ErrUnknownProduct
}

// Level is an ordered fuel-availability state. Plein is the sole
// notification trigger.
type Level string

const (
	LevelNone    Level = "" // no prior record
	LevelRupture Level = "Rupture"
	LevelFaible  Level = "Faible"
	LevelBas     Level = "Bas"
	LevelPlein   Level = "Plein"
)

var levelRank = map[Level]int{
	LevelRupture: 0,
	LevelFaible:  1,
	LevelBas:     2,
	LevelPlein:   3,
}

// ParseLevel validates raw input against the known level scale.
func ParseLevel(raw string) (Level, error) {
	s := strings.TrimSpace(raw)
	for l := range levelRank {
		if strings.EqualFold(s, string(l)) {
			return l, nil
		}
	}
	return "", ErrUnknownLevel
}

// Rank returns the level's position on the availability scale,
// Rupture lowest, Plein highest. LevelNone ranks below Rupture.
func (l Level) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return -1
}

// Transition is the outcome of one RecordLevel call.
type Transition struct {
	StationID int64
	Product   Product
	Previous  Level // LevelNone on first-ever creation
	New       Level
	Created   bool
	At        time.Time
}

// Changed reports whether the level actually moved. History and
// notification both key off this, not off whether a write occurred.
func (t Transition) Changed() bool {
	return t.Created || t.Previous != t.New
}

// Entry is a current stock row for one product at a station.
type Entry struct {
	Product   Product   `json:"produit"`
	Level     Level     `json:"niveau"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEntry is one append-only change record.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	Product    Product   `json:"produit"`
	Previous   Level     `json:"previous_niveau,omitempty"`
	New        Level     `json:"new_niveau"`
	RecordedAt time.Time `json:"recorded_at"`
}

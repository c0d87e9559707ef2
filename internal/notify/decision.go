package notify

import (
	"fmt"
	"time"

	"github.com/malitadji/fuelwatch/internal/stock"
)

// ShouldNotify reports whether a level transition warrants notifying
// watchers: only the transition into Plein from any non-Plein state,
// including the first-ever record for the pair. Plein→Plein is silent.
func ShouldNotify(previous, next stock.Level) bool {
	return next == stock.LevelPlein && previous != stock.LevelPlein
}

// skipReason names why a transition is not notify-worthy. Call only when
// ShouldNotify returned false.
func skipReason(previous, next stock.Level) string {
	if next != stock.LevelPlein {
		return SkipNotPlein
	}
	return SkipAlreadyFull
}

// EventKey builds the per-user dedup key for an in-app row:
// stock:{station}:{produit}:{niveau}:{yyyymmddhhmm}:user:{id}.
// Retried inserts within the same minute collide on the unique constraint
// and are ignored.
func EventKey(stationID int64, product stock.Product, level stock.Level, at time.Time, userID int64) string {
	return fmt.Sprintf("stock:%d:%s:%s:%s:user:%d",
		stationID, product, level, at.UTC().Format("200601021504"), userID)
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/malitadji/fuelwatch/internal/push"
	"github.com/malitadji/fuelwatch/internal/stock"
)

// Pipeline orchestrates decision → resolution → persistence → dispatch for
// one committed stock transition.
type Pipeline struct {
	registry   Registry
	ledger     Ledger
	stations   StationDirectory
	dispatcher Dispatcher // nil when push is not configured
	cooldown   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewPipeline(registry Registry, ledger Ledger, stations StationDirectory, dispatcher Dispatcher, cooldown time.Duration, logger *slog.Logger) *Pipeline {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Pipeline{
		registry:   registry,
		ledger:     ledger,
		stations:   stations,
		dispatcher: dispatcher,
		cooldown:   cooldown,
		logger:     logger,
		now:        time.Now,
	}
}

// StockChanged evaluates one transition and, when warranted, fans out to
// every watcher. The caller invokes it after the stock transaction has
// committed; an error here never unwinds the stock write.
func (p *Pipeline) StockChanged(ctx context.Context, t stock.Transition) (Outcome, error) {
	if !ShouldNotify(t.Previous, t.New) {
		return Outcome{Skipped: skipReason(t.Previous, t.New)}, nil
	}

	// Coarse guard: one dispatch per (station, product, level) per window,
	// regardless of watcher.
	since := p.now().Add(-p.cooldown)
	recent, err := p.ledger.RecentlyNotified(ctx, t.StationID, t.Product, t.New, since)
	if err != nil {
		return Outcome{}, fmt.Errorf("check cooldown: %w", err)
	}
	if recent {
		p.logger.Info("notification suppressed by cooldown",
			"station_id", t.StationID, "produit", t.Product, "niveau", t.New)
		return Outcome{Skipped: SkipCooldown}, nil
	}

	audience, err := ResolveAudience(ctx, p.registry, t.StationID, t.Product)
	if err != nil {
		return Outcome{}, err
	}
	if len(audience.UserIDs) == 0 && len(audience.Tokens) == 0 {
		return Outcome{Skipped: SkipNoFollowers}, nil
	}

	title, body := p.buildMessage(ctx, t)
	now := p.now()

	// Record the event before dispatching so a racing duplicate transition
	// lands in the cooldown window.
	if err := p.ledger.RecordEvent(ctx, t.StationID, t.Product, t.New); err != nil {
		return Outcome{}, fmt.Errorf("record push event: %w", err)
	}

	out := Outcome{Notified: true}

	rows := make([]InApp, 0, len(audience.UserIDs))
	for _, userID := range audience.UserIDs {
		rows = append(rows, InApp{
			ID:        uuid.New(),
			UserID:    userID,
			StationID: t.StationID,
			Product:   t.Product,
			Title:     title,
			Message:   body,
			EventKey:  EventKey(t.StationID, t.Product, t.New, now, userID),
			CreatedAt: now,
		})
	}
	if len(rows) > 0 {
		created, err := p.ledger.InsertInApp(ctx, rows)
		if err != nil {
			// Push delivery is still worth attempting.
			p.logger.Error("insert in-app notifications failed",
				"station_id", t.StationID, "produit", t.Product, "error", err)
		}
		out.InApp = created
	}

	if p.dispatcher != nil && len(audience.Tokens) > 0 {
		out.Push = p.dispatcher.Dispatch(ctx, audience.Tokens, title, body, push.StringData(map[string]any{
			"kind":       "stock_available",
			"station_id": t.StationID,
			"produit":    t.Product,
			"niveau":     t.New,
		}))
		p.logger.Info("push dispatched",
			"station_id", t.StationID,
			"produit", t.Product,
			"tokens", out.Push.TokenCount,
			"sent", out.Push.Sent,
			"fail", out.Push.Fail,
			"invalid", out.Push.Invalid)
	}

	return out, nil
}

// buildMessage renders the user-facing text. Station name lookup is
// best-effort; a missing name falls back to the station id.
func (p *Pipeline) buildMessage(ctx context.Context, t stock.Transition) (title, body string) {
	name, err := p.stations.StationName(ctx, t.StationID)
	if err != nil || name == "" {
		name = fmt.Sprintf("Station #%d", t.StationID)
	}
	title = "Carburant disponible"
	body = fmt.Sprintf("%s : %s est maintenant disponible (Plein).",
		name, strings.ToUpper(string(t.Product)))
	return title, body
}

// Package handler provides HTTP handlers for all API endpoints.
// Handlers validate input, call the storage and notification layers, and
// never let a push-delivery failure surface as a stock-update failure.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/malitadji/fuelwatch/internal/api/respond"
	"github.com/malitadji/fuelwatch/internal/cache"
	"github.com/malitadji/fuelwatch/internal/follow"
	"github.com/malitadji/fuelwatch/internal/notify"
	"github.com/malitadji/fuelwatch/internal/stock"
)

// Notifier is the post-commit notification entry point.
type Notifier interface {
	StockChanged(ctx context.Context, t stock.Transition) (notify.Outcome, error)
}

// InAppLister reads a user's stored in-app notifications.
type InAppLister interface {
	ListInApp(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]notify.InAppRow, error)
}

// HealthChecker verifies the backing database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	stocks   stock.Store
	follows  follow.Store
	notifier Notifier
	inapp    InAppLister
	db       HealthChecker
	cache    *cache.Cache
	logger   *slog.Logger
}

// New creates a Handler with shared dependencies.
func New(stocks stock.Store, follows follow.Store, notifier Notifier, inapp InAppLister, db HealthChecker, c *cache.Cache, logger *slog.Logger) *Handler {
	return &Handler{
		stocks:   stocks,
		follows:  follows,
		notifier: notifier,
		inapp:    inapp,
		db:       db,
		cache:    c,
		logger:   logger,
	}
}

// Root serves API info at /.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "Fuelwatch API",
		"version": "1.0.0",
		"status":  "running",
		"docs":    "/docs",
	})
}

// --------------------------------------------------------------------------
// Shared helpers
// --------------------------------------------------------------------------

// deviceID resolves the device identity from the X-DEVICE-ID header,
// falling back to the given body value.
func deviceID(r *http.Request, bodyValue string) string {
	if id := r.Header.Get("X-DEVICE-ID"); id != "" {
		return id
	}
	return bodyValue
}

// readJSON decodes the request body into v. An empty body is not an error;
// v keeps its zero values. A truncated body is an error.
func readJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

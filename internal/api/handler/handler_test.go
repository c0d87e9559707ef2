package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/malitadji/fuelwatch/internal/api"
	"github.com/malitadji/fuelwatch/internal/api/handler"
	"github.com/malitadji/fuelwatch/internal/cache"
	"github.com/malitadji/fuelwatch/internal/config"
	"github.com/malitadji/fuelwatch/internal/follow"
	"github.com/malitadji/fuelwatch/internal/notify"
	"github.com/malitadji/fuelwatch/internal/stock"
)

// memStockStore keeps levels per (station, product) in memory. Station 404
// behavior mirrors the Postgres store: unknown stations fail RecordLevel
// and StationName with ErrStationNotFound.
type memStockStore struct {
	stations map[int64]string
	levels   map[int64]map[stock.Product]stock.Level
	history  map[int64][]stock.HistoryEntry
}

func newMemStockStore(stations map[int64]string) *memStockStore {
	return &memStockStore{
		stations: stations,
		levels:   make(map[int64]map[stock.Product]stock.Level),
		history:  make(map[int64][]stock.HistoryEntry),
	}
}

func (m *memStockStore) RecordLevel(ctx context.Context, stationID int64, product stock.Product, level stock.Level) (stock.Transition, error) {
	if _, ok := m.stations[stationID]; !ok {
		return stock.Transition{}, stock.ErrStationNotFound
	}
	if m.levels[stationID] == nil {
		m.levels[stationID] = make(map[stock.Product]stock.Level)
	}
	prev, existed := m.levels[stationID][product]
	m.levels[stationID][product] = level

	t := stock.Transition{
		StationID: stationID,
		Product:   product,
		Previous:  prev,
		New:       level,
		Created:   !existed,
		At:        time.Now().UTC(),
	}
	if t.Changed() {
		m.history[stationID] = append(m.history[stationID], stock.HistoryEntry{
			ID:         int64(len(m.history[stationID]) + 1),
			Product:    product,
			Previous:   prev,
			New:        level,
			RecordedAt: t.At,
		})
	}
	return t, nil
}

func (m *memStockStore) CurrentLevels(ctx context.Context, stationID int64) ([]stock.Entry, error) {
	var out []stock.Entry
	for product, level := range m.levels[stationID] {
		out = append(out, stock.Entry{Product: product, Level: level})
	}
	return out, nil
}

func (m *memStockStore) History(ctx context.Context, stationID int64, limit, offset int) ([]stock.HistoryEntry, error) {
	return m.history[stationID], nil
}

func (m *memStockStore) StationName(ctx context.Context, stationID int64) (string, error) {
	name, ok := m.stations[stationID]
	if !ok {
		return "", stock.ErrStationNotFound
	}
	return name, nil
}

type memFollowStore struct {
	devices map[string]follow.Device
	follows map[string][]follow.Follow
}

func newMemFollowStore() *memFollowStore {
	return &memFollowStore{
		devices: make(map[string]follow.Device),
		follows: make(map[string][]follow.Follow),
	}
}

func (m *memFollowStore) RegisterDevice(ctx context.Context, deviceID, platform, token string) (follow.Device, bool, error) {
	if deviceID == "" {
		return follow.Device{}, false, follow.ErrDeviceIDMissing
	}
	d, existed := m.devices[deviceID]
	if !existed {
		d = follow.Device{DeviceID: deviceID, IsActive: true}
	}
	d.Platform = platform
	if token != "" {
		d.Token = token
	}
	m.devices[deviceID] = d
	return d, !existed, nil
}

func (m *memFollowStore) Follow(ctx context.Context, deviceID string, stationID int64, product *stock.Product) (follow.Follow, bool, error) {
	if deviceID == "" {
		return follow.Follow{}, false, follow.ErrDeviceIDMissing
	}
	f := follow.Follow{StationID: stationID, Product: product, CreatedAt: time.Now()}
	m.follows[deviceID] = append(m.follows[deviceID], f)
	return f, true, nil
}

func (m *memFollowStore) Unfollow(ctx context.Context, deviceID string, stationID int64) (int64, error) {
	if deviceID == "" {
		return 0, follow.ErrDeviceIDMissing
	}
	var kept []follow.Follow
	var removed int64
	for _, f := range m.follows[deviceID] {
		if f.StationID == stationID {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	m.follows[deviceID] = kept
	return removed, nil
}

func (m *memFollowStore) ListFollows(ctx context.Context, deviceID string) ([]follow.Follow, error) {
	if deviceID == "" {
		return nil, follow.ErrDeviceIDMissing
	}
	return m.follows[deviceID], nil
}

func (m *memFollowStore) ClearTokens(ctx context.Context, tokens []string) error { return nil }

func (m *memFollowStore) PruneStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeNotifier struct {
	outcome notify.Outcome
	err     error
	calls   []stock.Transition
}

func (f *fakeNotifier) StockChanged(ctx context.Context, t stock.Transition) (notify.Outcome, error) {
	f.calls = append(f.calls, t)
	return f.outcome, f.err
}

type fakeInAppLister struct {
	rows []notify.InAppRow
}

func (f *fakeInAppLister) ListInApp(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]notify.InAppRow, error) {
	return f.rows, nil
}

type fakeHealth struct{ err error }

func (f *fakeHealth) HealthCheck(ctx context.Context) error { return f.err }

type env struct {
	stocks   *memStockStore
	follows  *memFollowStore
	notifier *fakeNotifier
	router   http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	stocks := newMemStockStore(map[int64]string{1: "Total Hamdallaye", 2: "Shell Plateau"})
	follows := newMemFollowStore()
	notifier := &fakeNotifier{outcome: notify.Outcome{Skipped: notify.SkipNoFollowers}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := handler.New(stocks, follows, notifier, &fakeInAppLister{}, &fakeHealth{}, cache.New(false), logger)
	cfg := &config.Config{CORSAllowOrigins: []string{"*"}}
	return &env{stocks: stocks, follows: follows, notifier: notifier, router: api.NewRouter(h, cfg)}
}

func (e *env) do(t *testing.T, method, path, deviceID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if deviceID != "" {
		req.Header.Set("X-DEVICE-ID", deviceID)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestUpdateStock(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/stations/1/stock", "", `{"produit":"essence","niveau":"Plein"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["ok"] != true || body["created"] != true || body["niveau"] != "Plein" {
		t.Errorf("body = %v", body)
	}
	if len(e.notifier.calls) != 1 {
		t.Fatalf("notifier calls = %d, want 1", len(e.notifier.calls))
	}
	tr := e.notifier.calls[0]
	if tr.StationID != 1 || tr.Product != stock.Essence || tr.New != stock.LevelPlein || !tr.Created {
		t.Errorf("notifier received %+v", tr)
	}
}

func TestUpdateStockAcceptsAliases(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/stations/1/stock", "", `{"produit":"diesel","niveau":"bas"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["produit"] != "gasoil" || body["niveau"] != "Bas" {
		t.Errorf("body = %v, want normalized produit/niveau", body)
	}
}

func TestUpdateStockValidation(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{name: "bad station id", path: "/api/v1/stations/abc/stock", body: `{"produit":"essence","niveau":"Plein"}`, wantCode: http.StatusBadRequest},
		{name: "unknown station", path: "/api/v1/stations/99/stock", body: `{"produit":"essence","niveau":"Plein"}`, wantCode: http.StatusNotFound},
		{name: "bad product", path: "/api/v1/stations/1/stock", body: `{"produit":"kerosene","niveau":"Plein"}`, wantCode: http.StatusBadRequest},
		{name: "bad level", path: "/api/v1/stations/1/stock", body: `{"produit":"essence","niveau":"Half"}`, wantCode: http.StatusBadRequest},
		{name: "malformed json", path: "/api/v1/stations/1/stock", body: `{produit}`, wantCode: http.StatusBadRequest},
		{name: "truncated json", path: "/api/v1/stations/1/stock", body: `{"produit":"essence"`, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, tt.path, "", tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
	if len(e.notifier.calls) != 0 {
		t.Errorf("notifier called for rejected updates")
	}
}

func TestUpdateStockNotifierErrorStillSucceeds(t *testing.T) {
	e := newEnv(t)
	e.notifier.err = errors.New("fcm unreachable")

	rec := e.do(t, http.MethodPost, "/api/v1/stations/1/stock", "", `{"produit":"essence","niveau":"Plein"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when only notification fails", rec.Code)
	}
	body := decodeBody(t, rec)
	notification, _ := body["notification"].(map[string]any)
	if notification["skipped"] != "notify_error" {
		t.Errorf("notification outcome = %v", notification)
	}
	// The level write went through regardless.
	if e.stocks.levels[1][stock.Essence] != stock.LevelPlein {
		t.Errorf("stock level not persisted")
	}
}

func TestGetStock(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/api/v1/stations/1/stock", "", `{"produit":"gasoil","niveau":"Rupture"}`)

	rec := e.do(t, http.MethodGet, "/api/v1/stations/1/stock", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	stocks, _ := body["stocks"].([]any)
	if len(stocks) != 1 {
		t.Errorf("stocks = %v, want one entry", body["stocks"])
	}

	rec = e.do(t, http.MethodGet, "/api/v1/stations/99/stock", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown station status = %d, want 404", rec.Code)
	}
}

func TestFollowEndpoints(t *testing.T) {
	e := newEnv(t)

	// Register, follow one product, then list and unfollow.
	rec := e.do(t, http.MethodPost, "/api/v1/devices/register", "dev-1", `{"platform":"android","fcm_token":"tok-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["created"] != true || body["has_fcm_token"] != true {
		t.Errorf("register body = %v", body)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/stations/2/follow", "dev-1", `{"produit":"essence"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("follow status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Empty produit means all products.
	rec = e.do(t, http.MethodPost, "/api/v1/stations/1/follow", "dev-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("follow-all status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/api/v1/devices/follows", "dev-1", "")
	body = decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Errorf("follows count = %v, want 2", body["count"])
	}

	rec = e.do(t, http.MethodPost, "/api/v1/stations/2/unfollow", "dev-1", "")
	body = decodeBody(t, rec)
	if rec.Code != http.StatusOK || body["updated"] != float64(1) {
		t.Errorf("unfollow = %d %v", rec.Code, body)
	}
}

func TestFollowValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/stations/1/follow", "", `{"produit":"essence"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing device id status = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/stations/1/follow", "dev-1", `{"produit":"petrole"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown produit status = %d, want 400", rec.Code)
	}
}

func TestListNotifications(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/users/7/notifications", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["ok"] != true || body["page"] != float64(1) {
		t.Errorf("body = %v", body)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/users/0/notifications", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad user id status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/health/", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/malitadji/fuelwatch/internal/push"
	"github.com/malitadji/fuelwatch/internal/stock"
)

type fakeRegistry struct {
	userIDs []int64
	targets []DeviceTarget
	err     error
}

func (f *fakeRegistry) ActiveUserFollows(ctx context.Context, stationID int64, product stock.Product) ([]int64, error) {
	return f.userIDs, f.err
}

func (f *fakeRegistry) ActiveDeviceFollows(ctx context.Context, stationID int64, product stock.Product) ([]DeviceTarget, error) {
	return f.targets, f.err
}

type fakeLedger struct {
	clock      func() time.Time
	events     []time.Time
	recentErr  error
	insertErr  error
	inserted   []InApp
	inAppCount int
}

func (f *fakeLedger) RecentlyNotified(ctx context.Context, stationID int64, product stock.Product, level stock.Level, since time.Time) (bool, error) {
	if f.recentErr != nil {
		return false, f.recentErr
	}
	for _, at := range f.events {
		if !at.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) RecordEvent(ctx context.Context, stationID int64, product stock.Product, level stock.Level) error {
	f.events = append(f.events, f.clock())
	return nil
}

func (f *fakeLedger) InsertInApp(ctx context.Context, rows []InApp) (int, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserted = append(f.inserted, rows...)
	f.inAppCount += len(rows)
	return len(rows), nil
}

type fakeDirectory struct {
	name string
	err  error
}

func (f *fakeDirectory) StationName(ctx context.Context, stationID int64) (string, error) {
	return f.name, f.err
}

type dispatchCall struct {
	tokens []string
	title  string
	body   string
	data   map[string]string
}

type fakeDispatcher struct {
	calls   []dispatchCall
	summary push.Summary
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, tokens []string, title, body string, data map[string]string) push.Summary {
	f.calls = append(f.calls, dispatchCall{tokens: tokens, title: title, body: body, data: data})
	s := f.summary
	s.TokenCount = len(tokens)
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(reg Registry, led Ledger, dir StationDirectory, disp Dispatcher, at *time.Time) *Pipeline {
	p := NewPipeline(reg, led, dir, disp, DefaultCooldown, testLogger())
	p.now = func() time.Time { return *at }
	return p
}

func TestResolveAudienceDedup(t *testing.T) {
	reg := &fakeRegistry{
		userIDs: []int64{3, 7, 3, 11},
		targets: []DeviceTarget{
			{DeviceID: "a", Token: "tok-1"},
			{DeviceID: "a", Token: "tok-1"}, // product-scoped and global follow, same device
			{DeviceID: "b", Token: ""},      // delivery disabled
			{DeviceID: "c", Token: "tok-2"},
		},
	}

	a, err := ResolveAudience(context.Background(), reg, 1, stock.Essence)
	if err != nil {
		t.Fatalf("ResolveAudience error = %v", err)
	}
	if len(a.UserIDs) != 3 {
		t.Errorf("UserIDs = %v, want 3 distinct ids", a.UserIDs)
	}
	if len(a.Tokens) != 2 {
		t.Errorf("Tokens = %v, want 2 distinct non-empty tokens", a.Tokens)
	}
}

func TestStockChangedSkipsWithoutPlein(t *testing.T) {
	now := time.Date(2025, time.March, 7, 14, 0, 0, 0, time.UTC)
	disp := &fakeDispatcher{}
	p := newTestPipeline(&fakeRegistry{}, &fakeLedger{clock: func() time.Time { return now }}, &fakeDirectory{}, disp, &now)

	tests := []struct {
		name string
		t    stock.Transition
		want string
	}{
		{
			name: "drop to rupture",
			t:    stock.Transition{StationID: 1, Product: stock.Essence, Previous: stock.LevelPlein, New: stock.LevelRupture},
			want: SkipNotPlein,
		},
		{
			name: "plein to plein",
			t:    stock.Transition{StationID: 1, Product: stock.Essence, Previous: stock.LevelPlein, New: stock.LevelPlein},
			want: SkipAlreadyFull,
		},
		{
			name: "first record at rupture",
			t:    stock.Transition{StationID: 1, Product: stock.Essence, Created: true, New: stock.LevelRupture},
			want: SkipNotPlein,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.StockChanged(context.Background(), tt.t)
			if err != nil {
				t.Fatalf("StockChanged error = %v", err)
			}
			if out.Notified || out.Skipped != tt.want {
				t.Errorf("outcome = %+v, want skipped %q", out, tt.want)
			}
		})
	}
	if len(disp.calls) != 0 {
		t.Errorf("dispatcher called %d times for skipped transitions", len(disp.calls))
	}
}

func TestStockChangedCooldown(t *testing.T) {
	now := time.Date(2025, time.March, 7, 14, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{clock: func() time.Time { return now }}
	disp := &fakeDispatcher{}
	reg := &fakeRegistry{targets: []DeviceTarget{{DeviceID: "a", Token: "tok-1"}}}
	p := newTestPipeline(reg, ledger, &fakeDirectory{name: "Total Hamdallaye"}, disp, &now)

	tr := stock.Transition{StationID: 5, Product: stock.Gasoil, Previous: stock.LevelRupture, New: stock.LevelPlein}

	out, err := p.StockChanged(context.Background(), tr)
	if err != nil {
		t.Fatalf("first StockChanged error = %v", err)
	}
	if !out.Notified {
		t.Fatalf("first transition not notified: %+v", out)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("dispatcher calls = %d, want 1", len(disp.calls))
	}

	// Same transition inside the window is suppressed.
	now = now.Add(3 * time.Minute)
	out, err = p.StockChanged(context.Background(), tr)
	if err != nil {
		t.Fatalf("second StockChanged error = %v", err)
	}
	if out.Notified || out.Skipped != SkipCooldown {
		t.Errorf("within window: outcome = %+v, want skipped %q", out, SkipCooldown)
	}
	if len(disp.calls) != 1 {
		t.Errorf("dispatcher called during cooldown")
	}

	// After the window reopens the dispatch goes through again.
	now = now.Add(8 * time.Minute)
	out, err = p.StockChanged(context.Background(), tr)
	if err != nil {
		t.Fatalf("third StockChanged error = %v", err)
	}
	if !out.Notified {
		t.Errorf("after window: outcome = %+v, want notified", out)
	}
	if len(disp.calls) != 2 {
		t.Errorf("dispatcher calls = %d, want 2", len(disp.calls))
	}
}

func TestStockChangedNoFollowers(t *testing.T) {
	now := time.Date(2025, time.March, 7, 14, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{clock: func() time.Time { return now }}
	p := newTestPipeline(&fakeRegistry{}, ledger, &fakeDirectory{}, &fakeDispatcher{}, &now)

	out, err := p.StockChanged(context.Background(), stock.Transition{
		StationID: 2, Product: stock.Essence, Previous: stock.LevelBas, New: stock.LevelPlein,
	})
	if err != nil {
		t.Fatalf("StockChanged error = %v", err)
	}
	if out.Notified || out.Skipped != SkipNoFollowers {
		t.Errorf("outcome = %+v, want skipped %q", out, SkipNoFollowers)
	}
	if len(ledger.events) != 0 {
		t.Errorf("event recorded with no audience")
	}
}

func TestStockChangedLedgerError(t *testing.T) {
	now := time.Date(2025, time.March, 7, 14, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{clock: func() time.Time { return now }, recentErr: errors.New("pool closed")}
	p := newTestPipeline(&fakeRegistry{}, ledger, &fakeDirectory{}, &fakeDispatcher{}, &now)

	_, err := p.StockChanged(context.Background(), stock.Transition{
		StationID: 2, Product: stock.Essence, Previous: stock.LevelBas, New: stock.LevelPlein,
	})
	if err == nil {
		t.Fatal("expected error when cooldown check fails")
	}
}

func TestStockChangedInAppFailureStillDispatches(t *testing.T) {
	now := time.Date(2025, time.March, 7, 14, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{clock: func() time.Time { return now }, insertErr: errors.New("constraint violation")}
	disp := &fakeDispatcher{}
	reg := &fakeRegistry{
		userIDs: []int64{1},
		targets: []DeviceTarget{{DeviceID: "a", Token: "tok-1"}},
	}
	p := newTestPipeline(reg, ledger, &fakeDirectory{name: "Shell Plateau"}, disp, &now)

	out, err := p.StockChanged(context.Background(), stock.Transition{
		StationID: 3, Product: stock.Gasoil, Previous: stock.LevelFaible, New: stock.LevelPlein,
	})
	if err != nil {
		t.Fatalf("StockChanged error = %v", err)
	}
	if !out.Notified || out.InApp != 0 {
		t.Errorf("outcome = %+v, want notified with no in-app rows", out)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("dispatcher calls = %d, want 1", len(disp.calls))
	}
}

func TestStockChangedEndToEnd(t *testing.T) {
	now := time.Date(2025, time.March, 7, 14, 30, 0, 0, time.UTC)
	ledger := &fakeLedger{clock: func() time.Time { return now }}
	disp := &fakeDispatcher{}
	reg := &fakeRegistry{
		userIDs: []int64{4, 8},
		targets: []DeviceTarget{
			{DeviceID: "a", Token: "tok-1"},
			{DeviceID: "b", Token: "tok-2"},
		},
	}
	p := newTestPipeline(reg, ledger, &fakeDirectory{name: "Total Hamdallaye"}, disp, &now)

	// First-ever record at Rupture: stored, nothing dispatched.
	out, err := p.StockChanged(context.Background(), stock.Transition{
		StationID: 5, Product: stock.Essence, Created: true, New: stock.LevelRupture,
	})
	if err != nil {
		t.Fatalf("rupture StockChanged error = %v", err)
	}
	if out.Notified {
		t.Fatalf("rupture transition should not notify: %+v", out)
	}

	// Restock to Plein: both users get in-app rows, both tokens a push.
	out, err = p.StockChanged(context.Background(), stock.Transition{
		StationID: 5, Product: stock.Essence, Previous: stock.LevelRupture, New: stock.LevelPlein,
	})
	if err != nil {
		t.Fatalf("plein StockChanged error = %v", err)
	}
	if !out.Notified || out.InApp != 2 {
		t.Fatalf("outcome = %+v, want notified with 2 in-app rows", out)
	}

	if len(disp.calls) != 1 {
		t.Fatalf("dispatcher calls = %d, want 1", len(disp.calls))
	}
	call := disp.calls[0]
	if len(call.tokens) != 2 {
		t.Errorf("dispatched tokens = %v, want 2", call.tokens)
	}
	if call.title != "Carburant disponible" {
		t.Errorf("title = %q", call.title)
	}
	if call.body != "Total Hamdallaye : ESSENCE est maintenant disponible (Plein)." {
		t.Errorf("body = %q", call.body)
	}
	if call.data["kind"] != "stock_available" || call.data["station_id"] != "5" ||
		call.data["produit"] != "essence" || call.data["niveau"] != "Plein" {
		t.Errorf("data payload = %v", call.data)
	}

	wantKey := EventKey(5, stock.Essence, stock.LevelPlein, now, 4)
	found := false
	for _, row := range ledger.inserted {
		if row.UserID == 4 && row.EventKey == wantKey {
			found = true
		}
		if row.ID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Errorf("in-app row for user %d has zero UUID", row.UserID)
		}
	}
	if !found {
		t.Errorf("no in-app row for user 4 with key %q", wantKey)
	}
}

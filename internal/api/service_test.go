package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/convergence-engine/internal/api"
	"github.com/atmx/convergence-engine/internal/engine"
	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type noPrices struct{}

func (noPrices) Price(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type noCandles struct{}

func (noCandles) Candles(context.Context, string, string, time.Time, time.Time) ([]model.Candle, error) {
	return nil, nil
}

// newTestEnv creates a Service over an in-memory store and mounts its routes.
func newTestEnv(t *testing.T, hub *api.Hub) (*api.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	eng := engine.New(ms, noPrices{}, noCandles{}, engine.Options{})
	svc := api.NewService(eng, ms, hub)

	r := chi.NewRouter()
	r.Get("/health", svc.Health)
	svc.Mount(r)
	return svc, ms, r
}

func seedSignal(t *testing.T, ms *store.MemoryStore, coin string, dir model.Direction, confidence int, active bool) *model.Signal {
	t.Helper()
	now := time.Now().UTC()
	sig := &model.Signal{
		ID:             uuid.NewString(),
		Coin:           coin,
		Direction:      dir,
		EliteCount:     3,
		TotalTraders:   3,
		SuggestedEntry: d(100),
		StopLoss:       d(97),
		TakeProfit1:    d(103),
		TakeProfit2:    d(106),
		TakeProfit3:    d(109),
		Confidence:     confidence,
		SignalStrength: model.StrengthStrong,
		IsActive:       active,
		CreatedAt:      now.Add(-time.Hour),
		UpdatedAt:      now.Add(-time.Hour),
		ExpiresAt:      now.Add(3 * time.Hour),
	}
	if err := ms.UpsertSignal(context.Background(), sig); err != nil {
		t.Fatalf("seed signal: %v", err)
	}
	return sig
}

func seedWallet(t *testing.T, ms *store.MemoryStore, addr string, tier model.Tier) {
	t.Helper()
	at := time.Now().UTC()
	q := &model.WalletQuality{
		Address:      addr,
		Tier:         tier,
		Pnl7d:        d(12000),
		Pnl30d:       d(40000),
		WinRate:      0.6,
		ProfitFactor: 2.1,
		TradeCount:   40,
		IsTracked:    tier.Qualified(),
		AnalyzedAt:   &at,
	}
	if err := ms.UpsertWalletQuality(context.Background(), q); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func get(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Signals ---

func TestListSignals_ActiveOnlyByConfidence(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	seedSignal(t, ms, "BTC", model.Long, 82, true)
	seedSignal(t, ms, "ETH", model.Short, 64, true)
	seedSignal(t, ms, "SOL", model.Long, 90, false)

	w := get(t, router, "/api/v1/signals")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var signals []model.Signal
	decode(t, w, &signals)
	if len(signals) != 2 {
		t.Fatalf("expected 2 active signals, got %d", len(signals))
	}
	if signals[0].Coin != "BTC" || signals[1].Coin != "ETH" {
		t.Errorf("order = %s, %s; want BTC, ETH", signals[0].Coin, signals[1].Coin)
	}
}

func TestListSignals_MinConfidence(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	seedSignal(t, ms, "BTC", model.Long, 82, true)
	seedSignal(t, ms, "ETH", model.Short, 64, true)

	w := get(t, router, "/api/v1/signals?min_confidence=70")
	var signals []model.Signal
	decode(t, w, &signals)
	if len(signals) != 1 || signals[0].Coin != "BTC" {
		t.Errorf("expected only BTC, got %+v", signals)
	}
}

func TestListSignals_EmptyIsArray(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	w := get(t, router, "/api/v1/signals")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("expected [], got %s", body)
	}
}

func TestListSignals_InvalidConfidence(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	for _, q := range []string{"abc", "-1", "101"} {
		w := get(t, router, "/api/v1/signals?min_confidence="+q)
		if w.Code != http.StatusBadRequest {
			t.Errorf("min_confidence=%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestGetCoinSignals_ExactSymbol(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	seedSignal(t, ms, "BTC", model.Long, 82, true)
	seedSignal(t, ms, "kPEPE", model.Short, 64, true)

	w := get(t, router, "/api/v1/signals/kPEPE")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var signals []model.Signal
	decode(t, w, &signals)
	if len(signals) != 1 || signals[0].Coin != "kPEPE" {
		t.Errorf("expected kPEPE signal, got %+v", signals)
	}

	decode(t, get(t, router, "/api/v1/signals/BTC"), &signals)
	if len(signals) != 1 || signals[0].Coin != "BTC" {
		t.Errorf("expected BTC signal, got %+v", signals)
	}
}

// --- Wallets ---

func TestListWallets_TrackedByDefault(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	seedWallet(t, ms, "0xaaa", model.TierElite)
	seedWallet(t, ms, "0xbbb", model.TierGood)
	seedWallet(t, ms, "0xccc", model.TierUnqualified)

	var wallets []model.WalletQuality
	decode(t, get(t, router, "/api/v1/wallets"), &wallets)
	if len(wallets) != 2 {
		t.Errorf("expected 2 tracked wallets, got %d", len(wallets))
	}

	decode(t, get(t, router, "/api/v1/wallets?all=true"), &wallets)
	if len(wallets) != 3 {
		t.Errorf("expected 3 wallets with all=true, got %d", len(wallets))
	}

	decode(t, get(t, router, "/api/v1/wallets?tier=elite"), &wallets)
	if len(wallets) != 1 || wallets[0].Address != "0xaaa" {
		t.Errorf("expected only 0xaaa, got %+v", wallets)
	}

	decode(t, get(t, router, "/api/v1/wallets?tier=unqualified"), &wallets)
	if len(wallets) != 1 || wallets[0].Address != "0xccc" {
		t.Errorf("expected only 0xccc, got %+v", wallets)
	}
}

func TestListWallets_BadTier(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	w := get(t, router, "/api/v1/wallets?tier=legendary")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetWallet_WithPositions(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	seedWallet(t, ms, "0xaaa", model.TierElite)
	pos := model.Position{
		Wallet:        "0xaaa",
		Coin:          "BTC",
		Direction:     model.Long,
		Size:          d(0.5),
		EntryPrice:    d(60000),
		Leverage:      5,
		NotionalValue: d(30000),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := ms.UpsertPositions(context.Background(), []model.Position{pos}); err != nil {
		t.Fatal(err)
	}

	w := get(t, router, "/api/v1/wallets/0xAAA")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var detail api.WalletDetail
	decode(t, w, &detail)
	if detail.Address != "0xaaa" || detail.Tier != model.TierElite {
		t.Errorf("wallet = %s %s", detail.Address, detail.Tier)
	}
	if len(detail.Positions) != 1 || detail.Positions[0].Coin != "BTC" {
		t.Errorf("positions = %+v", detail.Positions)
	}
}

func TestGetWallet_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	w := get(t, router, "/api/v1/wallets/0xnobody")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Backtest ---

func TestRunBacktest_Defaults(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	seedSignal(t, ms, "BTC", model.Long, 82, true)

	w := get(t, router, "/api/v1/backtest")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var summary struct {
		Signals int `json:"signals"`
		Open    int `json:"open"`
	}
	decode(t, w, &summary)
	if summary.Signals != 1 || summary.Open != 1 {
		t.Errorf("summary = %+v, want one open signal", summary)
	}
}

func TestRunBacktest_OutOfRange(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	for _, q := range []string{
		"lookback_days=400",
		"max_signals=5000",
		"lookback_days=-3",
		"max_signals=ten",
	} {
		w := get(t, router, "/api/v1/backtest?"+q)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

// --- Health and WebSocket ---

func TestHealth(t *testing.T) {
	_, _, router := newTestEnv(t, api.NewHub())

	w := get(t, router, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
	if _, ok := resp["ws_clients"]; !ok {
		t.Error("expected ws_clients in health response")
	}
}

func TestHub_BroadcastsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := api.NewHub()
	go hub.Run(ctx)
	_, _, router := newTestEnv(t, hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(engine.Event{Type: engine.EventSignalsExpired, Count: 2, At: time.Now().UTC()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev engine.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != engine.EventSignalsExpired || ev.Count != 2 {
		t.Errorf("event = %+v", ev)
	}
}

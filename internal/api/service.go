// Package api provides the read-only HTTP surface over signals, wallets and
// backtests, plus the WebSocket push of signal lifecycle events.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/convergence-engine/internal/engine"
	"github.com/atmx/convergence-engine/internal/model"
	"github.com/atmx/convergence-engine/internal/store"
)

// Service handles API requests.
type Service struct {
	engine *engine.Engine
	store  store.Store
	hub    *Hub // optional
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket push is not needed.
func NewService(eng *engine.Engine, st store.Store, hub *Hub) *Service {
	return &Service{engine: eng, store: st, hub: hub}
}

// Mount registers the /api/v1 routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
		r.Get("/signals", s.ListSignals)
		r.Get("/signals/{coin}", s.GetCoinSignals)
		r.Get("/wallets", s.ListWallets)
		r.Get("/wallets/{address}", s.GetWallet)
		r.Get("/backtest", s.RunBacktest)
	})
}

// WalletDetail is the response for GET /wallets/{address}.
type WalletDetail struct {
	model.WalletQuality
	Positions []model.Position `json:"positions"`
}

// ListSignals handles GET /api/v1/signals
// Returns active signals, optionally filtered by ?min_confidence=<0-100>.
func (s *Service) ListSignals(w http.ResponseWriter, r *http.Request) {
	minConfidence, err := intParam(r, "min_confidence", 0)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	signals, err := s.engine.GetActiveSignals(r.Context(), minConfidence)
	if err != nil {
		writeEngineError(w, err, "failed to list signals")
		return
	}
	if signals == nil {
		signals = []model.Signal{}
	}
	writeJSON(w, http.StatusOK, signals)
}

// GetCoinSignals handles GET /api/v1/signals/{coin}
// Coins match the exchange symbol exactly (kPEPE is not KPEPE).
func (s *Service) GetCoinSignals(w http.ResponseWriter, r *http.Request) {
	coin := chi.URLParam(r, "coin")

	signals, err := s.engine.GetCoinSignals(r.Context(), coin)
	if err != nil {
		writeEngineError(w, err, "failed to get signals")
		return
	}
	if signals == nil {
		signals = []model.Signal{}
	}
	writeJSON(w, http.StatusOK, signals)
}

// ListWallets handles GET /api/v1/wallets
// Returns tracked wallets; ?all=true includes unqualified ones, ?tier=
// narrows to one tier.
func (s *Service) ListWallets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tier := model.Tier(q.Get("tier"))
	switch tier {
	case "", model.TierElite, model.TierGood, model.TierUnqualified:
	default:
		writeError(w, "tier must be elite, good or unqualified", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var (
		wallets []model.WalletQuality
		err     error
	)
	if q.Get("all") == "true" || tier == model.TierUnqualified {
		wallets, err = s.store.ListWallets(ctx)
	} else {
		wallets, err = s.store.ListTracked(ctx)
	}
	if err != nil {
		writeError(w, "failed to list wallets", http.StatusInternalServerError)
		return
	}

	out := []model.WalletQuality{}
	for _, wq := range wallets {
		if tier == "" || wq.Tier == tier {
			out = append(out, wq)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetWallet handles GET /api/v1/wallets/{address}
// Returns the wallet's classification and its open positions.
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	address := strings.ToLower(chi.URLParam(r, "address"))
	ctx := r.Context()

	wq, err := s.store.GetWalletQuality(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "wallet not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to get wallet", http.StatusInternalServerError)
		return
	}

	positions, err := s.store.ListWalletPositions(ctx, address)
	if err != nil {
		writeError(w, "failed to get positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, WalletDetail{WalletQuality: *wq, Positions: positions})
}

// RunBacktest handles GET /api/v1/backtest
// Replays recent signals: ?lookback_days=<days>&max_signals=<n>.
func (s *Service) RunBacktest(w http.ResponseWriter, r *http.Request) {
	lookback, err := intParam(r, "lookback_days", 0)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	maxSignals, err := intParam(r, "max_signals", 0)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := s.engine.RunBacktest(r.Context(), lookback, maxSignals)
	if err != nil {
		writeEngineError(w, err, "backtest failed")
		return
	}

	slog.Info("backtest served",
		"lookback_days", lookback,
		"max_signals", maxSignals,
		"signals", summary.Signals,
		"win_rate", summary.WinRate,
	)
	writeJSON(w, http.StatusOK, summary)
}

// Health handles GET /health.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "service": "convergence-engine"}
	if s.hub != nil {
		resp["ws_clients"] = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}

func writeEngineError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, engine.ErrInvalidArgument) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Error(fallback, "err", err)
	writeError(w, fallback, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

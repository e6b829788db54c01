// Package gateway implements the Dashboard Gateway (C14): a plain net/http
// JSON API for inspecting engine state and issuing a manual close, grounded
// on main.go's own http.HandleFunc/json.NewEncoder dashboard endpoints
// (/ping, /api/set-target) and health_check.go's SimpleHealthCheck.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/store"
	"github.com/aster-quant/lick-engine/internal/tranche"
	"github.com/aster-quant/lick-engine/internal/venue"
)

// HealthSource reports the engine's own liveness so /healthz can
// surface stream-disconnect or circuit-breaker state without the gateway
// needing a dependency on every other component.
type HealthSource interface {
	Healthy() (bool, map[string]string)
}

// Gateway serves the read-only dashboard API plus the one write endpoint,
// closing a position by symbol and side.
type Gateway struct {
	store  store.Store
	venue  venue.VenueClient
	part   *tranche.Partitioner
	cfg    *config.Config
	health HealthSource

	srv *http.Server
}

func New(addr string, cfg *config.Config, st store.Store, vc venue.VenueClient, part *tranche.Partitioner, health HealthSource) *Gateway {
	g := &Gateway{store: st, venue: vc, part: part, cfg: cfg, health: health}

	mux := http.NewServeMux()
	mux.HandleFunc("/positions", g.listPositions)
	mux.HandleFunc("/positions/detail", g.positionDetail)
	mux.HandleFunc("/liquidations/recent", g.recentLiquidations)
	mux.HandleFunc("/trades/recent", g.recentTrades)
	mux.HandleFunc("/healthz", g.engineHealth)
	mux.HandleFunc("/positions/close", g.closePosition)
	mux.Handle("/metrics", promhttp.Handler())

	g.srv = &http.Server{Addr: addr, Handler: mux}
	return g
}

// Run blocks serving HTTP until ctx is canceled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- g.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[gateway] failed to encode response: %v", err)
	}
}

func (g *Gateway) listPositions(w http.ResponseWriter, r *http.Request) {
	tranches, err := g.store.ListAllTranches()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type position struct {
		Symbol       string          `json:"symbol"`
		PositionSide model.PositionSide `json:"position_side"`
		Tranches     int             `json:"tranches"`
		Quantity     decimal.Decimal `json:"quantity"`
	}
	agg := map[model.Key]*position{}
	for _, t := range tranches {
		key := model.Key{Symbol: t.Symbol, PositionSide: t.PositionSide}
		p, ok := agg[key]
		if !ok {
			p = &position{Symbol: t.Symbol, PositionSide: t.PositionSide}
			agg[key] = p
		}
		p.Tranches++
		p.Quantity = p.Quantity.Add(t.Quantity)
	}

	out := make([]*position, 0, len(agg))
	for _, p := range agg {
		out = append(out, p)
	}
	writeJSON(w, out)
}

func (g *Gateway) positionDetail(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	side := r.URL.Query().Get("side")
	if symbol == "" || side == "" {
		http.Error(w, "symbol and side are required", http.StatusBadRequest)
		return
	}

	key := model.Key{Symbol: symbol, PositionSide: model.PositionSide(side)}
	tranches, err := g.part.Snapshot(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, tranches)
}

func (g *Gateway) recentLiquidations(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	sinceMs := time.Now().Add(-1 * time.Hour).UnixMilli()
	events, err := g.store.RecentLiquidations(symbol, sinceMs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (g *Gateway) recentTrades(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	orders, err := g.store.OpenEntryOrders(symbol)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, orders)
}

func (g *Gateway) engineHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	details := map[string]string{}
	if g.health != nil {
		ok, d := g.health.Healthy()
		details = d
		if !ok {
			status = "degraded"
		}
	}
	writeJSON(w, map[string]any{
		"status":  status,
		"time":    time.Now().Format(time.RFC3339),
		"details": details,
	})
}

func (g *Gateway) closePosition(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Symbol string `json:"symbol"`
		Side   string `json:"side"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	key := model.Key{Symbol: req.Symbol, PositionSide: model.PositionSide(req.Side)}
	tranches, err := g.part.Snapshot(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(tranches) == 0 {
		http.Error(w, "no open position for that symbol/side", http.StatusNotFound)
		return
	}

	total := decimal.Zero
	for _, t := range tranches {
		total = total.Add(t.Quantity)
	}

	exitSide := model.SideSell
	if key.PositionSide == model.PositionShort {
		exitSide = model.SideBuy
	}

	req2 := venue.PlaceOrderRequest{
		Symbol: req.Symbol, Side: exitSide, PositionSide: key.PositionSide,
		Type: venue.OrderTypeMarket, Qty: total, ReduceOnly: !g.cfg.HedgeMode,
	}
	placed, err := g.venue.PlaceOrder(r.Context(), req2)
	if err != nil {
		http.Error(w, fmt.Sprintf("close failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"status": "closing", "order_id": placed.OrderID, "qty": total})
}

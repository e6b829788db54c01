// Package fillrouter implements the Fill Router (C10): consumes the venue's
// user-data stream, keeps its listen key alive, and routes ORDER_TRADE_UPDATE
// events to the Tranche Partitioner and Protection Manager. Grounded on
// execution_service.go's monitorLimitOrder, which polls NewGetOrderService
// for the same fill/cancel/expire transitions this package instead receives
// pushed over the user-data stream.
package fillrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/protection"
	"github.com/aster-quant/lick-engine/internal/store"
	"github.com/aster-quant/lick-engine/internal/tranche"
	"github.com/aster-quant/lick-engine/internal/venue"
)

const streamBaseURL = "wss://fstream.binance.com/ws/"

// Dialer abstracts websocket.DefaultDialer so tests can substitute a fake.
type Dialer interface {
	Dial(url string, header map[string][]string) (Conn, error)
}

// Conn abstracts *websocket.Conn's read surface.
type Conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

type realDialer struct{}

func (realDialer) Dial(url string, _ map[string][]string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}

// ReconcileTrigger is the narrow surface the Reconciler exposes for
// ACCOUNT_UPDATE-driven drift checks; nil is a valid no-op.
type ReconcileTrigger interface {
	TriggerReconcile(symbol string)
}

type userDataEvent struct {
	EventType string          `json:"e"`
	Order     orderTradeEvent `json:"o"`
}

type orderTradeEvent struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastFilledQty string `json:"l"`
	AvgPrice      string `json:"ap"`
	LastFillPrice string `json:"L"`
	PositionSide  string `json:"ps"`
}

// Router owns the listen key lifecycle and dispatches fill events to the
// Partitioner and Protection Manager. Per-order-id delivery is ordered by
// routing every event for a given order through that order's own queue;
// two different orders may be processed concurrently.
type Router struct {
	dialer      Dialer
	venue       venue.VenueClient
	store       store.Store
	partitioner *tranche.Partitioner
	protect     *protection.Manager
	reconciler  ReconcileTrigger

	keepAlive time.Duration
	reconnect time.Duration

	mu      sync.Mutex
	workers map[string]chan orderTradeEvent
}

func New(vc venue.VenueClient, st store.Store, p *tranche.Partitioner, pm *protection.Manager, reconciler ReconcileTrigger) *Router {
	return &Router{
		dialer:      realDialer{},
		venue:       vc,
		store:       st,
		partitioner: p,
		protect:     pm,
		reconciler:  reconciler,
		keepAlive:   30 * time.Minute,
		reconnect:   3 * time.Second,
		workers:     make(map[string]chan orderTradeEvent),
	}
}

// Run creates a listen key, keeps it alive on a ticker, and consumes the
// user-data stream until ctx is canceled.
func (r *Router) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		listenKey, err := r.venue.CreateListenKey(ctx)
		if err != nil {
			log.Printf("[fillrouter] create listen key failed: %v, retrying", err)
			if !sleepCtx(ctx, jitter(r.reconnect)) {
				return ctx.Err()
			}
			continue
		}

		keepAliveCtx, cancelKeepAlive := context.WithCancel(ctx)
		go r.keepAliveLoop(keepAliveCtx, listenKey)

		conn, err := r.dialer.Dial(streamBaseURL+listenKey, nil)
		if err != nil {
			log.Printf("[fillrouter] dial error: %v, retrying", err)
			cancelKeepAlive()
			if !sleepCtx(ctx, jitter(r.reconnect)) {
				return ctx.Err()
			}
			continue
		}

		r.readLoop(ctx, conn)
		conn.Close()
		cancelKeepAlive()
		_ = r.venue.DeleteListenKey(context.Background(), listenKey)

		if !sleepCtx(ctx, jitter(r.reconnect)) {
			return ctx.Err()
		}
	}
}

func (r *Router) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(r.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.venue.KeepAliveListenKey(ctx, listenKey); err != nil {
				log.Printf("[fillrouter] keepalive failed: %v", err)
			}
		}
	}
}

func (r *Router) readLoop(ctx context.Context, conn Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[fillrouter] read error: %v, reconnecting", err)
			return
		}

		var evt userDataEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			continue
		}

		switch evt.EventType {
		case "ORDER_TRADE_UPDATE":
			r.dispatch(evt.Order)
		case "ACCOUNT_UPDATE":
			if r.reconciler != nil {
				r.reconciler.TriggerReconcile(evt.Order.Symbol)
			}
		}
	}
}

func (r *Router) dispatch(evt orderTradeEvent) {
	orderID := fmt.Sprintf("%d", evt.OrderID)
	ch := r.ensureWorker(orderID)
	select {
	case ch <- evt:
	default:
		log.Printf("[fillrouter] order %s: queue full, dropping event", orderID)
	}
}

func (r *Router) ensureWorker(orderID string) chan orderTradeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.workers[orderID]
	if !ok {
		ch = make(chan orderTradeEvent, 32)
		r.workers[orderID] = ch
		go r.runOrder(orderID, ch)
	}
	return ch
}

func (r *Router) runOrder(orderID string, ch chan orderTradeEvent) {
	ctx := context.Background()
	for evt := range ch {
		r.handle(ctx, orderID, evt)
	}
}

func (r *Router) handle(ctx context.Context, orderID string, evt orderTradeEvent) {
	order, err := r.store.GetOrder(orderID)
	if err != nil || order == nil {
		return // not an order this engine placed
	}

	status := model.OrderStatus(evt.Status)
	executedQty, filledErr := decimal.NewFromString(evt.LastFilledQty)
	avgPrice, avgErr := decimal.NewFromString(evt.AvgPrice)
	if filledErr != nil {
		executedQty = decimal.Zero
	}
	if avgErr != nil {
		avgPrice = decimal.Zero
	}

	if err := r.store.UpdateOrderStatus(orderID, status, &executedQty, &avgPrice); err != nil {
		log.Printf("[fillrouter] order %s: failed to persist status: %v", orderID, err)
	}

	key := model.Key{Symbol: order.Symbol, PositionSide: order.PositionSide}

	switch order.Kind {
	case model.KindEntry:
		if executedQty.IsPositive() && (status == model.StatusFilled || status == model.StatusPartiallyFilled) {
			fillPrice := avgPrice
			if fillPrice.IsZero() && order.Price != nil {
				fillPrice = *order.Price
			}
			if err := r.partitioner.OnEntryFill(ctx, key, executedQty, fillPrice); err != nil {
				log.Printf("[fillrouter] order %s: entry fill routing failed: %v", orderID, err)
			}
		}

	case model.KindTP, model.KindSL:
		if executedQty.IsPositive() && (status == model.StatusFilled || status == model.StatusPartiallyFilled) {
			if err := r.partitioner.OnProtectionFill(ctx, key, order.TrancheID, executedQty); err != nil {
				log.Printf("[fillrouter] order %s: protection fill routing failed: %v", orderID, err)
			}
		}
		if status == model.StatusCanceled || status == model.StatusExpired || status == model.StatusRejected {
			if r.protect != nil {
				r.protect.NotifyRebuild(key, order.TrancheID)
			}
		}
	}
}

func jitter(base time.Duration) time.Duration {
	j := time.Duration(rand.Int63n(int64(base)))
	return base + j/2
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

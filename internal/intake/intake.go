// Package intake implements the Liquidation Intake (C4): a gorilla/websocket
// subscriber to Binance's !forceOrder@arr stream, grounded on the teacher's
// main.go BinanceFutures.StartLiquidations, generalized with reconnect
// jitter, store persistence, and fan-out to downstream consumers instead of
// a single Alert channel.
package intake

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/metrics"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/store"
)

const streamURL = "wss://fstream.binance.com/ws/!forceOrder@arr"

type forceOrderMsg struct {
	Order struct {
		Symbol string `json:"s"`
		Side   string `json:"S"`
		Price  string `json:"p"`
		Qty    string `json:"q"`
		Time   int64  `json:"T"`
	} `json:"o"`
}

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

// Intake consumes the liquidation stream, persists every event, and fans it
// out to one or more downstream channels (the window aggregator and the
// trade evaluator, per SPEC_FULL.md §4.4).
type Intake struct {
	dialer    Dialer
	store     store.Store
	symbols   map[string]bool
	out       []chan<- model.Liquidation
	reconnect time.Duration
}

func New(s store.Store, symbols []string, out ...chan<- model.Liquidation) *Intake {
	set := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		set[sym] = true
	}
	return &Intake{
		dialer:    realDialer{},
		store:     s,
		symbols:   set,
		out:       out,
		reconnect: 2 * time.Second,
	}
}

// Run blocks, reconnecting with jitter until ctx is canceled.
func (in *Intake) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := in.dialer.Dial(streamURL, nil)
		if err != nil {
			log.Printf("[intake] dial error: %v, retrying", err)
			if !sleepCtx(ctx, jitter(5*time.Second)) {
				return ctx.Err()
			}
			continue
		}

		in.readLoop(ctx, conn)
		conn.Close()

		if !sleepCtx(ctx, jitter(in.reconnect)) {
			return ctx.Err()
		}
	}
}

func (in *Intake) readLoop(ctx context.Context, conn Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[intake] read error: %v, reconnecting", err)
			return
		}

		liq, ok := in.parse(raw)
		if !ok {
			continue
		}

		if err := in.store.InsertLiquidation(liq); err != nil {
			log.Printf("[intake] store insert failed for %s: %v", liq.EventID, err)
		}
		metrics.LiquidationsIngested.WithLabelValues(liq.Symbol, string(liq.LiquidatedSide)).Inc()

		for _, ch := range in.out {
			select {
			case ch <- liq:
			default:
				log.Printf("[intake] downstream channel full, dropping event for %s", liq.Symbol)
			}
		}
	}
}

func (in *Intake) parse(raw []byte) (model.Liquidation, bool) {
	var msg forceOrderMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.Liquidation{}, false
	}
	if len(in.symbols) > 0 && !in.symbols[msg.Order.Symbol] {
		return model.Liquidation{}, false
	}

	price, err := decimal.NewFromString(msg.Order.Price)
	if err != nil {
		return model.Liquidation{}, false
	}
	qty, err := decimal.NewFromString(msg.Order.Qty)
	if err != nil {
		return model.Liquidation{}, false
	}

	side := model.SideBuy
	if msg.Order.Side == "SELL" {
		side = model.SideSell
	}

	now := time.Now().UnixMilli()
	return model.Liquidation{
		EventID:         eventID(msg.Order.Symbol, msg.Order.Time, msg.Order.Side, msg.Order.Qty),
		Symbol:          msg.Order.Symbol,
		LiquidatedSide:  side,
		Qty:             qty,
		Price:           price,
		UsdtValue:       price.Mul(qty),
		EventTimeMs:     msg.Order.Time,
		ReceivedTimeMs:  now,
	}, true
}

func eventID(symbol string, t int64, side, qty string) string {
	return symbol + ":" + side + ":" + qty + ":" + strconvItoa(t)
}

func strconvItoa(t int64) string {
	return strconv.FormatInt(t, 10)
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

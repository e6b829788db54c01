// Package protection implements the Protection Manager (C8): keeps at most
// one live TP and one live SL order per tranche, rebuilding both whenever
// the tranche's quantity or average entry changes. Grounded on the
// teacher's execution_service.go placeProtectionOrders (stop-limit SL,
// take-profit-market TP, reduce-only, mark-price working type) and its
// consecutive-failure circuit breaker in predator_engine.go's closePosition
// path, generalized from account-wide to per-tranche.
package protection

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/alert"
	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/engineerr"
	"github.com/aster-quant/lick-engine/internal/governor"
	"github.com/aster-quant/lick-engine/internal/metrics"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/store"
	"github.com/aster-quant/lick-engine/internal/venue"
)

type workKind int

const (
	workRebuild workKind = iota
	workCancelCompanion
	workResize
)

type workItem struct {
	kind      workKind
	key       model.Key
	trancheID int64
	tpOrderID *string
	slOrderID *string
}

const (
	maxRebuildRetries  = 3
	circuitMaxFailures = 3
	circuitCooldown    = 2 * time.Minute
)

type circuit struct {
	consecutiveFailures int
	openUntil           time.Time
}

// Manager owns a per-key command channel serializer mirroring the
// Partitioner's, so rebuild work for a given (symbol, position_side) never
// races with itself.
type Manager struct {
	cfg     *config.Config
	store   store.Store
	venue   venue.VenueClient
	specs   *venue.SpecCache
	alerter *alert.Sink
	gov     *governor.Governor

	mu       sync.Mutex
	queues   map[model.Key]chan workItem
	circuits map[model.Key]*circuit
}

func New(cfg *config.Config, st store.Store, vc venue.VenueClient, specs *venue.SpecCache, alerter *alert.Sink, gov *governor.Governor) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		venue:    vc,
		specs:    specs,
		alerter:  alerter,
		gov:      gov,
		queues:   make(map[model.Key]chan workItem),
		circuits: make(map[model.Key]*circuit),
	}
}

func (m *Manager) ensureQueue(key model.Key) chan workItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.queues[key]
	if !ok {
		ch = make(chan workItem, 128)
		m.queues[key] = ch
		m.circuits[key] = &circuit{}
		go m.run(key, ch)
	}
	return ch
}

func (m *Manager) run(key model.Key, ch chan workItem) {
	ctx := context.Background()
	for item := range ch {
		switch item.kind {
		case workRebuild, workResize:
			m.rebuild(ctx, key, item.trancheID)
		case workCancelCompanion:
			m.cancelCompanion(ctx, key, item.tpOrderID, item.slOrderID)
		}
	}
}

func (m *Manager) NotifyRebuild(key model.Key, trancheID int64) {
	m.enqueue(key, workItem{kind: workRebuild, key: key, trancheID: trancheID})
}

func (m *Manager) NotifyResize(key model.Key, trancheID int64) {
	m.enqueue(key, workItem{kind: workResize, key: key, trancheID: trancheID})
}

// NotifyCancelCompanion cancels a tranche's resting TP/SL legs. The ids are
// passed directly by the caller rather than looked up by trancheID, since by
// the time this fires the tranche row may already be gone from the store.
func (m *Manager) NotifyCancelCompanion(key model.Key, trancheID int64, tpOrderID, slOrderID *string) {
	m.enqueue(key, workItem{kind: workCancelCompanion, key: key, trancheID: trancheID, tpOrderID: tpOrderID, slOrderID: slOrderID})
}

func (m *Manager) enqueue(key model.Key, item workItem) {
	ch := m.ensureQueue(key)
	select {
	case ch <- item:
	default:
		log.Printf("[protection] %s/%s: work queue full, dropping item for tranche %d", key.Symbol, key.PositionSide, item.trancheID)
	}
}

// CircuitOpen reports whether key's circuit breaker is currently cooling
// down. Shared with C9's fast path so both exit routes halt together.
func (m *Manager) CircuitOpen(key model.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.circuits[key]
	if c == nil {
		m.circuits[key] = &circuit{}
		return false
	}
	return time.Now().Before(c.openUntil)
}

// RecordFailure registers a rejected venue call against key's circuit,
// tripping the breaker after circuitMaxFailures consecutive failures.
func (m *Manager) RecordFailure(key model.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.circuits[key]
	if c == nil {
		c = &circuit{}
		m.circuits[key] = c
	}
	c.consecutiveFailures++
	if c.consecutiveFailures >= circuitMaxFailures {
		c.openUntil = time.Now().Add(circuitCooldown)
		c.consecutiveFailures = 0
		log.Printf("[protection] %s/%s: circuit breaker tripped, cooling down until %s", key.Symbol, key.PositionSide, c.openUntil)
		m.alerter.Notify(fmt.Sprintf("⚠️ circuit breaker tripped for %s %s, cooling down until %s", key.Symbol, key.PositionSide, c.openUntil.Format(time.RFC3339)))
	}
}

// RecordSuccess clears key's consecutive-failure count.
func (m *Manager) RecordSuccess(key model.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.circuits[key]; c != nil {
		c.consecutiveFailures = 0
	}
}


// rebuild implements the rebuild protocol of SPEC_FULL.md §4.8: snapshot the
// old companion ids, construct fresh TP/SL descriptors, cancel-then-place
// (batch where enabled), and atomically update the tranche on success.
func (m *Manager) rebuild(ctx context.Context, key model.Key, trancheID int64) {
	if m.CircuitOpen(key) {
		log.Printf("[protection] %s/%s: circuit open, skipping rebuild for tranche %d", key.Symbol, key.PositionSide, trancheID)
		return
	}

	tranches, err := m.store.ListTranches(key)
	if err != nil {
		log.Printf("[protection] %s/%s: list tranches failed: %v", key.Symbol, key.PositionSide, err)
		return
	}
	var t *model.Tranche
	for i := range tranches {
		if tranches[i].TrancheID == trancheID {
			t = &tranches[i]
			break
		}
	}
	if t == nil {
		return // tranche already gone; nothing to protect
	}

	sc, ok := m.cfg.Symbols[key.Symbol]
	if !ok {
		return
	}

	spec, found, err := m.specs.Get(ctx, key.Symbol)
	if err != nil || !found {
		log.Printf("[protection] %s/%s: symbol spec unavailable: %v", key.Symbol, key.PositionSide, err)
		m.RecordFailure(key)
		return
	}

	tpPrice, slPrice := protectionPrices(*t, sc, spec.TickSize)
	exitSide := model.SideSell
	if key.PositionSide == model.PositionShort {
		exitSide = model.SideBuy
	}

	oldTP, oldSL := t.TPOrderID, t.SLOrderID

	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var attempt error
	for try := 0; try < maxRebuildRetries; try++ {
		metrics.ProtectionRebuildAttempts.Inc()
		attempt = m.submitRebuild(ctx, key, t, exitSide, tpPrice, slPrice, sc, oldTP, oldSL)
		if attempt == nil {
			break
		}
		time.Sleep(b.Duration())
	}

	if attempt != nil {
		metrics.ProtectionRebuildFailures.Inc()
		m.RecordFailure(key)
		t.Unprotected = true
		if err := m.store.UpdateTranche(*t); err != nil {
			log.Printf("[protection] %s/%s: failed to flag tranche %d unprotected: %v", key.Symbol, key.PositionSide, trancheID, err)
		}
		m.alerter.Notify(fmt.Sprintf("⚠️ tranche %s %s #%d left unprotected: %v", key.Symbol, key.PositionSide, trancheID, attempt))
		return
	}

	m.RecordSuccess(key)
}

func (m *Manager) submitRebuild(ctx context.Context, key model.Key, t *model.Tranche, exitSide model.Side, tpPrice, slPrice decimal.Decimal, sc config.SymbolConfig, oldTP, oldSL *string) error {
	if oldTP != nil {
		if err := m.gov.WaitAdmit(ctx, 1, false, governor.Normal); err != nil {
			return fmt.Errorf("admission for cancel old tp: %w", err)
		}
		if err := m.venue.CancelOrder(ctx, key.Symbol, *oldTP); err != nil && !isNotFound(err) {
			return fmt.Errorf("cancel old tp: %w", err)
		}
	}
	if oldSL != nil {
		if err := m.gov.WaitAdmit(ctx, 1, false, governor.Normal); err != nil {
			return fmt.Errorf("admission for cancel old sl: %w", err)
		}
		if err := m.venue.CancelOrder(ctx, key.Symbol, *oldSL); err != nil && !isNotFound(err) {
			return fmt.Errorf("cancel old sl: %w", err)
		}
	}

	var reqs []venue.PlaceOrderRequest
	if sc.TakeProfitEnabled {
		reqs = append(reqs, venue.PlaceOrderRequest{
			Symbol: key.Symbol, Side: exitSide, PositionSide: key.PositionSide,
			Type: venue.OrderTypeTakeProfit, Qty: t.Quantity, Price: tpPrice, StopPrice: tpPrice,
			ReduceOnly: !m.cfg.HedgeMode, TimeInForce: m.cfg.TimeInForce, WorkingType: sc.WorkingType, PriceProtect: sc.PriceProtect,
		})
	}
	if sc.StopLossEnabled {
		reqs = append(reqs, venue.PlaceOrderRequest{
			Symbol: key.Symbol, Side: exitSide, PositionSide: key.PositionSide,
			Type: venue.OrderTypeStopMarket, Qty: t.Quantity, StopPrice: slPrice,
			ReduceOnly: !m.cfg.HedgeMode, WorkingType: sc.WorkingType, PriceProtect: sc.PriceProtect,
		})
	}

	var newTPID, newSLID *string
	if len(reqs) > 0 {
		placed, err := m.placeLegs(ctx, reqs)
		if err != nil {
			return err
		}
		i := 0
		if sc.TakeProfitEnabled {
			newTPID = &placed[i].OrderID
			m.recordOrder(key, t.TrancheID, placed[i].OrderID, exitSide, model.KindTP, t.Quantity, tpPrice)
			i++
		}
		if sc.StopLossEnabled {
			newSLID = &placed[i].OrderID
			m.recordOrder(key, t.TrancheID, placed[i].OrderID, exitSide, model.KindSL, t.Quantity, slPrice)
		}
	}

	t.TPOrderID, t.SLOrderID = newTPID, newSLID
	t.Unprotected = false
	if err := m.store.UpdateTranche(*t); err != nil {
		return fmt.Errorf("persist protection ids: %w", err)
	}
	rel := model.OrderRelationship{TrancheID: t.TrancheID}
	if newTPID != nil {
		rel.MainOrderID = *newTPID
		rel.SLOrderID = newSLID
	} else if newSLID != nil {
		rel.MainOrderID = *newSLID
	}
	if rel.MainOrderID != "" {
		_ = m.store.InsertRelationship(rel)
	}
	return nil
}

// placeLegs submits the new TP/SL legs, preferring a single batch call when
// cfg.BatchOrdersEnabled and more than one leg needs placing, falling back
// to sequential placement otherwise.
func (m *Manager) placeLegs(ctx context.Context, reqs []venue.PlaceOrderRequest) ([]venue.PlacedOrder, error) {
	if m.cfg.BatchOrdersEnabled && len(reqs) > 1 {
		if err := m.gov.WaitAdmit(ctx, 5, true, governor.Normal); err != nil {
			return nil, fmt.Errorf("admission for batch place: %w", err)
		}
		placed, err := m.venue.PlaceBatchOrders(ctx, reqs)
		if err != nil {
			return nil, fmt.Errorf("place batch: %w", err)
		}
		return placed, nil
	}

	placed := make([]venue.PlacedOrder, 0, len(reqs))
	for _, req := range reqs {
		if err := m.gov.WaitAdmit(ctx, 1, true, governor.Normal); err != nil {
			return nil, fmt.Errorf("admission for place %s: %w", req.Type, err)
		}
		p, err := m.venue.PlaceOrder(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("place %s: %w", req.Type, err)
		}
		placed = append(placed, p)
	}
	return placed, nil
}

// recordOrder persists a TP/SL leg as an Order row so the Fill Router can
// classify incoming venue events by order kind and tranche without a second
// lookup table.
func (m *Manager) recordOrder(key model.Key, trancheID int64, orderID string, side model.Side, kind model.OrderKind, qty, stopPrice decimal.Decimal) {
	o := model.Order{
		OrderID:      orderID,
		Symbol:       key.Symbol,
		PositionSide: key.PositionSide,
		Side:         side,
		Kind:         kind,
		Qty:          qty,
		StopPrice:    &stopPrice,
		Status:       model.StatusNew,
		TrancheID:    trancheID,
	}
	if err := m.store.UpsertOrder(o); err != nil {
		log.Printf("[protection] %s/%s: failed to record %s order %s: %v", key.Symbol, key.PositionSide, kind, orderID, err)
	}
}

func (m *Manager) cancelCompanion(ctx context.Context, key model.Key, tpOrderID, slOrderID *string) {
	if tpOrderID != nil {
		if err := m.gov.WaitAdmit(ctx, 1, false, governor.Normal); err != nil {
			log.Printf("[protection] %s/%s: admission for cancel companion tp %s failed: %v", key.Symbol, key.PositionSide, *tpOrderID, err)
		} else if err := m.venue.CancelOrder(ctx, key.Symbol, *tpOrderID); err != nil && !isNotFound(err) {
			log.Printf("[protection] %s/%s: cancel companion tp %s failed: %v", key.Symbol, key.PositionSide, *tpOrderID, err)
		}
	}
	if slOrderID != nil {
		if err := m.gov.WaitAdmit(ctx, 1, false, governor.Normal); err != nil {
			log.Printf("[protection] %s/%s: admission for cancel companion sl %s failed: %v", key.Symbol, key.PositionSide, *slOrderID, err)
		} else if err := m.venue.CancelOrder(ctx, key.Symbol, *slOrderID); err != nil && !isNotFound(err) {
			log.Printf("[protection] %s/%s: cancel companion sl %s failed: %v", key.Symbol, key.PositionSide, *slOrderID, err)
		}
	}
}

// protectionPrices derives TP/SL trigger prices per SPEC_FULL.md §4.8,
// rounding both away from entry so neither leg is looser than configured.
func protectionPrices(t model.Tranche, sc config.SymbolConfig, tick decimal.Decimal) (tp, sl decimal.Decimal) {
	tpPct := decimal.NewFromFloat(sc.TakeProfitPct).Div(decimal.NewFromInt(100))
	slPct := decimal.NewFromFloat(sc.StopLossPct).Div(decimal.NewFromInt(100))

	if t.PositionSide == model.PositionLong {
		tp = venue.RoundPriceUp(t.AvgEntryPrice.Mul(decimal.NewFromInt(1).Add(tpPct)), tick)
		sl = venue.RoundPriceDown(t.AvgEntryPrice.Mul(decimal.NewFromInt(1).Sub(slPct)), tick)
		return
	}
	tp = venue.RoundPriceDown(t.AvgEntryPrice.Mul(decimal.NewFromInt(1).Sub(tpPct)), tick)
	sl = venue.RoundPriceUp(t.AvgEntryPrice.Mul(decimal.NewFromInt(1).Add(slPct)), tick)
	return
}

func isNotFound(err error) bool {
	e, ok := engineerr.As(err)
	return ok && e.Code == engineerr.OrderNotFound
}

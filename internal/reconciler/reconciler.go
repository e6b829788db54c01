// Package reconciler implements the Reconciler (C11): a periodic and
// startup consistency sweep that trusts the venue's position and order
// state over the engine's own memory, grounded on execution_service.go's
// GhostSession bookkeeping and its "trust venue truth" posture in
// checkCriticalError — here generalized from ad hoc error-string matching
// into a scheduled drift check against every configured symbol.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/alert"
	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/metrics"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/protection"
	"github.com/aster-quant/lick-engine/internal/store"
	"github.com/aster-quant/lick-engine/internal/tranche"
	"github.com/aster-quant/lick-engine/internal/venue"
)

// driftTolerance absorbs rounding noise between the venue's reported
// position size and the sum of tranche quantities we track locally.
const driftTolerance = "0.0000001"

// Reconciler periodically compares venue truth against local bookkeeping
// and repairs drift: orphaned tranches, missing protection, and stale
// resting orders left behind by a crash or a dropped fill event.
type Reconciler struct {
	cfg     *config.Config
	store   store.Store
	venue   venue.VenueClient
	part    *tranche.Partitioner
	protect *protection.Manager
	alerter *alert.Sink

	interval time.Duration

	trigger chan string
}

func New(cfg *config.Config, st store.Store, vc venue.VenueClient, part *tranche.Partitioner, pm *protection.Manager, alerter *alert.Sink) *Reconciler {
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reconciler{
		cfg:      cfg,
		store:    st,
		venue:    vc,
		part:     part,
		protect:  pm,
		alerter:  alerter,
		interval: interval,
		trigger:  make(chan string, 32),
	}
}

// TriggerReconcile implements fillrouter.ReconcileTrigger: an ACCOUNT_UPDATE
// event schedules an out-of-band sweep of just that symbol.
func (r *Reconciler) TriggerReconcile(symbol string) {
	select {
	case r.trigger <- symbol:
	default:
	}
}

// Run performs a startup sweep of every configured symbol, then continues on
// a fixed interval, interleaved with ACCOUNT_UPDATE-triggered spot checks,
// until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.sweepAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweepAll(ctx)
		case symbol := <-r.trigger:
			r.sweepSymbol(ctx, symbol)
		}
	}
}

func (r *Reconciler) sweepAll(ctx context.Context) {
	for symbol := range r.cfg.Symbols {
		r.sweepSymbol(ctx, symbol)
	}
}

func (r *Reconciler) sweepSymbol(ctx context.Context, symbol string) {
	if _, ok := r.cfg.Symbols[symbol]; !ok {
		return
	}
	metrics.ReconciliationRuns.Inc()

	risks, err := r.venue.PositionRisk(ctx, symbol)
	if err != nil {
		log.Printf("[reconciler] %s: position risk fetch failed: %v", symbol, err)
		return
	}

	depth, depthErr := r.venue.Depth(ctx, symbol, 5)

	for _, side := range []model.PositionSide{model.PositionLong, model.PositionShort} {
		key := model.Key{Symbol: symbol, PositionSide: side}
		venueQty := decimal.Zero
		for _, p := range risks {
			if p.PositionSide == side {
				venueQty = p.PositionAmt.Abs()
			}
		}
		r.reconcilePosition(ctx, key, venueQty)

		if depthErr == nil {
			if mark, ok := midPrice(depth); ok {
				if err := r.part.MaintainOnce(ctx, key, mark); err != nil {
					log.Printf("[reconciler] %s/%s: opportunistic maintain failed: %v", symbol, side, err)
				}
			}
		}
	}

	r.reconcileOrders(ctx, symbol)
}

// reconcilePosition enforces invariant I2: sum of tranche quantities equals
// the venue position. A nonzero venue position with no local tranches is
// recovered as a single synthetic tranche, unprotected until the next
// rebuild; a zero venue position with leftover local tranches means fills
// were missed and the stale tranches are dropped.
func (r *Reconciler) reconcilePosition(ctx context.Context, key model.Key, venueQty decimal.Decimal) {
	tranches, err := r.store.ListTranches(key)
	if err != nil {
		log.Printf("[reconciler] %s/%s: list tranches failed: %v", key.Symbol, key.PositionSide, err)
		return
	}

	localQty := decimal.Zero
	for _, t := range tranches {
		localQty = localQty.Add(t.Quantity)
	}

	r.reconcileMissingLegs(key, tranches)

	drift := localQty.Sub(venueQty).Abs()
	if drift.LessThanOrEqual(decimal.RequireFromString(driftTolerance)) {
		return
	}

	if venueQty.IsZero() {
		metrics.ConsistencyViolationsFound.WithLabelValues("position_drift").Inc()
		log.Printf("[reconciler] %s/%s: venue position is flat but %d local tranches remain, dropping them", key.Symbol, key.PositionSide, len(tranches))
		for _, t := range tranches {
			if err := r.store.DeleteTranche(key, t.TrancheID); err != nil {
				log.Printf("[reconciler] %s/%s: drop stale tranche %d failed: %v", key.Symbol, key.PositionSide, t.TrancheID, err)
			}
		}
		r.alerter.Notify("⚠️ reconciler dropped " + string(key.Symbol) + " " + string(key.PositionSide) + " stale tranches after a flat venue position")
		return
	}

	if len(tranches) == 0 {
		metrics.ConsistencyViolationsFound.WithLabelValues("position_drift").Inc()
		log.Printf("[reconciler] %s/%s: venue position %v has no local tranches, recovering synthetic tranche", key.Symbol, key.PositionSide, venueQty)
		risks, err := r.venue.PositionRisk(ctx, key.Symbol)
		if err != nil {
			return
		}
		var entry decimal.Decimal
		for _, p := range risks {
			if p.PositionSide == key.PositionSide {
				entry = p.EntryPrice
			}
		}
		recovered := model.Tranche{
			Symbol: key.Symbol, PositionSide: key.PositionSide,
			TrancheID: time.Now().UnixNano(), AvgEntryPrice: entry, Quantity: venueQty,
			Unprotected: true,
		}
		if err := r.store.CreateTranche(recovered); err != nil {
			log.Printf("[reconciler] %s/%s: recovery tranche create failed: %v", key.Symbol, key.PositionSide, err)
			return
		}
		r.protect.NotifyRebuild(key, recovered.TrancheID)
		r.alerter.Notify("⚠️ reconciler recovered an untracked " + string(key.Symbol) + " " + string(key.PositionSide) + " position")
		return
	}

	// Local tranches exist but their sum disagrees with the venue by more
	// than rounding noise: trust the venue and rescale the most recent
	// tranche to absorb the difference, then re-protect it.
	metrics.ConsistencyViolationsFound.WithLabelValues("position_drift").Inc()
	last := tranches[len(tranches)-1]
	last.Quantity = last.Quantity.Add(venueQty.Sub(localQty))
	if err := r.store.UpdateTranche(last); err != nil {
		log.Printf("[reconciler] %s/%s: drift correction failed: %v", key.Symbol, key.PositionSide, err)
		return
	}
	r.protect.NotifyRebuild(key, last.TrancheID)
	log.Printf("[reconciler] %s/%s: corrected drift of %v by resizing tranche %d", key.Symbol, key.PositionSide, drift, last.TrancheID)
}

// reconcileMissingLegs instructs the protection manager to rebuild any
// tranche that is missing a TP or SL order it is configured to carry,
// independent of whether the position's total quantity has drifted.
func (r *Reconciler) reconcileMissingLegs(key model.Key, tranches []model.Tranche) {
	sc, ok := r.cfg.Symbols[key.Symbol]
	if !ok {
		return
	}
	for _, t := range tranches {
		missing := (sc.TakeProfitEnabled && t.TPOrderID == nil) || (sc.StopLossEnabled && t.SLOrderID == nil)
		if !missing {
			continue
		}
		metrics.ConsistencyViolationsFound.WithLabelValues("missing_protection").Inc()
		log.Printf("[reconciler] %s/%s: tranche %d missing a required leg, instructing rebuild", key.Symbol, key.PositionSide, t.TrancheID)
		r.protect.NotifyRebuild(key, t.TrancheID)
	}
}

// midPrice returns the midpoint of the best bid and best ask, or false when
// either side of the book is empty.
func midPrice(d venue.Depth) (decimal.Decimal, bool) {
	if len(d.Bids) == 0 || len(d.Asks) == 0 {
		return decimal.Zero, false
	}
	sum := d.Bids[0].Price.Add(d.Asks[0].Price)
	return sum.Div(decimal.NewFromInt(2)), true
}

// reconcileOrders cancels resting orders the venue reports that the engine
// has no matching tranche for, and expires entry orders that have sat open
// past order_ttl_ms along with their companions.
func (r *Reconciler) reconcileOrders(ctx context.Context, symbol string) {
	open, err := r.venue.OpenOrders(ctx, symbol)
	if err != nil {
		log.Printf("[reconciler] %s: open orders fetch failed: %v", symbol, err)
		return
	}

	for _, o := range open {
		local, err := r.store.GetOrder(o.OrderID)
		if err != nil || local == nil {
			metrics.ConsistencyViolationsFound.WithLabelValues("orphaned_order").Inc()
			log.Printf("[reconciler] %s: canceling orphaned order %s with no local record", symbol, o.OrderID)
			if err := r.venue.CancelOrder(ctx, symbol, o.OrderID); err != nil {
				log.Printf("[reconciler] %s: cancel orphaned order %s failed: %v", symbol, o.OrderID, err)
			}
			continue
		}

		if local.Kind != model.KindEntry || local.Status.IsTerminal() {
			continue
		}

		if r.cfg.OrderTTLMs <= 0 {
			continue
		}
		if time.Since(local.PlacedAt) < time.Duration(r.cfg.OrderTTLMs)*time.Millisecond {
			continue
		}

		metrics.ConsistencyViolationsFound.WithLabelValues("stale_entry").Inc()
		log.Printf("[reconciler] %s: entry order %s exceeded ttl, canceling", symbol, o.OrderID)
		if err := r.venue.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			log.Printf("[reconciler] %s: cancel expired entry %s failed: %v", symbol, o.OrderID, err)
			continue
		}
		if rel, err := r.store.FindCompanions(o.OrderID); err == nil && rel != nil {
			if rel.TPOrderID != nil {
				_ = r.venue.CancelOrder(ctx, symbol, *rel.TPOrderID)
			}
			if rel.SLOrderID != nil {
				_ = r.venue.CancelOrder(ctx, symbol, *rel.SLOrderID)
			}
		}
	}
}

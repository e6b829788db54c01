// Package tranche implements the Tranche Partitioner (C7): per (symbol,
// position_side) it owns an ordered list of independently protected slices
// of the position and decides, on each entry fill, whether to absorb into
// the most recent tranche or open a new one.
//
// There is no direct teacher analogue — execution_service.go tracks one
// position per symbol, not a tranche list — so this is built from scratch
// in the teacher's struct-plus-methods idiom, but the reentrant-lock
// problem the teacher's account-wide mutex has (ExecutionService.mu guards
// both read and write paths that call back into each other) is avoided
// here by giving each (symbol, position_side) key its own goroutine that
// owns the tranche slice exclusively and communicates over a channel
// instead of nesting lock acquisitions.
package tranche

import (
	"context"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aster-quant/lick-engine/internal/clock"
	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/metrics"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/store"
)

// ProtectionNotifier is C8's inbound surface as seen by the Partitioner. All
// calls are fire-and-forget from C7's perspective: the Partitioner does not
// wait for protection to actually be rebuilt before continuing to process
// its own command queue (SPEC_FULL.md §4.7 concurrency note).
type ProtectionNotifier interface {
	NotifyRebuild(key model.Key, trancheID int64)
	NotifyCancelCompanion(key model.Key, trancheID int64, tpOrderID, slOrderID *string)
	NotifyResize(key model.Key, trancheID int64)
}

type cmdKind int

const (
	cmdFill cmdKind = iota
	cmdReduce
	cmdSnapshot
	cmdMaintain
)

type command struct {
	kind      cmdKind
	qty       decimal.Decimal
	price     decimal.Decimal
	trancheID int64
	mark      decimal.Decimal

	reply         chan error
	snapshotReply chan []model.Tranche
}

// Partitioner owns the in-memory tranche lists. Each (symbol, position_side)
// key is single-writer, serialized by its own goroutine and command channel.
type Partitioner struct {
	cfg     *config.Config
	store   store.Store
	protect ProtectionNotifier
	clk     clock.Clock

	mu   sync.Mutex
	keys map[model.Key]chan command
}

func New(cfg *config.Config, st store.Store, protect ProtectionNotifier, clk clock.Clock) *Partitioner {
	return &Partitioner{cfg: cfg, store: st, protect: protect, clk: clk, keys: make(map[model.Key]chan command)}
}

func (p *Partitioner) ensureWorker(key model.Key) chan command {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.keys[key]
	if ok {
		return ch
	}

	initial, err := p.store.ListTranches(key)
	if err != nil {
		log.Printf("[tranche] %s/%s: failed to load tranches from store: %v", key.Symbol, key.PositionSide, err)
		initial = nil
	}

	ch = make(chan command, 128)
	p.keys[key] = ch
	go p.run(key, ch, initial)
	return ch
}

func (p *Partitioner) run(key model.Key, ch chan command, tranches []model.Tranche) {
	nextID := int64(0)
	if len(tranches) > 0 {
		nextID = maxTrancheID(tranches) + 1
	}

	for cmd := range ch {
		switch cmd.kind {
		case cmdFill:
			tranches, nextID = p.handleFill(key, tranches, nextID, cmd.qty, cmd.price)
			reply(cmd.reply, nil)
			metrics.TranchesOpen.WithLabelValues(key.Symbol, string(key.PositionSide)).Set(float64(len(tranches)))
		case cmdReduce:
			tranches = p.handleReduce(key, tranches, cmd.trancheID, cmd.qty)
			reply(cmd.reply, nil)
			metrics.TranchesOpen.WithLabelValues(key.Symbol, string(key.PositionSide)).Set(float64(len(tranches)))
		case cmdSnapshot:
			out := make([]model.Tranche, len(tranches))
			copy(out, tranches)
			if cmd.snapshotReply != nil {
				cmd.snapshotReply <- out
			}
		case cmdMaintain:
			tranches = p.maintainOnce(key, tranches, cmd.mark)
			reply(cmd.reply, nil)
			metrics.TranchesOpen.WithLabelValues(key.Symbol, string(key.PositionSide)).Set(float64(len(tranches)))
		}
	}
}

func reply(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}

// OnEntryFill notifies the Partitioner that an entry order for key filled
// qty at price. Blocks until the key's serializer has processed it.
func (p *Partitioner) OnEntryFill(ctx context.Context, key model.Key, qty, price decimal.Decimal) error {
	return p.send(ctx, key, command{kind: cmdFill, qty: qty, price: price, reply: make(chan error, 1)})
}

// OnProtectionFill notifies the Partitioner that trancheID's TP or SL filled
// qty, reducing (or closing) the tranche.
func (p *Partitioner) OnProtectionFill(ctx context.Context, key model.Key, trancheID int64, qty decimal.Decimal) error {
	return p.send(ctx, key, command{kind: cmdReduce, trancheID: trancheID, qty: qty, reply: make(chan error, 1)})
}

// MaintainOnce runs one opportunistic-merge pass against the current mark
// price, merging any pair of tranches whose combination is currently
// profitable.
func (p *Partitioner) MaintainOnce(ctx context.Context, key model.Key, mark decimal.Decimal) error {
	return p.send(ctx, key, command{kind: cmdMaintain, mark: mark, reply: make(chan error, 1)})
}

// Snapshot returns a copy of the current tranche list for key.
func (p *Partitioner) Snapshot(ctx context.Context, key model.Key) ([]model.Tranche, error) {
	ch := p.ensureWorker(key)
	snap := make(chan []model.Tranche, 1)
	select {
	case ch <- command{kind: cmdSnapshot, snapshotReply: snap}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-snap:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Partitioner) send(ctx context.Context, key model.Key, cmd command) error {
	ch := p.ensureWorker(key)
	select {
	case ch <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	if cmd.reply == nil {
		return nil
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Partitioner) handleFill(key model.Key, tranches []model.Tranche, nextID int64, qty, price decimal.Decimal) ([]model.Tranche, int64) {
	now := p.clk.Now()

	if len(tranches) == 0 {
		t := model.Tranche{
			Symbol: key.Symbol, PositionSide: key.PositionSide, TrancheID: nextID,
			AvgEntryPrice: price, Quantity: qty, CreatedAt: now, UpdatedAt: now,
		}
		p.persistCreate(t)
		p.protect.NotifyRebuild(key, t.TrancheID)
		return append(tranches, t), nextID + 1
	}

	basis := weightedAvgEntry(tranches)
	if p.cfg.TranchePnLBasis == config.BasisLatestTranche {
		basis = tranches[len(tranches)-1].AvgEntryPrice
	}
	pnl := model.SignedReturn(basis, price, key.PositionSide)
	threshold := decimal.NewFromFloat(p.cfg.TranchePnLIncrementPct).Div(decimal.NewFromInt(100)).Neg()

	if pnl.GreaterThanOrEqual(threshold) {
		last := tranches[len(tranches)-1]
		newQty := last.Quantity.Add(qty)
		newAvg := last.AvgEntryPrice.Mul(last.Quantity).Add(price.Mul(qty)).Div(newQty)
		last.Quantity = newQty
		last.AvgEntryPrice = newAvg
		last.UpdatedAt = now
		tranches[len(tranches)-1] = last
		p.persistUpdate(last)
		p.protect.NotifyRebuild(key, last.TrancheID)
		return tranches, nextID
	}

	if p.cfg.MaxTranchesPerSymbolSide > 0 && len(tranches) >= p.cfg.MaxTranchesPerSymbolSide {
		tranches = p.mergeLeastAdverse(key, tranches)
	}

	t := model.Tranche{
		Symbol: key.Symbol, PositionSide: key.PositionSide, TrancheID: nextID,
		AvgEntryPrice: price, Quantity: qty, CreatedAt: now, UpdatedAt: now,
	}
	p.persistCreate(t)
	p.protect.NotifyRebuild(key, t.TrancheID)
	return append(tranches, t), nextID + 1
}

func (p *Partitioner) handleReduce(key model.Key, tranches []model.Tranche, trancheID int64, qty decimal.Decimal) []model.Tranche {
	for i, t := range tranches {
		if t.TrancheID != trancheID {
			continue
		}
		remaining := t.Quantity.Sub(qty)
		if remaining.LessThanOrEqual(decimal.Zero) {
			if err := p.store.DeleteTranche(key, t.TrancheID); err != nil {
				log.Printf("[tranche] %s/%s: delete tranche %d failed: %v", key.Symbol, key.PositionSide, t.TrancheID, err)
			}
			p.protect.NotifyCancelCompanion(key, t.TrancheID, t.TPOrderID, t.SLOrderID)
			return append(tranches[:i], tranches[i+1:]...)
		}
		t.Quantity = remaining
		t.UpdatedAt = p.clk.Now()
		tranches[i] = t
		p.persistUpdate(t)
		p.protect.NotifyResize(key, t.TrancheID)
		return tranches
	}
	log.Printf("[tranche] %s/%s: reduce referenced unknown tranche %d", key.Symbol, key.PositionSide, trancheID)
	return tranches
}

// mergeLeastAdverse combines the pair of tranches whose combined weighted
// average entry is most favorable for position_side, per SPEC_FULL.md
// §4.7's merge policy.
func (p *Partitioner) mergeLeastAdverse(key model.Key, tranches []model.Tranche) []model.Tranche {
	if len(tranches) < 2 {
		return tranches
	}

	bestI, bestJ := 0, 1
	bestAvg := combinedAvg(tranches[0], tranches[1])
	for i := 0; i < len(tranches); i++ {
		for j := i + 1; j < len(tranches); j++ {
			avg := combinedAvg(tranches[i], tranches[j])
			if moreFavorable(key.PositionSide, avg, bestAvg) {
				bestI, bestJ, bestAvg = i, j, avg
			}
		}
	}

	merged := tranches[bestI]
	merged.Quantity = tranches[bestI].Quantity.Add(tranches[bestJ].Quantity)
	merged.AvgEntryPrice = bestAvg
	merged.UpdatedAt = p.clk.Now()

	victim := tranches[bestJ]
	if err := p.store.DeleteTranche(key, victim.TrancheID); err != nil {
		log.Printf("[tranche] %s/%s: merge delete of tranche %d failed: %v", key.Symbol, key.PositionSide, victim.TrancheID, err)
	}
	p.protect.NotifyCancelCompanion(key, victim.TrancheID, victim.TPOrderID, victim.SLOrderID)
	p.persistUpdate(merged)
	p.protect.NotifyRebuild(key, merged.TrancheID)
	metrics.TrancheMerges.WithLabelValues("max_tranches").Inc()

	out := make([]model.Tranche, 0, len(tranches)-1)
	for idx, t := range tranches {
		switch idx {
		case bestI:
			out = append(out, merged)
		case bestJ:
			// dropped
		default:
			out = append(out, t)
		}
	}
	return out
}

// maintainOnce merges the first pair of tranches found whose combination is
// currently profitable at mark, realizing capital efficiency without
// worsening risk (SPEC_FULL.md §4.7's opportunistic background pass).
func (p *Partitioner) maintainOnce(key model.Key, tranches []model.Tranche, mark decimal.Decimal) []model.Tranche {
	for i := 0; i < len(tranches); i++ {
		for j := i + 1; j < len(tranches); j++ {
			avg := combinedAvg(tranches[i], tranches[j])
			if model.SignedReturn(avg, mark, key.PositionSide).GreaterThanOrEqual(decimal.Zero) {
				merged := tranches[i]
				merged.Quantity = tranches[i].Quantity.Add(tranches[j].Quantity)
				merged.AvgEntryPrice = avg
				merged.UpdatedAt = p.clk.Now()

				victim := tranches[j]
				if err := p.store.DeleteTranche(key, victim.TrancheID); err != nil {
					log.Printf("[tranche] %s/%s: opportunistic merge delete failed: %v", key.Symbol, key.PositionSide, err)
				}
				p.protect.NotifyCancelCompanion(key, victim.TrancheID, victim.TPOrderID, victim.SLOrderID)
				p.persistUpdate(merged)
				p.protect.NotifyRebuild(key, merged.TrancheID)
				metrics.TrancheMerges.WithLabelValues("opportunistic").Inc()

				out := make([]model.Tranche, 0, len(tranches)-1)
				for idx, t := range tranches {
					switch idx {
					case i:
						out = append(out, merged)
					case j:
					default:
						out = append(out, t)
					}
				}
				return out
			}
		}
	}
	return tranches
}

func (p *Partitioner) persistCreate(t model.Tranche) {
	if err := p.store.CreateTranche(t); err != nil {
		log.Printf("[tranche] %s/%s: create tranche %d failed: %v", t.Symbol, t.PositionSide, t.TrancheID, err)
	}
}

func (p *Partitioner) persistUpdate(t model.Tranche) {
	if err := p.store.UpdateTranche(t); err != nil {
		log.Printf("[tranche] %s/%s: update tranche %d failed: %v", t.Symbol, t.PositionSide, t.TrancheID, err)
	}
}

func weightedAvgEntry(tranches []model.Tranche) decimal.Decimal {
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for _, t := range tranches {
		totalQty = totalQty.Add(t.Quantity)
		totalCost = totalCost.Add(t.AvgEntryPrice.Mul(t.Quantity))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalCost.Div(totalQty)
}

func combinedAvg(a, b model.Tranche) decimal.Decimal {
	qty := a.Quantity.Add(b.Quantity)
	if qty.IsZero() {
		return decimal.Zero
	}
	return a.AvgEntryPrice.Mul(a.Quantity).Add(b.AvgEntryPrice.Mul(b.Quantity)).Div(qty)
}

// moreFavorable reports whether candidate is a more favorable combined
// average entry than current for position_side: lower is better for LONG,
// higher is better for SHORT.
func moreFavorable(side model.PositionSide, candidate, current decimal.Decimal) bool {
	if side == model.PositionLong {
		return candidate.LessThan(current)
	}
	return candidate.GreaterThan(current)
}

func maxTrancheID(tranches []model.Tranche) int64 {
	var max int64
	for _, t := range tranches {
		if t.TrancheID > max {
			max = t.TrancheID
		}
	}
	return max
}

// Package governor implements the Rate Governor (C1): a pure admission
// controller over outbound venue request weight and order-count budgets.
// It issues no I/O itself; callers decide what to do with a denial.
package governor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Priority classifies a caller's admission request. A fraction of the
// effective limit is reserved for Critical requests.
type Priority int

const (
	Low Priority = iota
	Normal
	Critical
)

// Mode widens the effective limit temporarily and auto-expires.
type Mode int

const (
	ModeNormal Mode = iota
	ModeBurst
	ModeLiquidation
)

// Config tunes the Governor's raw limits and reserved fractions.
type Config struct {
	RawWeightPerMinute int
	RawOrdersPerMinute int
	SafetyBufferPct    float64 // e.g. 0.1 reserves 10% headroom
	CriticalReservePct float64 // fraction of the effective limit reserved for Critical
}

// DefaultConfig mirrors Binance USDT-M futures' published limits.
func DefaultConfig() Config {
	return Config{
		RawWeightPerMinute: 2400,
		RawOrdersPerMinute: 1200,
		SafetyBufferPct:    0.1,
		CriticalReservePct: 0.15,
	}
}

// Governor is the thread-safe admission controller. All state mutation goes
// through mu; it issues no outbound I/O.
type Governor struct {
	mu sync.Mutex

	cfg Config

	weightLimiter *rate.Limiter
	orderLimiter  *rate.Limiter

	mode       Mode
	modeExpiry time.Time

	consecutive429 int
	bannedUntil    time.Time

	queue     admissionQueue
	drainOnce sync.Once
}

// New constructs a Governor at the given raw config, admitting at the
// steady-state effective limit from the start.
func New(cfg Config) *Governor {
	g := &Governor{cfg: cfg}
	g.rebuildLimitersLocked()
	return g
}

func (g *Governor) rebuildLimitersLocked() {
	effW, effO := g.effectiveLimitsLocked()
	// rate.Limiter expresses a per-second rate; Binance quotas are per-minute.
	g.weightLimiter = rate.NewLimiter(rate.Limit(float64(effW)/60.0), effW)
	g.orderLimiter = rate.NewLimiter(rate.Limit(float64(effO)/60.0), effO)
}

func (g *Governor) effectiveLimitsLocked() (weight, orders int) {
	buffer := g.cfg.SafetyBufferPct
	switch g.mode {
	case ModeBurst, ModeLiquidation:
		buffer = 0.05
	}
	weight = int(float64(g.cfg.RawWeightPerMinute) * (1 - buffer))
	orders = int(float64(g.cfg.RawOrdersPerMinute) * (1 - buffer))
	return weight, orders
}

// Elevate widens the effective limit for duration d. Idempotent: calling it
// again while already elevated simply extends the expiry.
func (g *Governor) Elevate(mode Mode, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
	g.modeExpiry = time.Now().Add(d)
	g.rebuildLimitersLocked()
}

func (g *Governor) expireModeLocked() {
	if g.mode != ModeNormal && time.Now().After(g.modeExpiry) {
		g.mode = ModeNormal
		g.rebuildLimitersLocked()
	}
}

// Result is returned by Admit.
type Result struct {
	OK       bool
	WaitHint time.Duration
}

// Admit checks whether a request of the given weight (and, if isOrder, one
// order slot) can proceed immediately. It never blocks and never retries.
func (g *Governor) Admit(weight int, isOrder bool, priority Priority) Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitLocked(weight, isOrder, priority)
}

func (g *Governor) admitLocked(weight int, isOrder bool, priority Priority) Result {
	g.expireModeLocked()

	if !g.bannedUntil.IsZero() && time.Now().Before(g.bannedUntil) {
		return Result{OK: false, WaitHint: time.Until(g.bannedUntil)}
	}

	now := time.Now()

	if priority != Critical {
		// Reserve headroom for Critical: deny non-critical calls once the
		// limiter's remaining tokens would dip into the reserved band.
		reserveW := float64(g.weightLimiter.Burst()) * g.cfg.CriticalReservePct
		if g.weightLimiter.TokensAt(now) < float64(weight)+reserveW {
			return Result{OK: false, WaitHint: time.Second}
		}
	}

	if !g.weightLimiter.AllowN(now, weight) {
		r := g.weightLimiter.ReserveN(now, weight)
		delay := r.Delay()
		r.Cancel()
		return Result{OK: false, WaitHint: delay}
	}
	if isOrder && !g.orderLimiter.AllowN(now, 1) {
		r := g.orderLimiter.ReserveN(now, 1)
		delay := r.Delay()
		r.Cancel()
		return Result{OK: false, WaitHint: delay}
	}
	return Result{OK: true}
}

// Enqueue parks an admission request in priority order for a caller that
// opted into queuing instead of immediate rejection. The first call starts
// a background drainLoop that calls Drain periodically, so queued work is
// retried as capacity frees.
func (g *Governor) Enqueue(weight int, isOrder bool, priority Priority) <-chan Result {
	g.drainOnce.Do(func() { go g.drainLoop() })

	ch := make(chan Result, 1)
	g.mu.Lock()
	heap.Push(&g.queue, &admissionRequest{weight: weight, isOrder: isOrder, priority: priority, enqueuedAt: time.Now(), reply: ch})
	g.mu.Unlock()
	return ch
}

// drainLoop retries queued admission requests until they fit, started lazily
// by the first Enqueue call so a Governor that never queues never pays for
// the goroutine.
func (g *Governor) drainLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		g.Drain()
	}
}

// WaitAdmit is Admit for a caller willing to queue and wait rather than
// abandon the call on first denial: it admits immediately when capacity
// allows, otherwise enqueues at priority and blocks until drained or ctx is
// canceled.
func (g *Governor) WaitAdmit(ctx context.Context, weight int, isOrder bool, priority Priority) error {
	if res := g.Admit(weight, isOrder, priority); res.OK {
		return nil
	}
	ch := g.Enqueue(weight, isOrder, priority)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain attempts to admit queued requests in priority/FIFO order, replying
// to as many as currently fit, and stops at the first request that still
// cannot be admitted (preserving per-priority FIFO order).
func (g *Governor) Drain() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.queue.Len() > 0 {
		next := g.queue[0]
		res := g.admitLocked(next.weight, next.isOrder, next.priority)
		if !res.OK {
			return
		}
		heap.Pop(&g.queue)
		next.reply <- res
		close(next.reply)
	}
}

// OnResponse reconciles the Governor's local state against venue response
// headers and status codes. Headers are authoritative when present: usedWeight
// and usedOrders reset the limiters' remaining budget to match venue truth.
// Returns the backoff duration the caller should sleep before its next call,
// or 0 if none is required.
func (g *Governor) OnResponse(usedWeight, usedOrders int, httpStatus int, banUnban time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if httpStatus == 429 {
		g.consecutive429++
		shift := g.consecutive429
		if shift > 6 {
			shift = 6
		}
		backoff := time.Duration(1<<uint(shift)) * time.Second
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
		return backoff
	}
	g.consecutive429 = 0

	if httpStatus == 418 {
		g.bannedUntil = banUnban
		return time.Until(banUnban)
	}

	now := time.Now()
	if usedWeight > 0 {
		effW, _ := g.effectiveLimitsLocked()
		remaining := effW - usedWeight
		if remaining < 0 {
			remaining = 0
		}
		resyncTokens(g.weightLimiter, now, float64(remaining))
	}
	if usedOrders > 0 {
		_, effO := g.effectiveLimitsLocked()
		remaining := effO - usedOrders
		if remaining < 0 {
			remaining = 0
		}
		resyncTokens(g.orderLimiter, now, float64(remaining))
	}
	return 0
}

// resyncTokens forces lim's available token count to target by reserving or
// crediting the delta, so the local window tracks venue-reported usage
// rather than drifting from it.
func resyncTokens(lim *rate.Limiter, now time.Time, target float64) {
	current := lim.TokensAt(now)
	delta := current - target
	if delta > 0 {
		r := lim.ReserveN(now, int(delta))
		if !r.OK() {
			r.Cancel()
		}
	}
	// A negative delta (venue reports more headroom than we tracked) is left
	// alone: the limiter will naturally refill up to its burst size, and
	// over-crediting risks exceeding the venue's true budget.
}

func (g *Governor) IsBanned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.bannedUntil.IsZero() && time.Now().Before(g.bannedUntil)
}

type admissionRequest struct {
	weight     int
	isOrder    bool
	priority   Priority
	enqueuedAt time.Time
	reply      chan Result
}

type admissionQueue []*admissionRequest

func (q admissionQueue) Len() int { return len(q) }
func (q admissionQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].enqueuedAt.Before(q[j].enqueuedAt)
}
func (q admissionQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *admissionQueue) Push(x any)   { *q = append(*q, x.(*admissionRequest)) }
func (q *admissionQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

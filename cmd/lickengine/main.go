// Command lickengine wires every component into the running process.
// Grounded on chidi150c-coinbase/main.go's boot sequence (env/config load,
// broker wiring, HTTP server goroutine, signal.NotifyContext root context,
// graceful shutdown with a bounded timeout).
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aster-quant/lick-engine/internal/alert"
	"github.com/aster-quant/lick-engine/internal/clock"
	"github.com/aster-quant/lick-engine/internal/config"
	"github.com/aster-quant/lick-engine/internal/evaluator"
	"github.com/aster-quant/lick-engine/internal/fastpath"
	"github.com/aster-quant/lick-engine/internal/fillrouter"
	"github.com/aster-quant/lick-engine/internal/gateway"
	"github.com/aster-quant/lick-engine/internal/governor"
	"github.com/aster-quant/lick-engine/internal/intake"
	"github.com/aster-quant/lick-engine/internal/model"
	"github.com/aster-quant/lick-engine/internal/protection"
	"github.com/aster-quant/lick-engine/internal/reconciler"
	"github.com/aster-quant/lick-engine/internal/store"
	"github.com/aster-quant/lick-engine/internal/tranche"
	"github.com/aster-quant/lick-engine/internal/venue"
	"github.com/aster-quant/lick-engine/internal/window"
)

const hardStopTimeout = 15 * time.Second

func main() {
	var envPath, configPath, addr string
	flag.StringVar(&envPath, "env", ".env", "path to the secrets .env file")
	flag.StringVar(&configPath, "config", "config.yaml", "path to the structured configuration record")
	flag.StringVar(&addr, "addr", ":8090", "dashboard/metrics listen address")
	flag.Parse()

	cfg, err := config.Load(envPath, configPath)
	if err != nil {
		log.Printf("startup: %v", err)
		os.Exit(2)
	}

	vc := venue.NewBinanceClient(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.UseTestnet)

	authCtx, authCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := vc.Account(authCtx); err != nil {
		authCancel()
		log.Printf("startup: binance authentication failed: %v", err)
		os.Exit(3)
	}
	authCancel()

	if err := vc.SetPositionMode(context.Background(), cfg.HedgeMode); err != nil {
		log.Printf("startup: warning: could not set position mode: %v", err)
	}

	st, err := store.NewMySQLStore(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("startup: store init failed: %v", err)
	}

	symbols := make([]string, 0, len(cfg.Symbols))
	for sym := range cfg.Symbols {
		symbols = append(symbols, sym)
	}

	specs := venue.NewSpecCache(vc, time.Hour)
	govCfg := governor.DefaultConfig()
	govCfg.SafetyBufferPct = cfg.RateLimitBufferPct
	gov := governor.New(govCfg)
	alerter := alert.New(cfg.TelegramToken, cfg.TelegramChatID)

	win := window.New(time.Duration(cfg.WindowMs) * time.Millisecond)
	if err := win.Recover(st, symbols, time.Now()); err != nil {
		log.Printf("startup: window recovery failed, starting cold: %v", err)
	}

	pm := protection.New(cfg, st, vc, specs, alerter, gov)
	part := tranche.New(cfg, st, pm, clock.Real{})
	ev := evaluator.New(cfg, win, st, vc, specs, gov)
	rec := reconciler.New(cfg, st, vc, part, pm, alerter)
	fr := fillrouter.New(vc, st, part, pm, rec)
	fp := fastpath.New(st, vc, cfg, pm, gov)

	health := &engineHealth{start: time.Now(), gov: gov}
	gw := gateway.New(addr, cfg, st, vc, part, health)

	toWindow := make(chan model.Liquidation, 1024)
	toEvaluator := make(chan model.Liquidation, 1024)
	in := intake.New(st, symbols, toWindow, toEvaluator)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[%s] exited: %v", name, err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case liq, ok := <-toWindow:
				if !ok {
					return
				}
				win.Add(liq.Symbol, liq.LiquidatedSide, liq.UsdtValue, time.UnixMilli(liq.EventTimeMs))
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ev.Consume(ctx, toEvaluator)
	}()

	run("intake", in.Run)
	run("fillrouter", fr.Run)
	if cfg.UsePositionMonitor {
		run("fastpath", fp.Run)
	}
	run("reconciler", rec.Run)
	run("gateway", gw.Run)

	log.Printf("lickengine started: %d symbols, dashboard on %s", len(symbols), addr)

	<-ctx.Done()
	log.Println("shutdown signal received, draining")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("shutdown complete")
		os.Exit(0)
	case <-time.After(hardStopTimeout):
		log.Println("hard-stop timeout reached, forcing exit")
		os.Exit(4)
	}
}

// engineHealth reports the rate governor's ban state to the dashboard gateway.
// Grounded on health_check.go's SimpleHealthCheck: a thin adapter with no
// dependency on the components it reports about beyond what it needs.
type engineHealth struct {
	start time.Time
	gov   *governor.Governor
}

func (h *engineHealth) Healthy() (bool, map[string]string) {
	details := map[string]string{
		"uptime": time.Since(h.start).Round(time.Second).String(),
	}
	if h.gov.IsBanned() {
		details["venue"] = "banned"
		return false, details
	}
	details["venue"] = "ok"
	return true, details
}

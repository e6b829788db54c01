package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEntriesRejectedLabelsByGate(t *testing.T) {
	EntriesRejected.Reset()
	EntriesRejected.WithLabelValues("cooldown").Inc()
	EntriesRejected.WithLabelValues("cooldown").Inc()
	EntriesRejected.WithLabelValues("exposure_cap").Inc()

	if got := testutil.ToFloat64(EntriesRejected.WithLabelValues("cooldown")); got != 2 {
		t.Fatalf("expected 2 cooldown rejections, got %v", got)
	}
	if got := testutil.ToFloat64(EntriesRejected.WithLabelValues("exposure_cap")); got != 1 {
		t.Fatalf("expected 1 exposure_cap rejection, got %v", got)
	}
}

func TestTranchesOpenGaugeSetPerSymbolSide(t *testing.T) {
	TranchesOpen.Reset()
	TranchesOpen.WithLabelValues("BTCUSDT", "LONG").Set(3)
	TranchesOpen.WithLabelValues("BTCUSDT", "SHORT").Set(1)

	if got := testutil.ToFloat64(TranchesOpen.WithLabelValues("BTCUSDT", "LONG")); got != 3 {
		t.Fatalf("expected 3, got %v", got)
	}
	if got := testutil.ToFloat64(TranchesOpen.WithLabelValues("BTCUSDT", "SHORT")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestProtectionRebuildCounters(t *testing.T) {
	before := testutil.ToFloat64(ProtectionRebuildAttempts)
	ProtectionRebuildAttempts.Inc()
	if got := testutil.ToFloat64(ProtectionRebuildAttempts); got != before+1 {
		t.Fatalf("expected attempts to increment by 1, got delta %v", got-before)
	}
}

package builtins

import (
	"context"
	"testing"
	"time"

	"papertrader/internal/domain"
	"papertrader/internal/strategy"
)

func closesSeries(closes []float64) domain.Series {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s := make(domain.Series, len(closes))
	for i, c := range closes {
		s[i] = domain.Bar{Symbol: "T", Timestamp: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c}
	}
	return s
}

func ramp(n int, from, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + step*float64(i)
	}
	return out
}

func TestSMACross(t *testing.T) {
	s := NewSMACross(5, 10)
	ctx := context.Background()

	sig, err := s.Analyze(ctx, closesSeries(ramp(30, 100, 1)))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !sig.IsBuy() || sig.Confidence <= 0 {
		t.Errorf("rising series = %s, want buy", sig)
	}

	sig, _ = s.Analyze(ctx, closesSeries(ramp(30, 200, -1)))
	if !sig.IsSell() {
		t.Errorf("falling series = %s, want sell", sig)
	}

	sig, _ = s.Analyze(ctx, closesSeries(ramp(30, 100, 0)))
	if sig.Kind != strategy.KindHold {
		t.Errorf("flat series = %s, want hold", sig)
	}

	sig, _ = s.Analyze(ctx, closesSeries(ramp(5, 100, 1)))
	if sig.Kind != strategy.KindHold {
		t.Errorf("short series = %s, want hold", sig)
	}
}

func TestRSIReversion(t *testing.T) {
	s := NewRSIReversion(14, 30, 70)
	ctx := context.Background()

	sig, err := s.Analyze(ctx, closesSeries(ramp(40, 200, -1)))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !sig.IsBuy() || sig.Confidence != 1 {
		t.Errorf("oversold = %s, want BUY(1.00)", sig)
	}

	sig, _ = s.Analyze(ctx, closesSeries(ramp(40, 100, 1)))
	if !sig.IsSell() || sig.Confidence != 1 {
		t.Errorf("overbought = %s, want SELL(1.00)", sig)
	}

	sig, _ = s.Analyze(ctx, closesSeries(ramp(10, 100, 1)))
	if sig.Kind != strategy.KindHold {
		t.Errorf("short series = %s, want hold", sig)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSMACross(5, 10).Analyze(ctx, closesSeries(ramp(30, 100, 1))); err == nil {
		t.Error("SMACross: want context error")
	}
	if _, err := NewRSIReversion(14, 30, 70).Analyze(ctx, closesSeries(ramp(30, 100, 1))); err == nil {
		t.Error("RSIReversion: want context error")
	}
}

func TestRegister(t *testing.T) {
	r := strategy.NewRegistry()
	Register(r)
	names := r.List()
	if len(names) != 2 || names[0] != "rsi-reversion" || names[1] != "sma-cross" {
		t.Errorf("registered = %v, want [rsi-reversion sma-cross]", names)
	}
}

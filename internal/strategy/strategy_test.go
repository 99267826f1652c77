package strategy

import (
	"context"
	"errors"
	"math"
	"testing"

	"meridian/internal/domain"
)

// stubStrategy is a minimal Strategy used in registry tests.
type stubStrategy struct {
	name     string
	declared []string
	warmup   int
	minPct   float64
	maxPct   float64
	scale    float64
}

func (s *stubStrategy) Name() string { return s.name }
func (s *stubStrategy) DecideTargets(context.Context, map[string][]domain.Bar, domain.PortfolioSnapshot) (map[string]float64, error) {
	return nil, nil
}
func (s *stubStrategy) DeclaredSymbols() []string { return s.declared }
func (s *stubStrategy) WarmupBars() int           { return s.warmup }
func (s *stubStrategy) SignalScale() float64      { return s.scale }
func (s *stubStrategy) TradeSizeBounds() (float64, float64, bool) {
	return s.minPct, s.maxPct, s.maxPct > 0
}

// plainStrategy implements none of the optional interfaces.
type plainStrategy struct{}

func (plainStrategy) Name() string { return "plain" }
func (plainStrategy) DecideTargets(context.Context, map[string][]domain.Bar, domain.PortfolioSnapshot) (map[string]float64, error) {
	return nil, nil
}

func stubFactory(name string) Factory {
	return func(Params) (Strategy, error) { return &stubStrategy{name: name}, nil }
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("Test-Strategy", stubFactory("test_strategy")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := r.New("test_strategy", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got.Name() != "test_strategy" {
		t.Errorf("New returned strategy with Name() = %q, want %q", got.Name(), "test_strategy")
	}
	if !r.Has("TEST-STRATEGY") {
		t.Error("Has should normalise the id")
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("alpha", stubFactory("alpha"))
	if err := r.Register("ALPHA", stubFactory("alpha")); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRegistryNewUnknown(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("alpha", stubFactory("alpha"))
	_, err := r.New("nonexistent", nil)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("New error = %v, want ErrUnknownStrategy", err)
	}
}

func TestRegistryNewDefault(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(DefaultID, stubFactory(DefaultID))
	s, err := r.New("  ", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Name() != DefaultID {
		t.Errorf("blank id built %q, want %q", s.Name(), DefaultID)
	}
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("bad", func(Params) (Strategy, error) { return nil, errors.New("window must be positive") })
	if _, err := r.New("bad", nil); err == nil {
		t.Error("factory validation errors must surface")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	_ = r.Register("beta", stubFactory("beta"))
	_ = r.Register("alpha", stubFactory("alpha"))

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}

func TestParams(t *testing.T) {
	p := Params{
		"short_window": 20,
		"threshold":    "0.02",
		"ratio":        0.5,
		"allow_short":  true,
		"symbols":      []any{"spy", "QQQ", "spy"},
	}

	if v, err := p.Int("short_window", 5); err != nil || v != 20 {
		t.Errorf("Int = %d, %v", v, err)
	}
	if v, err := p.Int("missing", 5); err != nil || v != 5 {
		t.Errorf("Int default = %d, %v", v, err)
	}
	if _, err := p.Int("ratio", 0); err == nil {
		t.Error("Int should reject a fractional value")
	}
	if v, err := p.Float("threshold", 0); err != nil || v != 0.02 {
		t.Errorf("Float = %g, %v", v, err)
	}
	if v, err := p.Bool("allow_short", false); err != nil || !v {
		t.Errorf("Bool = %v, %v", v, err)
	}
	if got := p.Strings("symbols"); len(got) != 2 || got[0] != "SPY" || got[1] != "QQQ" {
		t.Errorf("Strings = %v", got)
	}
}

func TestOptionalInterfaces(t *testing.T) {
	if WarmupBars(plainStrategy{}) != 2 || SignalScale(plainStrategy{}) != 1 || LookbackBars(plainStrategy{}) != 1 {
		t.Error("defaults for a plain strategy are wrong")
	}
	if _, _, ok := TradeSizeBounds(plainStrategy{}); ok {
		t.Error("plain strategy declares no trade-size bounds")
	}

	s := &stubStrategy{warmup: 51, minPct: 2, maxPct: 10, scale: 3}
	if WarmupBars(s) != 51 {
		t.Errorf("WarmupBars = %d", WarmupBars(s))
	}
	if SignalScale(s) != 3 {
		t.Errorf("SignalScale = %g", SignalScale(s))
	}
	lo, hi, ok := TradeSizeBounds(s)
	if !ok || lo != 0.02 || hi != 0.10 {
		t.Errorf("TradeSizeBounds = %g, %g, %v", lo, hi, ok)
	}

	inverted := &stubStrategy{minPct: 10, maxPct: 2}
	if _, _, ok := TradeSizeBounds(inverted); ok {
		t.Error("min > max is not a valid range")
	}
}

func TestResolveSymbols(t *testing.T) {
	cfg := []string{"spy", "QQQ"}

	if got := ResolveSymbols(cfg, plainStrategy{}); len(got) != 2 || got[0] != "SPY" {
		t.Errorf("no declared symbols: %v", got)
	}

	overlap := &stubStrategy{declared: []string{"qqq", "IWM"}}
	got := ResolveSymbols(cfg, overlap)
	want := []string{"SPY", "QQQ", "IWM"}
	if len(got) != len(want) {
		t.Fatalf("overlap merge = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("overlap merge = %v, want %v", got, want)
		}
	}

	disjoint := &stubStrategy{declared: []string{"btcusd"}}
	if got := ResolveSymbols(cfg, disjoint); len(got) != 1 || got[0] != "BTCUSD" {
		t.Errorf("disjoint declared symbols should replace: %v", got)
	}
}

func TestEquityCurveResult(t *testing.T) {
	var c EquityCurve
	for _, eq := range []float64{1000, 1100, 990, 1050} {
		c.Add(eq, 1)
	}
	res := c.Result()

	if res.Steps != 4 || res.TotalTrades != 4 {
		t.Errorf("steps/trades = %d/%d", res.Steps, res.TotalTrades)
	}
	if math.Abs(res.TotalReturn-0.05) > 1e-12 {
		t.Errorf("TotalReturn = %g, want 0.05", res.TotalReturn)
	}
	if math.Abs(res.MaxDrawdown-0.1) > 1e-12 {
		t.Errorf("MaxDrawdown = %g, want 0.1", res.MaxDrawdown)
	}
	if res.WinningSteps != 2 {
		t.Errorf("WinningSteps = %d, want 2", res.WinningSteps)
	}

	var empty EquityCurve
	if empty.Result() != (BacktestResult{}) {
		t.Error("empty curve should produce a zero result")
	}
}

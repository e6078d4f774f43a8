package strategy

import (
	"testing"

	"kalshi-trading-bot/pkg/types"
)

type stubStrategy struct {
	enabledFlag
	name string
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Analyze(*types.Market, float64, []types.PricePoint, *types.Orderbook) *types.Signal {
	return nil
}

func newStub(name string, on bool) *stubStrategy {
	s := &stubStrategy{name: name}
	s.SetEnabled(on)
	return s
}

func TestRegistryEnabledFiltering(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newStub("a", true), newStub("b", false), newStub("c", true))

	if got := len(r.All()); got != 3 {
		t.Errorf("All() returned %d strategies, want 3", got)
	}

	enabled := r.Enabled()
	if len(enabled) != 2 {
		t.Fatalf("Enabled() returned %d strategies, want 2", len(enabled))
	}
	if enabled[0].Name() != "a" || enabled[1].Name() != "c" {
		t.Errorf("Enabled() = [%s %s], want [a c]", enabled[0].Name(), enabled[1].Name())
	}
}

func TestRegistryGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newStub("a", true))

	s, ok := r.Get("a")
	if !ok || s.Name() != "a" {
		t.Error("Get(a) failed")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) reported found")
	}
}

func TestRegistryInfos(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newStub("a", true), newStub("b", false))
	infos := r.Infos()
	if len(infos) != 2 {
		t.Fatalf("Infos() returned %d entries, want 2", len(infos))
	}
	if infos[0].Name != "a" || !infos[0].Enabled {
		t.Errorf("infos[0] = %+v, want enabled a", infos[0])
	}
	if infos[1].Name != "b" || infos[1].Enabled {
		t.Errorf("infos[1] = %+v, want disabled b", infos[1])
	}
}

func TestRegistryDisableAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newStub("a", true), newStub("b", true))
	r.DisableAll()
	if len(r.Enabled()) != 0 {
		t.Error("strategies still enabled after DisableAll")
	}
}

func TestToggleRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStub("a", false)
	if s.Enabled() {
		t.Error("starts enabled")
	}
	s.SetEnabled(true)
	if !s.Enabled() {
		t.Error("enable did not stick")
	}
	s.SetEnabled(false)
	if s.Enabled() {
		t.Error("disable did not stick")
	}
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package tracker

import (
	"context"
	"testing"

	"github.com/soothill/mppt-core/registry"
	"github.com/soothill/mppt-core/safety"
	"github.com/soothill/mppt-core/seed"
	"github.com/soothill/mppt-core/smu"
)

func TestAngleDeg(t *testing.T) {
	if got := angleDeg(0, -1, 10, 2); got != 0 {
		t.Errorf("angleDeg with v=0 = %v, want 0", got)
	}
	if got := angleDeg(5, -1, 10, 0); got != 0 {
		t.Errorf("angleDeg with isc=0 = %v, want 0", got)
	}
}

func newPOEnv(t *testing.T, channels ...smu.Channel) Env {
	t.Helper()
	voc := map[smu.Channel]float64{}
	isc := map[smu.Channel]float64{}
	pixels := map[smu.Channel]registry.Pixel{}
	for _, c := range channels {
		voc[c] = 10
		isc[c] = 2
		pixels[c] = registry.Pixel{}
	}
	driver := smu.NewSimulatedDriver(1, voc, isc, 0)
	reg := registry.New(pixels)
	mon := safety.New(driver, reg)
	if err := driver.EnableOutput(context.Background(), true, channels...); err != nil {
		t.Fatalf("EnableOutput: %v", err)
	}
	return Env{Driver: driver, Reg: reg, Monitor: mon, Lock: seed.LockPositive}
}

func TestPerturbObserveProducesTraceAndFinals(t *testing.T) {
	env := newPOEnv(t, 0)
	seeded := map[smu.Channel]POSeed{0: {Voc: 10, Isc: 2, Vmpp: 5, Impp: -1}}
	params := POParams{DAngleMaxDeg: 5, DwellTimeS: 0.01}

	outcome, err := PerturbObserve(context.Background(), env, seeded, params, 0.05)
	if err != nil {
		t.Fatalf("PerturbObserve: %v", err)
	}
	if len(outcome.Traces[0]) == 0 {
		t.Fatal("expected a non-empty trace for channel 0")
	}
	final, ok := outcome.Finals[0]
	if !ok {
		t.Fatal("expected a finalized result for channel 0")
	}
	if final.Vmpp < 0 || final.Vmpp > 10 {
		t.Errorf("final Vmpp = %v, want within [0, Voc=10]", final.Vmpp)
	}
}

func TestPerturbObserveOmitsEvictedChannelFromFinals(t *testing.T) {
	env := newPOEnv(t, 0, 1)
	seeded := map[smu.Channel]POSeed{
		0: {Voc: 10, Isc: 2, Vmpp: 5, Impp: -1},
		1: {Voc: 10, Isc: 2, Vmpp: 5, Impp: -1},
	}
	params := POParams{DAngleMaxDeg: 5, DwellTimeS: 0.01}

	env.Reg.Evict(1)
	outcome, err := PerturbObserve(context.Background(), env, seeded, params, 0.03)
	if err != nil {
		t.Fatalf("PerturbObserve: %v", err)
	}
	if _, ok := outcome.Finals[1]; ok {
		t.Error("an evicted channel must not appear in Finals")
	}
	if _, ok := outcome.Finals[0]; !ok {
		t.Error("the still-active channel should appear in Finals")
	}
}

func TestDwellAllReportsDistinctPerChannelReadings(t *testing.T) {
	env := newPOEnv(t, 0, 1)
	e := env.toInternal()
	vmpp := map[smu.Channel]float64{0: 2, 1: 8}
	impp := map[smu.Channel]float64{0: 0, 1: 0}
	trace := make(map[smu.Channel][]smu.Measurement)

	if _, err := dwellAll(context.Background(), &e, vmpp, impp, trace, 0.01); err != nil {
		t.Fatalf("dwellAll: %v", err)
	}

	recs0 := trace[0]
	recs1 := trace[1]
	if len(recs0) == 0 || len(recs1) == 0 {
		t.Fatal("expected a dwell trace for both channels")
	}
	if recs0[len(recs0)-1].V != 2 {
		t.Errorf("channel 0's dwell records should hold its own commanded voltage 2, got %v", recs0[len(recs0)-1].V)
	}
	if recs1[len(recs1)-1].V != 8 {
		t.Errorf("channel 1's dwell records should hold its own commanded voltage 8, got %v", recs1[len(recs1)-1].V)
	}
	if impp[0] == impp[1] {
		t.Errorf("channels dwelling at different voltages should not collapse to the same Impp, got %v for both", impp[0])
	}
}

func TestPerturbObservePropagatesContextCancellation(t *testing.T) {
	env := newPOEnv(t, 0)
	seeded := map[smu.Channel]POSeed{0: {Voc: 10, Isc: 2, Vmpp: 5, Impp: -1}}
	params := POParams{DAngleMaxDeg: 5, DwellTimeS: 0.01}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := PerturbObserve(ctx, env, seeded, params, 1); err == nil {
		t.Fatal("expected an error from an already-cancelled context")
	}
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package runner

import (
	"context"
	"testing"

	"github.com/soothill/mppt-core/registry"
	"github.com/soothill/mppt-core/seed"
	"github.com/soothill/mppt-core/smu"
	"github.com/soothill/mppt-core/tracker"
)

// mockAlgorithm is a fixed-response double for the Algorithm interface
// Run dispatches on.
type mockAlgorithm struct {
	perturbObserve bool
	gd             tracker.GDParams
	po             tracker.POParams
	nplc           float64
	hasNPLC        bool
}

func (a mockAlgorithm) IsPerturbObserve() bool             { return a.perturbObserve }
func (a mockAlgorithm) GDParams() tracker.GDParams         { return a.gd }
func (a mockAlgorithm) POParams() tracker.POParams         { return a.po }
func (a mockAlgorithm) NPLCOverride() (float64, bool)      { return a.nplc, a.hasNPLC }

func TestClamp(t *testing.T) {
	cases := []struct {
		name             string
		limit, absolute  float64
		want             float64
	}{
		{"below ceiling passes through", 0.3, 0.5, 0.3},
		{"above ceiling is capped", 0.8, 0.5, 0.5},
		{"zero absolute limit means uncapped", 0.8, 0, 0.8},
		{"zero limit stays zero", 0, 0.5, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := clamp(tc.limit, tc.absolute); got != tc.want {
				t.Errorf("clamp(%v, %v) = %v, want %v", tc.limit, tc.absolute, got, tc.want)
			}
		})
	}
}

func TestReasonLabel(t *testing.T) {
	if got := reasonLabel("current over threshold"); got != "current_over_threshold" {
		t.Errorf("reasonLabel(current over threshold) = %q, want current_over_threshold", got)
	}
	if got := reasonLabel("overcurrent trip (board-mate culprit)"); got != "overcurrent_trip" {
		t.Errorf("reasonLabel(overcurrent trip...) = %q, want overcurrent_trip", got)
	}
}

func TestMaxTraceLen(t *testing.T) {
	traces := map[smu.Channel][]smu.Measurement{
		0: {{}, {}, {}},
		1: {{}},
	}
	if got := maxTraceLen(traces); got != 3 {
		t.Errorf("maxTraceLen = %d, want 3", got)
	}
	if got := maxTraceLen(nil); got != 0 {
		t.Errorf("maxTraceLen(nil) = %d, want 0", got)
	}
}

func TestMaxAbsImpp(t *testing.T) {
	poSeed := map[smu.Channel]tracker.POSeed{
		0: {Impp: -0.1},
		1: {Impp: -0.3},
	}
	// AutoComplianceFromImpp doubles the magnitude and clamps to the limit.
	if got := maxAbsImpp(poSeed, 1.0); got != 0.6 {
		t.Errorf("maxAbsImpp = %v, want 0.6", got)
	}
	if got := maxAbsImpp(poSeed, 0.4); got != 0.4 {
		t.Errorf("maxAbsImpp with a tight ceiling = %v, want clamped to 0.4", got)
	}
}

func newRunInputs(t *testing.T, algo Algorithm) (*smu.SimulatedDriver, Inputs) {
	t.Helper()
	pixels := map[smu.Channel]registry.Pixel{0: {DeviceLabel: "cell-a"}}
	driver := smu.NewSimulatedDriver(1, map[smu.Channel]float64{0: 10}, map[smu.Channel]float64{0: 2}, 0)
	return driver, Inputs{
		Driver:               driver,
		Pixels:               pixels,
		Prior:                map[smu.Channel]seed.ChannelState{},
		POSeed:               map[smu.Channel]tracker.POSeed{},
		AbsoluteCurrentLimit: 1,
		NPLC:                 -1,
		DurationS:            0.02,
		Algorithm:            algo,
	}
}

func TestRunGradientDescentDispatch(t *testing.T) {
	driver, in := newRunInputs(t, mockAlgorithm{
		gd: tracker.GDParams{Alpha: 0.05, MinStep: 0.01, MaxStep: 0.5, Momentum: 0.2, DeltaZero: 0.05},
	})

	result, finals, err := Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Traces[0]) == 0 {
		t.Fatal("expected a non-empty trace for channel 0")
	}
	if _, ok := finals[0]; !ok {
		t.Fatal("expected a final state for channel 0")
	}
	if outputEnabled(t, driver, 0) {
		t.Error("Run should disable outputs on normal completion")
	}
}

func TestRunPerturbObserveDispatch(t *testing.T) {
	_, in := newRunInputs(t, mockAlgorithm{
		perturbObserve: true,
		po:             tracker.POParams{DAngleMaxDeg: 5, DwellTimeS: 0.01},
	})

	result, finals, err := Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Traces[0]) == 0 {
		t.Fatal("expected a non-empty trace for channel 0")
	}
	if _, ok := finals[0]; !ok {
		t.Fatal("expected a final state for channel 0")
	}
}

func TestRunAppliesNPLCOverride(t *testing.T) {
	driver, in := newRunInputs(t, mockAlgorithm{
		hasNPLC: true,
		nplc:    5,
		gd:      tracker.GDParams{Alpha: 0.05, MinStep: 0.01, MaxStep: 0.5, Momentum: 0.2, DeltaZero: 0.05},
	})
	in.NPLC = -1 // the Algorithm's override should win over this

	if _, _, err := Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if driver.NPLC() != 5 {
		t.Errorf("NPLC = %v, want the algorithm's override of 5", driver.NPLC())
	}
}

func TestRunDisablesOutputsOnFailure(t *testing.T) {
	driver, in := newRunInputs(t, mockAlgorithm{
		gd: tracker.GDParams{Alpha: 0.05, MinStep: 0.01, MaxStep: 0.5, Momentum: 0.2, DeltaZero: 0.05},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := Run(ctx, in); err == nil {
		t.Fatal("expected an error from an already-cancelled context")
	}
	if outputEnabled(t, driver, 0) {
		t.Error("Run should disable outputs even when the run itself fails")
	}
}

// outputEnabled reports whether a channel's output is currently
// enabled, inferred from SimulatedDriver's disabled-reads-zero
// behavior: force a non-zero setpoint and check whether it reads back.
func outputEnabled(t *testing.T, driver *smu.SimulatedDriver, ch smu.Channel) bool {
	t.Helper()
	if err := driver.ConfigureDC(context.Background(), map[smu.Channel]float64{ch: 5}, smu.ModeVoltage); err != nil {
		t.Fatalf("ConfigureDC: %v", err)
	}
	out, err := driver.Measure(context.Background(), []smu.Channel{ch})
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	records := out[ch]
	if len(records) == 0 {
		return false
	}
	return records[0].I != 0
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package tracker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soothill/mppt-core/registry"
	"github.com/soothill/mppt-core/safety"
	"github.com/soothill/mppt-core/seed"
	"github.com/soothill/mppt-core/smu"
)

// mockDriver is a minimal smu.Driver double for exercising stepEnv in
// isolation, without the wall-clock behavior of smu.SimulatedDriver.
type mockDriver struct {
	configured map[smu.Channel]float64
	measureFunc func(ctx context.Context, channels []smu.Channel) (map[smu.Channel][]smu.Measurement, error)
}

func (d *mockDriver) ConfigureDC(ctx context.Context, setpoints map[smu.Channel]float64, mode smu.Mode) error {
	if d.configured == nil {
		d.configured = make(map[smu.Channel]float64)
	}
	for c, v := range setpoints {
		d.configured[c] = v
	}
	return ctx.Err()
}

func (d *mockDriver) EnableOutput(ctx context.Context, on bool, channels ...smu.Channel) error {
	return ctx.Err()
}

func (d *mockDriver) Measure(ctx context.Context, channels []smu.Channel) (map[smu.Channel][]smu.Measurement, error) {
	if d.measureFunc != nil {
		return d.measureFunc(ctx, channels)
	}
	out := make(map[smu.Channel][]smu.Measurement, len(channels))
	for _, c := range channels {
		out[c] = []smu.Measurement{{V: d.configured[c], I: -1}}
	}
	return out, nil
}

func (d *mockDriver) MeasureUntil(ctx context.Context, channels []smu.Channel, dwell time.Duration, onEach func(smu.Channel, smu.Measurement)) (map[smu.Channel][]smu.Measurement, error) {
	return nil, nil
}

func (d *mockDriver) SetNPLC(ctx context.Context, nplc float64) error { return nil }

func (d *mockDriver) SetCompliance(ctx context.Context, channels []smu.Channel, limit float64) error {
	return nil
}

func (d *mockDriver) Identify(ctx context.Context) (string, error) { return "", nil }

var _ smu.Driver = (*mockDriver)(nil)

func TestClampMagnitude(t *testing.T) {
	cases := []struct {
		name                 string
		delta, min, max, want float64
	}{
		{"within bounds", 0.05, 0.01, 0.1, 0.05},
		{"below min, positive", 0.001, 0.01, 0.1, 0.01},
		{"below min, negative", -0.001, 0.01, 0.1, -0.01},
		{"above max, positive", 5, 0.01, 0.1, 0.1},
		{"above max, negative", -5, 0.01, 0.1, -0.1},
		{"zero delta clamps up to min", 0, 0.01, 0.1, 0.01},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := clampMagnitude(tc.delta, tc.min, tc.max); got != tc.want {
				t.Errorf("clampMagnitude(%v, %v, %v) = %v, want %v", tc.delta, tc.min, tc.max, got, tc.want)
			}
		})
	}
}

func TestRandomSignNilRNGIsDeterministic(t *testing.T) {
	a := randomSign(nil)
	b := randomSign(nil)
	if a != b {
		t.Errorf("randomSign(nil) should be deterministic across calls, got %v then %v", a, b)
	}
	if a != 1 && a != -1 {
		t.Errorf("randomSign returned %v, want +-1", a)
	}
}

func TestStepEnvAborted(t *testing.T) {
	var a atomic.Bool
	e := stepEnv{abort: &a}
	if e.aborted() {
		t.Error("fresh atomic.Bool should report not aborted")
	}
	a.Store(true)
	if !e.aborted() {
		t.Error("expected aborted() true once the flag is set")
	}

	e2 := stepEnv{}
	if e2.aborted() {
		t.Error("nil abort flag should report not aborted")
	}
}

func TestMeasureAndScreenAppendsCleanRecords(t *testing.T) {
	reg := registry.New(map[smu.Channel]registry.Pixel{0: {DeviceLabel: "cell-a"}})
	driver := &mockDriver{}
	mon := safety.New(driver, reg)

	var onEachCalls int
	e := stepEnv{driver: driver, reg: reg, monitor: mon, lock: seed.LockPositive, onEach: func(c smu.Channel, m smu.Measurement) {
		onEachCalls++
	}}

	trace := make(map[smu.Channel][]smu.Measurement)
	evictions, err := e.measureAndScreen(context.Background(), map[smu.Channel]float64{0: 5}, 0, trace)
	if err != nil {
		t.Fatalf("measureAndScreen: %v", err)
	}
	if len(evictions) != 0 {
		t.Errorf("expected no evictions, got %+v", evictions)
	}
	if got := driver.configured[0]; got != 5 {
		t.Errorf("expected channel 0 configured to 5, got %v", got)
	}
	if len(trace[0]) != 1 {
		t.Fatalf("expected one trace record for channel 0, got %d", len(trace[0]))
	}
	if onEachCalls != 1 {
		t.Errorf("expected onEach called once, got %d", onEachCalls)
	}
}

func TestMeasureAndScreenEvictsOnOvercurrent(t *testing.T) {
	reg := registry.New(map[smu.Channel]registry.Pixel{0: {DeviceLabel: "cell-a"}})
	driver := &mockDriver{
		measureFunc: func(ctx context.Context, channels []smu.Channel) (map[smu.Channel][]smu.Measurement, error) {
			out := make(map[smu.Channel][]smu.Measurement)
			for _, c := range channels {
				out[c] = []smu.Measurement{{Status: smu.CurrentOverThreshold}}
			}
			return out, nil
		},
	}
	mon := safety.New(driver, reg)
	e := stepEnv{driver: driver, reg: reg, monitor: mon, lock: seed.LockPositive}

	trace := make(map[smu.Channel][]smu.Measurement)
	evictions, err := e.measureAndScreen(context.Background(), map[smu.Channel]float64{0: 5}, 0, trace)
	if err != nil {
		t.Fatalf("measureAndScreen: %v", err)
	}
	if len(evictions) != 1 || evictions[0].Channel != 0 {
		t.Fatalf("expected channel 0 evicted, got %+v", evictions)
	}
	if len(trace[0]) != 0 {
		t.Errorf("evicted channel should not have trace records, got %d", len(trace[0]))
	}
	if reg.IsActive(0) {
		t.Error("registry should no longer show channel 0 as active")
	}
}

func TestMeasureAndScreenPropagatesContextCancellation(t *testing.T) {
	reg := registry.New(map[smu.Channel]registry.Pixel{0: {}})
	driver := &mockDriver{}
	mon := safety.New(driver, reg)
	e := stepEnv{driver: driver, reg: reg, monitor: mon}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	trace := make(map[smu.Channel][]smu.Measurement)
	_, err := e.measureAndScreen(ctx, map[smu.Channel]float64{0: 5}, 0, trace)
	if err == nil {
		t.Fatal("expected an error from an already-cancelled context")
	}
}

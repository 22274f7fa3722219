// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package tracker implements the two interchangeable MPPT optimizers:
// gradient descent with momentum (with optional Snaith soaks) and
// perturb-and-observe. Both share the same step/measure/commit loop
// shape and report through the same Outcome type.
package tracker

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/soothill/mppt-core/registry"
	"github.com/soothill/mppt-core/safety"
	"github.com/soothill/mppt-core/seed"
	"github.com/soothill/mppt-core/smu"
)

// ChannelResult is a tracker's per-channel finalized measurement,
// folded back into the core's reference state by the caller.
type ChannelResult struct {
	Vmpp float64
	Impp float64
}

// Outcome is what every tracker algorithm returns: the full measurement
// trace per channel (entries non-decreasing in t), the finalized
// (Vmpp, Impp) per channel, and the evictions the Safety Monitor
// produced along the way.
type Outcome struct {
	Traces    map[smu.Channel][]smu.Measurement
	Finals    map[smu.Channel]ChannelResult
	Evictions []safety.Eviction
}

// stepEnv bundles the collaborators every algorithm needs, so
// GradientDescent and PerturbObserve take one argument instead of
// five positional ones.
type stepEnv struct {
	driver  smu.Driver
	reg     *registry.Registry
	monitor *safety.Monitor
	lock    seed.Lock
	abort   *atomic.Bool
	onEach  func(smu.Channel, smu.Measurement)
}

// Env is the public constructor for the collaborators a tracker run
// needs. OnEach is an optional capability (spec.md §9's recast of the
// source's lambda-default callback): nil means no-op, not a
// placeholder handler.
type Env struct {
	Driver  smu.Driver
	Reg     *registry.Registry
	Monitor *safety.Monitor
	Lock    seed.Lock
	Abort   *atomic.Bool
	OnEach  func(smu.Channel, smu.Measurement)
}

func (e Env) toInternal() stepEnv {
	return stepEnv{driver: e.Driver, reg: e.Reg, monitor: e.Monitor, lock: e.Lock, abort: e.Abort, onEach: e.OnEach}
}

func (e *stepEnv) aborted() bool {
	return e.abort != nil && e.abort.Load()
}

// measureAndScreen performs one configure/sleep/measure/safety-screen
// cycle across the active channels with the given setpoints, appending
// surviving measurements to trace and returning any evictions.
func (e *stepEnv) measureAndScreen(ctx context.Context, setpoints map[smu.Channel]float64, delay time.Duration, trace map[smu.Channel][]smu.Measurement) ([]safety.Eviction, error) {
	if err := e.driver.ConfigureDC(ctx, setpoints, smu.ModeVoltage); err != nil {
		return nil, err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	active := e.reg.Active()
	batch, err := e.driver.Measure(ctx, active)
	if err != nil {
		return nil, err
	}
	clean, evictions, err := e.monitor.Inspect(ctx, batch)
	if err != nil {
		return nil, err
	}
	for ch, records := range clean {
		trace[ch] = append(trace[ch], records...)
		if e.onEach != nil {
			for _, r := range records {
				e.onEach(ch, r)
			}
		}
	}
	return evictions, nil
}

func clampMagnitude(delta, minStep, maxStep float64) float64 {
	sign := 1.0
	if delta < 0 {
		sign = -1.0
	}
	mag := math.Abs(delta)
	if mag < minStep {
		mag = minStep
	}
	if mag > maxStep {
		mag = maxStep
	}
	return sign * mag
}

func randomSign(rng *rand.Rand) float64 {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	if rng.Float64() < 0.5 {
		return -1
	}
	return 1
}

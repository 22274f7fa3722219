// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package mppt is the public entry point of the MPPT core: it owns
// per-channel reference state across runs and exposes the four
// outbound operations external callers use — New, Reset,
// RegisterCurve, and LaunchTracker.
package mppt

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/soothill/mppt-core/curve"
	"github.com/soothill/mppt-core/pkg/logger"
	"github.com/soothill/mppt-core/registry"
	"github.com/soothill/mppt-core/runner"
	"github.com/soothill/mppt-core/seed"
	"github.com/soothill/mppt-core/smu"
	"github.com/soothill/mppt-core/tracker"
)

// Sink is the telemetry capability the core requires from a
// collaborator: an append-only, assumed-thread-safe log of topic-keyed
// payloads (spec.md §6). Declared here, on the consumer side, so
// telemetry implementations need not import this package.
type Sink interface {
	AppendPayload(ctx context.Context, topic string, payload []byte) error
}

// ReferenceState is the per-channel state the core owns across runs:
// the best-known IV-curve point plus the bootstrapped V_oc, mutated
// only by Seed & Bootstrap, the Curve Inspector, and algorithm
// finalization (spec.md §3, §5).
type ReferenceState struct {
	Voc     float64
	HasVoc  bool
	Isc     float64
	HasIsc  bool
	Vmpp    float64
	Impp    float64
	PMax    float64
	HasPMax bool
	MmppV   float64
	MmppI   float64
	MmppT   float64
	HasMmpp bool
}

// Core owns per-channel reference state and the abort flag for one
// characterization rig. It is safe to share across goroutines: an
// observer may set abort concurrently with the single-threaded
// cooperative loop driving a run (spec.md §5).
type Core struct {
	driver                smu.Driver
	absoluteCurrentLimit  float64
	sink                  Sink

	mu    sync.Mutex
	state map[smu.Channel]ReferenceState
	abort atomic.Bool
}

// New constructs a Core bound to driver, enforcing absoluteCurrentLimit
// as a hard ceiling on every run. sink may be nil —
// the telemetry path is best-effort per spec.md §9 and a nil sink is
// simply treated as "no telemetry collaborator", not an error.
func New(driver smu.Driver, absoluteCurrentLimit float64, sink Sink) *Core {
	return &Core{
		driver:               driver,
		absoluteCurrentLimit: absoluteCurrentLimit,
		sink:                 sink,
		state:                make(map[smu.Channel]ReferenceState),
	}
}

// Reset clears all per-channel reference state and the abort flag.
func (c *Core) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = make(map[smu.Channel]ReferenceState)
	c.abort.Store(false)
}

// Abort requests cancellation of any in-flight run. It is safe to call
// from a different goroutine than the one driving LaunchTracker.
func (c *Core) Abort() {
	c.abort.Store(true)
}

// CurveResult is what RegisterCurve returns per channel.
type CurveResult struct {
	PMax       float64
	Vmpp       float64
	Impp       float64
	IndexOfMax int
}

// RegisterCurve implements spec.md §4.2: it reduces an IV sweep to its
// per-channel maximum-power point and, for light sweeps whose power
// strictly improves (or ties) on the stored maximum, folds the result
// into the core's reference state.
func (c *Core) RegisterCurve(sweep map[smu.Channel][]smu.Measurement, isLight bool) map[smu.Channel]CurveResult {
	points := curve.Inspect(sweep)

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[smu.Channel]CurveResult, len(points))
	for ch, p := range points {
		prev := c.toCurveState(c.state[ch])
		next := p.Fold(prev, isLight)
		c.state[ch] = c.fromCurveState(c.state[ch], next)
		out[ch] = CurveResult{PMax: next.PMax, Vmpp: next.Vmpp, Impp: next.Impp, IndexOfMax: p.IndexOfMax}
	}
	return out
}

func (c *Core) toCurveState(s ReferenceState) curve.ReferenceState {
	return curve.ReferenceState{
		PMax: s.PMax, HasPMax: s.HasPMax,
		Voc: s.Voc, HasVoc: s.HasVoc,
		Isc: s.Isc, HasIsc: s.HasIsc,
		Vmpp: s.Vmpp, Impp: s.Impp,
	}
}

func (c *Core) fromCurveState(prev ReferenceState, next curve.ReferenceState) ReferenceState {
	prev.PMax, prev.HasPMax = next.PMax, next.HasPMax
	prev.Voc, prev.HasVoc = next.Voc, next.HasVoc
	prev.Isc, prev.HasIsc = next.Isc, next.HasIsc
	prev.Vmpp, prev.Impp = next.Vmpp, next.Impp
	return prev
}

// Snapshot returns a copy of the current per-channel reference state,
// for diagnostics (e.g. a SIGUSR1 state dump) — never mutated by
// callers, since the returned map is a copy.
func (c *Core) Snapshot() map[smu.Channel]ReferenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[smu.Channel]ReferenceState, len(c.state))
	for ch, s := range c.state {
		out[ch] = s
	}
	return out
}

// LaunchTracker implements spec.md §4.7/§6: it runs Seed & Bootstrap,
// dispatches to the configured algorithm, and folds the result back
// into reference state, returning the per-channel trace and the
// bootstrap high-Z probe records.
func (c *Core) LaunchTracker(ctx context.Context, cfg Config, pixels map[smu.Channel]registry.Pixel, onEach func(smu.Channel, smu.Measurement)) (runner.Result, error) {
	spec, err := ParseAlgorithmSpec(cfg.AlgorithmSpec)
	if err != nil {
		return runner.Result{}, err
	}

	c.mu.Lock()
	prior := make(map[smu.Channel]seed.ChannelState, len(pixels))
	poSeed := make(map[smu.Channel]tracker.POSeed, len(pixels))
	for ch := range pixels {
		st := c.state[ch]
		prior[ch] = seed.ChannelState{Voc: st.Voc, HasVoc: st.HasVoc, Vmpp: st.Vmpp, HasVmpp: st.Vmpp != 0}
		poSeed[ch] = tracker.POSeed{Voc: st.Voc, Isc: st.Isc, Vmpp: st.Vmpp, Impp: st.Impp}
	}
	c.mu.Unlock()

	nplc := cfg.NPLC

	result, finalStates, err := runner.Run(ctx, runner.Inputs{
		Driver:               c.driver,
		Pixels:               pixels,
		Prior:                prior,
		POSeed:               poSeed,
		AbsoluteCurrentLimit: c.absoluteCurrentLimit,
		ILimit:               cfg.ILimit,
		VocCompliance:        cfg.VocCompliance,
		NPLC:                 nplc,
		DurationS:            cfg.DurationS,
		Algorithm:            spec,
		Abort:                &c.abort,
		OnEach:               onEach,
	})
	if err != nil {
		logger.Error().Err(err).Msg("tracker run failed")
		return result, err
	}

	c.mu.Lock()
	for ch, fs := range finalStates {
		st := c.state[ch]
		st.Voc, st.HasVoc = fs.Voc, fs.HasVoc
		st.Vmpp = fs.Vmpp
		st.Impp = fs.Impp
		c.state[ch] = st
	}
	c.mu.Unlock()

	if c.sink != nil {
		for _, e := range result.Evictions {
			payload := e.WarningPayload()
			if err := appendJSON(ctx, c.sink, "measurement/log", payload); err != nil {
				logger.Warn().Err(err).Msg("failed to append eviction warning to telemetry sink")
			}
		}
	}

	return result, nil
}

// appendJSON marshals payload and appends it to sink under topic. Best
// effort per spec.md §9: failures are logged, never propagated.
func appendJSON(ctx context.Context, sink Sink, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return sink.AppendPayload(ctx, topic, data)
}

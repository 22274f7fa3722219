// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package runner implements the Tracker Runner (spec.md §4.7): the
// orchestration that wraps one launch_tracker call end to end — seeding
// the registry, running Seed & Bootstrap, dispatching to the configured
// algorithm, and guaranteeing outputs are disabled on every exit path.
package runner

import (
	"context"
	"math/rand"
	"strings"
	"sync/atomic"

	"github.com/soothill/mppt-core/pkg/logger"
	"github.com/soothill/mppt-core/pkg/metrics"
	"github.com/soothill/mppt-core/registry"
	"github.com/soothill/mppt-core/safety"
	"github.com/soothill/mppt-core/seed"
	"github.com/soothill/mppt-core/smu"
	"github.com/soothill/mppt-core/tracker"
)

// FinalState is the per-channel result a run hands back to the caller
// for folding into its own reference state: the (possibly newly
// bootstrapped) V_oc, plus the algorithm's finalized (V_mpp, I_mpp).
type FinalState struct {
	Voc    float64
	HasVoc bool
	Vmpp   float64
	Impp   float64
}

// Result is everything one launch_tracker invocation produces,
// returned to the mppt package for telemetry and folding into
// reference state.
type Result struct {
	Traces    map[smu.Channel][]smu.Measurement
	SSVocs    []smu.Measurement
	Evictions []safety.Eviction
}

// Algorithm is the minimal shape runner needs out of a parsed
// algorithm spec: which tracker to dispatch to, its parameters, and an
// optional NPLC override. mppt.ParsedAlgorithm satisfies this.
type Algorithm interface {
	IsPerturbObserve() bool
	GDParams() tracker.GDParams
	POParams() tracker.POParams
	NPLCOverride() (float64, bool)
}

// Inputs bundles everything one Run call needs. Pixels seeds a fresh
// registry.Registry for this run alone — per SPEC_FULL.md §9's
// per-instance state decision, no state is shared across Runner invocations
// beyond what the caller folds back into its own reference state.
type Inputs struct {
	Driver               smu.Driver
	Pixels               map[smu.Channel]registry.Pixel
	Prior                map[smu.Channel]seed.ChannelState
	POSeed               map[smu.Channel]tracker.POSeed
	AbsoluteCurrentLimit float64
	ILimit               float64
	VocCompliance        float64
	NPLC                 float64
	DurationS            float64
	Algorithm            Algorithm
	Abort                *atomic.Bool
	OnEach               func(smu.Channel, smu.Measurement)
}

// Run implements spec.md §4.7: apply NPLC, run Seed & Bootstrap,
// dispatch to the configured tracker algorithm, and disable outputs on
// every exit path — normal completion, cancellation, or a propagated
// driver fault.
func Run(ctx context.Context, in Inputs) (Result, map[smu.Channel]FinalState, error) {
	reg := registry.New(in.Pixels)
	monitor := safety.New(in.Driver, reg)

	nplc := in.NPLC
	if override, ok := in.Algorithm.NPLCOverride(); ok {
		nplc = override
	}
	if nplc != -1 {
		if err := in.Driver.SetNPLC(ctx, nplc); err != nil {
			return Result{}, nil, err
		}
	}

	defer func() {
		active := reg.Active()
		if len(active) > 0 {
			if err := in.Driver.EnableOutput(context.Background(), false, active...); err != nil {
				logger.Warn().Err(err).Msg("failed to disable outputs on run exit")
			}
		}
	}()

	voc := clamp(in.VocCompliance, in.AbsoluteCurrentLimit)
	if voc > 0 {
		if err := in.Driver.SetCompliance(ctx, reg.Active(), voc); err != nil {
			return Result{}, nil, err
		}
	}

	bootstrap, err := seed.Run(ctx, in.Driver, reg, in.Prior)
	if err != nil {
		return Result{}, nil, err
	}

	ilimit := clamp(in.ILimit, in.AbsoluteCurrentLimit)
	if ilimit == 0 {
		ilimit = maxAbsImpp(in.POSeed, in.AbsoluteCurrentLimit)
	}
	if ilimit > 0 {
		if err := in.Driver.SetCompliance(ctx, reg.Active(), ilimit); err != nil {
			return Result{}, nil, err
		}
	}

	env := tracker.Env{Driver: in.Driver, Reg: reg, Monitor: monitor, Lock: bootstrap.Lock, Abort: in.Abort, OnEach: in.OnEach}

	metrics.ActiveChannels.Set(float64(reg.Count()))

	var outcome tracker.Outcome
	if in.Algorithm.IsPerturbObserve() {
		metrics.TrackerRunsTotal.WithLabelValues("basic").Inc()
		seeded := make(map[smu.Channel]tracker.POSeed, len(bootstrap.States))
		for ch, st := range bootstrap.States {
			s := in.POSeed[ch]
			s.Voc, s.Vmpp = st.Voc, st.Vmpp
			seeded[ch] = s
		}
		outcome, err = tracker.PerturbObserve(ctx, env, seeded, in.Algorithm.POParams(), in.DurationS)
	} else {
		metrics.TrackerRunsTotal.WithLabelValues("gd").Inc()
		outcome, err = tracker.GradientDescent(ctx, env, bootstrap.States, in.Algorithm.GDParams(), in.DurationS, rand.New(rand.NewSource(1)))
	}
	if err != nil {
		return Result{Traces: outcome.Traces, SSVocs: bootstrap.SSVocs, Evictions: outcome.Evictions}, nil, err
	}

	metrics.TrackerIterationsTotal.Add(float64(maxTraceLen(outcome.Traces)))
	for _, e := range outcome.Evictions {
		metrics.ChannelEvictionsTotal.WithLabelValues(reasonLabel(e.Reason)).Inc()
		logger.Warn().Int("channel", int(e.Channel)).Str("device_label", e.DeviceLabel).Str("reason", e.Reason).Msg("channel evicted")
	}
	metrics.ActiveChannels.Set(float64(reg.Count()))

	finals := make(map[smu.Channel]FinalState, len(bootstrap.States))
	for ch, st := range bootstrap.States {
		fs := FinalState{Voc: st.Voc, HasVoc: st.HasVoc}
		if cr, ok := outcome.Finals[ch]; ok {
			fs.Vmpp, fs.Impp = cr.Vmpp, cr.Impp
		}
		finals[ch] = fs
	}

	return Result{Traces: outcome.Traces, SSVocs: bootstrap.SSVocs, Evictions: outcome.Evictions}, finals, nil
}

func maxTraceLen(traces map[smu.Channel][]smu.Measurement) int {
	max := 0
	for _, records := range traces {
		if len(records) > max {
			max = len(records)
		}
	}
	return max
}

func maxAbsImpp(poSeed map[smu.Channel]tracker.POSeed, absoluteLimit float64) float64 {
	max := 0.0
	for _, s := range poSeed {
		v := seed.AutoComplianceFromImpp(s.Impp, absoluteLimit)
		if v > max {
			max = v
		}
	}
	return max
}

func reasonLabel(reason string) string {
	if strings.Contains(reason, "current over threshold") {
		return "current_over_threshold"
	}
	return "overcurrent_trip"
}

// clamp applies spec.md §4.7 step 2: a compliance current is capped at
// absoluteLimit, never raised by it.
func clamp(limit, absoluteLimit float64) float64 {
	if absoluteLimit > 0 && limit > absoluteLimit {
		return absoluteLimit
	}
	return limit
}

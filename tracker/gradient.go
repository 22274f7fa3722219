// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package tracker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/soothill/mppt-core/safety"
	"github.com/soothill/mppt-core/seed"
	"github.com/soothill/mppt-core/smu"
)

// GDParams holds the tunables parsed out of a gd:// or snaith://
// algorithm specification string (spec.md §6).
type GDParams struct {
	Alpha      float64
	MinStep    float64
	DelayMs    float64
	MaxStep    float64
	Momentum   float64
	DeltaZero  float64

	// SnaithPreSoakS and SnaithPostSoakS are non-zero only when the
	// algorithm was "snaith"; the spec string has no field for them, and
	// mppt's parser sets them to 15s and 3s.
	SnaithPreSoakS  float64
	SnaithPostSoakS float64
}

type gdChannelState struct {
	vNext    float64
	delta    float64
	haveLast bool
	lastV    float64
	lastI    float64
	lastT    float64
}

// GradientDescent implements spec.md §4.5: momentum gradient descent
// over the generation-power objective, with an optional Snaith pre-soak
// at the seeded V_mpp and post-soak at the final setpoint. Both soaks
// count against durationS.
func GradientDescent(ctx context.Context, env Env, seeded map[smu.Channel]seed.ChannelState, params GDParams, durationS float64, rng *rand.Rand) (Outcome, error) {
	e := env.toInternal()
	trace := make(map[smu.Channel][]smu.Measurement)
	finals := make(map[smu.Channel]ChannelResult)
	var allEvictions []safety.Eviction

	states := make(map[smu.Channel]*gdChannelState, len(seeded))
	for ch, st := range seeded {
		states[ch] = &gdChannelState{vNext: e.lock.Clamp(st.Vmpp), delta: params.DeltaZero}
	}

	// The post-soak runs after the core loop, so reserve its time up front.
	remaining := durationS - params.SnaithPostSoakS

	if params.SnaithPreSoakS > 0 {
		used, err := soak(ctx, &e, states, trace, &allEvictions, params.SnaithPreSoakS, time.Duration(params.DelayMs)*time.Millisecond)
		if err != nil {
			return Outcome{}, err
		}
		remaining -= used
	}

	// Register a bootstrap measurement at the seeded Vmpp, then apply
	// delta_zero as the literal first voltage step, mirroring mppt.py's
	// pre-loop bootstrap measurement. This primes lastV/lastI/lastT so
	// the main loop's first gradient is computed from a real step
	// instead of falling into the gradient-undefined random branch.
	if e.reg.Count() > 0 && !e.aborted() {
		active := e.reg.Active()
		setpoints := make(map[smu.Channel]float64, len(active))
		for _, ch := range active {
			setpoints[ch] = states[ch].vNext
		}
		evictions, err := e.measureAndScreen(ctx, setpoints, time.Duration(params.DelayMs)*time.Millisecond, trace)
		if err != nil {
			return Outcome{}, err
		}
		allEvictions = append(allEvictions, evictions...)
		for _, ch := range active {
			if !e.reg.IsActive(ch) {
				continue
			}
			records := trace[ch]
			if len(records) == 0 {
				continue
			}
			latest := records[len(records)-1]
			st := states[ch]
			st.lastV, st.lastI, st.lastT = latest.V, latest.I, latest.T
			st.haveLast = true
			st.vNext = e.lock.Clamp(st.vNext + params.DeltaZero)
		}
	}

	coreStart := time.Now()
	for {
		if e.aborted() {
			break
		}
		if time.Since(coreStart).Seconds() >= remaining {
			break
		}
		if e.reg.Count() == 0 {
			break
		}

		active := e.reg.Active()
		setpoints := make(map[smu.Channel]float64, len(active))
		for _, ch := range active {
			setpoints[ch] = states[ch].vNext
		}

		evictions, err := e.measureAndScreen(ctx, setpoints, time.Duration(params.DelayMs)*time.Millisecond, trace)
		if err != nil {
			return Outcome{}, err
		}
		allEvictions = append(allEvictions, evictions...)

		for _, ch := range active {
			if !e.reg.IsActive(ch) {
				continue
			}
			records := trace[ch]
			if len(records) == 0 {
				continue
			}
			latest := records[len(records)-1]
			st := states[ch]

			var gradOK bool
			var grad float64
			if st.haveLast && latest.V != st.lastV {
				f0 := latest.Power()
				f1 := st.lastV * st.lastI
				dt := latest.T - st.lastT
				if dt != 0 {
					grad = (f0 - f1) / (latest.V - st.lastV) / dt
					gradOK = true
				}
			}

			var delta float64
			if gradOK {
				delta = -params.Alpha*grad + params.Momentum*st.delta
				delta = clampMagnitude(delta, params.MinStep, params.MaxStep)
			} else {
				minStep := params.MinStep
				if minStep == 0 {
					minStep = seed.Epsilon
				}
				delta = randomSign(rng) * math.Max(minStep, seed.Epsilon)
			}

			st.lastV, st.lastI, st.lastT = latest.V, latest.I, latest.T
			st.haveLast = true
			st.delta = delta
			st.vNext = e.lock.Clamp(st.vNext + delta)
		}
	}

	if params.SnaithPostSoakS > 0 {
		if _, err := soak(ctx, &e, states, trace, &allEvictions, params.SnaithPostSoakS, time.Duration(params.DelayMs)*time.Millisecond); err != nil {
			return Outcome{}, err
		}
	}

	for ch, st := range states {
		if st.haveLast {
			finals[ch] = ChannelResult{Vmpp: st.lastV, Impp: st.lastI}
		}
	}

	return Outcome{Traces: trace, Finals: finals, Evictions: allEvictions}, nil
}

// soak holds every still-active channel at its current vNext for
// soakS seconds, streaming measurements into trace, and returns the
// wall-clock time actually spent (less than soakS on abort, once no
// channel is active, or on error).
func soak(ctx context.Context, e *stepEnv, states map[smu.Channel]*gdChannelState, trace map[smu.Channel][]smu.Measurement, evictions *[]safety.Eviction, soakS float64, delay time.Duration) (float64, error) {
	start := time.Now()
	for time.Since(start).Seconds() < soakS {
		if e.aborted() || e.reg.Count() == 0 {
			break
		}
		active := e.reg.Active()
		setpoints := make(map[smu.Channel]float64, len(active))
		for _, ch := range active {
			if st, ok := states[ch]; ok {
				setpoints[ch] = st.vNext
			}
		}
		evicted, err := e.measureAndScreen(ctx, setpoints, delay, trace)
		if err != nil {
			return time.Since(start).Seconds(), err
		}
		*evictions = append(*evictions, evicted...)
		for _, ch := range active {
			records := trace[ch]
			if len(records) == 0 {
				continue
			}
			latest := records[len(records)-1]
			if st, ok := states[ch]; ok {
				st.lastV, st.lastI, st.lastT = latest.V, latest.I, latest.T
				st.haveLast = true
			}
		}
	}
	return time.Since(start).Seconds(), nil
}

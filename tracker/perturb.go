// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package tracker

import (
	"context"
	"math"
	"time"

	"github.com/soothill/mppt-core/safety"
	"github.com/soothill/mppt-core/smu"
)

// POParams holds the tunables parsed out of a basic:// algorithm
// specification string (spec.md §6).
type POParams struct {
	DAngleMaxDeg float64
	DwellTimeS   float64
}

// POSeed is the per-channel seed data the perturb-and-observe
// algorithm needs beyond what Seed & Bootstrap provides: it reads the
// IV-curve inspector's most recent Voc/Isc/Vmpp/Impp, not just the
// bootstrapped Voc/Vmpp pair gradient descent uses.
type POSeed struct {
	Voc, Isc, Vmpp, Impp float64
}

type poSample struct {
	v, i, t float64
}

// PerturbObserve implements spec.md §4.6: angle-bounded exploration
// alternating with constant-voltage dwells, per channel independently
// but stepped together each outer cycle like the gradient tracker.
func PerturbObserve(ctx context.Context, env Env, seeded map[smu.Channel]POSeed, params POParams, durationS float64) (Outcome, error) {
	e := env.toInternal()
	trace := make(map[smu.Channel][]smu.Measurement)
	finals := make(map[smu.Channel]ChannelResult)
	var allEvictions []safety.Eviction

	vmpp := make(map[smu.Channel]float64, len(seeded))
	impp := make(map[smu.Channel]float64, len(seeded))
	for ch, s := range seeded {
		vmpp[ch] = s.Vmpp
		impp[ch] = s.Impp
	}

	start := time.Now()

	initialDwell := params.DwellTimeS
	if durationS <= 10 {
		initialDwell = math.Min(params.DwellTimeS, 0.2*durationS)
	}
	if initialDwell > 0 {
		evicted, err := dwellAll(ctx, &e, vmpp, impp, trace, initialDwell)
		if err != nil {
			return Outcome{}, err
		}
		allEvictions = append(allEvictions, evicted...)
	}

	for time.Since(start).Seconds() < durationS && !e.aborted() && e.reg.Count() > 0 {
		evicted, err := exploreAll(ctx, &e, seeded, vmpp, impp, trace, params, durationS-time.Since(start).Seconds())
		if err != nil {
			return Outcome{}, err
		}
		allEvictions = append(allEvictions, evicted...)

		if e.aborted() || e.reg.Count() == 0 || time.Since(start).Seconds() >= durationS {
			break
		}

		evicted, err = dwellAll(ctx, &e, vmpp, impp, trace, params.DwellTimeS)
		if err != nil {
			return Outcome{}, err
		}
		allEvictions = append(allEvictions, evicted...)
	}

	for ch := range seeded {
		if !e.reg.IsActive(ch) {
			continue
		}
		finals[ch] = ChannelResult{Vmpp: vmpp[ch], Impp: impp[ch]}
	}

	return Outcome{Traces: trace, Finals: finals, Evictions: allEvictions}, nil
}

func angleDeg(v, i, voc, isc float64) float64 {
	if v == 0 || isc == 0 {
		return 0
	}
	return math.Atan2(i/v*voc/isc, 1) * 180 / math.Pi
}

// exploreAll walks every active channel's voltage in ±dV steps,
// reversing on angle deviation or edge-crossing, until both the high
// (Voc) and low (0) edges have been touched for every channel or the
// budget is exhausted. vmpp/impp are updated in place to the
// best-power explored sample.
func exploreAll(ctx context.Context, e *stepEnv, seeded map[smu.Channel]POSeed, vmpp, impp map[smu.Channel]float64, trace map[smu.Channel][]smu.Measurement, params POParams, budgetS float64) ([]safety.Eviction, error) {
	type chanExplore struct {
		v, dV     float64
		dir       float64
		highT, lowT bool
		samples   []poSample
	}
	explorers := make(map[smu.Channel]*chanExplore, len(seeded))
	for ch, s := range seeded {
		if !e.reg.IsActive(ch) {
			continue
		}
		explorers[ch] = &chanExplore{v: vmpp[ch], dV: s.Voc / 301, dir: 1}
	}

	var allEvictions []safety.Eviction
	start := time.Now()
	for {
		done := true
		for _, ex := range explorers {
			if !ex.highT || !ex.lowT {
				done = false
			}
		}
		if done || e.aborted() || time.Since(start).Seconds() >= budgetS {
			break
		}

		setpoints := make(map[smu.Channel]float64, len(explorers))
		for ch, ex := range explorers {
			if !e.reg.IsActive(ch) {
				continue
			}
			s := seeded[ch]
			candidate := ex.v + ex.dir*ex.dV
			if candidate >= s.Voc {
				ex.highT = true
				ex.dir = -1
				candidate = ex.v + ex.dir*ex.dV
			}
			if candidate <= 0 {
				ex.lowT = true
				ex.dir = 1
				candidate = ex.v + ex.dir*ex.dV
			}
			setpoints[ch] = candidate
		}

		evictions, err := e.measureAndScreen(ctx, setpoints, 0, trace)
		if err != nil {
			return allEvictions, err
		}
		allEvictions = append(allEvictions, evictions...)

		for ch, ex := range explorers {
			if !e.reg.IsActive(ch) {
				continue
			}
			records := trace[ch]
			if len(records) == 0 {
				continue
			}
			latest := records[len(records)-1]
			ex.v = latest.V
			ex.samples = append(ex.samples, poSample{v: latest.V, i: latest.I, t: latest.T})

			s := seeded[ch]
			theta := angleDeg(latest.V, latest.I, s.Voc, s.Isc)
			thetaMpp := angleDeg(s.Vmpp, s.Impp, s.Voc, s.Isc)
			if math.Abs(theta-thetaMpp) > params.DAngleMaxDeg {
				ex.dir = -ex.dir
			}
		}
	}

	for ch, ex := range explorers {
		best := math.Inf(1)
		bestIdx := -1
		for i, smp := range ex.samples {
			p := smp.v * smp.i
			if p <= 0 && p < best {
				best = p
				bestIdx = i
			}
		}
		if bestIdx >= 0 {
			vmpp[ch] = ex.samples[bestIdx].v
			impp[ch] = ex.samples[bestIdx].i
		}
	}

	return allEvictions, nil
}

// dwellAll commands every active channel's current vmpp and lets
// MeasureUntil poll for dwellS, then updates impp from the final
// record observed on each channel.
func dwellAll(ctx context.Context, e *stepEnv, vmpp, impp map[smu.Channel]float64, trace map[smu.Channel][]smu.Measurement, dwellS float64) ([]safety.Eviction, error) {
	active := e.reg.Active()
	setpoints := make(map[smu.Channel]float64, len(active))
	for _, ch := range active {
		setpoints[ch] = vmpp[ch]
	}
	if err := e.driver.ConfigureDC(ctx, setpoints, smu.ModeVoltage); err != nil {
		return nil, err
	}

	last := make(map[smu.Channel]smu.Measurement)
	batch, err := e.driver.MeasureUntil(ctx, active, time.Duration(dwellS*float64(time.Second)), func(ch smu.Channel, m smu.Measurement) {
		last[ch] = m
	})
	if err != nil {
		return nil, err
	}
	clean, evictions, err := e.monitor.Inspect(ctx, batch)
	if err != nil {
		return nil, err
	}
	for ch, recs := range clean {
		trace[ch] = append(trace[ch], recs...)
		if e.onEach != nil {
			for _, r := range recs {
				e.onEach(ch, r)
			}
		}
		if m, ok := last[ch]; ok {
			impp[ch] = m.I
		}
	}
	return evictions, nil
}

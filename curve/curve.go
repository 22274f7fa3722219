// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package curve implements the IV-curve inspector: a pure function
// that reduces a recorded sweep into its maximum-power point and
// conditionally folds that result into a caller-owned reference state.
package curve

import (
	"math"

	"github.com/soothill/mppt-core/smu"
)

// Point is the inspector's per-channel result.
type Point struct {
	PMax       float64
	Voc        float64
	HasVoc     bool
	Isc        float64
	HasIsc     bool
	Vmpp       float64
	Impp       float64
	IndexOfMax int
}

// Inspect computes, for every channel in sweep, the argmax of |V*I|
// restricted to the generation quadrant (V*I <= 0), plus Voc and Isc
// when the sweep straddles the corresponding axis. It never mutates
// sweep and never touches any reference state itself — callers apply
// Point.Fold (or equivalent) to fold results into their own state,
// keeping this function the pure step spec.md §4.2 describes.
func Inspect(sweep map[smu.Channel][]smu.Measurement) map[smu.Channel]Point {
	out := make(map[smu.Channel]Point, len(sweep))
	for ch, records := range sweep {
		out[ch] = inspectOne(records)
	}
	return out
}

func inspectOne(records []smu.Measurement) Point {
	var p Point
	bestPower := math.Inf(1) // looking for the most negative, i.e. largest |P| with P<=0
	bestIdx := -1
	minAbsI := math.Inf(1)
	vocIdx := -1
	minAbsV := math.Inf(1)
	iscIdx := -1
	minI, maxI := math.Inf(1), math.Inf(-1)
	minV, maxV := math.Inf(1), math.Inf(-1)

	for i, r := range records {
		power := r.Power()
		if power <= 0 && power < bestPower {
			bestPower = power
			bestIdx = i
		}
		if a := math.Abs(r.I); a < minAbsI {
			minAbsI = a
			vocIdx = i
		}
		if a := math.Abs(r.V); a < minAbsV {
			minAbsV = a
			iscIdx = i
		}
		if r.I < minI {
			minI = r.I
		}
		if r.I > maxI {
			maxI = r.I
		}
		if r.V < minV {
			minV = r.V
		}
		if r.V > maxV {
			maxV = r.V
		}
	}

	if bestIdx >= 0 {
		p.PMax = bestPower
		p.Vmpp = records[bestIdx].V
		p.Impp = records[bestIdx].I
		p.IndexOfMax = bestIdx
	}
	if vocIdx >= 0 && minI <= 0 && maxI >= 0 {
		p.Voc = records[vocIdx].V
		p.HasVoc = true
	}
	if iscIdx >= 0 && minV <= 0 && maxV >= 0 {
		p.Isc = records[iscIdx].I
		p.HasIsc = true
	}
	return p
}

// ReferenceState is the subset of mppt's per-channel reference state
// that the inspector reads and conditionally updates. mppt.Core
// satisfies this via its own state type so curve stays free of any
// dependency back on the mppt package.
type ReferenceState struct {
	PMax   float64
	HasPMax bool
	Voc    float64
	HasVoc bool
	Isc    float64
	HasIsc bool
	Vmpp   float64
	Impp   float64
}

// Fold keeps P_max monotone in |P| (ties broken by recency) and
// conditionally updates Voc/Isc. It returns the new state; callers store
// it back into their reference-state container. isLight selects whether
// this sweep is eligible to update anything at all; a dark sweep never
// refreshes Voc/Isc/Vmpp/Impp/PMax, mirroring the nesting in
// register_curve (light sweep AND new best power, in that order).
func (p Point) Fold(prev ReferenceState, isLight bool) ReferenceState {
	if !isLight {
		return prev
	}
	// Replace only on strict improvement or an exact tie (recency on
	// tie — the newer observation wins).
	if prev.HasPMax && math.Abs(p.PMax) < math.Abs(prev.PMax) {
		return prev
	}
	next := prev
	next.PMax = p.PMax
	next.HasPMax = true
	next.Vmpp = p.Vmpp
	next.Impp = p.Impp
	if p.HasVoc {
		next.Voc = p.Voc
		next.HasVoc = true
	}
	if p.HasIsc {
		next.Isc = p.Isc
		next.HasIsc = true
	}
	return next
}

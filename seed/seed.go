// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package seed implements the Seed & Bootstrap step that runs before
// any tracker algorithm: establishing V_oc where unknown, seeding
// V_mpp, configuring initial outputs, and deriving the run's voltage-
// quadrant lock.
package seed

import (
	"context"
	"math"

	"github.com/soothill/mppt-core/registry"
	"github.com/soothill/mppt-core/smu"
)

// Lock is the voltage-quadrant lock derived from the sign of the first
// channel's V_oc (spec.md §4.4 step 4).
type Lock int

const (
	// LockPositive requires every commanded voltage to stay >= epsilon.
	LockPositive Lock = iota
	// LockNegative requires every commanded voltage to stay <= -epsilon.
	LockNegative
)

// Epsilon is the non-zero boundary substituted for 0 in quadrant clamping.
const Epsilon = 1e-4

// Clamp enforces the quadrant lock on a candidate voltage.
func (l Lock) Clamp(v float64) float64 {
	switch l {
	case LockPositive:
		if v < Epsilon {
			return Epsilon
		}
	case LockNegative:
		if v > -Epsilon {
			return -Epsilon
		}
	}
	return v
}

// ChannelState is the subset of reference state the bootstrap step
// reads and writes. mppt.Core's per-channel state satisfies this
// shape; seed stays decoupled from mppt to avoid an import cycle.
type ChannelState struct {
	Voc    float64
	HasVoc bool
	Vmpp   float64
	HasVmpp bool
}

// Result is the outcome of one bootstrap pass: the per-channel state
// after seeding, the derived quadrant lock, and any high-impedance
// probe records taken (empty if every channel's V_oc was already
// known — these are returned to the Runner as "ssvocs" per spec.md §6).
type Result struct {
	States  map[smu.Channel]ChannelState
	Lock    Lock
	SSVocs  []smu.Measurement
}

// Run performs the bootstrap sequence of spec.md §4.4 over the active
// channels of reg, using prior as each channel's known reference
// state (zero value if none is known yet).
func Run(ctx context.Context, driver smu.Driver, reg *registry.Registry, prior map[smu.Channel]ChannelState) (Result, error) {
	active := reg.Active()
	states := make(map[smu.Channel]ChannelState, len(active))
	for _, c := range active {
		states[c] = prior[c]
	}

	var ssvocs []smu.Measurement
	needsVoc := false
	for _, c := range active {
		if !states[c].HasVoc {
			needsVoc = true
			break
		}
	}

	if needsVoc {
		if err := driver.EnableOutput(ctx, false, active...); err != nil {
			return Result{}, err
		}
		readings, err := driver.Measure(ctx, active)
		if err != nil {
			return Result{}, err
		}
		for _, c := range active {
			records, ok := readings[c]
			if !ok || len(records) == 0 {
				continue
			}
			last := records[len(records)-1]
			ssvocs = append(ssvocs, last)
			if st := states[c]; !st.HasVoc {
				st.Voc = last.V
				st.HasVoc = true
				states[c] = st
			}
		}
	}

	setpoints := make(map[smu.Channel]float64, len(active))
	for _, c := range active {
		st := states[c]
		if !st.HasVmpp {
			st.Vmpp = 0.7 * st.Voc
			st.HasVmpp = true
			states[c] = st
		}
		setpoints[c] = states[c].Vmpp
	}

	if err := driver.ConfigureDC(ctx, setpoints, smu.ModeVoltage); err != nil {
		return Result{}, err
	}
	if err := driver.EnableOutput(ctx, true, active...); err != nil {
		return Result{}, err
	}

	lock := LockPositive
	if len(active) > 0 {
		first := states[active[0]]
		if math.Signbit(first.Voc) {
			lock = LockNegative
		}
	}

	return Result{States: states, Lock: lock, SSVocs: ssvocs}, nil
}

// AutoComplianceFromImpp applies the supplemented compliance
// auto-sizing feature: when the caller leaves i_limit at its zero
// value, default it to 2x the magnitude of the measured I_mpp,
// clamped to absoluteLimit. Grounded in central_control_dev/mppt.py's
// post-soak compliance sizing.
func AutoComplianceFromImpp(impp, absoluteLimit float64) float64 {
	limit := math.Abs(impp) * 2
	if limit > absoluteLimit {
		limit = absoluteLimit
	}
	return limit
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package safety implements the MPPT core's Safety Monitor: per-batch
// overcurrent inspection, channel disablement, and board-mate
// ambiguity resolution for shared-fuse trips.
package safety

import (
	"context"
	"fmt"

	"github.com/soothill/mppt-core/registry"
	"github.com/soothill/mppt-core/smu"
)

// Eviction records one channel's permanent removal from a run, for
// logging, metrics, and the telemetry warning event.
type Eviction struct {
	Channel     smu.Channel
	DeviceLabel string
	Reason      string
}

// Monitor inspects measurement batches for overcurrent conditions and
// evicts offending channels from a registry.Registry. It holds no
// state of its own beyond the driver it probes board mates with; all
// membership state lives in the Registry, per spec.md §9's redesign of
// detect_short_circuits into a function over explicit, owned state.
type Monitor struct {
	driver smu.Driver
	reg    *registry.Registry
}

// New builds a Monitor that probes board mates through driver and
// evicts from reg.
func New(driver smu.Driver, reg *registry.Registry) *Monitor {
	return &Monitor{driver: driver, reg: reg}
}

// Inspect runs the Safety Monitor over one measurement batch, evicting
// any channel found shorted, disabling every evicted channel's output,
// and returning the eviction log plus a
// batch with evicted channels' records removed. It must run to
// completion before the algorithm sees the batch (spec.md §5).
func (m *Monitor) Inspect(ctx context.Context, batch map[smu.Channel][]smu.Measurement) (map[smu.Channel][]smu.Measurement, []Eviction, error) {
	clean := make(map[smu.Channel][]smu.Measurement, len(batch))
	var evictions []Eviction

	for ch, records := range batch {
		if !m.reg.IsActive(ch) {
			continue
		}
		tripped := false
		ambiguous := false
		for _, r := range records {
			if r.Status.Has(smu.CurrentOverThreshold) {
				tripped = true
			}
			if r.Status.Has(smu.OvercurrentTrip) {
				ambiguous = true
			}
		}

		switch {
		case tripped:
			m.evict(ch, "current over threshold", &evictions)
		case ambiguous:
			evicted, err := m.resolveAmbiguous(ctx, ch)
			if err != nil {
				return nil, evictions, err
			}
			evictions = append(evictions, evicted...)
		default:
			clean[ch] = records
		}
	}
	if len(evictions) > 0 {
		evicted := make([]smu.Channel, 0, len(evictions))
		for _, e := range evictions {
			evicted = append(evicted, e.Channel)
		}
		if err := m.driver.EnableOutput(ctx, false, evicted...); err != nil {
			return nil, evictions, err
		}
	}
	return clean, evictions, nil
}

// resolveAmbiguous implements the board-mate probe sequence from
// spec.md §4.3: disable c, probe its mate c'; if c' also trips, evict
// c' and re-enable+re-probe c (evicting c too if it trips again);
// otherwise evict c alone.
func (m *Monitor) resolveAmbiguous(ctx context.Context, c smu.Channel) ([]Eviction, error) {
	var evictions []Eviction

	if err := m.driver.EnableOutput(ctx, false, c); err != nil {
		return evictions, err
	}

	mate, mateKnown := m.reg.Mate(c)
	if !mateKnown || !m.reg.IsActive(mate) {
		m.evict(c, "overcurrent trip (no board mate to disambiguate)", &evictions)
		return evictions, nil
	}

	mateResult, err := m.driver.Measure(ctx, []smu.Channel{mate})
	if err != nil {
		return evictions, err
	}
	if mateTripped(mateResult[mate]) {
		m.evict(mate, "overcurrent trip (board-mate culprit)", &evictions)
		if err := m.driver.EnableOutput(ctx, true, c); err != nil {
			return evictions, err
		}
		selfResult, err := m.driver.Measure(ctx, []smu.Channel{c})
		if err != nil {
			return evictions, err
		}
		if mateTripped(selfResult[c]) {
			m.evict(c, "overcurrent trip (persists after mate eviction)", &evictions)
		}
		return evictions, nil
	}

	m.evict(c, "overcurrent trip", &evictions)
	return evictions, nil
}

func mateTripped(records []smu.Measurement) bool {
	for _, r := range records {
		if r.Status.Has(smu.OvercurrentTrip) || r.Status.Has(smu.CurrentOverThreshold) {
			return true
		}
	}
	return false
}

func (m *Monitor) evict(c smu.Channel, reason string, into *[]Eviction) {
	m.reg.Evict(c)
	label := ""
	if p, ok := m.reg.Pixel(c); ok {
		label = p.DeviceLabel
	}
	*into = append(*into, Eviction{Channel: c, DeviceLabel: label, Reason: reason})
}

// WarningPayload formats an eviction as the {"level": int, "msg": string}
// telemetry payload shape spec.md §6 specifies for the
// "measurement/log" topic. level 30 matches the Python source's
// logging.WARNING numeric level, preserved here for payload
// compatibility with existing telemetry consumers.
func (e Eviction) WarningPayload() map[string]any {
	msg := fmt.Sprintf("channel %d (%s) evicted: %s", e.Channel, e.DeviceLabel, e.Reason)
	return map[string]any{"level": 30, "msg": msg}
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package smu

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SimulatedDriver is a deterministic-enough in-memory Driver used by
// cmd/mpptd's reference daemon and by package tests. It models each
// channel as a simple single-diode-like curve so that gradient-descent
// and perturb-and-observe trackers have something real to climb,
// following the base-load-plus-variation shape the teacher's simulated
// power reading generator used for device telemetry.
type SimulatedDriver struct {
	mu       sync.Mutex
	rng      *rand.Rand
	start    time.Time
	voc        map[Channel]float64
	isc        map[Channel]float64
	setpoint   map[Channel]float64
	enabled    map[Channel]bool
	compliance map[Channel]float64
	nplc       float64
	noise      float64
	shorted    map[Channel]bool
}

// NewSimulatedDriver builds a simulated driver. voc and isc give each
// channel's open-circuit voltage and short-circuit
// current; noise is a fractional current-noise amplitude (0 disables
// noise, useful for deterministic tests).
func NewSimulatedDriver(seed int64, voc, isc map[Channel]float64, noise float64) *SimulatedDriver {
	d := &SimulatedDriver{
		rng:      rand.New(rand.NewSource(seed)),
		start:    time.Unix(0, 0),
		voc:      make(map[Channel]float64, len(voc)),
		isc:      make(map[Channel]float64, len(isc)),
		setpoint:   make(map[Channel]float64),
		enabled:    make(map[Channel]bool),
		compliance: make(map[Channel]float64),
		shorted:    make(map[Channel]bool),
		noise:      noise,
	}
	for c, v := range voc {
		d.voc[c] = v
	}
	for c, i := range isc {
		d.isc[c] = i
	}
	return d
}

// ForceShort marks a channel as permanently shorted for test scenarios
// exercising the Safety Monitor's overcurrent trip path.
func (d *SimulatedDriver) ForceShort(c Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shorted[c] = true
}

func (d *SimulatedDriver) ConfigureDC(ctx context.Context, setpoints map[Channel]float64, mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c, v := range setpoints {
		d.setpoint[c] = v
	}
	return ctx.Err()
}

func (d *SimulatedDriver) EnableOutput(ctx context.Context, on bool, channels ...Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range channels {
		d.enabled[c] = on
	}
	return ctx.Err()
}

// current models a single-diode-ish IV relationship clamped to the
// generation quadrant: I = -Isc * (1 - V/Voc), zero outside [0, Voc].
func (d *SimulatedDriver) current(c Channel, v float64) float64 {
	voc := d.voc[c]
	isc := d.isc[c]
	if voc == 0 {
		return 0
	}
	frac := v / voc
	if frac < 0 || frac > 1 {
		return 0
	}
	i := -isc * (1 - frac) // negative: generation convention V*I<=0
	if d.noise > 0 {
		i += i * d.noise * (d.rng.Float64()*2 - 1)
	}
	if limit, ok := d.compliance[c]; ok && limit > 0 && -i > limit {
		i = -limit
	}
	return i
}

func (d *SimulatedDriver) Measure(ctx context.Context, channels []Channel) (map[Channel][]Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := float64(time.Since(d.start)) / float64(time.Second)
	out := make(map[Channel][]Measurement, len(channels))
	for _, c := range channels {
		v := d.setpoint[c]
		var status Status
		var i float64
		if d.shorted[c] {
			i = -d.isc[c] * 50
			status |= OvercurrentTrip
		} else if !d.enabled[c] {
			i = 0
		} else {
			i = d.current(c, v)
		}
		out[c] = []Measurement{{V: v, I: i, T: now, Status: status}}
	}
	return out, nil
}

func (d *SimulatedDriver) MeasureUntil(ctx context.Context, channels []Channel, dwell time.Duration, onEach func(Channel, Measurement)) (map[Channel][]Measurement, error) {
	deadline := time.Now().Add(dwell)
	out := make(map[Channel][]Measurement, len(channels))
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d.mu.Lock()
		now := float64(time.Since(d.start)) / float64(time.Second)
		recs := make(map[Channel]Measurement, len(channels))
		for _, c := range channels {
			var rec Measurement
			if d.shorted[c] {
				rec = Measurement{V: d.setpoint[c], I: -d.isc[c] * 50, T: now, Status: OvercurrentTrip}
			} else if !d.enabled[c] {
				rec = Measurement{V: d.setpoint[c], T: now}
			} else {
				v := d.setpoint[c]
				rec = Measurement{V: v, I: d.current(c, v), T: now}
			}
			recs[c] = rec
		}
		d.mu.Unlock()
		for _, c := range channels {
			rec := recs[c]
			out[c] = append(out[c], rec)
			if onEach != nil {
				onEach(c, rec)
			}
		}
		time.Sleep(time.Millisecond)
	}
	return out, nil
}

func (d *SimulatedDriver) SetNPLC(ctx context.Context, nplc float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nplc = nplc
	return ctx.Err()
}

func (d *SimulatedDriver) SetCompliance(ctx context.Context, channels []Channel, limit float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range channels {
		d.compliance[c] = limit
	}
	return ctx.Err()
}

// Identify reports a synthetic identity string; real drivers may return
// "", nil if the underlying instrument has no identity query.
func (d *SimulatedDriver) Identify(ctx context.Context) (string, error) {
	return "simulated-smu-v1", ctx.Err()
}

// NPLC reports the integration time most recently applied via SetNPLC,
// for diagnostics and test assertions.
func (d *SimulatedDriver) NPLC() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nplc
}

var _ Driver = (*SimulatedDriver)(nil)
var _ Identifier = (*SimulatedDriver)(nil)

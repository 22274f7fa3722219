// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package smu defines the capability set the MPPT core requires from a
// source-measure unit driver, and the measurement record shape that
// flows through the Safety Monitor, the tracker algorithms, and the
// Curve Inspector.
//
// No wire protocol is specified here. Serial, VISA, Telnet, and ZMQ
// transports are external collaborators; this package only describes
// what the core calls and what it gets back.
package smu

import (
	"context"
	"time"
)

// Channel is an opaque identifier for one independently controlled SMU
// output. Channels are grouped in pairs by physical board; channel c
// shares its board (and its fuse) with c^1.
type Channel int

// Mate returns the board-sharing partner of c.
func (c Channel) Mate() Channel {
	return c ^ 1
}

// Status is a bitmask carried on every measurement record.
type Status uint32

const (
	// CurrentOverThreshold marks a per-channel soft limit exceeded.
	CurrentOverThreshold Status = 1 << iota
	// OvercurrentTrip marks a hardware overcurrent on the shared board input.
	OvercurrentTrip
)

// Has reports whether s contains all bits of mask.
func (s Status) Has(mask Status) bool { return s&mask == mask }

// Measurement is a single-shot DC reading: (V, I, t, status).
type Measurement struct {
	V      float64
	I      float64
	T      float64 // monotonic seconds
	Status Status
}

// Power returns V*I with the generation-is-negative sign convention
// used throughout the core.
func (m Measurement) Power() float64 { return m.V * m.I }

// Mode selects the SMU's source mode. Only voltage-source mode is used
// by the MPPT core; the type exists so configure_dc's intent is explicit
// at call sites rather than threading a bare string.
type Mode string

// ModeVoltage is the only mode the MPPT core drives channels in.
const ModeVoltage Mode = "v"

// Driver is the capability set the core consumes. Implementations talk
// to real hardware over whatever transport; the core never sees it.
type Driver interface {
	// ConfigureDC puts the given channels into voltage-source mode at
	// the given per-channel setpoints.
	ConfigureDC(ctx context.Context, setpoints map[Channel]float64, mode Mode) error

	// EnableOutput turns the given channels' outputs on or off.
	EnableOutput(ctx context.Context, on bool, channels ...Channel) error

	// Measure performs one DC reading per channel. Returned slices
	// typically have length 1 for spot measurements and more for
	// sweeps recorded by the driver itself.
	Measure(ctx context.Context, channels []Channel) (map[Channel][]Measurement, error)

	// MeasureUntil polls every channel in channels until dwell has
	// elapsed, invoking onEach for each per-channel record observed, and
	// returns the accumulated per-channel records, mirroring Measure's
	// shape so a multi-channel dwell yields one real stream per channel
	// rather than a single stream fanned out across all of them.
	MeasureUntil(ctx context.Context, channels []Channel, dwell time.Duration, onEach func(Channel, Measurement)) (map[Channel][]Measurement, error)

	// SetNPLC sets the integration time in power-line cycles. A value
	// of -1 means "leave unchanged" and must not be forwarded to the
	// driver as a literal setpoint by callers.
	SetNPLC(ctx context.Context, nplc float64) error

	// SetCompliance sets the per-channel current compliance limit
	// enforced during the next Measure/MeasureUntil call on the given
	// channels, in amps.
	SetCompliance(ctx context.Context, channels []Channel, limit float64) error

	// Identify is an optional capability. Drivers that cannot report
	// an identity return "", nil; callers must treat that as absent,
	// not as an error.
	Identify(ctx context.Context) (string, error)
}

// Identifier is implemented by drivers that can report board/firmware
// identity. Driver.Identify already covers this for every driver; this
// interface exists so callers can type-assert a narrower capability
// without importing the full Driver surface, mirroring the optional-
// capability pattern used for telemetry sinks.
type Identifier interface {
	Identify(ctx context.Context) (string, error)
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package mppt

import (
	"strconv"
	"strings"

	mpptErrors "github.com/soothill/mppt-core/pkg/errors"
	"github.com/soothill/mppt-core/tracker"
)

// Config is the per-run configuration LaunchTracker accepts: the
// algorithm specification string (spec.md §6) plus the instrument and
// safety parameters that apply regardless of which algorithm runs.
type Config struct {
	// AlgorithmSpec selects and parametrizes the tracker, e.g.
	// "gd://0.1:0.001:10:100:0.01:0.9:0", "snaith://", or
	// "basic://7:10".
	AlgorithmSpec string

	// NPLC is applied via SetNPLC before the run starts, unless the
	// algorithm spec carries its own override (gd/snaith's third
	// field). A value of -1 leaves the driver's current setting
	// untouched.
	NPLC float64

	// ILimit is the compliance current applied to every active channel
	// via SetCompliance after Seed & Bootstrap, clamped to the absolute
	// current limit. Zero sizes it with seed.AutoComplianceFromImpp from
	// the largest prior I_mpp in reference state; with no prior I_mpp
	// the compliance is left as it was.
	ILimit float64

	// VocCompliance is the compliance current applied via SetCompliance
	// before Seed & Bootstrap's high-impedance V_oc measurement, clamped
	// to the absolute current limit. Zero leaves it unset.
	VocCompliance float64

	// DurationS is the wall-clock budget for the tracker run,
	// excluding Seed & Bootstrap.
	DurationS float64
}

// kind identifies which tracker algorithm a parsed spec dispatches to.
type kind int

const (
	kindGD kind = iota
	kindPerturbObserve
)

// ParsedAlgorithm is the result of parsing Config.AlgorithmSpec: the
// dispatch kind plus the fully-defaulted parameters for whichever
// tracker it names.
type ParsedAlgorithm struct {
	Kind kind
	GD   tracker.GDParams
	PO   tracker.POParams

	// HasNPLC and NPLC carry the gd/snaith spec's own NPLC override
	// (its third colon-delimited field), which takes precedence over
	// Config.NPLC when present.
	HasNPLC bool
	NPLC    float64
}

// IsPerturbObserve reports whether this spec dispatches to the
// perturb-and-observe tracker rather than gradient descent, satisfying
// runner.Algorithm.
func (p ParsedAlgorithm) IsPerturbObserve() bool { return p.Kind == kindPerturbObserve }

// GDParams satisfies runner.Algorithm.
func (p ParsedAlgorithm) GDParams() tracker.GDParams { return p.GD }

// POParams satisfies runner.Algorithm.
func (p ParsedAlgorithm) POParams() tracker.POParams { return p.PO }

// NPLCOverride satisfies runner.Algorithm.
func (p ParsedAlgorithm) NPLCOverride() (float64, bool) { return p.NPLC, p.HasNPLC }

// ParseAlgorithmSpec parses an algo:// specification string into a
// ParsedAlgorithm, per spec.md §6's three recognized schemes. An empty
// segment within a spec's parameter list takes the scheme's documented
// default rather than erroring — this mirrors the defaults
// central_control_dev/mppt.py falls back to when the caller passes
// None for a given tunable.
func ParseAlgorithmSpec(spec string) (ParsedAlgorithm, error) {
	scheme, rest, ok := strings.Cut(spec, "://")
	if !ok {
		return ParsedAlgorithm{}, mpptErrors.NewConfigError("parse algorithm spec", "algorithm", spec, mpptErrors.ErrUnknownAlgorithm)
	}

	switch scheme {
	case "gd", "snaith":
		return parseGD(scheme, rest, spec)
	case "basic":
		return parseBasic(rest)
	default:
		return ParsedAlgorithm{}, mpptErrors.NewConfigError("parse algorithm spec", "algorithm", spec, mpptErrors.ErrUnknownAlgorithm)
	}
}

// parseGD handles gd:// and snaith://, both of which carry the same
// seven colon-delimited fields: alpha:min_step:nplc:delay_ms:max_step:
// momentum:delta_zero. snaith additionally hardcodes a 15s pre-soak at
// the seeded V_mpp and a 3s post-soak at the final setpoint (spec.md §4.5).
func parseGD(scheme, rest, full string) (ParsedAlgorithm, error) {
	fields := strings.Split(rest, ":")
	for len(fields) < 7 {
		fields = append(fields, "")
	}

	defaults := [7]float64{0.1, 0.001, -1, 100, 0.01, 0.9, 0}
	values, hasNPLC, err := parseFields(full, fields, defaults[:])
	if err != nil {
		return ParsedAlgorithm{}, err
	}

	params := tracker.GDParams{
		Alpha:     values[0],
		MinStep:   values[1],
		DelayMs:   values[3],
		MaxStep:   values[4],
		Momentum:  values[5],
		DeltaZero: values[6],
	}
	if scheme == "snaith" {
		params.SnaithPreSoakS = 15
		params.SnaithPostSoakS = 3
	}

	return ParsedAlgorithm{
		Kind:    kindGD,
		GD:      params,
		HasNPLC: hasNPLC,
		NPLC:    values[2],
	}, nil
}

// parseBasic handles basic://, carrying two fields:
// d_angle_max_deg:dwell_time_s, defaulting to 7 and 10 per
// central_control_dev/mppt.py's really_dumb_tracker.
func parseBasic(rest string) (ParsedAlgorithm, error) {
	fields := strings.Split(rest, ":")
	for len(fields) < 2 {
		fields = append(fields, "")
	}

	defaults := [2]float64{7, 10}
	values, _, err := parseFields("basic://"+rest, fields, defaults[:])
	if err != nil {
		return ParsedAlgorithm{}, err
	}

	return ParsedAlgorithm{
		Kind: kindPerturbObserve,
		PO:   tracker.POParams{DAngleMaxDeg: values[0], DwellTimeS: values[1]},
	}, nil
}

// parseFields parses each colon field as a float64, substituting def[i]
// for an empty segment. hasNPLC reports whether the (always index 2 in
// gd/snaith specs) NPLC field was explicitly provided; callers that
// don't carry an NPLC field ignore it.
func parseFields(full string, fields []string, def []float64) (values []float64, hasNPLC bool, err error) {
	values = make([]float64, len(fields))
	for i, f := range fields {
		if f == "" {
			values[i] = def[i]
			continue
		}
		v, convErr := strconv.ParseFloat(f, 64)
		if convErr != nil {
			return nil, false, mpptErrors.NewConfigError("parse algorithm spec", "algorithm", full, convErr)
		}
		values[i] = v
		if i == 2 {
			hasNPLC = true
		}
	}
	return values, hasNPLC, nil
}

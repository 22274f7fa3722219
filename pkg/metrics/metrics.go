// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus instrumentation for the MPPT
// daemon: tracker iteration throughput, eviction counts, per-channel
// voltage/current/power gauges, and telemetry-sink health. All metrics
// are automatically registered with Prometheus and exposed via the
// /metrics endpoint.
//
// # Cardinality Considerations
//
// Per-channel gauges are labeled by channel and device_label. Each
// unique combination creates a new time series in Prometheus.
//
// Cardinality calculation:
//   - ChannelVoltage: 1 time series per channel
//   - ChannelCurrent: 1 time series per channel
//   - ChannelPower: 1 time series per channel
//   - Total: 3 x number_of_channels time series
//
// Example cardinality growth:
//   - 8 channels (one characterization rig): 24 time series
//   - 64 channels (multi-board array): 192 time series
//   - 512 channels (production line tester): 1,536 time series
//
// Cardinality limits:
//   - The daemon is designed for one characterization rig at a time,
//     typically tens of channels, not thousands.
//   - Very large channel counts should consider dropping device_label
//     and keying dashboards off the numeric channel alone.
//
// To check current cardinality:
//
//	curl http://localhost:9090/metrics | grep mppt_channel_ | wc -l
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TrackerIterationsTotal counts tracker measurement steps across all
	// completed runs: each run adds the length of its longest per-channel
	// trace.
	TrackerIterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mppt_tracker_iterations_total",
		Help: "Total number of tracker measurement steps across completed runs, adding each run's longest per-channel trace length (count, monotonically increasing)",
	})

	// TrackerRunsTotal counts launch_tracker invocations that reached
	// algorithm dispatch, labeled by the tracker that was started.
	TrackerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mppt_tracker_runs_total",
		Help: "Total number of tracker runs started, labeled by algorithm (gd for gd:// and snaith:// runs, basic)",
	}, []string{"algorithm"})

	// TrackerIterationDuration tracks how long one whole tracker run
	// (one LaunchTracker call of the daemon's main loop) takes.
	TrackerIterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mppt_tracker_iteration_duration_seconds",
		Help:    "Duration of one tracker run (one LaunchTracker call of the daemon loop) in seconds (histogram)",
		Buckets: prometheus.DefBuckets,
	})

	// ChannelEvictionsTotal counts Safety Monitor evictions, labeled by
	// reason.
	ChannelEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mppt_channel_evictions_total",
		Help: "Total number of channels evicted by the Safety Monitor, labeled by reason (current_over_threshold, overcurrent_trip)",
	}, []string{"reason"})

	// ActiveChannels tracks the number of channels still active in the
	// current run.
	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mppt_active_channels",
		Help: "Number of channels currently active (not evicted) in the in-flight tracker run (count)",
	})

	// TelemetryWritesTotal tracks successful telemetry sink writes.
	TelemetryWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mppt_telemetry_writes_total",
		Help: "Total number of successful telemetry sink writes (count, excludes cached writes during outages)",
	})

	// TelemetryWriteErrors tracks failed telemetry sink writes.
	TelemetryWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mppt_telemetry_write_errors_total",
		Help: "Total number of failed telemetry sink write attempts (count, triggers local cache fallback)",
	})

	// ChannelVoltage tracks the most recently measured voltage per
	// channel.
	//
	// Cardinality Warning: creates 1 time series per channel.
	ChannelVoltage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mppt_channel_voltage_volts",
		Help: "Most recently measured voltage per channel, in volts. Labels: channel, device_label. High cardinality: 1 series per channel.",
	}, []string{"channel", "device_label"})

	// ChannelCurrent tracks the most recently measured current per
	// channel.
	ChannelCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mppt_channel_current_amps",
		Help: "Most recently measured current per channel, in amps. Labels: channel, device_label. High cardinality: 1 series per channel.",
	}, []string{"channel", "device_label"})

	// ChannelPower tracks the most recently measured power per channel
	// (signed, generation negative).
	ChannelPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mppt_channel_power_watts",
		Help: "Most recently measured power per channel, in watts, signed with the generation-negative convention. Labels: channel, device_label. High cardinality: 1 series per channel.",
	}, []string{"channel", "device_label"})
)

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package telemetry provides concrete implementations of the mppt.Sink
// capability: an InfluxDB-backed sink, a circuit-breaker-protected
// caching wrapper around any Sink, and a Slack alerter for sink
// failover/recovery events. None of these are imported by the core
// packages — they are assembled by cmd/mpptd.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/soothill/mppt-core/pkg/logger"
	"github.com/soothill/mppt-core/pkg/metrics"
)

// InfluxSink persists every appended payload as one InfluxDB point per
// call, measurement-named after the sanitized topic. Connection
// pooling is handled entirely by the underlying influxdb2 client, per
// the teacher's storage.InfluxDBStorage.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// NewInfluxSink connects to InfluxDB at url and verifies its health
// before returning, exactly as storage.NewInfluxDBStorage does.
func NewInfluxSink(url, token, org, bucket string) (*InfluxSink, error) {
	client := influxdb2.NewClient(url, token)

	healthCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(healthCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("connected to InfluxDB telemetry sink")

	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
		bucket:   bucket,
		org:      org,
	}, nil
}

// AppendPayload implements mppt.Sink: it decodes payload as a JSON
// object, writes every numeric field as an Influx field, and every
// string field (other than "msg") as a tag, under a measurement named
// after the sanitized topic (e.g. "measurement/log" -> "measurement_log").
func (s *InfluxSink) AppendPayload(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("telemetry: decode payload for topic %q: %w", topic, err)
	}

	tags := map[string]string{}
	fields := map[string]any{}
	for k, v := range decoded {
		switch val := v.(type) {
		case float64, bool:
			fields[k] = val
		case string:
			if k == "msg" {
				fields[k] = val
			} else {
				tags[k] = val
			}
		default:
			fields[k] = fmt.Sprintf("%v", val)
		}
	}

	p := influxdb2.NewPoint(measurementName(topic), tags, fields, time.Now())
	s.writeAPI.WritePoint(p)
	metrics.TelemetryWritesTotal.Inc()
	return nil
}

// Flush forces all pending writes to complete.
func (s *InfluxSink) Flush() { s.writeAPI.Flush() }

// Close flushes and closes the underlying client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// Health reports whether InfluxDB is reachable, used by CachingSink's
// background recovery poll.
func (s *InfluxSink) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if health.Status != "pass" {
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return fmt.Errorf("InfluxDB unhealthy: %s", message)
	}
	return nil
}

func measurementName(topic string) string {
	return strings.ReplaceAll(topic, "/", "_")
}

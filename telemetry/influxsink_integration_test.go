// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration
// +build integration

package telemetry

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go/modules/influxdb"
)

// TestIntegration_AppendPayload exercises InfluxSink against a real
// InfluxDB container, mirroring the teacher's storage integration
// tests but over the Sink's topic/payload shape instead of power
// readings.
func TestIntegration_AppendPayload(t *testing.T) {
	ctx := context.Background()

	container, err := influxdb.Run(ctx,
		"influxdb:2.7-alpine",
		influxdb.WithV2Auth("test-org", "test-bucket", "test-user", "test-password"),
		influxdb.WithV2AdminToken("test-token"),
	)
	if err != nil {
		t.Fatalf("Failed to start InfluxDB container: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	url, err := container.ConnectionUrl(ctx)
	if err != nil {
		t.Fatalf("Failed to get InfluxDB URL: %v", err)
	}

	sink, err := NewInfluxSink(url, "test-token", "test-org", "test-bucket")
	if err != nil {
		t.Fatalf("NewInfluxSink: %v", err)
	}
	defer sink.Close()

	payload := []byte(`{"level":30,"msg":"channel 0 (cell-a) evicted: overcurrent trip"}`)
	if err := sink.AppendPayload(ctx, "measurement/log", payload); err != nil {
		t.Fatalf("AppendPayload() error = %v", err)
	}

	sink.Flush()

	if err := sink.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

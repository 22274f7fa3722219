// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soothill/mppt-core/pkg/logger"
	"github.com/soothill/mppt-core/pkg/metrics"
)

const (
	cacheFilePrefix     = "telemetry_"
	cacheFileExt        = ".json"
	replayBatchSize     = 100
	healthCheckInterval = 30 * time.Second
)

// Alerter is the notification capability CachingSink uses on failover
// and recovery events.
type Alerter interface {
	SendAlert(ctx context.Context, severity, title, message string) error
	IsEnabled() bool
}

// Healthable is implemented by sinks CachingSink can background-poll
// for recovery, e.g. InfluxSink.
type Healthable interface {
	Health(ctx context.Context) error
}

// cachedAppend is one failed AppendPayload call persisted to disk for
// later replay.
type cachedAppend struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	CachedAt  time.Time `json:"cached_at"`
	AttemptID string    `json:"attempt_id"`
}

// CachingSink wraps any Sink with a circuit breaker (sony/gobreaker)
// and a local JSON file fallback cache, replayed once the wrapped sink
// recovers — grounded in storage.CachingStorage, but with the
// teacher's hand-rolled breaker actually replaced by the real
// dependency the teacher's go.mod already carried unused.
type CachingSink struct {
	sink     AppendPayloadSink
	cacheDir string
	alerter  Alerter
	cb       *gobreaker.CircuitBreaker[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	cacheEnabled bool
}

// AppendPayloadSink is the minimal capability CachingSink wraps.
type AppendPayloadSink interface {
	AppendPayload(ctx context.Context, topic string, payload []byte) error
}

// NewCachingSink wraps sink with a circuit breaker and a local file
// cache rooted at cacheDir. If sink implements Healthable, it is polled
// every 30s while the cache is active to decide when to replay.
func NewCachingSink(sink AppendPayloadSink, cacheDir string, alerter Alerter) (*CachingSink, error) {
	if cacheDir == "" {
		cacheDir = "/var/cache/mppt-core/telemetry"
	}
	if err := os.MkdirAll(cacheDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create telemetry cache directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	cs := &CachingSink{
		sink:     sink,
		cacheDir: cacheDir,
		alerter:  alerter,
		ctx:      ctx,
		cancel:   cancel,
	}

	cs.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "telemetry-sink",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("telemetry circuit breaker state change")
		},
	})

	if healthChecker, ok := sink.(Healthable); ok {
		cs.wg.Add(1)
		go cs.monitorAndReplay(healthChecker)
	}

	return cs, nil
}

// AppendPayload implements mppt.Sink. On wrapped-sink failure (or an
// open breaker) the payload is written to the local cache instead of
// being dropped.
func (cs *CachingSink) AppendPayload(ctx context.Context, topic string, payload []byte) error {
	_, err := cs.cb.Execute(func() (struct{}, error) {
		return struct{}{}, cs.sink.AppendPayload(ctx, topic, payload)
	})
	if err == nil {
		return nil
	}

	logger.Warn().Err(err).Str("topic", topic).Msg("telemetry sink write failed, caching locally")
	metrics.TelemetryWriteErrors.Inc()

	cs.mu.Lock()
	firstFailure := !cs.cacheEnabled
	cs.cacheEnabled = true
	cs.mu.Unlock()

	if firstFailure && cs.alerter != nil && cs.alerter.IsEnabled() {
		alertCtx, cancel := context.WithTimeout(cs.ctx, 5*time.Second)
		defer cancel()
		if alertErr := cs.alerter.SendAlert(alertCtx, "danger", "Telemetry sink unavailable",
			fmt.Sprintf("telemetry writes are failing: %v. Caching locally until recovery.", err)); alertErr != nil {
			logger.Error().Err(alertErr).Msg("failed to send telemetry failure alert")
		}
	}

	return cs.writeCache(topic, payload)
}

func (cs *CachingSink) writeCache(topic string, payload []byte) error {
	cached := cachedAppend{
		Topic:     topic,
		Payload:   payload,
		CachedAt:  time.Now(),
		AttemptID: fmt.Sprintf("%d", time.Now().UnixNano()),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal cached telemetry payload: %w", err)
	}
	filename := cs.filename(cached.AttemptID)
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write telemetry cache file: %w", err)
	}
	return nil
}

func (cs *CachingSink) filename(attemptID string) string {
	return filepath.Join(cs.cacheDir, cacheFilePrefix+attemptID+cacheFileExt)
}

// Close stops the background replay goroutine.
func (cs *CachingSink) Close() {
	cs.cancel()
	cs.wg.Wait()
}

func (cs *CachingSink) monitorAndReplay(healthChecker Healthable) {
	defer cs.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			cs.mu.RLock()
			enabled := cs.cacheEnabled
			cs.mu.RUnlock()
			if !enabled {
				continue
			}

			healthCtx, cancel := context.WithTimeout(cs.ctx, 5*time.Second)
			err := healthChecker.Health(healthCtx)
			cancel()
			if err != nil {
				continue
			}

			if replayErr := cs.replay(); replayErr != nil {
				logger.Error().Err(replayErr).Msg("failed to replay cached telemetry payloads")
				continue
			}

			cs.mu.Lock()
			cs.cacheEnabled = false
			cs.mu.Unlock()

			if cs.alerter != nil && cs.alerter.IsEnabled() {
				alertCtx, acancel := context.WithTimeout(cs.ctx, 5*time.Second)
				_ = cs.alerter.SendAlert(alertCtx, "good", "Telemetry sink recovered", "Cached telemetry payloads have been replayed.")
				acancel()
			}
		}
	}
}

func (cs *CachingSink) replay() error {
	entries, err := os.ReadDir(cs.cacheDir)
	if err != nil {
		return fmt.Errorf("failed to list telemetry cache directory: %w", err)
	}

	var cached []cachedAppend
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(cs.cacheDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var c cachedAppend
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		cached = append(cached, c)
		files = append(files, path)
	}

	sort.Slice(cached, func(i, j int) bool { return cached[i].CachedAt.Before(cached[j].CachedAt) })

	replayed := 0
	for i, c := range cached {
		if err := cs.sink.AppendPayload(cs.ctx, c.Topic, c.Payload); err != nil {
			logger.Warn().Err(err).Str("topic", c.Topic).Msg("failed to replay cached telemetry payload")
			continue
		}
		if err := os.Remove(files[i]); err != nil {
			logger.Warn().Err(err).Msg("failed to delete replayed telemetry cache file")
		}
		replayed++
		if replayed%replayBatchSize == 0 {
			logger.Info().Int("replayed", replayed).Msg("replaying cached telemetry payloads")
		}
	}

	logger.Info().Int("replayed", replayed).Int("total", len(cached)).Msg("finished replaying cached telemetry payloads")
	return nil
}

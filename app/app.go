// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/mppt-core/config"
	"github.com/soothill/mppt-core/mppt"
	"github.com/soothill/mppt-core/pkg/logger"
	"github.com/soothill/mppt-core/pkg/metrics"
	"github.com/soothill/mppt-core/registry"
	"github.com/soothill/mppt-core/smu"
	"github.com/soothill/mppt-core/telemetry"
)

const (
	signalChannelSize     = 1
	runContextGrace       = 5 * time.Second
	alertContextTimeout   = 5 * time.Second
	readinessCheckTimeout = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
	flushTimeout          = 10 * time.Second
)

// App hosts one characterization rig: a simulated SMU driver, the MPPT
// core, the telemetry sink chain, and the HTTP metrics/health server.
type App struct {
	cfg           *config.Config
	metricsPort   string
	server        *http.Server
	driver        *smu.SimulatedDriver
	core          *mppt.Core
	pixels        map[smu.Channel]registry.Pixel
	sink          *telemetry.CachingSink
	influx        *telemetry.InfluxSink
	notifier      *telemetry.SlackAlerter
	configWatcher *config.Watcher
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config, metricsPort string, configPath string) (*App, error) {
	app := &App{
		cfg:         cfg,
		metricsPort: metricsPort,
	}

	var err error
	app.notifier, app.influx, app.sink, app.server, err = app.initializeComponents()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	app.pixels = buildPixels(cfg.Tracker.ChannelCount)
	app.driver = buildSimulatedDriver(app.pixels)
	if id, idErr := app.driver.Identify(context.Background()); idErr == nil && id != "" {
		logger.Info().Str("smu_identity", id).Msg("SMU driver identified")
	}
	app.core = mppt.New(app.driver, cfg.Tracker.AbsoluteCurrentLimit, app.sink)

	app.configWatcher, err = config.NewWatcher(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	return app, nil
}

// Run starts the application and blocks until shutdown.
func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	defer a.cancel()

	a.startMetricsServer()
	a.setupSignalHandler()
	a.startConfigWatcher()
	a.runMainLoop(ctx)
}

// initializeComponents wires the telemetry sink chain and the HTTP
// metrics/health server.
func (a *App) initializeComponents() (*telemetry.SlackAlerter, *telemetry.InfluxSink, *telemetry.CachingSink, *http.Server, error) {
	notifier := telemetry.NewSlackAlerter(a.cfg.Notifications.SlackWebhookURL)
	if notifier.IsEnabled() {
		logger.Info().Msg("Slack alerting enabled")
	} else {
		logger.Info().Msg("Slack alerting disabled (no webhook URL configured)")
	}

	influxSink, err := telemetry.NewInfluxSink(
		a.cfg.InfluxDB.URL,
		a.cfg.InfluxDB.Token,
		a.cfg.InfluxDB.Organization,
		a.cfg.InfluxDB.Bucket,
	)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize InfluxDB telemetry sink: %w", err)
	}

	cachingSink, err := telemetry.NewCachingSink(influxSink, a.cfg.Cache.Directory, notifier)
	if err != nil {
		influxSink.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize caching telemetry sink: %w", err)
	}
	logger.Info().Str("directory", a.cfg.Cache.Directory).
		Int64("max_size_mb", a.cfg.Cache.MaxSize/(1024*1024)).
		Dur("max_age", a.cfg.Cache.MaxAge).
		Msg("Telemetry local cache initialized")

	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, influxSink)
	}))

	server := &http.Server{
		Addr:    "localhost:" + a.metricsPort,
		Handler: mux,
	}

	return notifier, influxSink, cachingSink, server, nil
}

// buildPixels seeds a pixel descriptor per configured channel, labeled
// channel-0, channel-1, ... — the reference daemon has no real per-cell
// metadata source, unlike a production rig's test-plan file.
func buildPixels(channelCount int) map[smu.Channel]registry.Pixel {
	pixels := make(map[smu.Channel]registry.Pixel, channelCount)
	for i := 0; i < channelCount; i++ {
		pixels[smu.Channel(i)] = registry.Pixel{DeviceLabel: fmt.Sprintf("channel-%d", i)}
	}
	return pixels
}

// buildSimulatedDriver gives every configured channel a plausible
// single-diode curve so the reference daemon has something to track
// without real hardware attached.
func buildSimulatedDriver(pixels map[smu.Channel]registry.Pixel) *smu.SimulatedDriver {
	voc := make(map[smu.Channel]float64, len(pixels))
	isc := make(map[smu.Channel]float64, len(pixels))
	for ch := range pixels {
		voc[ch] = 10 + 0.1*float64(ch)
		isc[ch] = 2 + 0.01*float64(ch)
	}
	return smu.NewSimulatedDriver(rand.Int63(), voc, isc, 0.01)
}

// startMetricsServer starts the HTTP server for metrics and health checks.
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting metrics and health check server (localhost only)")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// setupSignalHandler sets up graceful shutdown on interrupt signals.
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		a.performGracefulShutdown()
	}()
}

// DumpApplicationState dumps current per-channel reference state to
// logs (SIGUSR1).
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	snap := a.core.Snapshot()
	logger.Info().Int("channels", len(snap)).Msg("Reference state")
	for ch, st := range snap {
		label := ""
		if p, ok := a.pixels[ch]; ok {
			label = p.DeviceLabel
		}
		logger.Info().
			Int("channel", int(ch)).
			Str("device_label", label).
			Float64("voc", st.Voc).
			Float64("vmpp", st.Vmpp).
			Float64("impp", st.Impp).
			Float64("pmax", st.PMax).
			Msg("Channel reference state")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs (SIGUSR2).
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024)
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// runMainLoop launches one tracker run per poll interval, folding each
// run's result into the core's reference state and telemetry sink.
func (a *App) runMainLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Tracker.PollInterval)
	defer ticker.Stop()

	a.performTrackerRun(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down")
			a.performCleanup()
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			a.performTrackerRun(ctx)
		}
	}
}

// performTrackerRun launches one LaunchTracker invocation for every
// configured channel and reports failures to Slack, mirroring the
// teacher's performPeriodicDiscovery failure-alert shape.
func (a *App) performTrackerRun(ctx context.Context) {
	logger.Info().Int("channels", len(a.pixels)).Msg("Launching tracker run")
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Tracker.DurationS)*time.Second+runContextGrace)
	defer cancel()

	cfg := mppt.Config{
		AlgorithmSpec: a.cfg.Tracker.AlgorithmSpec,
		NPLC:          -1,
		DurationS:     a.cfg.Tracker.DurationS,
	}

	result, err := a.core.LaunchTracker(runCtx, cfg, a.pixels, a.onMeasurement)
	metrics.TrackerIterationDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error().Err(err).Msg("Tracker run failed")
		if a.notifier != nil && a.notifier.IsEnabled() {
			alertCtx, alertCancel := context.WithTimeout(context.Background(), alertContextTimeout)
			defer alertCancel()
			if notifyErr := a.notifier.SendAlert(alertCtx, "danger", "Tracker run failed", err.Error()); notifyErr != nil {
				logger.Error().Err(notifyErr).Msg("Failed to send tracker failure alert")
			}
		}
		return
	}

	logger.Info().
		Int("evictions", len(result.Evictions)).
		Int("ssvocs", len(result.SSVocs)).
		Msg("Tracker run complete")
}

// onMeasurement updates per-channel gauges as each clean measurement
// arrives, so /metrics reflects the in-flight run rather than only its
// final result.
func (a *App) onMeasurement(ch smu.Channel, m smu.Measurement) {
	label := ""
	if p, ok := a.pixels[ch]; ok {
		label = p.DeviceLabel
	}
	channelID := fmt.Sprintf("%d", ch)
	metrics.ChannelVoltage.WithLabelValues(channelID, label).Set(m.V)
	metrics.ChannelCurrent.WithLabelValues(channelID, label).Set(m.I)
	metrics.ChannelPower.WithLabelValues(channelID, label).Set(m.Power())
}

// performGracefulShutdown handles graceful shutdown of all components.
func (a *App) performGracefulShutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server stopped")
	}

	a.core.Abort()
	a.configWatcher.Close()
	a.cancel()
}

// performCleanup flushes the telemetry sink and waits for goroutines to finish.
func (a *App) performCleanup() {
	flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
	defer flushCancel()

	flushDone := make(chan struct{})
	go func() {
		a.influx.Flush()
		a.sink.Close()
		close(flushDone)
	}()

	select {
	case <-flushDone:
		logger.Info().Msg("Telemetry sink flush completed")
	case <-flushCtx.Done():
		logger.Warn().Msg("Telemetry sink flush timeout - some data may be lost")
	}

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
}

// startConfigWatcher starts a goroutine to listen for config file
// changes. Per §5, only new tracker runs pick up reloaded parameters;
// an in-flight run's config is immutable.
func (a *App) startConfigWatcher() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case reloaded := <-a.configWatcher.Reloaded:
				if reloaded.Error != nil {
					logger.Error().Err(reloaded.Error).Msg("Error reloading configuration")
					continue
				}
				a.cfg = reloaded.Config
				logger.Info().Msg("Application configuration updated")
			}
		}
	}()
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting.
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests.
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler handles readiness check requests.
func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, sink *telemetry.InfluxSink) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
	defer cancel()

	if err := sink.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: telemetry sink unhealthy")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, writeErr := w.Write([]byte("NOT READY: telemetry sink unhealthy")); writeErr != nil {
			logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

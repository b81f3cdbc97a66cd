// Command callguard is the main entry point for the CallGuard fraud-analysis server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/callguard/callguard/internal/alert"
	"github.com/callguard/callguard/internal/analysis"
	"github.com/callguard/callguard/internal/api"
	"github.com/callguard/callguard/internal/cache"
	"github.com/callguard/callguard/internal/config"
	"github.com/callguard/callguard/internal/gateway"
	"github.com/callguard/callguard/internal/health"
	"github.com/callguard/callguard/internal/observe"
	"github.com/callguard/callguard/internal/relay"
	"github.com/callguard/callguard/pkg/audio"
	"github.com/callguard/callguard/pkg/fraud"
	"github.com/callguard/callguard/pkg/fraud/postgres"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callguard: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callguard: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("callguard starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "callguard",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metric instruments", "err", err)
		return 1
	}

	// ── Store ─────────────────────────────────────────────────────────────────
	// Every consumer (orchestrator, dispatcher, health checks) shares the one
	// effective store, so disabling result storage disables it everywhere.
	var store fraud.Store
	if !cfg.Analysis.StoreResults {
		store = fraud.NoopStore{}
		slog.Warn("analysis.store_results is disabled; records and alert marks are discarded")
	} else if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pgStore, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		store = pgStore
		slog.Info("analysis store ready", "backend", "postgres")
	} else {
		store = fraud.NewMemStore()
		slog.Warn("storage.postgres_dsn is empty; analysis records are kept in process memory only")
	}
	defer store.Close()

	// ── Recent-alerts cache (optional) ────────────────────────────────────────
	var alertCache *cache.Cache
	if cfg.Storage.RedisURL != "" {
		alertCache, err = cache.New(cfg.Storage.RedisURL, cfg.Storage.CacheTTL())
		if err != nil {
			slog.Error("failed to connect to redis", "err", err)
			return 1
		}
		defer alertCache.Close()
		if err := alertCache.Ping(ctx); err != nil {
			slog.Warn("redis unreachable at startup; cache reads will fall back to the store", "err", err)
		} else {
			slog.Info("recent-alerts cache ready", "backend", "redis")
		}
	}

	// ── Model gateway ─────────────────────────────────────────────────────────
	gw, err := gateway.New(gateway.Config{
		TextEndpoint:  cfg.Models.Text.Endpoint,
		AudioEndpoint: cfg.Models.Audio.Endpoint,
		TextModel:     cfg.Models.Text.Model,
		AudioModel:    cfg.Models.Audio.Model,
		APIKey:        cfg.Models.Text.APIKey,
		CallTimeout:   cfg.Models.CallTimeout(),
		Metrics:       metrics,
	})
	if err != nil {
		slog.Error("failed to create model gateway", "err", err)
		return 1
	}

	// ── Audio normalizer ──────────────────────────────────────────────────────
	normalizer := audio.NewNormalizer(
		audio.WithFFmpegPath(cfg.Audio.FFmpegPath),
		audio.WithScratchDir(cfg.Audio.ScratchDir),
		audio.WithTargetRate(cfg.Audio.TargetSampleRate),
		audio.WithMaxBytes(cfg.Audio.MaxChunkBytes),
		audio.WithTimeout(cfg.Audio.TranscodeTimeout()),
	)
	go normalizer.SweepLoop(ctx, 10*time.Minute)

	// ── Alert relay + dispatcher ──────────────────────────────────────────────
	hub := relay.NewHub(metrics)
	dispatcher := alert.NewDispatcher(store, hub, metrics)

	// ── Orchestrator ──────────────────────────────────────────────────────────
	orch := analysis.New(gw, normalizer, store, dispatcher,
		analysis.WithDebounceDelay(cfg.Analysis.DebounceDelay()),
		analysis.WithAlertsEnabled(cfg.Analysis.AlertsEnabled),
		analysis.WithCache(alertCache),
		analysis.WithMetrics(metrics),
	)
	defer orch.Close()

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), logLevel, orch)
	})
	if err != nil {
		slog.Warn("config watcher unavailable; runtime reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	healthHandler := health.New(
		health.Checker{Name: "store", Check: store.Ping},
		health.Checker{Name: "cache", Check: alertCache.Ping},
		health.Checker{Name: "text-model", Check: gw.ProbeText},
		health.Checker{Name: "audio-model", Check: gw.ProbeAudio},
	)

	server := api.NewServer(api.Config{MaxAudioBytes: cfg.Audio.MaxChunkBytes}, orch, hub, healthHandler, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Routes(metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	select {
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}
	hub.CloseAll()

	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable subset of a config change.
func applyReload(diff config.ConfigDiff, logLevel *slog.LevelVar, orch *analysis.Orchestrator) {
	if diff.Empty() {
		return
	}
	if diff.LogLevelChanged {
		logLevel.Set(diff.NewLogLevel.Level())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.DebounceChanged {
		orch.SetDebounceDelay(time.Duration(diff.NewDebounceMs) * time.Millisecond)
		slog.Info("debounce window changed", "debounce_ms", diff.NewDebounceMs)
	}
	if diff.AlertsChanged {
		orch.SetAlertsEnabled(diff.NewAlertsEnabled)
		slog.Info("alert dispatch toggled", "enabled", diff.NewAlertsEnabled)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        CallGuard — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Text model", cfg.Models.Text.Model)
	printEntry("Audio model", cfg.Models.Audio.Model)
	printEntry("Debounce", fmt.Sprintf("%d ms", cfg.Analysis.DebounceMs))
	printEntry("Alerts", onOff(cfg.Analysis.AlertsEnabled))
	printEntry("Storage", backendName(cfg.Storage.PostgresDSN))
	printEntry("Cache", cacheName(cfg.Storage.RedisURL))
	printEntry("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func backendName(dsn string) string {
	if dsn == "" {
		return "in-memory"
	}
	return "postgres"
}

func cacheName(url string) string {
	if url == "" {
		return "(disabled)"
	}
	return "redis"
}

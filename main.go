// Command points-tender keeps a logged-in browser parked on a set of Twitch
// channels so the account accrues channel points. It:
//   - Loads configuration and initializes structured logging.
//   - Launches the browser, opens one tab per live channel and probes them on
//     a fixed cadence, claiming bonus chests and closing channels that raid or
//     stay offline too long.
//   - Restarts the whole browser on a long interval or on fatal errors.
//   - Optionally records history in Postgres, gates opens on the Helix API
//     and tracks chat presence over anonymous IRC.
//   - Exposes /healthz, /readyz, /status, /events, /metrics and
//     POST /admin/restart.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/points-tender/browser"
	"github.com/onnwee/points-tender/chat"
	"github.com/onnwee/points-tender/config"
	"github.com/onnwee/points-tender/db"
	"github.com/onnwee/points-tender/monitor"
	"github.com/onnwee/points-tender/probe"
	"github.com/onnwee/points-tender/server"
	"github.com/onnwee/points-tender/session"
	"github.com/onnwee/points-tender/telemetry"
	"github.com/onnwee/points-tender/twitchapi"
)

func main() {
	os.Exit(run())
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run() int {
	// The dotenv file is optional and overrides the process environment.
	envFile, envErr := config.LoadEnvFile()
	setupLogging()
	if envErr != nil {
		slog.Error("env file load failed", slog.String("path", envFile), slog.Any("err", envErr))
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()
	traceCfg, err := telemetry.TracingConfigFromEnv("points-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing config invalid", slog.Any("err", err))
		return 1
	}
	shutdownTracing, err := telemetry.InitTracing(ctx, traceCfg)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracer shutdown failed", slog.Any("err", err))
		}
	}()

	// Background workers outlive the scheduler until it has shut the browser
	// down, and stop before the database closes.
	var wg sync.WaitGroup
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	stopWorkers := sync.OnceFunc(func() {
		bgCancel()
		wg.Wait()
	})
	defer stopWorkers()

	table := session.NewTable()
	cooldown := session.NewCooldown(cfg.OfflineCooldown)

	// Optional history store.
	var (
		database *sql.DB
		events   *db.EventStore
	)
	if cfg.DBDsn != "" {
		database, err = db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			return 1
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			return 1
		}
		defer stopWorkers()
		events = db.NewEventStore(database, 512)
		wg.Add(1)
		go func() {
			defer wg.Done()
			events.Run(bgCtx)
		}()
	}

	table.SetObserver(func(e session.Event) {
		telemetry.RecordTransition(e.From.String(), e.To.String())
		slog.Info("session transition",
			slog.String("channel", e.Channel),
			slog.String("from", e.From.String()),
			slog.String("to", e.To.String()),
			slog.String("reason", e.Reason),
			slog.Uint64("generation", e.Generation))
		if events != nil {
			events.Record(e)
		}
	})

	reconciler := &monitor.Reconciler{
		Table:    table,
		Cooldown: cooldown,
		Source:   config.EnvChannelSource{Path: cfg.EnvFile},
	}
	if cfg.HelixEnabled() {
		reconciler.Gate = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
			HTTPClient: &http.Client{
				Timeout:   10 * time.Second,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
		}
		slog.Info("helix live gate enabled")
	}

	var presence *chat.Presence
	if cfg.ChatIRCPresence {
		presence = chat.NewPresence()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := presence.Run(bgCtx); err != nil {
				slog.Warn("irc presence stopped", slog.Any("err", err), slog.String("component", "chat_presence"))
			}
		}()
	}

	policy := session.Policy{
		OfflineBudget:     cfg.OfflineBudget,
		MaxOpenAttempts:   cfg.MaxOpenAttempts,
		MaxProbeRetries:   cfg.MaxProbeRetries,
		TabDwell:          cfg.TabDwell,
		ChatCheckInterval: cfg.ChatCheckInterval,
	}
	sup := &monitor.Supervisor{
		Launcher: &browser.RodLauncher{
			Bin:               cfg.ChromeBin,
			UserDataDir:       cfg.UserDataDir,
			Headless:          cfg.Headless,
			NavigationTimeout: cfg.NavigationTimeout,
		},
		Table:      table,
		Cooldown:   cooldown,
		Reconciler: reconciler,
		NewMachine: func(d browser.Driver) *session.Machine {
			m := &session.Machine{
				Driver:   d,
				Probe:    probe.NewDOMProbe(d, cfg.BaseURL),
				BaseURL:  cfg.BaseURL,
				Username: cfg.Username,
				Policy:   policy,
			}
			if presence != nil {
				m.Presence = presence
			}
			return m
		},
	}
	if events != nil {
		sup.Recorder = events
	}

	slog.Info("starting watcher", slog.Int("channel_count", len(cfg.Channels)), slog.Any("channels", cfg.Channels))
	if err := sup.Start(ctx); err != nil {
		slog.Error("browser launch failed", slog.Any("err", err))
		return 1
	}

	sched := &monitor.Scheduler{
		Supervisor: sup,
		Timers: monitor.Timers{
			Probe:   cfg.ProbeInterval,
			Refresh: cfg.RefreshInterval,
			Restart: cfg.RestartInterval,
		},
		Concurrency: cfg.ProbeConcurrency,
		ErrorBudget: cfg.TickErrorBudget,
	}
	if events != nil {
		sched.OnBonus = events.RecordBonus
	}

	if cfg.HTTPAddr != "" {
		var (
			src    server.EventSource
			pinger server.Pinger
		)
		if events != nil {
			src, pinger = events, database
		}
		h := server.NewHandlers(sched, src, pinger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(bgCtx, h, cfg.HTTPAddr); err != nil {
				slog.Error("http server exited with error", slog.Any("err", err))
			}
		}()
	}

	err = sched.Run(ctx)
	slog.Info("shutting down")
	stopWorkers()
	if err != nil {
		slog.Error("shutdown error", slog.Any("err", err))
	}
	return 0
}

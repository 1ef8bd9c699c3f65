package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/channels"
	"github.com/basket/taskdeck/internal/config"
	"github.com/basket/taskdeck/internal/cron"
	"github.com/basket/taskdeck/internal/dialog"
	otelPkg "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/persistence"
	"github.com/basket/taskdeck/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the TaskDeck daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  TASKDECK_HOME           Data directory (default: ~/.taskdeck)
  TELEGRAM_BOT_TOKEN      Enables the Telegram channel
  TASKDECK_AUTH_TOKEN     Bearer token for the WebSocket gateway
  TASKDECK_BIND_ADDR      Gateway listen address (default: 127.0.0.1:18990)
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
			printUsage(os.Stderr)
			os.Exit(2)
		}
	}

	os.Exit(run(ctx))
}

func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Mirror logs to stdout only when not attached to a terminal; an
	// interactive shell gets the short startup lines, a service gets JSON.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.OTLPEndpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	go metrics.WatchBus(ctx, eventBus)

	store, err := persistence.Open(config.DBPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	states := dialog.NewStateStore()
	dispatcher := dialog.NewDispatcher(store, states, eventBus, logger, metrics)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfigReloads(confWatcher, cfg, logger)

	sched := cron.NewScheduler(cron.Config{
		Store:         store,
		States:        states,
		Bus:           eventBus,
		Logger:        logger,
		DialogTTL:     cfg.DialogTTL(),
		RetentionDays: cfg.RetentionCompletedDays,
	})
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				dispatcher,
				store,
				eventBus,
				logger,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	// The gateway doubles as the health surface, so something always listens
	// on bind_addr even with the channel switched off.
	serverErr := make(chan error, 1)
	if cfg.Channels.Gateway.Enabled {
		gw := channels.NewGatewayChannel(
			cfg.BindAddr,
			cfg.Channels.Gateway.AuthToken,
			dispatcher,
			store,
			eventBus,
			logger,
		)
		go func() {
			if err := gw.Start(ctx); err != nil {
				serverErr <- err
			}
		}()
	} else {
		go func() {
			if err := serveHealthOnly(ctx, cfg.BindAddr, logger); err != nil {
				serverErr <- err
			}
		}()
	}

	logger.Info("startup phase", "phase", "channels_started", "bind_addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// watchConfigReloads applies the hot-reloadable settings when config.yaml
// changes. Everything else (bind address, channels) needs a restart.
func watchConfigReloads(w *config.Watcher, current config.Config, logger *slog.Logger) {
	fingerprint := current.Fingerprint()
	for ev := range w.Events() {
		newCfg, err := config.LoadFrom(current.HomeDir)
		if err != nil {
			logger.Error("config.yaml reload failed", "error", err)
			continue
		}
		if newCfg.Fingerprint() == fingerprint {
			continue
		}
		fingerprint = newCfg.Fingerprint()

		telemetry.SetLevel(newCfg.LogLevel)
		logger.Info("config.yaml hot-reloaded",
			"path", ev.Path,
			"log_level", newCfg.LogLevel)
		if newCfg.BindAddr != current.BindAddr ||
			newCfg.Channels.Telegram.Enabled != current.Channels.Telegram.Enabled ||
			newCfg.Channels.Gateway.Enabled != current.Channels.Gateway.Enabled {
			logger.Warn("bind address and channel changes apply on restart")
		}
	}
}

// serveHealthOnly keeps /healthz reachable when the gateway channel is off.
func serveHealthOnly(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok","channel":"none"}`)
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("health endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"taskdeck","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from the given file into the environment.
// Missing file is fine; existing environment variables win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

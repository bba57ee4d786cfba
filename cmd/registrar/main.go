package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/basket/registrar/internal/audit"
	"github.com/basket/registrar/internal/bus"
	"github.com/basket/registrar/internal/config"
	"github.com/basket/registrar/internal/cron"
	otelPkg "github.com/basket/registrar/internal/otel"
	"github.com/basket/registrar/internal/registrar"
	"github.com/basket/registrar/internal/telemetry"
	"github.com/basket/registrar/internal/trust"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON MODE (default):
  %[1]s                          Start the registrar; exits when the last instance leaves

SUBCOMMANDS:
  %[1]s status                   Show registrar health (/healthz)
  %[1]s instances -app NAME      List instances as an external client
                              Flags: -token-file PATH (default: <home>/tokens/NAME.token)
  %[1]s trust list               Print the persisted trust records
  %[1]s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  REGISTRAR_HOME                    Data directory (default: <user config dir>/%s)
  REGISTRAR_BIND_ADDR               Listen address (default: 127.0.0.1:56024)
  REGISTRAR_LOG_LEVEL               debug, info, warn or error
  REGISTRAR_ACCESS_TIMEOUT_SECONDS  How long an access request waits; 0 waits forever
`, config.AppDirName)
}

func main() {
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "instances":
			os.Exit(runInstancesCommand(ctx, args[1:]))
		case "trust":
			os.Exit(runTrustCommand(args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// Launched detached by an editor, stdout goes nowhere useful; log to
	// the file only.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback {
			logger.Warn("registrar bound to a non-loopback address; instance secret probing assumes a shared filesystem", "bind_addr", cfg.BindAddr)
		}
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w (another registrar is probably running)", err))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	if err := serve(ctx, cfg, logger, ln); err != nil {
		logger.Error("registrar stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// serve runs the registrar on ln until ctx is cancelled or the last
// instance disconnects.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	trustLogger := logger.With("component", "trust")
	store, err := trust.Open(trust.Options{
		Path:   cfg.TrustStorePath(),
		TTL:    cfg.TrustTTL(),
		Logger: trustLogger,
		OnEvict: func(n int) {
			metrics.TrustEvictions.Add(context.Background(), int64(n))
		},
	})
	if err != nil {
		return fmt.Errorf("open trust store: %w", err)
	}
	logger.Info("startup phase", "phase", "trust_loaded", "records", store.Len(), "path", store.Path())

	secret, err := registrar.WriteSecret(cfg.SecretPath())
	if err != nil {
		return err
	}
	defer os.Remove(cfg.SecretPath())

	srv := registrar.New(registrar.Config{
		Trust:                  store,
		Bus:                    eventBus,
		Secret:                 secret,
		SecretPath:             cfg.SecretPath(),
		AllowOrigins:           cfg.AllowOrigins,
		AccessTimeout:          cfg.AccessTimeout(),
		RequestTokensPerMinute: cfg.RequestTokenRatePerMinute,
		RequestTokenBurst:      cfg.RequestTokenBurst,
		QueueSize:              cfg.OutboundQueueSize,
		ConfigFingerprint:      cfg.Fingerprint(),
		Logger:                 logger,
		Tracer:                 otelProvider.Tracer,
		Metrics:                metrics,
	})

	watcher := trust.NewWatcher(store, trustLogger)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start trust watcher: %w", err)
	}

	sweeper, err := cron.NewScheduler(cron.Config{
		Name: "trust-eviction",
		Spec: cfg.EvictionSchedule,
		Job: func(context.Context) error {
			n, err := store.Sweep()
			if n > 0 {
				trustLogger.Info("evicted stale trust records", "count", n)
			}
			return err
		},
		Logger: logger.With("component", "cron"),
	})
	if err != nil {
		return fmt.Errorf("eviction_schedule %q: %w", cfg.EvictionSchedule, err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	events := eventBus.Subscribe("broker.")
	defer eventBus.Unsubscribe(events)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		brokerLogger := logger.With("component", "broker")
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events.Ch():
				if !ok {
					return nil
				}
				logBrokerEvent(brokerLogger, ev)
			}
		}
	})
	g.Go(func() error {
		for ev := range watcher.Events() {
			if ev.Err != nil {
				trustLogger.Warn("trust file edited externally and rejected", "op", ev.Op.String(), "error", ev.Err)
				continue
			}
			trustLogger.Info("trust file reloaded after external edit", "op", ev.Op.String(), "records", ev.Records)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("registrar listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("shutdown signal received")
		case <-srv.Idle():
			logger.Info("last instance disconnected, shutting down")
		}
		defer cancel()
		srv.Shutdown()
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.DrainTimeout())
		defer stop()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// logBrokerEvent records broker lifecycle events in the daemon log.
func logBrokerEvent(logger *slog.Logger, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.AccessResolvedEvent:
		logger.Info("access request resolved", "request_id", p.RequestID, "app", p.AppName, "outcome", p.Outcome, "asked", p.Asked)
	case bus.SessionEvent:
		logger.Debug("session event", "topic", ev.Topic, "session_id", p.SessionID, "role", p.Role, "name", p.Name)
	default:
		if ev.Topic == bus.TopicIdle {
			logger.Info("no instances left")
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

// wsURL turns a bind address into the registrar's websocket endpoint.
func wsURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "ws://" + addr + "/ws"
}

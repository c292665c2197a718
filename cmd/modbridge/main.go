package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/modbridge/internal/audit"
	"github.com/basket/modbridge/internal/bridge"
	"github.com/basket/modbridge/internal/config"
	"github.com/basket/modbridge/internal/cron"
	"github.com/basket/modbridge/internal/ipc"
	"github.com/basket/modbridge/internal/module"
	otelPkg "github.com/basket/modbridge/internal/otel"
	"github.com/basket/modbridge/internal/persistence"
	"github.com/basket/modbridge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

const (
	retentionSchedule  = "@daily"
	retentionAuditDays = 30
	retentionLoadDays  = 30
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

SERVER:
  %[1]s                          Serve the bridge on the configured channel
  %[1]s -daemon                  Serve with logs on stdout even without a terminal
  %[1]s daemon [--help]          Same as -daemon

CLIENT:
  %[1]s call '<json>'            Send one raw request and print the response
  %[1]s ping                     Check that the bridge answers
  %[1]s status                   List live execution contexts
  %[1]s stop                     Ask the bridge to stop
  %[1]s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MODBRIDGE_HOME              Data directory (default: ~/.modbridge)
  MODBRIDGE_CHANNEL           Channel name or socket path
  MODBRIDGE_AUTH_TOKEN        Shared auth token
  MODBRIDGE_RUNTIME_DIR       Directory holding the socket
  MODBRIDGE_LOG_LEVEL         debug, info, warn or error
  MODBRIDGE_INVOKE_TIMEOUT_MS Default invoke timeout
`)
}

func main() {
	daemon := flag.Bool("daemon", false, "serve with logs on stdout")
	flag.Usage = printUsage
	flag.Parse()

	quietLogs := logsQuiet(*daemon, isatty.IsTerminal(os.Stdout.Fd()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		name := strings.ToLower(strings.TrimSpace(args[0]))
		if run, ok := clientCommands[name]; ok {
			os.Exit(run(ctx, args[1:], os.Stdout))
		}
		switch {
		case isHelpArg(name):
			printUsage()
			os.Exit(0)
		case name == "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
			quietLogs = false
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	serve(ctx, quietLogs)
}

// clientCommands talk to a running bridge (or inspect it) and return the
// process exit code.
var clientCommands = map[string]func(ctx context.Context, args []string, out io.Writer) int{
	"call":   runCallCommand,
	"ping":   runPingCommand,
	"status": runStatusCommand,
	"stop":   runStopCommand,
	"doctor": runDoctorCommand,
}

// logsQuiet reports whether the server should log to its file only. Logs
// reach stdout when asked for with -daemon or when stdout is a terminal.
func logsQuiet(daemonFlag, stdoutIsTerminal bool) bool {
	return !daemonFlag && !stdoutIsTerminal
}

func serve(ctx context.Context, quietLogs bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsBootstrap {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, nil, "E_CONFIG_WRITE", err)
		}
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(nil, nil, "E_CONFIG_RELOAD", err)
		}
	}

	// Audit opens before the logger so E_LOGGER_INIT failures are recorded.
	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.HomeDir)
		if err != nil {
			fatalStartup(nil, nil, "E_AUDIT_INIT", err)
		}
		defer func() { _ = auditLog.Close() }()
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, auditLog, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Channel:        cfg.Channel,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, auditLog, "E_METRICS_INIT", err)
	}

	var (
		store *persistence.Store
		kv    module.KVStore
	)
	if cfg.Audit.Database {
		store, err = persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
		if err != nil {
			fatalStartup(logger, auditLog, "E_STORE_OPEN", err)
		}
		defer store.Close()
		auditLog.SetDB(store.DB())
		kv = store
		logger.Info("startup phase", "phase", "schema_migrated")
	}

	registry := bridge.NewRegistry(bridge.RegistryConfig{
		Logger:           logger,
		MemoryLimitPages: cfg.Wasm.MemoryLimitPages,
		KV:               kv,
	})

	var moduleWatcher *bridge.ModuleWatcher
	if cfg.WatchModules {
		moduleWatcher, err = bridge.NewModuleWatcher(registry, logger)
		if err != nil {
			fatalStartup(logger, auditLog, "E_MODULE_WATCHER_START", err)
		}
		moduleWatcher.Start(ctx)
		defer moduleWatcher.Close()
		go func() {
			for r := range moduleWatcher.Reloads() {
				if r.Err != nil {
					logger.Warn("module reload failed", "context_id", r.ContextID, "alias", r.Alias, "path", r.Path, "error", r.Err)
					continue
				}
				logger.Info("module reloaded", "context_id", r.ContextID, "alias", r.Alias, "path", r.Path)
			}
		}()
	}

	router := bridge.NewRouter(bridge.RouterConfig{
		Registry:      registry,
		Logger:        logger,
		AuthToken:     cfg.AuthToken,
		InvokeTimeout: cfg.InvokeTimeout(),
		Audit:         auditLog,
		Store:         store,
		Tracer:        otelProvider.Tracer,
		Metrics:       metrics,
		Watcher:       moduleWatcher,
	})

	srv := ipc.NewServer(ipc.ConfigFrom(cfg, router, logger))
	if err := srv.Start(ctx, cfg.Channel, cfg.AuthToken); err != nil {
		fatalStartup(logger, auditLog, "E_LISTEN", err)
	}
	if cfg.AuthToken == "" {
		logger.Warn("auth_token is empty; every local client is accepted")
	}
	logger.Info("startup phase", "phase", "listening", "socket", srv.SocketPath())

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, auditLog, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(confWatcher, cfg, srv, logger)

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	if cfg.HeartbeatEnabled() {
		if err := sched.Add("heartbeat", cfg.HeartbeatSchedule, func(context.Context) {
			st := registry.Stats()
			logger.Info("heartbeat", "contexts", st.Contexts, "modules", st.Modules, "instances", st.Instances,
				"auth_rejects", auditLog.DenyCount())
		}); err != nil {
			fatalStartup(logger, auditLog, "E_HEARTBEAT_SCHEDULE", err)
		}
	}
	if store != nil {
		if err := sched.Add("retention", retentionSchedule, func(jobCtx context.Context) {
			result, err := store.RunRetention(jobCtx, retentionAuditDays, retentionLoadDays)
			if err != nil {
				logger.Error("retention job failed", "error", err)
				return
			}
			if result.PurgedAuditLogs+result.PurgedModuleLoads > 0 {
				logger.Info("retention job completed",
					"purged_audit_logs", result.PurgedAuditLogs,
					"purged_module_loads", result.PurgedModuleLoads,
				)
			}
		}); err != nil {
			fatalStartup(logger, auditLog, "E_RETENTION_SCHEDULE", err)
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-srv.Done():
		logger.Info("stop requested by client")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop failed", "error", err)
	}
	auditLog.Record(shutdownCtx, "allow", "runtime.shutdown", "ok", "")
	logger.Info("shutdown complete")
}

// watchConfig applies config.yaml edits. The auth token rotates in place;
// listener settings need a restart.
func watchConfig(w *config.Watcher, current config.Config, srv *ipc.Server, logger *slog.Logger) {
	for r := range w.Reloads() {
		if r.Err != nil {
			continue
		}
		if r.Config.AuthToken != current.AuthToken {
			srv.SetAuthToken(r.Config.AuthToken)
			logger.Info("auth token rotated")
		}
		if r.Config.Fingerprint() != current.Fingerprint() {
			logger.Warn("listener settings changed; restart to apply", "fingerprint", r.Config.Fingerprint())
		}
		current = r.Config
	}
}

func fatalStartup(logger *slog.Logger, auditLog *audit.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	auditLog.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

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
	if errors.Is(err, os.ErrPermission) {
		fmt.Fprintln(os.Stderr, "  Check the permissions of MODBRIDGE_HOME and the runtime dir.")
	}
	os.Exit(1)
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: modbridge daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: modbridge daemon [--help]")
	fmt.Fprintln(w, "       modbridge -daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Serves the bridge with logs on stdout.")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/deep-research/internal/bus"
	"github.com/basket/deep-research/internal/config"
	"github.com/basket/deep-research/internal/cron"
	"github.com/basket/deep-research/internal/gate"
	"github.com/basket/deep-research/internal/gateway"
	otelPkg "github.com/basket/deep-research/internal/otel"
	"github.com/basket/deep-research/internal/persistence"
	"github.com/basket/deep-research/internal/research"
	"github.com/basket/deep-research/internal/telemetry"
	"github.com/basket/deep-research/internal/tools"
	"github.com/basket/deep-research/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3.0"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags] [serve]        Start the research daemon (default)
  %s status                 Show daemon health status (/healthz)
  %s doctor [-json]         Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DEEPRESEARCH_HOME        Data directory (default: ~/.deepresearch)
  PORT / BIND_ADDR         Listen address (default: 127.0.0.1:3001)
  ANTHROPIC_API_KEY        Key for the anthropic provider
  TAVILY_API_KEY           Key for web search (or BRAVE_API_KEY)
  MAX_CONCURRENT_RESEARCH  Concurrent research jobs (default: 2)
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to the home directory only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "serve":
			mode, err := parseServeArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == serveHelp {
				printServeUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := serve(ctx, *quiet); err != nil {
		os.Exit(1)
	}
}

// serve runs the daemon until ctx ends. Startup failures are logged with a
// reason code before being returned.
func serve(ctx context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return startupFailure(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return startupFailure(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_hash", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil && !isLoopback(host) && strings.TrimSpace(cfg.CORSOrigin) == "*" {
		logger.Warn("cors_origin is * on a non-loopback bind; any site can drive this daemon", "bind_addr", cfg.BindAddr)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return startupFailure(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if summary, err := otelProvider.Summary(shutdownCtx); err == nil && len(summary) > 0 {
			logger.Info("telemetry summary", "metrics", summary)
		}
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		metrics = otelPkg.Discard()
	}

	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return startupFailure(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "path", cfg.DBPath())

	interrupted, err := store.RecoverInterrupted(ctx)
	if err != nil {
		return startupFailure(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "interrupted_jobs", interrupted)

	admission := gate.New(cfg.MaxConcurrentResearch)
	eventBus := bus.New()

	toolset, err := tools.NewRegistry(tools.Config{
		TavilyAPIKey:    cfg.APIKey("tavily"),
		BraveAPIKey:     cfg.APIKey("brave"),
		PreferredSearch: cfg.Search.Provider,
		CacheTTL:        cfg.SearchCacheTTL(),
	}, store, logger)
	if err != nil {
		return startupFailure(logger, "E_TOOLS_INIT", err)
	}

	eng, model := buildEngine(ctx, cfg, toolset, otelProvider.Tracer, metrics, logger)
	logger.Info("startup phase", "phase", "engine_ready", "engine", eng.Name(), "model", model)

	orchestrator := research.New(store, admission, eng, research.Config{
		Model:     model,
		MaxTurns:  cfg.MaxTurns,
		MaxBudget: cfg.MaxBudgetPerResearch,
	},
		research.WithLogger(logger),
		research.WithTracer(otelProvider.Tracer),
		research.WithMetrics(metrics),
	)

	// Jobs outlive the signal context so shutdown can drain them.
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	jobs := workflow.NewRegistry(jobsCtx, workflow.Deps{
		Store:     store,
		Gate:      admission,
		Bus:       eventBus,
		Research:  orchestrator,
		Assembler: toolset.Assembler,
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
	}, workflow.WithJobTimeout(cfg.JobTimeout()))

	retention, err := cron.NewScheduler(cron.Config{
		Store:      store,
		Logger:     logger,
		Schedule:   cfg.RetentionSchedule,
		Retention:  cfg.Retention(),
		RunOnStart: true,
	})
	if err != nil {
		return startupFailure(logger, "E_RETENTION_SCHEDULE", err)
	}
	retention.Start(ctx)
	defer retention.Stop()
	if next, err := cron.NextRunTime(cfg.RetentionSchedule, time.Now()); err == nil {
		logger.Info("startup phase", "phase", "retention_scheduled", "next_run", next, "retention_days", cfg.RetentionDays)
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Jobs:              jobs,
		Gate:              admission,
		Bus:               eventBus,
		Logger:            logger,
		DefaultModel:      model,
		AllowOrigins:      splitOrigins(cfg.CORSOrigin),
		MaxUploadBytes:    cfg.MaxUploadBytes(),
		ConfigFingerprint: cfg.Fingerprint(),
	})

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			return startupFailure(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		return startupFailure(logger, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "max_jobs", admission.Limit())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(groupCtx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		group.Go(func() error {
			watcher.Reload(groupCtx, func(next config.Config) {
				if next.MaxConcurrentResearch != admission.Limit() {
					admission.SetLimit(next.MaxConcurrentResearch)
					logger.Info("concurrency limit updated", "max_jobs", next.MaxConcurrentResearch)
				}
				if next.Fingerprint() != cfg.Fingerprint() {
					logger.Info("config change needs a restart to take full effect", "config_hash", next.Fingerprint())
				}
			})
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if err != nil {
		logger.Error("gateway stopped", "error", err)
	}

	drainJobs(jobs, cancelJobs, cfg.DrainTimeout(), logger)
	logger.Info("shutdown complete")
	return err
}

// drainJobs waits up to timeout for running jobs, then cancels the rest and
// waits for them to record their cancellation.
func drainJobs(jobs *workflow.Registry, cancel context.CancelFunc, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		jobs.Wait()
		close(done)
	}()

	if active := jobs.Len(); active > 0 {
		logger.Info("draining research jobs", "active", active, "timeout", timeout)
	}
	select {
	case <-done:
		return
	case <-time.After(timeout):
	}

	logger.Warn("drain timeout reached; cancelling remaining jobs", "active", jobs.Len())
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Error("research jobs did not stop after cancellation", "active", jobs.Len())
	}
}

// startupFailure logs a structured fatal event with an explicit reason code.
// Before the logger exists it writes the same shape to stderr.
func startupFailure(logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"daemon","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func isLoopback(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or set PORT / bind_addr.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

type serveMode int

const (
	serveRun serveMode = iota
	serveHelp
)

func parseServeArgs(args []string) (serveMode, error) {
	if len(args) == 0 {
		return serveRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return serveHelp, nil
	}
	return serveRun, fmt.Errorf("usage: deepresearch serve [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printServeUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: deepresearch serve [--help]")
	fmt.Fprintln(w, "       deepresearch [-quiet]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the research daemon: REST API, SSE and WebSocket streams.")
}

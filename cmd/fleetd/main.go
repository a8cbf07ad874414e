package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tovfikur/fleetd/internal/alerting"
	"github.com/tovfikur/fleetd/internal/api"
	"github.com/tovfikur/fleetd/internal/config"
	"github.com/tovfikur/fleetd/internal/discovery"
	"github.com/tovfikur/fleetd/internal/monitor"
	"github.com/tovfikur/fleetd/internal/notify"
	"github.com/tovfikur/fleetd/internal/registry"
	"github.com/tovfikur/fleetd/internal/remote"
	"github.com/tovfikur/fleetd/internal/scheduler"
	"github.com/tovfikur/fleetd/internal/store"
)

// @title fleetd API
// @version 1.0
// @description Fleet orchestration: server inventory, deployments, network discovery, health monitoring
// @host localhost:8090
// @BasePath /

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// buildInfo returns version, commit, build time, and VCS details from the
// embedded Go build info. ldflags-injected values take priority; VCS info
// from debug.ReadBuildInfo fills in anything left as default.
func buildInfo() (ver, sha, built, dirty string) {
	ver = version
	sha = commit
	built = buildTime
	dirty = "clean"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if sha == "none" {
				sha = s.Value
			}
		case "vcs.time":
			if built == "unknown" {
				built = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "dirty"
			}
		}
	}

	return
}

func main() {
	configPath := flag.String("config", "", "path to fleetd.yml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	ver, sha, built, dirty := buildInfo()

	if *showVersion {
		fmt.Printf("fleetd %s\n  commit:    %s (%s)\n  built:     %s\n  go:        %s\n  platform:  %s/%s\n",
			ver, sha, dirty, built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigFileNotFound) {
			fmt.Fprintf(os.Stderr, "error: %s\n\n", err)
			fmt.Fprintf(os.Stderr, "Copy the example config to get started:\n")
			fmt.Fprintf(os.Stderr, "  cp fleetd.example.yml %s\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "error: loading config (%s): %s\n", *configPath, err)
		}
		os.Exit(1)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	logger := slog.Default()

	slog.Info("starting fleetd",
		"version", ver,
		"commit", sha,
		"built", built,
		"dirty", dirty,
		"go", runtime.Version(),
		"listen", cfg.Listen,
	)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	exec := remote.NewSSHExecutor(cfg.SSH.ConnectTimeout.Duration)
	exec.StrictHostKey = cfg.SSH.StrictHostKey
	exec.KnownHostsPath = cfg.SSH.KnownHostsPath

	var providers []notify.Provider
	for _, ncfg := range cfg.Notifications {
		switch ncfg.Type {
		case "ntfy":
			providers = append(providers, notify.NewNtfy(ncfg.URL, ncfg.Topic))
		case "webhook":
			providers = append(providers, notify.NewWebhook(ncfg.URL, ncfg.Method, ncfg.Headers))
		}
	}

	reg := registry.New(st, exec, cfg.Monitor.ProbeTimeout.Duration, logger)
	alerts := alerting.New(st, providers, logger)
	sched := scheduler.New(st, reg, exec, scheduler.Options{
		StepTimeout:  cfg.Scheduler.StepTimeout.Duration,
		StepRetries:  cfg.Scheduler.StepRetries,
		RetryBackoff: cfg.Scheduler.RetryBackoff.Duration,
	}, logger)
	disc := discovery.New(st, reg, sched, exec, discovery.Options{
		Workers:        cfg.Discovery.Workers,
		ProbeTimeout:   cfg.Discovery.ProbeTimeout.Duration,
		MinCPUCores:    cfg.Discovery.MinCPUCores,
		MinMemoryGB:    cfg.Discovery.MinMemoryGB,
		MinDiskGB:      cfg.Discovery.MinDiskGB,
		ExclusiveRoles: cfg.Discovery.ExclusiveRoles,
	}, logger)
	mon := monitor.New(reg, alerts, exec, monitor.Options{
		Interval:          cfg.Monitor.Interval.Duration,
		ProbeTimeout:      cfg.Monitor.ProbeTimeout.Duration,
		ProbeConcurrency:  cfg.Monitor.ProbeConcurrency,
		WarningThreshold:  cfg.Monitor.WarningThreshold,
		CriticalThreshold: cfg.Monitor.CriticalThreshold,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return mon.Run(ctx) })

	server := api.NewServer(cfg.Listen, reg, sched, disc, alerts, mon, st)
	g.Go(func() error { return server.Run(ctx) })

	slog.Info("all components started", "notifications", len(providers))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "error", err)
	}

	slog.Info("fleetd stopped gracefully")
}

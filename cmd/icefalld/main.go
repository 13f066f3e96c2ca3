// Command icefalld runs the packet-filter engine daemon: it restores
// the enforcement context, watches for new interfaces, and serves the
// metrics endpoint until signalled to stop.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/icefall-net/icefall/internal/config"
	"github.com/icefall-net/icefall/internal/engine"
	"github.com/icefall-net/icefall/internal/logging"
	"github.com/icefall-net/icefall/internal/netwatch"
	"github.com/icefall-net/icefall/internal/program"
	"github.com/icefall-net/icefall/internal/state"
)

// linkWatcher is the interface inventory the platform provides: a
// resolver for the program manager plus link-change callbacks.
type linkWatcher interface {
	Lookup(name string) (program.Interface, error)
	List() ([]program.Interface, error)
	OnEvent(cb func(netwatch.Event))
}

func main() {
	configPath := flag.String("config", "", "configuration file (HCL)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "icefalld:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level: parseLevel(cfg.LogLevel),
		JSON:  cfg.LogFormat == "json",
	})
	logger.Info("starting", "config", configPath)

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	cap, watcher, err := newPlatform(logger, cfg)
	if err != nil {
		return err
	}

	ctx := engine.New(cap, watcher, store, logger, engine.Options{
		MaxInstructions: cfg.MaxInstructions,
	})
	if err := ctx.Init(); err != nil {
		// A bad snapshot is not fatal: the context starts empty and
		// the next mutation writes a fresh one.
		logger.Error("restore incomplete", "error", err)
	}
	defer func() {
		if err := ctx.Close(); err != nil {
			logger.Error("final snapshot flush failed", "error", err)
		}
	}()

	if cfg.Watch() {
		ctx.WatchInterfaces(watcher)
		if err := startWatcher(watcher); err != nil {
			logger.Warn("interface watch unavailable", "error", err)
		}
	}

	if cfg.MetricsListen != "" {
		go serveMetrics(logger, cfg.MetricsListen, ctx)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())
	return nil
}

func serveMetrics(logger *logging.Logger, addr string, ctx *engine.Context) {
	// Refresh per-rule traffic gauges ahead of scrapes.
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for range t.C {
			ctx.PublishCounters()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed", "error", err)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

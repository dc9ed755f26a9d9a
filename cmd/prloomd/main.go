// Command prloomd is the dispatcher daemon: one process per repository
// root, driving every plan in prloom/.local/state.json forward against
// the file bus, bridges, and hook runtime configured in prloom.toml
// (spec.md §4.1, §6). Grounded on cmd/cortex/main.go's flag/config/signal
// wiring, adapted from a multi-project scheduler to a single-repo
// dispatcher.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prloom/prloom/internal/adapter/dockeradapter"
	"github.com/prloom/prloom/internal/adapter/durableadapter"
	"github.com/prloom/prloom/internal/adapter/subprocadapter"
	"github.com/prloom/prloom/internal/adapter/tmuxadapter"
	"github.com/prloom/prloom/internal/bridge"
	_ "github.com/prloom/prloom/internal/bridge/corebridge"
	"github.com/prloom/prloom/internal/bus"
	"github.com/prloom/prloom/internal/collab"
	"github.com/prloom/prloom/internal/collab/ghreview"
	"github.com/prloom/prloom/internal/collab/shellvcs"
	"github.com/prloom/prloom/internal/config"
	"github.com/prloom/prloom/internal/dispatcher"
	"github.com/prloom/prloom/internal/history"
	"github.com/prloom/prloom/internal/hook"
	"github.com/prloom/prloom/internal/lock"
	"github.com/prloom/prloom/internal/planmd"
	"github.com/prloom/prloom/internal/statestore"
)

func configureLogger(dev bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	repoRoot := flag.String("repo", ".", "repository root to dispatch")
	configPath := flag.String("config", "prloom.toml", "path to config file, relative to -repo")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	once := flag.Bool("once", false, "run a single tick then exit")
	flag.Parse()

	logger := configureLogger(*dev)
	slog.SetDefault(logger)

	root, err := filepath.Abs(*repoRoot)
	if err != nil {
		logger.Error("resolve repo root", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(filepath.Join(root, *configPath))
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	cfgMgr := config.NewManager(cfg)

	repoLock, err := lock.Acquire(filepath.Join(root, "prloom", ".local", "prloomd.lock"))
	if err != nil {
		logger.Error("acquire repo lock", "error", err)
		os.Exit(1)
	}
	defer repoLock.Release()

	localDir := filepath.Join(root, "prloom", ".local")
	busManager, err := bus.NewManager(filepath.Join(localDir, "bus"))
	if err != nil {
		logger.Error("open bus", "error", err)
		os.Exit(1)
	}
	store, err := statestore.New(localDir)
	if err != nil {
		logger.Error("open state store", "error", err)
		os.Exit(1)
	}

	var hist *history.Store
	if dbPath := strings.TrimSpace(cfg.History.DBPath); dbPath != "" {
		hist, err = history.Open(config.ExpandHome(dbPath))
		if err != nil {
			logger.Error("open history db", "error", err)
			os.Exit(1)
		}
		defer hist.Close()
	}

	collaborators := Collaborators(cfg, logger)

	bridgeEntries := map[string]bridge.Entry{}
	for name, bc := range mergedBridges(cfg) {
		if !bc.Enabled {
			continue
		}
		b, err := bridge.Build(bc.Module, name, bc.Config)
		if err != nil {
			logger.Error("build bridge", "bridge", name, "error", err)
			os.Exit(1)
		}
		bridgeEntries[name] = bridge.Entry{
			Bridge:       b,
			PollInterval: bc.PollIntervalMs.Duration,
			Logger:       logger.With("bridge", name),
		}
	}
	bridgeDriver := bridge.New(busManager, bridgeEntries, logger.With("component", "bridge"))

	var plugins []hook.Plugin
	for name, pc := range mergedPlugins(cfg) {
		if !pc.Enabled {
			continue
		}
		p, err := hook.Build(pc.Module, name, pc.Config)
		if err != nil {
			logger.Error("build plugin", "plugin", name, "error", err)
			os.Exit(1)
		}
		plugins = append(plugins, p)
	}
	hookRuntime := hook.New(busManager, plugins, logger.With("component", "hook"))

	d := dispatcher.New(cfgMgr, busManager, store, collaborators, bridgeDriver, hookRuntime, hist, logger.With("component", "dispatcher"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		logger.Info("running single tick (--once mode)")
		if err := d.Tick(ctx); err != nil {
			logger.Error("tick failed", "error", err)
			os.Exit(1)
		}
		return
	}

	go func() {
		if err := d.Run(ctx); err != nil {
			logger.Error("dispatcher stopped with error", "error", err)
		}
	}()

	logger.Info("prloomd running", "repo", root)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			if err := cfgMgr.Reload(filepath.Join(root, *configPath)); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		default:
			start := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("prloomd stopped", "shutdown_duration", time.Since(start).String())
			return
		}
	}
}

// Collaborators wires the reference collab implementations selected by
// config: always shellvcs for VCS and planmd for the plan document, a
// review provider chosen by review.provider, and a single agent adapter,
// chosen by dispatch.backend, that every stage uses (spec.md §6).
func Collaborators(cfg *config.Config, logger *slog.Logger) dispatcher.Collaborators {
	var review collab.ReviewProvider
	switch cfg.Review.Provider {
	case "github":
		review = ghreview.Provider{}
	default:
		review = nil
	}

	adapters := map[string]collab.AgentAdapter{}
	switch cfg.Dispatch.Backend {
	case "docker":
		img := "prloom-agent:latest"
		a, err := dockeradapter.New(img)
		if err != nil {
			logger.Error("build docker adapter, falling back to subprocess", "error", err)
			adapters[""] = subprocadapter.New()
		} else {
			adapters[""] = a
		}
	case "tmux":
		adapters[""] = tmuxadapter.New()
	case "temporal":
		a, err := durableadapter.New(cfg.Dispatch.TemporalHostPort)
		if err != nil {
			logger.Error("build durable adapter, falling back to subprocess", "error", err)
			adapters[""] = subprocadapter.New()
		} else {
			adapters[""] = a
		}
	default:
		adapters[""] = subprocadapter.New()
	}

	return dispatcher.Collaborators{
		VCS:      shellvcs.VCS{},
		Review:   review,
		PlanDoc:  planmd.PlanDoc{RelPath: filepath.Join("prloom", ".local", "plan.md")},
		Adapters: adapters,
	}
}

func mergedBridges(cfg *config.Config) map[string]config.BridgeConfig {
	merged := make(map[string]config.BridgeConfig, len(cfg.GlobalBridges)+len(cfg.Bridges))
	for name, bc := range cfg.GlobalBridges {
		merged[name] = bc
	}
	for name, bc := range cfg.Bridges {
		merged[name] = bc
	}
	return merged
}

func mergedPlugins(cfg *config.Config) map[string]config.PluginConfig {
	merged := make(map[string]config.PluginConfig, len(cfg.GlobalPlugins)+len(cfg.Plugins))
	for name, pc := range cfg.GlobalPlugins {
		merged[name] = pc
	}
	for name, pc := range cfg.Plugins {
		merged[name] = pc
	}
	return merged
}

// Command kanseid is the service-supervision daemon: it loads the
// persisted dependency graph, builds the live service graph, starts
// every service that should start, and serves the IPC command surface
// until terminated.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/kansei-svc/kanseid/config"
	"github.com/kansei-svc/kanseid/graph"
	"github.com/kansei-svc/kanseid/ipc"
	"github.com/kansei-svc/kanseid/launcher"
	"github.com/kansei-svc/kanseid/rundir"
	"github.com/kansei-svc/kanseid/service"
)

func main() {
	configPath := flag.String("config", "/etc/kansei/kanseid.toml", "path to kanseid.toml")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "kanseid",
		Level: hclog.Info,
	})

	if err := run(logger, *configPath); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger hclog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	loadGraph := func() (service.DependencyGraph, error) {
		return loadDependencyGraph(cfg.GraphPath)
	}

	dg, err := loadGraph()
	if err != nil {
		return fmt.Errorf("loading persisted graph: %w", err)
	}
	if err := dg.Validate(); err != nil {
		return fmt.Errorf("persisted graph failed validation: %w", err)
	}

	rd, err := rundir.New(cfg.Rundir)
	if err != nil {
		return err
	}

	g, err := graph.New(dg, graph.Options{
		Launcher:  launcher.New(logger),
		Rundir:    rd,
		Logger:    logger,
		StopGrace: cfg.StopGraceDuration(),
	})
	if err != nil {
		return fmt.Errorf("constructing live service graph: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting all services")
	if err := g.StartAll(ctx); err != nil {
		logger.Warn("start_all returned errors", "error", err)
	}

	srv := &ipc.Server{
		SocketPath: cfg.SocketPath,
		Graph:      g,
		LoadGraph:  loadGraph,
		Logger:     logger,
	}
	listener, err := srv.Listen()
	if err != nil {
		return err
	}
	logger.Info("serving ipc", "socket", cfg.SocketPath)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, listener) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("ipc server stopped", "error", err)
		}
	}

	logger.Info("stopping all services")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.StopGraceDuration()*2)
	defer stopCancel()
	return g.StopAll(stopCtx)
}

func loadDependencyGraph(path string) (service.DependencyGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return service.DependencyGraph{}, err
	}
	dg := service.New()
	if err := json.Unmarshal(data, &dg); err != nil {
		return service.DependencyGraph{}, err
	}
	return dg, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/cli"
	"github.com/ChuLiYu/compute-node-agent/internal/config"
	"github.com/ChuLiYu/compute-node-agent/internal/eventpipeline"
	"github.com/ChuLiYu/compute-node-agent/internal/httpapi"
	"github.com/ChuLiYu/compute-node-agent/internal/metrics"
	"github.com/ChuLiYu/compute-node-agent/internal/registry"
	"github.com/ChuLiYu/compute-node-agent/internal/router"
	"github.com/ChuLiYu/compute-node-agent/internal/routingstore"
	"github.com/ChuLiYu/compute-node-agent/internal/session"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	root := cli.Build(run)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// raiseFileDescriptorLimit raises this process's open-file soft limit to
// the hard limit, since every client, node, and computation connection
// the Router holds open consumes one. A failure here is logged and
// otherwise ignored: it's an optimization, not a precondition the agent
// can't run without.
func raiseFileDescriptorLimit(log *slog.Logger) {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		log.Warn("failed to read file descriptor limit", "err", err)
		return
	}
	if limit.Cur >= limit.Max {
		return
	}
	raised := limit
	raised.Cur = limit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &raised); err != nil {
		log.Warn("failed to raise file descriptor limit", "want", limit.Max, "err", err)
		return
	}
	log.Info("raised file descriptor limit", "soft", limit.Max)
}

// run wires every subsystem together in the spec's dependency order
// (Peer Registry, Routing Store -> Router; Computation Supervisor ->
// Session Manager -> Event Pipeline -> HTTP Surface) and blocks until
// ctx is cancelled, then shuts each layer down in reverse order.
func run(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	raiseFileDescriptorLimit(log)

	selfNode, err := model.ParseID(cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("node.id is not a valid UUID: %w", err)
	}

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}

	collector := metrics.NewCollector()
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	pipeline := eventpipeline.New(cfg.Coordinator.BaseURL, log.With("component", "eventpipeline"))
	go pipeline.Run()
	defer pipeline.Close()

	reg := registry.New()
	store := routingstore.New(log.With("component", "routingstore"))
	rtr := router.New(selfNode, reg, store, cfg.Router.SocketPath, log.With("component", "router"))
	rtr.SetMetrics(collector)
	if err := rtr.Listen(); err != nil {
		return fmt.Errorf("router failed to start listening: %w", err)
	}
	defer rtr.Close()

	pipeline.SetMetrics(collector)

	mgr := session.New(rtr, pipeline, cfg.TempDir, cfg.Session.ClientConnectionTimeout, log.With("component", "session"))
	mgr.SetMetrics(collector)
	rtr.SetOnClientConnect(mgr.ClearExpiry)

	control := session.NewControlClient(mgr, cfg.Router.SocketPath, log.With("component", "control-client"))
	go control.Run(ctx)

	pipeline.SetShutdownHook(func(reason string) {
		log.Error("shutting down due to unrecoverable event pipeline error", "reason", reason)
		mgr.ShutdownAll(reason)
	})

	shutdownRequested := make(chan string, 1)
	httpSrv := httpapi.New(mgr, collector, func(action string) {
		select {
		case shutdownRequested <- action:
		default:
		}
	}, log.With("component", "httpapi"))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: httpSrv,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http surface stopped", "err", err)
		}
	}()

	log.Info("agent started", "node", selfNode, "http_port", cfg.HTTP.Port, "router_port", rtr.Port())

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case reason := <-shutdownRequested:
		log.Info("coordinator requested shutdown", "reason", reason)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	mgr.ShutdownAll("node shutting down")
	return nil
}

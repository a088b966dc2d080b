// ============================================================================
// MPC Orchestrator CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and talking to the orchestrator
//
// Command Structure:
//   mpc-orchestrator               # Root command
//   ├── serve                      # Run gRPC, HTTP/WebSocket and metrics listeners
//   ├── submit                     # Create a job, submit parameters, follow events
//   │   └── --file, -f            # Parameter JSON file
//   ├── datasets                   # List catalog datasets
//   ├── headers                    # List one dataset's headers
//   ├── journal                    # Replay the lifecycle journal
//   ├── status                     # Show configuration and journal summary
//   └── --config, -c              # Config file (default configs/default.yaml)
//
// serve Command:
//   1. Load config and install the slog handler
//   2. Open journal / archive, build the metrics registry
//   3. Create the Controller with the simulated executor
//   4. Run every listener under one errgroup
//   5. On SIGINT/SIGTERM: stop the controller (running phases finish),
//      then drain the gRPC server and shut down the HTTP servers
//
// Client commands (submit, datasets, headers) dial the gRPC port from the
// config unless --addr is given.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/mpc-orchestrator/internal/archive"
	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/internal/config"
	"github.com/ChuLiYu/mpc-orchestrator/internal/controller"
	"github.com/ChuLiYu/mpc-orchestrator/internal/executor"
	"github.com/ChuLiYu/mpc-orchestrator/internal/metrics"
	"github.com/ChuLiYu/mpc-orchestrator/internal/server"
	"github.com/ChuLiYu/mpc-orchestrator/internal/storage/journal"
)

const shutdownTimeout = 10 * time.Second

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mpc-orchestrator",
		Short: "Orchestrates multi-party computations through their phases",
		Long: `mpc-orchestrator accepts computation requests over gRPC and a
persistent WebSocket namespace, drives each job through
compile → offline → preprocessing → online → postprocessing,
and pushes phase-completion events to subscribers.`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildDatasetsCommand())
	rootCmd.AddCommand(buildHeadersCommand())
	rootCmd.AddCommand(buildJournalCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator",
		Long:  "Start the gRPC service, the HTTP routes with the analyst WebSocket namespace, and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			setupLogging(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			node, err := newNode(cfg)
			if err != nil {
				return err
			}
			return node.run(ctx)
		},
	}
}

// setupLogging installs the configured slog handler as the default logger.
func setupLogging(cfg *config.Config, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	// package loggers captured before SetDefault route through the log package
	slog.SetLogLoggerLevel(level)
}

// ============================================================================
// node: one running orchestrator process
// ============================================================================

type node struct {
	ctrl    *controller.Controller
	grpc    *grpc.Server
	http    *http.Server
	metrics *http.Server

	grpcLis    net.Listener
	httpLis    net.Listener
	metricsLis net.Listener
}

// newNode wires every component and binds the listeners. Port 0 binds an
// ephemeral port.
func newNode(cfg *config.Config) (_ *node, err error) {
	var jr *journal.Journal
	if cfg.Journal.Path != "" {
		if jr, err = journal.Open(cfg.Journal.Path, cfg.Journal.SyncOnAppend); err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
	}
	var arch *archive.Manager
	if cfg.Archive.Dir != "" {
		if arch, err = archive.NewManager(cfg.Archive.Dir); err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(reg)
	}

	ctrl, err := controller.NewController(controller.Config{
		ResultBaseURL:       cfg.Server.ResultBaseURL,
		Retention:           cfg.Jobs.Retention,
		PhaseTimeout:        cfg.Jobs.PhaseTimeout,
		MaxConcurrentPhases: cfg.Jobs.MaxConcurrentPhases,
		SlotWait:            cfg.Jobs.SlotWait,
		SubscriberBuffer:    cfg.Jobs.SubscriberBuffer,
	}, controller.Deps{
		Executor: &executor.Simulated{
			Delay:     cfg.Executor.PhaseDelay,
			Jitter:    cfg.Executor.Jitter,
			FailPhase: cfg.Executor.FailPhase,
			FailKind:  cfg.Executor.FailKind,
		},
		NetConfigs: cfg.NetConfigSet(),
		Catalog:    catalog.NewStatic(cfg.Datasets),
		Journal:    jr,
		Archive:    arch,
		Metrics:    collector,
	})
	if err != nil {
		if jr != nil {
			jr.Close()
		}
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	nd := &node{ctrl: ctrl}
	defer func() {
		if err != nil {
			nd.closeListeners()
			ctrl.Stop()
		}
	}()

	if nd.grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort)); err != nil {
		return nil, fmt.Errorf("failed to listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
	}
	if nd.httpLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.HTTPPort)); err != nil {
		return nil, fmt.Errorf("failed to listen on HTTP port %d: %w", cfg.Server.HTTPPort, err)
	}
	if cfg.Metrics.Enabled {
		if nd.metricsLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Metrics.Port)); err != nil {
			return nil, fmt.Errorf("failed to listen on metrics port %d: %w", cfg.Metrics.Port, err)
		}
		nd.metrics = metrics.NewServer(cfg.Metrics.Port, reg)
	}

	nd.grpc = grpc.NewServer()
	server.Register(nd.grpc, ctrl)
	nd.http = &http.Server{
		Handler:           server.NewRouter(ctrl, cfg.Server.Namespace),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nd, nil
}

// run serves until ctx is cancelled or a listener fails.
func (n *node) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("gRPC server listening", "addr", n.grpcLis.Addr().String())
		if err := n.grpc.Serve(n.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", n.httpLis.Addr().String())
		if err := n.http.Serve(n.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if n.metrics != nil {
		g.Go(func() error {
			slog.Info("Metrics server listening", "addr", n.metricsLis.Addr().String())
			if err := n.metrics.Serve(n.metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		n.shutdown()
		return nil
	})

	slog.Info("Orchestrator started")
	err := g.Wait()
	slog.Info("Orchestrator stopped")
	return err
}

// shutdown stops the controller first so event streams end, then the listeners.
func (n *node) shutdown() {
	slog.Info("Shutting down, waiting for running phases...")
	n.ctrl.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		n.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		n.grpc.Stop()
	}

	if err := n.http.Shutdown(ctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if n.metrics != nil {
		if err := n.metrics.Shutdown(ctx); err != nil {
			slog.Warn("Metrics shutdown incomplete", "error", err)
		}
	}
}

func (n *node) closeListeners() {
	for _, lis := range []net.Listener{n.grpcLis, n.httpLis, n.metricsLis} {
		if lis != nil {
			lis.Close()
		}
	}
}

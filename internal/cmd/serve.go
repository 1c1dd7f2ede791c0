package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/honeypot/internal/honeypot"
	"github.com/inercia/honeypot/internal/logging"
	"github.com/inercia/honeypot/internal/shutdown"
)

// metricsShutdownTimeout bounds how long in-flight scrapes may delay exit.
const metricsShutdownTimeout = 5 * time.Second

var (
	servePorts       []int
	serveMetricsAddr string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the monitored ports and record connection attempts",
	Long: `Open every configured port and record each connection attempt in the
black and white lists. Each connection is answered with a short message after
a random delay and closed.

When metrics_addr is set, Prometheus metrics are served on /metrics and a
live WebSocket feed of connections on /events (see 'honeypot events').

Ports that cannot be opened (e.g. privileged ports without the needed
permissions) are logged and skipped. The command fails only when no port
could be opened at all.

Examples:
  honeypot serve
  honeypot serve --ports 2000,2001,2002
  honeypot serve --metrics-addr 127.0.0.1:9120`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntSliceVarP(&servePorts, "ports", "p", nil,
		"Ports to monitor (overrides listen_to)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "",
		"Address of the Prometheus metrics and event feed endpoint (overrides metrics_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("ports") {
		cfg.ListenTo = servePorts
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = serveMetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	for _, path := range []string{cfg.BlacklistFile, cfg.WhitelistFile} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}

	logger := logging.Get()
	source := cfgSource
	if source == "" {
		source = "defaults"
	}
	logger.Info("honeypot",
		"version", Version,
		"config", source,
	)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	sm := shutdown.NewManager(parent)

	var opts []honeypot.Option
	var metricsServer *honeypot.MetricsServer
	if cfg.MetricsAddr != "" {
		metrics := honeypot.NewMetrics()
		events := honeypot.NewEventHub(logging.Metrics())
		opts = append(opts, honeypot.WithMetrics(metrics), honeypot.WithEvents(events))

		var err error
		metricsServer, err = honeypot.StartMetricsServer(cfg.MetricsAddr, metrics, events, logging.Metrics())
		if err != nil {
			return fmt.Errorf("failed to start metrics endpoint on %s: %w", cfg.MetricsAddr, err)
		}
	}
	stopMetrics := func() {
		if metricsServer == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			logging.Metrics().Warn("metrics_shutdown_error", "error", err)
		}
	}

	srv := honeypot.New(cfg, opts...)
	if err := srv.Start(sm.Context()); err != nil {
		stopMetrics()
		srv.Close()
		return err
	}

	// The server goes first so its final snapshot is counted before the
	// metrics endpoint disappears.
	sm.AddCleanup(func(reason string) {
		srv.Close()
	})
	sm.AddCleanup(func(reason string) {
		stopMetrics()
	})
	sm.Start()

	<-sm.Done()
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/toolbridge/internal/bridge"
	"github.com/harunnryd/toolbridge/internal/config"
	"github.com/harunnryd/toolbridge/internal/daemon"
	"github.com/harunnryd/toolbridge/internal/daemon/components"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP query service",
	Long:  `Starts the tool host, connects a session and serves /query, /health and /healthcheck until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		log := slog.Default()
		daemonMgr, err := daemon.NewDaemon(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}

		bridgeComp := components.NewBridgeComponent(cfg, nil, bridge.Options{ClientVersion: version, Logger: log})
		httpComp := components.NewHTTPServerComponent(daemonMgr, &cfg.Server, bridgeComp, version, log)

		daemonMgr.AddComponent(bridgeComp)
		daemonMgr.AddComponent(httpComp)

		sig := NewSignalHandler(context.Background())
		sig.Start()
		defer sig.Stop()

		log.Info("toolbridge service starting up...", "port", cfg.Server.Port, "script", cfg.ToolHost.ScriptPath)
		err = daemonMgr.Start(sig.Context())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info("toolbridge service stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		log.Info("toolbridge service stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("server.port", config.DefaultServerPort, "HTTP listen port")
}

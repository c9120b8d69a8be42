package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getmockd/subtransport/pkg/config"
	"github.com/getmockd/subtransport/pkg/logging"
	"github.com/getmockd/subtransport/pkg/server"
)

var (
	serveConfigFile  string
	serveAddr        string
	servePath        string
	serveLogLevel    string
	serveLogFormat   string
	serveRequireInit bool
	serveMQTTBroker  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the subscription server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServeConfig(cmd)
		if err != nil {
			return err
		}

		logger := logging.New(logging.Config{
			Level:  logging.ParseLevel(cfg.Log.Level),
			Format: logging.ParseFormat(cfg.Log.Format),
			Output: cmd.ErrOrStderr(),
		})

		srv, err := server.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "listening on ws://%s%s\n", srv.Addr(), cfg.Server.Path)

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// loadServeConfig layers defaults, the config file, the environment and the
// flags that were set explicitly, then validates the result.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if serveConfigFile != "" {
		var err error
		cfg, err = config.LoadFile(serveConfigFile)
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Address = serveAddr
	}
	if flags.Changed("path") {
		cfg.Server.Path = servePath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = serveLogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = serveLogFormat
	}
	if flags.Changed("require-init") {
		cfg.Engine.RequireInit = serveRequireInit
	}
	if flags.Changed("mqtt-broker") {
		cfg.MQTT.Broker = serveMQTTBroker
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "", "Path to a YAML or JSON config file")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":4000", "Listen address")
	serveCmd.Flags().StringVar(&servePath, "path", "/ws", "WebSocket endpoint path")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "text", "Log format (text, json)")
	serveCmd.Flags().BoolVar(&serveRequireInit, "require-init", false, "Reject subscriptions before a successful init")
	serveCmd.Flags().StringVar(&serveMQTTBroker, "mqtt-broker", "", "MQTT broker URL to bridge events from (e.g. tcp://localhost:1883)")
	rootCmd.AddCommand(serveCmd)
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentuity/querycache/accelerator"
	"github.com/agentuity/querycache/config"
	"github.com/agentuity/querycache/logger"
	"github.com/agentuity/querycache/telemetry"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "querycache",
	Short:         "Multi-tier query cache with invalidation, preheating and request deduplication",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (env QUERYCACHE_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error (env QUERYCACHE_LOG_LEVEL)")
	rootCmd.PersistentFlags().Bool("json", false, "log as JSON")
	rootCmd.PersistentFlags().Bool("no-telemetry", false, "disable trace export")
}

// flagOrEnv returns the flag value if set, then the environment value,
// then defaultValue.
func flagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(flagOrEnv(cmd, "config", config.EnvPrefix+"CONFIG", ""))
}

func newLogger(cmd *cobra.Command, cfg config.Config) logger.Logger {
	log.SetFlags(0)
	level := logger.ParseLevel(flagOrEnv(cmd, "log-level", logger.EnvLogLevel, cfg.LogLevel))
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}

// setup loads the configuration and builds the logger, the tracer provider
// and the accelerator. The returned function releases all of them.
func setup(ctx context.Context, cmd *cobra.Command) (*accelerator.Accelerator, config.Config, logger.Logger, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, nil, nil, err
	}
	logger := newLogger(cmd, cfg)
	shutdownTelemetry := func() {}
	if noTelemetry, _ := cmd.Flags().GetBool("no-telemetry"); !noTelemetry {
		shutdownTelemetry, err = telemetry.New(ctx, telemetry.Config{
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			AuthToken:   cfg.Telemetry.AuthToken,
			ServiceName: cfg.Telemetry.ServiceName,
		}, logger)
		if err != nil {
			return nil, cfg, nil, nil, err
		}
	}
	acc, err := accelerator.New(ctx, cfg, logger)
	if err != nil {
		shutdownTelemetry()
		return nil, cfg, nil, nil, err
	}
	return acc, cfg, logger, func() {
		if err := acc.Close(); err != nil {
			logger.Warn("error closing accelerator: %s", err)
		}
		shutdownTelemetry()
	}, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		cancel()
		os.Exit(1)
	}
}

// Package main provides the unified CLI entry point for the iot-audit services.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "iot-audit",
		Short: "IoT reading audit relay",
		Long: `Anchors signed IoT sensor readings on chain.

  generator  simulates devices that announce themselves and publish signed readings
  backend    validates and stores readings and serves their audit status over gRPC
  relay      batches unaudited readings into meta-transactions and records the outcome`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or /etc/iot-audit/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	flags.Bool("retry-failed-subcalls", false, "treat readings whose subcall failed as unaudited (backend and relay must agree)")

	for key, flag := range map[string]string{
		"log.level":                   "log-level",
		"log.format":                  "log-format",
		"audit.retry_failed_subcalls": "retry-failed-subcalls",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}
}

func initConfig() {
	if err := InitConfig(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", used)
	}
}

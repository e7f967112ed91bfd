package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

// v is the viper instance flags bind onto before brokercfg.Load runs,
// giving flag > env > config-file > default precedence (grounded on
// zjrosen-perles/cmd/root.go's BindPFlag-then-initConfig wiring).
var v = viper.New()

var (
	cfgFile    string
	projectDir string
	relayURL   string
	listenAddr string
	logLevel   string
	force      bool
)

var rootCmd = &cobra.Command{
	Use:     "broker",
	Short:   "Coordinates a fleet of interactive CLI coding assistants",
	Version: version,
	RunE:    runBroker,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: <project-dir>/.broker/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", "", "project directory the broker guards with its PID lock (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay-url", "", "cloud relay base URL (relay disabled if empty)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen-addr", "", "loopback address for the HTTP listen API")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&force, "force", false, "reclaim a stale PID lock left by a dead broker")

	_ = v.BindPFlag("relay_url", rootCmd.PersistentFlags().Lookup("relay-url"))
	_ = v.BindPFlag("listen_addr", rootCmd.PersistentFlags().Lookup("listen-addr"))
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(swarmCmd)
}

// Execute runs the root command, returning any error for main to report.
func Execute() error {
	rootCmd.SetVersionTemplate("broker version {{.Version}}\n")
	return rootCmd.Execute()
}

func resolveProjectDir() (string, error) {
	if projectDir != "" {
		return projectDir, nil
	}
	return os.Getwd()
}

func fatalf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

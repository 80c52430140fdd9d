// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/turntable/pkg/config"
	"github.com/Thermoquad/turntable/pkg/logging"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Simulated device instead of hardware
	simulate bool

	configPath string
	verbose    bool
	logFile    string
)

var (
	cfg         *config.Config
	logger      *zap.SugaredLogger
	closeLogger = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "turntable",
	Short: "Turntable photography rig controller",
	Long: `Turntable - drives a motorized turntable over its serial protocol and
takes equally spaced photographs with a tethered camera.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]
  Simulated: --simulate

The serial port and baud rate may also be set in the configuration file
(turntable.yaml by default). Flags take precedence over the file.

For WebSocket authentication, the password is read from the TURNTABLE_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLogger()
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Baud rate (serial only, default from config)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Use a simulated turntable and camera")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to a rotating file instead of stderr")
}

// setup loads the configuration and builds the logger before any command runs
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	if portName == "" {
		portName = cfg.Serial.Port
	}
	if baudRate == 0 {
		baudRate = cfg.Serial.BaudRate
	}

	logger, closeLogger = logging.New(logging.Options{Verbose: verbose, File: logFile})
	logger.Debugw("configuration loaded", "path", configPath, "output_folder", cfg.OutputFolder)
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

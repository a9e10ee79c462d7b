// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbus-bridge",
	Short: "Modbus bridge between a BMS and an external SCADA controller",
	Long: `modbus-bridge polls register maps from external Modbus controllers,
mirrors the values into a local register bank served to inbound masters,
and feeds decoded readings to downstream consumers.

Examples:
  # Run the bridge with a configuration file
  modbus-bridge run --config bridge.yaml

  # Run with wire-level debug logging
  modbus-bridge run --config bridge.yaml --verbose`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "bridge.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(runCmd)
}

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
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	modbus "github.com/edgeo-scada/modbus-bridge"
	"github.com/edgeo-scada/modbus-bridge/bridge"
	"github.com/edgeo-scada/modbus-bridge/config"
	"github.com/edgeo-scada/modbus-bridge/publish"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge until interrupted",
	RunE:  runBridge,
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := modbus.NewStats()

	devices := make([]bridge.Device, 0, len(cfg.Devices))
	for i := range cfg.Devices {
		endpoint, err := cfg.Devices[i].Endpoint()
		if err != nil {
			return err
		}
		entries, err := cfg.Devices[i].Entries()
		if err != nil {
			return err
		}
		devices = append(devices, bridge.Device{Endpoint: endpoint, Entries: entries})
	}

	opts := []bridge.CoordinatorOption{bridge.WithLogger(logger)}

	var server *modbus.Server
	if cfg.Server.Enabled {
		bank := modbus.NewRegisterBank(cfg.Server.BankSize)
		if cfg.Server.WriteHold > 0 {
			bank.SetWriteHold(cfg.Server.WriteHold)
		}
		server = modbus.NewServer(bank,
			modbus.WithServerLogger(logger),
			modbus.WithServerStats(stats),
			modbus.WithMaxConnections(cfg.Server.MaxConns),
			modbus.WithReadTimeout(cfg.Server.ReadTimeout))
		opts = append(opts, bridge.WithBank(bank))
	}

	if cfg.MQTT.Enabled {
		publisher, err := publish.NewMQTTPublisher(publish.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, bridge.WithSink(publisher))
	}

	coordinator, err := bridge.NewCoordinator(devices, stats, opts...)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if server != nil {
		go func() {
			errCh <- server.ListenAndServeContext(ctx, cfg.Server.Listen)
		}()
	}

	logger.Info("bridge starting",
		slog.Int("devices", len(devices)),
		slog.Bool("server", cfg.Server.Enabled),
		slog.Bool("mqtt", cfg.MQTT.Enabled))

	runErr := coordinator.Run(ctx)

	if server != nil {
		if err := <-errCh; err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
		}
	}

	snap := coordinator.Status()
	logger.Info("bridge stopped",
		slog.Int64("total_operations", snap.Statistics.TotalOperations),
		slog.Float64("success_rate", snap.Statistics.SuccessRate),
		slog.Int64("reconnections", snap.Statistics.Reconnections))

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

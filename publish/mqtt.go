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

// Package publish feeds poll-cycle readings to external consumers over MQTT.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgeo-scada/modbus-bridge/bridge"
)

const publishTimeout = 5 * time.Second

// MQTTPublisher is a bridge.Sink that publishes each poll cycle's readings
// as one JSON message.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *slog.Logger
}

// Options configures an MQTTPublisher.
type Options struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	QoS      byte
	Logger   *slog.Logger
}

// NewMQTTPublisher connects to the broker and returns a ready publisher.
func NewMQTTPublisher(opts Options) (*MQTTPublisher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(publishTimeout)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", opts.Broker, err)
	}

	opts.Logger.Info("mqtt connected", slog.String("broker", opts.Broker))
	return &MQTTPublisher{
		client: client,
		topic:  opts.Topic,
		qos:    opts.QoS,
		logger: opts.Logger,
	}, nil
}

// Publish implements bridge.Sink.
func (p *MQTTPublisher) Publish(_ context.Context, readings []bridge.Reading) error {
	payload, err := json.Marshal(readings)
	if err != nil {
		return fmt.Errorf("marshal readings: %w", err)
	}

	token := p.client.Publish(p.topic, p.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s: timeout", p.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", p.topic, err)
	}

	p.logger.Debug("published readings",
		slog.String("topic", p.topic),
		slog.Int("count", len(readings)))
	return nil
}

// Close disconnects from the broker, allowing in-flight messages to drain.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(2000)
}

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

// Package config loads and validates the bridge configuration from a YAML
// file with environment overrides. Invalid register geometry is rejected at
// load time so the bridge never starts against a bad map.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-bridge"
)

// Config is the full bridge configuration.
type Config struct {
	Devices []DeviceConfig `mapstructure:"devices"`
	Server  ServerConfig   `mapstructure:"server"`
	MQTT    MQTTConfig     `mapstructure:"mqtt"`
}

// DeviceConfig describes one polled controller and its register map.
type DeviceConfig struct {
	Name         string           `mapstructure:"name"`
	Host         string           `mapstructure:"host"`
	Port         int              `mapstructure:"port"`
	Transport    string           `mapstructure:"transport"` // "tcp" or "rtu"
	Unit         uint8            `mapstructure:"unit"`
	BaudRate     int              `mapstructure:"baud_rate"`
	Timeout      time.Duration    `mapstructure:"timeout"`
	PollInterval time.Duration    `mapstructure:"poll_interval"`
	Registers    []RegisterConfig `mapstructure:"registers"`
}

// RegisterConfig describes one register map entry.
type RegisterConfig struct {
	Name     string  `mapstructure:"name"`
	Address  uint16  `mapstructure:"address"`
	Type     string  `mapstructure:"type"` // coil, discrete, holding, input
	Count    uint16  `mapstructure:"count"`
	Scale    float64 `mapstructure:"scale"`
	Unit     string  `mapstructure:"unit"`
	WordSwap bool    `mapstructure:"word_swap"`
}

// ServerConfig describes the inbound Modbus TCP server.
type ServerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Listen      string        `mapstructure:"listen"`
	BankSize    int           `mapstructure:"bank_size"`
	MaxConns    int           `mapstructure:"max_connections"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	WriteHold   time.Duration `mapstructure:"write_hold"`
}

// MQTTConfig describes the readings feed publisher.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      uint8  `mapstructure:"qos"`
}

// Load reads the configuration file, applies environment overrides with the
// BRIDGE_ prefix, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BRIDGE")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":502")
	v.SetDefault("server.bank_size", 1024)
	v.SetDefault("server.max_connections", 100)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("mqtt.client_id", "modbus-bridge")
	v.SetDefault("mqtt.topic", "bms/readings")
}

// Validate checks the whole configuration. The first violation is returned.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("config: at least one device is required")
	}
	for i := range c.Devices {
		if err := c.Devices[i].Validate(); err != nil {
			return err
		}
	}
	if c.Server.Enabled {
		if c.Server.Listen == "" {
			return fmt.Errorf("config: server.listen cannot be empty")
		}
		if c.Server.BankSize < 1 || c.Server.BankSize > 65536 {
			return fmt.Errorf("config: server.bank_size %d out of range", c.Server.BankSize)
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("config: mqtt.broker cannot be empty")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("config: mqtt.qos %d out of range", c.MQTT.QoS)
		}
	}
	return nil
}

// Validate checks one device and its register map.
func (d *DeviceConfig) Validate() error {
	endpoint, err := d.Endpoint()
	if err != nil {
		return err
	}
	if err := endpoint.Validate(); err != nil {
		return fmt.Errorf("config: device %q: %w", d.Name, err)
	}
	if len(d.Registers) == 0 {
		return fmt.Errorf("config: device %q has no registers", d.Name)
	}
	for _, r := range d.Registers {
		entry, err := r.Entry()
		if err != nil {
			return fmt.Errorf("config: device %q: %w", d.Name, err)
		}
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("config: device %q register %q: %w", d.Name, r.Name, err)
		}
	}
	return nil
}

// Endpoint converts the device config into a typed endpoint.
func (d *DeviceConfig) Endpoint() (modbus.DeviceEndpoint, error) {
	var kind modbus.TransportKind
	switch d.Transport {
	case "", "tcp":
		kind = modbus.TCP
	case "rtu":
		kind = modbus.RTU
	default:
		return modbus.DeviceEndpoint{}, fmt.Errorf("config: device %q: unknown transport %q", d.Name, d.Transport)
	}

	port := d.Port
	if kind == modbus.TCP && port == 0 {
		port = modbus.DefaultPort
	}

	return modbus.DeviceEndpoint{
		Host:         d.Host,
		Port:         port,
		Kind:         kind,
		Unit:         modbus.UnitID(d.Unit),
		Timeout:      d.Timeout,
		PollInterval: d.PollInterval,
		BaudRate:     d.BaudRate,
	}, nil
}

// Entry converts the register config into a typed register map entry.
func (r *RegisterConfig) Entry() (modbus.RegisterMap, error) {
	rt, err := modbus.ParseRegisterType(r.Type)
	if err != nil {
		return modbus.RegisterMap{}, err
	}

	count := r.Count
	if count == 0 {
		count = 1
	}
	scale := r.Scale
	if scale == 0 {
		scale = 1
	}

	return modbus.RegisterMap{
		Name:     r.Name,
		Address:  r.Address,
		Type:     rt,
		Count:    count,
		Scale:    scale,
		Unit:     r.Unit,
		WordSwap: r.WordSwap,
	}, nil
}

// Entries converts all register configs of a device.
func (d *DeviceConfig) Entries() ([]modbus.RegisterMap, error) {
	entries := make([]modbus.RegisterMap, 0, len(d.Registers))
	for i := range d.Registers {
		entry, err := d.Registers[i].Entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

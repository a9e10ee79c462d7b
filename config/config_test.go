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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modbus "github.com/edgeo-scada/modbus-bridge"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
devices:
  - name: ahu-1
    host: 10.0.0.10
    port: 1502
    unit: 1
    timeout: 2s
    poll_interval: 5s
    registers:
      - name: supply_flow
        address: 0
        type: holding
        count: 2
        scale: 0.1
        unit: l/s
      - name: fan_running
        address: 10
        type: coil
server:
  enabled: true
  listen: ":1502"
  bank_size: 256
  write_hold: 10s
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  topic: bms/readings
  qos: 1
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Devices, 1)
	d := cfg.Devices[0]
	assert.Equal(t, "ahu-1", d.Name)
	assert.Equal(t, 2*time.Second, d.Timeout)
	assert.Equal(t, 5*time.Second, d.PollInterval)
	require.Len(t, d.Registers, 2)

	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, ":1502", cfg.Server.Listen)
	assert.Equal(t, 256, cfg.Server.BankSize)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteHold)

	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, uint8(1), cfg.MQTT.QoS)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
devices:
  - name: dev
    host: 10.0.0.10
    unit: 1
    registers:
      - name: value
        address: 0
        type: holding
`))
	require.NoError(t, err)

	assert.Equal(t, ":502", cfg.Server.Listen)
	assert.Equal(t, 1024, cfg.Server.BankSize)
	assert.Equal(t, 100, cfg.Server.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "modbus-bridge", cfg.MQTT.ClientID)
	assert.Equal(t, "bms/readings", cfg.MQTT.Topic)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no devices",
			yaml: `devices: []`,
			want: "at least one device",
		},
		{
			name: "bad unit",
			yaml: `
devices:
  - name: dev
    host: 10.0.0.10
    unit: 250
    registers:
      - {name: v, address: 0, type: holding}
`,
			want: "dev",
		},
		{
			name: "no registers",
			yaml: `
devices:
  - name: dev
    host: 10.0.0.10
    unit: 1
`,
			want: "no registers",
		},
		{
			name: "bad register type",
			yaml: `
devices:
  - name: dev
    host: 10.0.0.10
    unit: 1
    registers:
      - {name: v, address: 0, type: analog}
`,
			want: "analog",
		},
		{
			name: "address overflow",
			yaml: `
devices:
  - name: dev
    host: 10.0.0.10
    unit: 1
    registers:
      - {name: v, address: 65535, type: holding, count: 2}
`,
			want: "v",
		},
		{
			name: "bad transport",
			yaml: `
devices:
  - name: dev
    host: 10.0.0.10
    unit: 1
    transport: udp
    registers:
      - {name: v, address: 0, type: holding}
`,
			want: "udp",
		},
		{
			name: "server bank size",
			yaml: `
devices:
  - name: dev
    host: 10.0.0.10
    unit: 1
    registers:
      - {name: v, address: 0, type: holding}
server:
  enabled: true
  bank_size: 100000
`,
			want: "bank_size",
		},
		{
			name: "mqtt no broker",
			yaml: `
devices:
  - name: dev
    host: 10.0.0.10
    unit: 1
    registers:
      - {name: v, address: 0, type: holding}
mqtt:
  enabled: true
`,
			want: "mqtt.broker",
		},
		{
			name: "mqtt qos",
			yaml: `
devices:
  - name: dev
    host: 10.0.0.10
    unit: 1
    registers:
      - {name: v, address: 0, type: holding}
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  qos: 3
`,
			want: "qos",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDeviceConfig_Endpoint(t *testing.T) {
	tcp := DeviceConfig{Name: "dev", Host: "10.0.0.10", Unit: 3}
	endpoint, err := tcp.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, modbus.TCP, endpoint.Kind)
	assert.Equal(t, modbus.DefaultPort, endpoint.Port)
	assert.Equal(t, modbus.UnitID(3), endpoint.Unit)

	rtu := DeviceConfig{Name: "dev", Host: "/dev/ttyUSB0", Transport: "rtu", Unit: 1, BaudRate: 19200}
	endpoint, err = rtu.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, modbus.RTU, endpoint.Kind)
	assert.Equal(t, 19200, endpoint.BaudRate)
	assert.Equal(t, "/dev/ttyUSB0", endpoint.Addr())
}

func TestRegisterConfig_Entry(t *testing.T) {
	minimal := RegisterConfig{Name: "v", Address: 7, Type: "input"}
	entry, err := minimal.Entry()
	require.NoError(t, err)
	assert.Equal(t, modbus.InputRegister, entry.Type)
	assert.Equal(t, uint16(1), entry.Count)
	assert.Equal(t, 1.0, entry.Scale)

	full := RegisterConfig{Name: "e", Address: 0, Type: "holding", Count: 2, Scale: 0.01, WordSwap: true}
	entry, err = full.Entry()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), entry.Count)
	assert.Equal(t, 0.01, entry.Scale)
	assert.True(t, entry.WordSwap)
}

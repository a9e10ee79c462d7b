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

package modbus

import (
	"errors"
	"testing"
)

func TestParseRegisterType(t *testing.T) {
	tests := []struct {
		in   string
		want RegisterType
	}{
		{"coil", Coil},
		{"discrete", DiscreteInput},
		{"holding", HoldingRegister},
		{"input", InputRegister},
	}
	for _, tt := range tests {
		got, err := ParseRegisterType(tt.in)
		if err != nil {
			t.Errorf("ParseRegisterType(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRegisterType(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}

	if _, err := ParseRegisterType("bogus"); err == nil {
		t.Error("Expected error for unknown register type")
	}
}

func TestRegisterMap_Decode_SingleRegister(t *testing.T) {
	entry := RegisterMap{Name: "temp", Count: 1, Scale: 0.1}

	value := entry.Decode([]uint16{250})
	if value != 25.0 {
		t.Errorf("Expected 25.0, got %v", value)
	}
}

func TestRegisterMap_Decode_TwoRegisters(t *testing.T) {
	// Low word first: [250, 0] is the 32-bit value 250.
	entry := RegisterMap{Name: "flow", Count: 2, Scale: 0.1}

	value := entry.Decode([]uint16{250, 0})
	if value != 25.0 {
		t.Errorf("Expected 25.0, got %v", value)
	}
}

func TestRegisterMap_Decode_WordSwap(t *testing.T) {
	entry := RegisterMap{Name: "energy", Count: 2, Scale: 1, WordSwap: true}

	value := entry.Decode([]uint16{0x0001, 0x0000})
	if value != 65536 {
		t.Errorf("Expected 65536, got %v", value)
	}
}

func TestRegisterMap_Validate(t *testing.T) {
	valid := RegisterMap{Name: "ok", Address: 100, Type: HoldingRegister, Count: 2, Scale: 1}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid entry, got %v", err)
	}

	zeroCount := RegisterMap{Name: "bad", Count: 0, Scale: 1}
	if err := zeroCount.Validate(); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("Expected ErrInvalidQuantity, got %v", err)
	}

	overflow := RegisterMap{Name: "bad", Address: 65535, Count: 2, Scale: 1}
	if err := overflow.Validate(); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}

	zeroScale := RegisterMap{Name: "bad", Count: 1, Scale: 0}
	if err := zeroScale.Validate(); err == nil {
		t.Error("Expected error for zero scale")
	}
}

func TestDeviceEndpoint_Validate(t *testing.T) {
	valid := DeviceEndpoint{Host: "10.0.0.1", Port: 502, Kind: TCP, Unit: 1}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid endpoint, got %v", err)
	}

	badUnit := DeviceEndpoint{Host: "10.0.0.1", Port: 502, Kind: TCP, Unit: 248}
	if err := badUnit.Validate(); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress for unit 248, got %v", err)
	}

	noHost := DeviceEndpoint{Port: 502, Kind: TCP}
	if err := noHost.Validate(); err == nil {
		t.Error("Expected error for empty host")
	}
}

func TestDeviceEndpoint_Addr(t *testing.T) {
	tcp := DeviceEndpoint{Host: "10.0.0.1", Port: 502, Kind: TCP}
	if tcp.Addr() != "10.0.0.1:502" {
		t.Errorf("Expected 10.0.0.1:502, got %s", tcp.Addr())
	}

	rtu := DeviceEndpoint{Host: "/dev/ttyUSB0", Kind: RTU}
	if rtu.Addr() != "/dev/ttyUSB0" {
		t.Errorf("Expected /dev/ttyUSB0, got %s", rtu.Addr())
	}
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDegraded, "degraded"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String(): expected %q, got %q", tt.state, tt.want, got)
		}
	}
}

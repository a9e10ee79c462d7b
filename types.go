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

// Package modbus implements the dual-role Modbus layer of the BMS bridge:
// a polling client toward the external SCADA controller and a TCP server
// exposing the building-management system's own register bank.
package modbus

import (
	"fmt"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// MaxUnitID is the highest valid unit identifier.
const MaxUnitID UnitID = 247

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Standard Modbus function codes.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// String returns a human-readable name for the function code.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return "Unknown"
	}
}

// RegisterType identifies one of the four Modbus addressable data categories.
type RegisterType int

const (
	Coil RegisterType = iota
	DiscreteInput
	HoldingRegister
	InputRegister
)

// String returns the configuration name of the register type.
func (rt RegisterType) String() string {
	switch rt {
	case Coil:
		return "coil"
	case DiscreteInput:
		return "discrete"
	case HoldingRegister:
		return "holding"
	case InputRegister:
		return "input"
	default:
		return "unknown"
	}
}

// ParseRegisterType maps a configuration string to a RegisterType.
func ParseRegisterType(s string) (RegisterType, error) {
	switch s {
	case "coil", "coils":
		return Coil, nil
	case "discrete", "discrete_input", "discrete-input":
		return DiscreteInput, nil
	case "holding", "holding_register":
		return HoldingRegister, nil
	case "input", "input_register":
		return InputRegister, nil
	default:
		return 0, fmt.Errorf("modbus: unknown register type %q", s)
	}
}

// readFunction returns the read function code used for this register type.
func (rt RegisterType) readFunction() FunctionCode {
	switch rt {
	case Coil:
		return FuncReadCoils
	case DiscreteInput:
		return FuncReadDiscreteInputs
	case InputRegister:
		return FuncReadInputRegisters
	default:
		return FuncReadHoldingRegisters
	}
}

// IsBit reports whether the register type is bit-width (coils and discrete
// inputs) rather than word-width.
func (rt RegisterType) IsBit() bool {
	return rt == Coil || rt == DiscreteInput
}

// TransportKind selects the outbound transport framing.
type TransportKind int

const (
	TCP TransportKind = iota
	RTU
)

// String returns the configuration name of the transport kind.
func (k TransportKind) String() string {
	if k == RTU {
		return "rtu"
	}
	return "tcp"
}

// DeviceEndpoint identifies exactly one outbound connection to the external
// controller. It is built from configuration at startup and immutable
// thereafter.
type DeviceEndpoint struct {
	// Host is the controller host for TCP, or the serial device path for RTU.
	Host string
	// Port is the TCP port; ignored for RTU.
	Port int
	// Kind selects TCP (MBAP framing) or RTU (CRC framing).
	Kind TransportKind
	// Unit is the slave address of the controller (0-247).
	Unit UnitID
	// Timeout bounds every transaction on this endpoint.
	Timeout time.Duration
	// PollInterval is the recurring poll cycle period.
	PollInterval time.Duration
	// BaudRate applies to RTU endpoints only.
	BaudRate int
}

// Addr returns the dial address for TCP endpoints or the device path for RTU.
func (e DeviceEndpoint) Addr() string {
	if e.Kind == RTU {
		return e.Host
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Validate checks the endpoint against protocol limits.
func (e DeviceEndpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("modbus: endpoint host cannot be empty")
	}
	if e.Kind == TCP && (e.Port < 1 || e.Port > 65535) {
		return fmt.Errorf("modbus: endpoint port %d out of range", e.Port)
	}
	if e.Unit > MaxUnitID {
		return fmt.Errorf("%w: unit id %d exceeds %d", ErrInvalidAddress, e.Unit, MaxUnitID)
	}
	return nil
}

// RegisterMap describes one polled register range on the external controller
// and how its raw words decode into an engineering value.
type RegisterMap struct {
	// Name labels the reading in snapshots and the persistence feed.
	Name string
	// Address is the starting register address.
	Address uint16
	// Type is the register category to read.
	Type RegisterType
	// Count is the number of registers (or bits) to read.
	Count uint16
	// Scale multiplies the decoded raw value; must be nonzero.
	Scale float64
	// Unit is a free-form engineering unit label ("degC", "%RH", ...).
	Unit string
	// WordSwap decodes two-register values high word first instead of the
	// default low word first.
	WordSwap bool
}

// Validate checks the map entry against the 16-bit address space.
func (m RegisterMap) Validate() error {
	if m.Count == 0 {
		return fmt.Errorf("%w: count cannot be zero", ErrInvalidQuantity)
	}
	if uint32(m.Address)+uint32(m.Count) > 65536 {
		return fmt.Errorf("%w: %d+%d exceeds address space", ErrInvalidAddress, m.Address, m.Count)
	}
	if m.Scale == 0 {
		return fmt.Errorf("modbus: register map %q has zero scale factor", m.Name)
	}
	return nil
}

// Decode converts raw register words into the scaled engineering value.
// Single registers decode as the word itself; two registers combine into a
// 32-bit value, low word first unless WordSwap is set. Longer ranges decode
// as the first word (remaining words stay raw in the cache).
func (m RegisterMap) Decode(words []uint16) float64 {
	if len(words) == 0 {
		return 0
	}
	var raw uint32
	switch {
	case len(words) >= 2 && m.WordSwap:
		raw = uint32(words[0])<<16 | uint32(words[1])
	case len(words) >= 2:
		raw = uint32(words[1])<<16 | uint32(words[0])
	default:
		raw = uint32(words[0])
	}
	return float64(raw) * m.Scale
}

// ConnectionState represents the Connection Supervisor's state. It is stored
// as a single machine word so readers never take a lock that an operation in
// flight could hold.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils per read/write.
	MaxQuantityCoils = 2000

	// MaxQuantityRegisters is the maximum number of registers per read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers per write.
	MaxQuantityWriteRegisters = 123

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultTimeout is the default timeout for Modbus operations.
	DefaultTimeout = 5 * time.Second

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

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

import "fmt"

// RTU framing: unit id (1) + PDU (1-253) + CRC-16 (2), frames delimited by
// inter-frame silence on the serial line.
const (
	RTUMinFrameSize = 4   // unit id + function code + CRC
	RTUMaxFrameSize = 256 // 1 + 253 + 2
)

// crcTable is the precomputed CRC-16/MODBUS table (polynomial 0xA001).
var crcTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for b := 0; b < 8; b++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 computes the CRC-16/MODBUS checksum of data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc>>8 ^ crcTable[byte(crc)^b]
	}
	return crc
}

// EncodeRTU wraps a PDU into an RTU ADU with a trailing little-endian CRC.
func EncodeRTU(unit UnitID, pdu []byte) []byte {
	adu := make([]byte, 0, 1+len(pdu)+2)
	adu = append(adu, byte(unit))
	adu = append(adu, pdu...)
	crc := CRC16(adu)
	adu = append(adu, byte(crc), byte(crc>>8))
	return adu
}

// DecodeRTU validates the CRC of an RTU ADU and returns the unit id and PDU.
func DecodeRTU(adu []byte) (UnitID, []byte, error) {
	if len(adu) < RTUMinFrameSize {
		return 0, nil, fmt.Errorf("%w: RTU frame too short (%d bytes)", ErrInvalidFrame, len(adu))
	}
	if len(adu) > RTUMaxFrameSize {
		return 0, nil, fmt.Errorf("%w: RTU frame too long (%d bytes)", ErrInvalidFrame, len(adu))
	}
	body := adu[:len(adu)-2]
	want := uint16(adu[len(adu)-2]) | uint16(adu[len(adu)-1])<<8
	if got := CRC16(body); got != want {
		return 0, nil, fmt.Errorf("%w: got %04X, want %04X", ErrInvalidCRC, got, want)
	}
	pdu := make([]byte, len(body)-1)
	copy(pdu, body[1:])
	return UnitID(adu[0]), pdu, nil
}

// RTUResponseLength returns the expected response ADU length for a request
// PDU, so the serial reader knows how many bytes to wait for. Returns 0 when
// the length depends on the response payload (reader must fall back to the
// byte-count field).
func RTUResponseLength(reqPDU []byte) int {
	if len(reqPDU) < 5 {
		return 0
	}
	fc := FunctionCode(reqPDU[0])
	qty := uint16(reqPDU[3])<<8 | uint16(reqPDU[4])
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		return 1 + 2 + int((qty+7)/8) + 2
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		return 1 + 2 + int(qty)*2 + 2
	case FuncWriteSingleCoil, FuncWriteSingleRegister,
		FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return 1 + 5 + 2
	default:
		return 0
	}
}

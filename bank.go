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
	"fmt"
	"sync"
	"time"
)

// DefaultWriteHold is how long a cell written by an inbound master is
// protected from being overwritten by the next synchronization pass.
const DefaultWriteHold = 10 * time.Second

// RegisterBank is the in-memory register image the server exposes to inbound
// masters. It holds all four register spaces behind one lock so a
// multi-register read always observes a consistent snapshot.
//
// Two write paths exist: inbound masters write through the Write methods,
// which mark the cells as externally modified; the poll loop pushes device
// values through the Sync methods, which skip marked cells until the hold
// period expires. Without the guard a master's setpoint would be clobbered
// by the next poll cycle before the device had acted on it.
type RegisterBank struct {
	mu        sync.RWMutex
	coils     []bool
	discretes []bool
	holding   []uint16
	input     []uint16

	heldCoils    map[uint16]time.Time
	heldHoldings map[uint16]time.Time
	writeHold    time.Duration
	now          func() time.Time
}

// NewRegisterBank creates a bank with size cells in each register space.
func NewRegisterBank(size int) *RegisterBank {
	return &RegisterBank{
		coils:        make([]bool, size),
		discretes:    make([]bool, size),
		holding:      make([]uint16, size),
		input:        make([]uint16, size),
		heldCoils:    make(map[uint16]time.Time),
		heldHoldings: make(map[uint16]time.Time),
		writeHold:    DefaultWriteHold,
		now:          time.Now,
	}
}

// SetWriteHold changes how long externally written cells are protected.
func (b *RegisterBank) SetWriteHold(d time.Duration) {
	b.mu.Lock()
	b.writeHold = d
	b.mu.Unlock()
}

// Size returns the number of cells per register space.
func (b *RegisterBank) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.holding)
}

func (b *RegisterBank) checkRange(addr, count uint16, size int) error {
	if count == 0 {
		return ErrInvalidQuantity
	}
	if uint32(addr)+uint32(count) > uint32(size) {
		return fmt.Errorf("%w: range %d+%d exceeds bank size %d",
			ErrInvalidAddress, addr, count, size)
	}
	return nil
}

// ReadBits reads coils or discrete inputs.
func (b *RegisterBank) ReadBits(rt RegisterType, addr, count uint16) ([]bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var space []bool
	switch rt {
	case Coil:
		space = b.coils
	case DiscreteInput:
		space = b.discretes
	default:
		return nil, fmt.Errorf("modbus: %s is not a bit register type", rt)
	}
	if err := b.checkRange(addr, count, len(space)); err != nil {
		return nil, err
	}
	out := make([]bool, count)
	copy(out, space[addr:int(addr)+int(count)])
	return out, nil
}

// ReadWords reads holding or input registers.
func (b *RegisterBank) ReadWords(rt RegisterType, addr, count uint16) ([]uint16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var space []uint16
	switch rt {
	case HoldingRegister:
		space = b.holding
	case InputRegister:
		space = b.input
	default:
		return nil, fmt.Errorf("modbus: %s is not a word register type", rt)
	}
	if err := b.checkRange(addr, count, len(space)); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	copy(out, space[addr:int(addr)+int(count)])
	return out, nil
}

// WriteCoils applies an inbound master's coil write and marks the cells.
func (b *RegisterBank) WriteCoils(addr uint16, values []bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(addr, uint16(len(values)), len(b.coils)); err != nil {
		return err
	}
	held := b.now().Add(b.writeHold)
	for i, v := range values {
		cell := addr + uint16(i)
		b.coils[cell] = v
		b.heldCoils[cell] = held
	}
	return nil
}

// WriteRegisters applies an inbound master's holding register write and
// marks the cells.
func (b *RegisterBank) WriteRegisters(addr uint16, values []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(addr, uint16(len(values)), len(b.holding)); err != nil {
		return err
	}
	held := b.now().Add(b.writeHold)
	for i, v := range values {
		cell := addr + uint16(i)
		b.holding[cell] = v
		b.heldHoldings[cell] = held
	}
	return nil
}

// SyncWords pushes polled device values into the bank. Holding cells still
// inside their write-hold window keep the master's value; input registers
// have no inbound writers and always take the device value.
func (b *RegisterBank) SyncWords(rt RegisterType, addr uint16, values []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch rt {
	case InputRegister:
		if err := b.checkRange(addr, uint16(len(values)), len(b.input)); err != nil {
			return err
		}
		copy(b.input[addr:], values)
	case HoldingRegister:
		if err := b.checkRange(addr, uint16(len(values)), len(b.holding)); err != nil {
			return err
		}
		now := b.now()
		for i, v := range values {
			cell := addr + uint16(i)
			if until, held := b.heldHoldings[cell]; held {
				if now.Before(until) {
					continue
				}
				delete(b.heldHoldings, cell)
			}
			b.holding[cell] = v
		}
	default:
		return fmt.Errorf("modbus: %s is not a word register type", rt)
	}
	return nil
}

// SyncBits pushes polled device bits into the bank, honoring write holds on
// coils the same way SyncWords does on holding registers.
func (b *RegisterBank) SyncBits(rt RegisterType, addr uint16, values []bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch rt {
	case DiscreteInput:
		if err := b.checkRange(addr, uint16(len(values)), len(b.discretes)); err != nil {
			return err
		}
		copy(b.discretes[addr:], values)
	case Coil:
		if err := b.checkRange(addr, uint16(len(values)), len(b.coils)); err != nil {
			return err
		}
		now := b.now()
		for i, v := range values {
			cell := addr + uint16(i)
			if until, held := b.heldCoils[cell]; held {
				if now.Before(until) {
					continue
				}
				delete(b.heldCoils, cell)
			}
			b.coils[cell] = v
		}
	default:
		return fmt.Errorf("modbus: %s is not a bit register type", rt)
	}
	return nil
}

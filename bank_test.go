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
	"sync"
	"testing"
	"time"
)

func TestRegisterBank_ReadWriteWords(t *testing.T) {
	bank := NewRegisterBank(64)

	if err := bank.WriteRegisters(10, []uint16{1, 2, 3}); err != nil {
		t.Fatalf("WriteRegisters: %v", err)
	}

	values, err := bank.ReadWords(HoldingRegister, 10, 3)
	if err != nil {
		t.Fatalf("ReadWords: %v", err)
	}
	if values[0] != 1 || values[1] != 2 || values[2] != 3 {
		t.Errorf("Expected [1 2 3], got %v", values)
	}
}

func TestRegisterBank_OutOfRange(t *testing.T) {
	bank := NewRegisterBank(16)

	if _, err := bank.ReadWords(HoldingRegister, 14, 4); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
	if err := bank.WriteRegisters(16, []uint16{1}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
	if _, err := bank.ReadWords(HoldingRegister, 0, 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("Expected ErrInvalidQuantity, got %v", err)
	}
}

func TestRegisterBank_SyncSkipsHeldCells(t *testing.T) {
	bank := NewRegisterBank(16)
	bank.SetWriteHold(time.Hour)

	// Master writes a setpoint.
	if err := bank.WriteRegisters(5, []uint16{1000}); err != nil {
		t.Fatalf("WriteRegisters: %v", err)
	}

	// The next poll must not clobber it.
	if err := bank.SyncWords(HoldingRegister, 4, []uint16{10, 20, 30}); err != nil {
		t.Fatalf("SyncWords: %v", err)
	}

	values, err := bank.ReadWords(HoldingRegister, 4, 3)
	if err != nil {
		t.Fatalf("ReadWords: %v", err)
	}
	if values[0] != 10 {
		t.Errorf("Unheld cell 4: expected 10, got %d", values[0])
	}
	if values[1] != 1000 {
		t.Errorf("Held cell 5: expected 1000, got %d", values[1])
	}
	if values[2] != 30 {
		t.Errorf("Unheld cell 6: expected 30, got %d", values[2])
	}
}

func TestRegisterBank_HoldExpires(t *testing.T) {
	bank := NewRegisterBank(16)
	bank.SetWriteHold(time.Minute)

	now := time.Now()
	bank.now = func() time.Time { return now }

	if err := bank.WriteRegisters(5, []uint16{1000}); err != nil {
		t.Fatalf("WriteRegisters: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := bank.SyncWords(HoldingRegister, 5, []uint16{42}); err != nil {
		t.Fatalf("SyncWords: %v", err)
	}

	values, _ := bank.ReadWords(HoldingRegister, 5, 1)
	if values[0] != 42 {
		t.Errorf("Expected sync to win after hold expiry, got %d", values[0])
	}
}

func TestRegisterBank_CoilHold(t *testing.T) {
	bank := NewRegisterBank(16)
	bank.SetWriteHold(time.Hour)

	if err := bank.WriteCoils(3, []bool{true}); err != nil {
		t.Fatalf("WriteCoils: %v", err)
	}
	if err := bank.SyncBits(Coil, 3, []bool{false}); err != nil {
		t.Fatalf("SyncBits: %v", err)
	}

	bits, _ := bank.ReadBits(Coil, 3, 1)
	if !bits[0] {
		t.Error("Held coil must keep the master's value")
	}
}

func TestRegisterBank_InputAndDiscreteAlwaysSync(t *testing.T) {
	bank := NewRegisterBank(16)

	if err := bank.SyncWords(InputRegister, 0, []uint16{7}); err != nil {
		t.Fatalf("SyncWords: %v", err)
	}
	if err := bank.SyncBits(DiscreteInput, 0, []bool{true}); err != nil {
		t.Fatalf("SyncBits: %v", err)
	}

	words, _ := bank.ReadWords(InputRegister, 0, 1)
	if words[0] != 7 {
		t.Errorf("Input register: expected 7, got %d", words[0])
	}
	bits, _ := bank.ReadBits(DiscreteInput, 0, 1)
	if !bits[0] {
		t.Error("Discrete input should take the synced value")
	}
}

func TestRegisterBank_WrongSpaceType(t *testing.T) {
	bank := NewRegisterBank(16)

	if _, err := bank.ReadWords(Coil, 0, 1); err == nil {
		t.Error("Expected error reading coils as words")
	}
	if _, err := bank.ReadBits(HoldingRegister, 0, 1); err == nil {
		t.Error("Expected error reading holdings as bits")
	}
}

func TestRegisterBank_ConcurrentAccess(t *testing.T) {
	bank := NewRegisterBank(256)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				// Writers keep the pair equal; readers must never
				// observe a torn pair.
				v := uint16(n*100 + j)
				bank.WriteRegisters(0, []uint16{v, v})
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 500; j++ {
			values, err := bank.ReadWords(HoldingRegister, 0, 2)
			if err != nil {
				t.Errorf("ReadWords: %v", err)
				return
			}
			if values[0] != values[1] {
				t.Errorf("Torn read: %v", values)
				return
			}
		}
	}()
	wg.Wait()
}

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
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func startTestServer(t *testing.T, bank *RegisterBank, opts ...ServerOption) (*Server, DeviceEndpoint) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := NewServer(bank, opts...)
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	addr := listener.Addr().(*net.TCPAddr)
	endpoint := DeviceEndpoint{
		Host:    "127.0.0.1",
		Port:    addr.Port,
		Kind:    TCP,
		Unit:    1,
		Timeout: 2 * time.Second,
	}
	return server, endpoint
}

func connectTestClient(t *testing.T, endpoint DeviceEndpoint, opts ...Option) *Client {
	t.Helper()

	client, err := NewClient(endpoint, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestServer_ReadHoldingRegisters(t *testing.T) {
	bank := NewRegisterBank(128)
	if err := bank.SyncWords(HoldingRegister, 10, []uint16{250, 0}); err != nil {
		t.Fatalf("SyncWords: %v", err)
	}

	_, endpoint := startTestServer(t, bank)
	client := connectTestClient(t, endpoint, WithCacheTTL(0))

	values, err := client.Read(context.Background(), HoldingRegister, 10, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if values[0] != 250 || values[1] != 0 {
		t.Errorf("Expected [250 0], got %v", values)
	}
}

func TestServer_ReadCoils(t *testing.T) {
	bank := NewRegisterBank(128)
	if err := bank.SyncBits(Coil, 0, []bool{true, false, true}); err != nil {
		t.Fatalf("SyncBits: %v", err)
	}

	_, endpoint := startTestServer(t, bank)
	client := connectTestClient(t, endpoint, WithCacheTTL(0))

	values, err := client.Read(context.Background(), Coil, 0, 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if values[0] != 1 || values[1] != 0 || values[2] != 1 {
		t.Errorf("Expected [1 0 1], got %v", values)
	}
}

func TestServer_WriteThenRead(t *testing.T) {
	bank := NewRegisterBank(128)
	_, endpoint := startTestServer(t, bank)
	client := connectTestClient(t, endpoint, WithCacheTTL(0))

	ctx := context.Background()
	if err := client.Write(ctx, 5, []uint16{0x1234, 0x5678}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	values, err := client.Read(ctx, HoldingRegister, 5, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if values[0] != 0x1234 || values[1] != 0x5678 {
		t.Errorf("Expected [1234 5678], got %04x", values)
	}
}

func TestServer_WriteSingleRegister(t *testing.T) {
	bank := NewRegisterBank(128)
	_, endpoint := startTestServer(t, bank)
	client := connectTestClient(t, endpoint, WithCacheTTL(0))

	if err := client.Write(context.Background(), 7, []uint16{42}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	values, err := bank.ReadWords(HoldingRegister, 7, 1)
	if err != nil {
		t.Fatalf("ReadWords: %v", err)
	}
	if values[0] != 42 {
		t.Errorf("Expected 42, got %d", values[0])
	}
}

func TestServer_WriteCoil(t *testing.T) {
	bank := NewRegisterBank(128)
	_, endpoint := startTestServer(t, bank)
	client := connectTestClient(t, endpoint, WithCacheTTL(0))

	if err := client.WriteCoil(context.Background(), 3, true); err != nil {
		t.Fatalf("WriteCoil: %v", err)
	}

	bits, err := bank.ReadBits(Coil, 3, 1)
	if err != nil {
		t.Fatalf("ReadBits: %v", err)
	}
	if !bits[0] {
		t.Error("Expected coil 3 to be on")
	}
}

func TestServer_IllegalDataAddress(t *testing.T) {
	bank := NewRegisterBank(16)
	_, endpoint := startTestServer(t, bank)
	client := connectTestClient(t, endpoint, WithCacheTTL(0))

	_, err := client.Read(context.Background(), HoldingRegister, 100, 5)
	if !IsIllegalDataAddress(err) {
		t.Errorf("Expected illegal data address exception, got %v", err)
	}
}

func TestServer_IllegalFunction(t *testing.T) {
	bank := NewRegisterBank(16)
	_, endpoint := startTestServer(t, bank)

	conn, err := net.Dial("tcp", endpoint.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// FC 0x2B is not supported.
	req := Frame{
		Header: MBAPHeader{TransactionID: 1, UnitID: 1},
		PDU:    []byte{0x2B, 0x00, 0x00},
	}
	if _, err := conn.Write(req.Encode()); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if resp.PDU[0] != 0x2B|0x80 {
		t.Errorf("Expected exception flag, got %02X", resp.PDU[0])
	}
	if ExceptionCode(resp.PDU[1]) != ExceptionIllegalFunction {
		t.Errorf("Expected illegal function, got %02X", resp.PDU[1])
	}
}

func TestServer_MalformedFrameClosesOnlyThatConnection(t *testing.T) {
	bank := NewRegisterBank(16)
	_, endpoint := startTestServer(t, bank)

	bad, err := net.Dial("tcp", endpoint.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer bad.Close()

	// Nonzero protocol ID makes the frame unreadable.
	if _, err := bad.Write([]byte{0x00, 0x01, 0x00, 0x09, 0x00, 0x02, 0x01, 0x03}); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 1)
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bad.Read(buf); err == nil {
		t.Error("Expected the malformed connection to be closed")
	}

	// A well-behaved master still gets service.
	client := connectTestClient(t, endpoint, WithCacheTTL(0))
	if _, err := client.Read(context.Background(), HoldingRegister, 0, 1); err != nil {
		t.Errorf("Read on healthy connection failed: %v", err)
	}
}

func TestServer_SharedStats(t *testing.T) {
	stats := NewStats()
	bank := NewRegisterBank(16)
	_, endpoint := startTestServer(t, bank, WithServerStats(stats))
	client := connectTestClient(t, endpoint, WithCacheTTL(0))

	ctx := context.Background()
	if _, err := client.Read(ctx, HoldingRegister, 0, 1); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := client.Write(ctx, 0, []uint16{1}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	snap := stats.Snapshot()
	if snap.SuccessfulReads != 1 {
		t.Errorf("SuccessfulReads: expected 1, got %d", snap.SuccessfulReads)
	}
	if snap.SuccessfulWrites != 1 {
		t.Errorf("SuccessfulWrites: expected 1, got %d", snap.SuccessfulWrites)
	}
}

func TestServer_UnitIDFiltering(t *testing.T) {
	bank := NewRegisterBank(16)
	if err := bank.SyncWords(HoldingRegister, 0, []uint16{7}); err != nil {
		t.Fatalf("SyncWords: %v", err)
	}
	_, endpoint := startTestServer(t, bank, WithUnitID(1))

	ctx := context.Background()

	served := connectTestClient(t, endpoint, WithCacheTTL(0))
	values, err := served.Read(ctx, HoldingRegister, 0, 1)
	if err != nil {
		t.Fatalf("Read as unit 1: %v", err)
	}
	if values[0] != 7 {
		t.Errorf("Expected 7, got %d", values[0])
	}

	// A request for another unit is dropped without a response.
	other := endpoint
	other.Unit = 5
	other.Timeout = 100 * time.Millisecond
	mismatched := connectTestClient(t, other, WithCacheTTL(0))
	if _, err := mismatched.Read(ctx, HoldingRegister, 0, 1); !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected silence for unit 5, got %v", err)
	}

	// Unit 0 is the broadcast address and is always served.
	broadcast := endpoint
	broadcast.Unit = 0
	bcast := connectTestClient(t, broadcast, WithCacheTTL(0))
	if _, err := bcast.Read(ctx, HoldingRegister, 0, 1); err != nil {
		t.Errorf("Read as unit 0: %v", err)
	}
}

func TestServer_Close(t *testing.T) {
	bank := NewRegisterBank(16)
	server, endpoint := startTestServer(t, bank)

	conn, err := net.Dial("tcp", endpoint.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if server.ActiveConnections() != 0 {
		t.Errorf("Expected 0 active connections, got %d", server.ActiveConnections())
	}

	// Close is idempotent.
	if err := server.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
}

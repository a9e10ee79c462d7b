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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Server exposes a RegisterBank to inbound Modbus TCP masters. Each accepted
// master runs on its own goroutine; a malformed frame closes only that
// master's connection.
type Server struct {
	bank *RegisterBank
	opts *serverOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
	stats    *Stats
}

// NewServer creates a server over the given register bank.
func NewServer(bank *RegisterBank, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	stats := options.stats
	if stats == nil {
		stats = NewStats()
	}

	return &Server{
		bank:  bank,
		opts:  options,
		conns: make(map[net.Conn]struct{}),
		stats: stats,
	}
}

// Stats returns the statistics aggregate the server reports into.
func (s *Server) Stats() *Stats {
	return s.stats
}

// Bank returns the register bank the server serves.
func (s *Server) Bank() *RegisterBank {
	return s.bank
}

// ListenAndServe starts the server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ListenAndServeContext starts the server and shuts it down when ctx ends.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s.Serve(listener)
}

// Serve accepts masters on the given listener until Close.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting, closes every master connection, and waits for the
// per-connection goroutines to drain.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("server stopped")
	return err
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of connected masters.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		// Done last so Close's Wait returns only after the connection is
		// fully accounted for.
		s.wg.Done()
	}()

	s.opts.logger.Debug("connection accepted",
		slog.String("remote", conn.RemoteAddr().String()))

	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}

		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(s.opts.readTimeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && atomic.LoadInt32(&s.closed) == 0 {
				// Idle masters time out routinely; only real framing
				// faults are worth a log line.
				if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
					s.opts.logger.Debug("read error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}
			return
		}

		response := s.processRequest(frame)
		if response == nil {
			// Request addressed to another unit; stay silent.
			continue
		}

		if s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(timeNow().Add(s.opts.readTimeout))
		}

		if _, err := conn.Write(response.Encode()); err != nil {
			s.opts.logger.Debug("write error",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}
	}
}

// processRequest serves one request frame. It returns nil when the request
// is addressed to a different unit than the server is configured for.
func (s *Server) processRequest(req *Frame) *Frame {
	if !s.servesUnit(req.Header.UnitID) {
		s.opts.logger.Debug("ignoring request for other unit",
			slog.Uint64("unit_id", uint64(req.Header.UnitID)),
			slog.Uint64("served_unit", uint64(s.opts.unitID)))
		return nil
	}

	resp := &Frame{
		Header: MBAPHeader{
			TransactionID: req.Header.TransactionID,
			ProtocolID:    ProtocolID,
			UnitID:        req.Header.UnitID,
		},
	}

	if len(req.PDU) < 1 {
		resp.PDU = buildException(0, ExceptionIllegalFunction)
		return resp
	}

	fc := FunctionCode(req.PDU[0])

	s.opts.logger.Debug("processing request",
		slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(req.Header.UnitID)),
		slog.String("func", fc.String()))

	start := timeNow()
	var pdu []byte
	var err error
	isWrite := false

	switch fc {
	case FuncReadCoils:
		pdu, err = s.handleReadBits(Coil, req.PDU)
	case FuncReadDiscreteInputs:
		pdu, err = s.handleReadBits(DiscreteInput, req.PDU)
	case FuncReadHoldingRegisters:
		pdu, err = s.handleReadWords(HoldingRegister, req.PDU)
	case FuncReadInputRegisters:
		pdu, err = s.handleReadWords(InputRegister, req.PDU)
	case FuncWriteSingleCoil:
		isWrite = true
		pdu, err = s.handleWriteSingleCoil(req.PDU)
	case FuncWriteSingleRegister:
		isWrite = true
		pdu, err = s.handleWriteSingleRegister(req.PDU)
	case FuncWriteMultipleCoils:
		isWrite = true
		pdu, err = s.handleWriteMultipleCoils(req.PDU)
	case FuncWriteMultipleRegisters:
		isWrite = true
		pdu, err = s.handleWriteMultipleRegisters(req.PDU)
	default:
		pdu = buildException(fc, ExceptionIllegalFunction)
	}

	if err != nil {
		pdu = s.mapBankError(fc, err)
	}

	elapsed := timeNow().Sub(start)
	ok := err == nil && !isExceptionPDU(pdu)
	if isWrite {
		s.stats.RecordWrite(ok, elapsed)
	} else {
		s.stats.RecordRead(ok, elapsed)
	}

	resp.PDU = pdu
	return resp
}

// servesUnit validates the inbound unit identifier. Unit 0 is the broadcast
// address and 255 is the MBAP placeholder for unit-agnostic masters; both are
// always served.
func (s *Server) servesUnit(unit UnitID) bool {
	if s.opts.unitID == 0 {
		return true
	}
	return unit == s.opts.unitID || unit == 0 || unit == 255
}

func buildException(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(ec)}
}

func isExceptionPDU(pdu []byte) bool {
	return len(pdu) > 0 && pdu[0]&0x80 != 0
}

// mapBankError converts bank errors into the wire exception: range faults
// become IllegalDataAddress, anything else ServerDeviceFailure.
func (s *Server) mapBankError(fc FunctionCode, err error) []byte {
	if errors.Is(err, ErrInvalidAddress) {
		return buildException(fc, ExceptionIllegalDataAddress)
	}
	if errors.Is(err, ErrInvalidQuantity) {
		return buildException(fc, ExceptionIllegalDataValue)
	}
	s.opts.logger.Error("request failed",
		slog.String("func", fc.String()),
		slog.String("error", err.Error()))
	return buildException(fc, ExceptionServerDeviceFailure)
}

func (s *Server) handleReadBits(rt RegisterType, pdu []byte) ([]byte, error) {
	fc := FunctionCode(pdu[0])
	if len(pdu) < 5 {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > MaxQuantityCoils {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return buildException(fc, ExceptionIllegalDataAddress), nil
	}

	values, err := s.bank.ReadBits(rt, addr, qty)
	if err != nil {
		return nil, err
	}

	byteCount := (qty + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(fc)
	resp[1] = byte(byteCount)
	for i, v := range values {
		if v {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp, nil
}

func (s *Server) handleReadWords(rt RegisterType, pdu []byte) ([]byte, error) {
	fc := FunctionCode(pdu[0])
	if len(pdu) < 5 {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > MaxQuantityRegisters {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return buildException(fc, ExceptionIllegalDataAddress), nil
	}

	values, err := s.bank.ReadWords(rt, addr, qty)
	if err != nil {
		return nil, err
	}

	byteCount := qty * 2
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(fc)
	resp[1] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(resp[2+i*2:], v)
	}
	return resp, nil
}

func (s *Server) handleWriteSingleCoil(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return buildException(FuncWriteSingleCoil, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	var on bool
	if value == CoilOn {
		on = true
	} else if value != CoilOff {
		return buildException(FuncWriteSingleCoil, ExceptionIllegalDataValue), nil
	}

	if err := s.bank.WriteCoils(addr, []bool{on}); err != nil {
		return nil, err
	}

	// Echo request as response.
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (s *Server) handleWriteSingleRegister(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return buildException(FuncWriteSingleRegister, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	if err := s.bank.WriteRegisters(addr, []uint16{value}); err != nil {
		return nil, err
	}

	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (s *Server) handleWriteMultipleCoils(pdu []byte) ([]byte, error) {
	if len(pdu) < 6 {
		return buildException(FuncWriteMultipleCoils, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])

	if qty < 1 || qty > MaxQuantityCoils {
		return buildException(FuncWriteMultipleCoils, ExceptionIllegalDataValue), nil
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return buildException(FuncWriteMultipleCoils, ExceptionIllegalDataAddress), nil
	}

	expectedBytes := int((qty + 7) / 8)
	if byteCount != expectedBytes || len(pdu) < 6+byteCount {
		return buildException(FuncWriteMultipleCoils, ExceptionIllegalDataValue), nil
	}

	values := make([]bool, qty)
	for i := uint16(0); i < qty; i++ {
		values[i] = (pdu[6+i/8] & (1 << (i % 8))) != 0
	}

	if err := s.bank.WriteCoils(addr, values); err != nil {
		return nil, err
	}

	resp := make([]byte, 5)
	resp[0] = byte(FuncWriteMultipleCoils)
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], qty)
	return resp, nil
}

func (s *Server) handleWriteMultipleRegisters(pdu []byte) ([]byte, error) {
	if len(pdu) < 6 {
		return buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])

	if qty < 1 || qty > MaxQuantityWriteRegisters {
		return buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataAddress), nil
	}

	expectedBytes := int(qty * 2)
	if byteCount != expectedBytes || len(pdu) < 6+byteCount {
		return buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}

	values := make([]uint16, qty)
	for i := uint16(0); i < qty; i++ {
		values[i] = binary.BigEndian.Uint16(pdu[6+i*2:])
	}

	if err := s.bank.WriteRegisters(addr, values); err != nil {
		return nil, err
	}

	resp := make([]byte, 5)
	resp[0] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], qty)
	return resp, nil
}

// timeNow is a variable for testing.
var timeNow = time.Now

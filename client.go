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
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/edgeo-scada/modbus-bridge/internal/transport"
)

// Client is the outbound Modbus master talking to the external controller.
// It frames requests for the endpoint's transport (MBAP over TCP, CRC over
// RTU serial), caches read results, and reports every operation outcome to
// the connection supervisor and the shared statistics aggregate.
type Client struct {
	endpoint DeviceEndpoint
	opts     *clientOptions

	link       transport.Link
	supervisor *Supervisor
	cache      *Cache
	stats      *Stats
	txIDGen    TransactionIDGenerator
	logger     *slog.Logger
}

// NewClient creates a client for one device endpoint. The endpoint is
// validated up front; geometry errors surface here, not on first use.
func NewClient(endpoint DeviceEndpoint, opts ...Option) (*Client, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if endpoint.Timeout > 0 {
		options.timeout = endpoint.Timeout
	}

	var link transport.Link
	switch endpoint.Kind {
	case RTU:
		link = transport.NewSerialLink(endpoint.Host, endpoint.BaudRate, options.timeout)
	default:
		link = transport.NewTCPLink(endpoint.Addr(), options.timeout)
	}

	stats := options.stats
	if stats == nil {
		stats = NewStats()
	}

	logger := options.logger.With(slog.String("endpoint", endpoint.Addr()))

	c := &Client{
		endpoint: endpoint,
		opts:     options,
		link:     link,
		cache:    NewCache(),
		stats:    stats,
		logger:   logger,
	}
	c.supervisor = NewSupervisor(link.Connect, stats, append(opts, WithLogger(logger))...)
	return c, nil
}

// Connect performs one synchronous connection attempt. On failure the
// supervisor keeps retrying in the background with exponential backoff.
func (c *Client) Connect(ctx context.Context) error {
	return c.supervisor.Connect(ctx)
}

// Close permanently shuts down the client.
func (c *Client) Close() error {
	c.supervisor.Close()
	c.cache.Clear()
	return c.link.Close()
}

// State returns the supervisor's current connection state.
func (c *Client) State() ConnectionState {
	return c.supervisor.State()
}

// Endpoint returns the endpoint this client talks to.
func (c *Client) Endpoint() DeviceEndpoint {
	return c.endpoint
}

// Stats returns the statistics aggregate the client reports into.
func (c *Client) Stats() *Stats {
	return c.stats
}

// SweepCache drops expired cache entries and returns how many were removed.
func (c *Client) SweepCache() int {
	return c.cache.Sweep()
}

// Read reads count registers (or bits) of the given type starting at addr.
// Bit types come back as one word per bit, 0 or 1, so callers and the cache
// handle a single value shape. A fresh cached result is returned without a
// wire transaction; otherwise the result is fetched and cached.
func (c *Client) Read(ctx context.Context, rt RegisterType, addr, count uint16) ([]uint16, error) {
	key := CacheKey{Unit: c.endpoint.Unit, Address: addr, Count: count, Type: rt}
	if values := c.cache.Get(key); values != nil {
		c.logger.Debug("cache hit",
			slog.String("type", rt.String()),
			slog.Uint64("addr", uint64(addr)),
			slog.Uint64("count", uint64(count)))
		return values, nil
	}

	pdu, err := BuildReadPDU(rt, addr, count)
	if err != nil {
		// Geometry faults count like any other failed call; they just
		// never reach the wire or the supervisor.
		c.stats.RecordRead(false, 0)
		return nil, err
	}

	start := time.Now()
	resp, err := c.exchange(ctx, pdu)
	elapsed := time.Since(start)

	if err != nil {
		c.stats.RecordRead(false, elapsed)
		c.reportFailure(err)
		return nil, err
	}

	var values []uint16
	if rt.IsBit() {
		bits, perr := ParseBitsResponse(resp, count)
		if perr != nil {
			c.stats.RecordRead(false, elapsed)
			c.reportFailure(perr)
			return nil, perr
		}
		values = make([]uint16, len(bits))
		for i, b := range bits {
			if b {
				values[i] = 1
			}
		}
	} else {
		values, err = ParseRegistersResponse(resp, count)
		if err != nil {
			c.stats.RecordRead(false, elapsed)
			c.reportFailure(err)
			return nil, err
		}
	}

	c.stats.RecordRead(true, elapsed)
	c.supervisor.ReportSuccess()
	c.cache.Put(key, values, c.opts.cacheTTL)
	return values, nil
}

// Write writes values to holding registers starting at addr, using the
// single-register function for one value and the multiple-register function
// otherwise. Cached reads overlapping the written range are invalidated.
func (c *Client) Write(ctx context.Context, addr uint16, values []uint16) error {
	if len(values) == 0 {
		c.stats.RecordWrite(false, 0)
		return ErrInvalidQuantity
	}

	var pdu []byte
	var err error
	if len(values) == 1 {
		pdu = BuildWriteSingleRegisterPDU(addr, values[0])
	} else {
		pdu, err = BuildWriteMultipleRegistersPDU(addr, values)
		if err != nil {
			c.stats.RecordWrite(false, 0)
			return err
		}
	}

	start := time.Now()
	resp, err := c.exchange(ctx, pdu)
	elapsed := time.Since(start)
	if err == nil {
		if len(values) == 1 {
			err = ParseWriteResponse(resp, addr, values[0])
		} else {
			err = ParseWriteMultipleResponse(resp, addr, uint16(len(values)))
		}
	}

	if err != nil {
		c.stats.RecordWrite(false, elapsed)
		c.reportFailure(err)
		return err
	}

	c.stats.RecordWrite(true, elapsed)
	c.supervisor.ReportSuccess()
	c.cache.Invalidate(c.endpoint.Unit, HoldingRegister, addr, uint16(len(values)))
	return nil
}

// WriteCoil writes a single coil. Cached coil reads covering the address are
// invalidated.
func (c *Client) WriteCoil(ctx context.Context, addr uint16, on bool) error {
	pdu := BuildWriteSingleCoilPDU(addr, on)

	start := time.Now()
	resp, err := c.exchange(ctx, pdu)
	elapsed := time.Since(start)
	if err == nil {
		expected := CoilOff
		if on {
			expected = CoilOn
		}
		err = ParseWriteResponse(resp, addr, expected)
	}

	if err != nil {
		c.stats.RecordWrite(false, elapsed)
		c.reportFailure(err)
		return err
	}

	c.stats.RecordWrite(true, elapsed)
	c.supervisor.ReportSuccess()
	c.cache.Invalidate(c.endpoint.Unit, Coil, addr, 1)
	return nil
}

// WriteCoils writes multiple coils starting at addr.
func (c *Client) WriteCoils(ctx context.Context, addr uint16, values []bool) error {
	if len(values) == 0 {
		c.stats.RecordWrite(false, 0)
		return ErrInvalidQuantity
	}
	pdu, err := BuildWriteMultipleCoilsPDU(addr, values)
	if err != nil {
		c.stats.RecordWrite(false, 0)
		return err
	}

	start := time.Now()
	resp, err := c.exchange(ctx, pdu)
	elapsed := time.Since(start)
	if err == nil {
		err = ParseWriteMultipleResponse(resp, addr, uint16(len(values)))
	}

	if err != nil {
		c.stats.RecordWrite(false, elapsed)
		c.reportFailure(err)
		return err
	}

	c.stats.RecordWrite(true, elapsed)
	c.supervisor.ReportSuccess()
	c.cache.Invalidate(c.endpoint.Unit, Coil, addr, uint16(len(values)))
	return nil
}

// exchange performs one request/response transaction for the endpoint's
// transport. Callers that find the connection unusable fail fast while the
// supervisor reconnects in the background.
func (c *Client) exchange(ctx context.Context, pdu []byte) ([]byte, error) {
	if !c.supervisor.Usable() {
		c.supervisor.Kick()
		return nil, ErrNotConnected
	}

	// The link drops its socket after a timeout to avoid response
	// desynchronization; redial transparently while the supervisor still
	// considers the endpoint usable.
	if !c.link.IsConnected() {
		if err := c.link.Connect(ctx); err != nil {
			return nil, err
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	if c.endpoint.Kind == RTU {
		return c.exchangeRTU(ctx, pdu)
	}
	return c.exchangeTCP(ctx, pdu)
}

func (c *Client) exchangeTCP(ctx context.Context, pdu []byte) ([]byte, error) {
	txID := c.txIDGen.Next()
	frame := Frame{
		Header: MBAPHeader{
			TransactionID: txID,
			ProtocolID:    ProtocolID,
			UnitID:        c.endpoint.Unit,
		},
		PDU: pdu,
	}
	expectedFC := FunctionCode(pdu[0])

	c.logger.Debug("sending request",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Uint64("unit_id", uint64(c.endpoint.Unit)),
		slog.String("func", expectedFC.String()))

	respData, err := c.link.Send(ctx, frame.Encode())
	if err != nil {
		return nil, mapTransportError(err)
	}

	var respFrame Frame
	if err := respFrame.Decode(respData); err != nil {
		return nil, err
	}
	if respFrame.Header.TransactionID != txID {
		return nil, fmt.Errorf("%w: transaction ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, txID, respFrame.Header.TransactionID)
	}
	if respFrame.Header.UnitID != c.endpoint.Unit {
		return nil, fmt.Errorf("%w: unit ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, c.endpoint.Unit, respFrame.Header.UnitID)
	}
	return c.checkPDU(respFrame.PDU, expectedFC)
}

func (c *Client) exchangeRTU(ctx context.Context, pdu []byte) ([]byte, error) {
	expectedFC := FunctionCode(pdu[0])

	c.logger.Debug("sending request",
		slog.Uint64("unit_id", uint64(c.endpoint.Unit)),
		slog.String("func", expectedFC.String()))

	respADU, err := c.link.Send(ctx, EncodeRTU(c.endpoint.Unit, pdu))
	if err != nil {
		return nil, mapTransportError(err)
	}

	unit, respPDU, err := DecodeRTU(respADU)
	if err != nil {
		return nil, err
	}
	if unit != c.endpoint.Unit {
		return nil, fmt.Errorf("%w: unit ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, c.endpoint.Unit, unit)
	}
	return c.checkPDU(respPDU, expectedFC)
}

// checkPDU rejects exception responses and mismatched function codes.
func (c *Client) checkPDU(pdu []byte, expectedFC FunctionCode) ([]byte, error) {
	if IsExceptionResponse(pdu) {
		return nil, ParseExceptionResponse(pdu)
	}
	if len(pdu) == 0 || FunctionCode(pdu[0]) != expectedFC {
		return nil, fmt.Errorf("%w: unexpected function code in response", ErrInvalidResponse)
	}
	return pdu, nil
}

// reportFailure classifies the error for the supervisor: transport-level
// faults tear the connection down and trigger reconnection, protocol and
// timeout faults count toward the degraded threshold.
func (c *Client) reportFailure(err error) {
	c.supervisor.ReportFailure(isHardError(err))
}

// mapTransportError folds link-level deadline errors into the timeout
// sentinel so callers can test with errors.Is.
func mapTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// isHardError reports whether err means the connection itself is broken.
// Device-side exceptions, malformed responses, and timeouts leave the
// connection standing and only count toward degradation.
func isHardError(err error) bool {
	if err == nil {
		return false
	}
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return false
	}
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrInvalidCRC) ||
		errors.Is(err, ErrNotConnected) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return true
}

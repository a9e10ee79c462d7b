package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// TCPLink exchanges MBAP-framed ADUs over a single TCP connection.
type TCPLink struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPLink creates a TCP link for the given host:port address.
func NewTCPLink(addr string, timeout time.Duration) *TCPLink {
	return &TCPLink{
		addr:    addr,
		timeout: timeout,
	}
}

// Connect establishes the TCP connection.
func (t *TCPLink) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp connect: %w", err)
	}

	// Keep-alive detects silently dead peers; Nagle off keeps request
	// round-trips short.
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true)
	}

	t.conn = conn
	return nil
}

// Close closes the TCP connection.
func (t *TCPLink) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsConnected reports whether the link holds a live connection.
func (t *TCPLink) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send transmits one MBAP ADU and reads the response ADU. The lock is held
// for the whole transaction so responses cannot interleave.
func (t *TCPLink) Send(ctx context.Context, adu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, errors.New("not connected")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.timeout)
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	written := 0
	for written < len(adu) {
		n, err := t.conn.Write(adu[written:])
		if err != nil {
			t.closeConnLocked()
			return nil, fmt.Errorf("write: %w", err)
		}
		written += n
	}

	// MBAP header first: the length field tells us how much follows.
	header := make([]byte, 7)
	if err := t.readFullLocked(header); err != nil {
		t.closeConnLocked()
		return nil, fmt.Errorf("read header: %w", err)
	}

	protocolID := int(header[2])<<8 | int(header[3])
	if protocolID != 0 {
		t.closeConnLocked()
		return nil, fmt.Errorf("invalid protocol ID: %d", protocolID)
	}

	length := int(header[4])<<8 | int(header[5])
	if length < 1 || length > 254 {
		t.closeConnLocked()
		return nil, fmt.Errorf("invalid length: %d", length)
	}

	// Length counts the unit ID byte, which the header already carries.
	pduLen := length - 1
	response := make([]byte, 7+pduLen)
	copy(response, header)
	if pduLen > 0 {
		if err := t.readFullLocked(response[7:]); err != nil {
			t.closeConnLocked()
			return nil, fmt.Errorf("read pdu: %w", err)
		}
	}

	return response, nil
}

// closeConnLocked closes the connection without acquiring the lock.
// Must be called with mu held.
func (t *TCPLink) closeConnLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// readFullLocked reads exactly len(buf) bytes. Must be called with mu held.
func (t *TCPLink) readFullLocked(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := t.conn.Read(buf[total:])
		total += n
		if err != nil {
			if err == io.EOF && total == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}

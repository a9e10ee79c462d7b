package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// readTimeoutError satisfies net.Error so upper layers classify a silent
// device as a timeout rather than a dead link.
type readTimeoutError struct{}

func (readTimeoutError) Error() string   { return "serial read timeout" }
func (readTimeoutError) Timeout() bool   { return true }
func (readTimeoutError) Temporary() bool { return true }

// ErrReadTimeout is returned when the device does not answer within the
// read timeout.
var ErrReadTimeout error = readTimeoutError{}

// SerialLink exchanges RTU ADUs over a serial line. RTU has no length field
// in a fixed position, so the reader derives the expected response size from
// the function code and byte-count field.
type SerialLink struct {
	device  string
	mode    *serial.Mode
	timeout time.Duration

	mu   sync.Mutex
	port serial.Port
}

// NewSerialLink creates a serial link for an RTU device path such as
// /dev/ttyUSB0. Framing is fixed at 8N1, the common RTU default.
func NewSerialLink(device string, baudRate int, timeout time.Duration) *SerialLink {
	return &SerialLink{
		device: device,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		timeout: timeout,
	}
}

// Connect opens the serial port.
func (s *SerialLink) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}

	port, err := serial.Open(s.device, s.mode)
	if err != nil {
		return fmt.Errorf("serial open %s: %w", s.device, err)
	}
	s.port = port
	return nil
}

// Close closes the serial port.
func (s *SerialLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// IsConnected reports whether the port is open.
func (s *SerialLink) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Send transmits one RTU ADU and reads the response ADU. The lock is held
// for the whole transaction so frames from consecutive requests cannot mix.
func (s *SerialLink) Send(ctx context.Context, adu []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil, errors.New("not connected")
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	if _, err := s.port.Write(adu); err != nil {
		s.closePortLocked()
		return nil, fmt.Errorf("serial write: %w", err)
	}

	// Unit ID and function code first; they determine the frame shape.
	frame := make([]byte, 2, 8)
	if err := s.readFullLocked(frame); err != nil {
		return nil, fmt.Errorf("read frame head: %w", err)
	}

	fc := frame[1]
	switch {
	case fc&0x80 != 0:
		// Exception: one code byte plus CRC.
		frame = append(frame, 0, 0, 0)
		if err := s.readFullLocked(frame[2:]); err != nil {
			return nil, fmt.Errorf("read exception body: %w", err)
		}
	case fc == 0x01 || fc == 0x02 || fc == 0x03 || fc == 0x04:
		// Variable length: byte count, payload, CRC.
		bc := make([]byte, 1)
		if err := s.readFullLocked(bc); err != nil {
			return nil, fmt.Errorf("read byte count: %w", err)
		}
		frame = append(frame, bc[0])
		body := make([]byte, int(bc[0])+2)
		if err := s.readFullLocked(body); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}
		frame = append(frame, body...)
	case fc == 0x05 || fc == 0x06 || fc == 0x0F || fc == 0x10:
		// Fixed length: address, value or quantity, CRC.
		body := make([]byte, 6)
		if err := s.readFullLocked(body); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}
		frame = append(frame, body...)
	default:
		return nil, fmt.Errorf("unexpected function code %#02x in response", fc)
	}
	return frame, nil
}

// closePortLocked closes the port without acquiring the lock.
// Must be called with mu held.
func (s *SerialLink) closePortLocked() {
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
}

// readFullLocked reads exactly len(buf) bytes, treating a zero-byte read as
// a timeout since the serial layer reports read timeouts that way. The port
// is closed on timeout so a late response cannot desynchronize the next
// exchange.
func (s *SerialLink) readFullLocked(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := s.port.Read(buf[total:])
		if err != nil {
			s.closePortLocked()
			return err
		}
		if n == 0 {
			s.closePortLocked()
			return ErrReadTimeout
		}
		total += n
	}
	return nil
}

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
	"log/slog"
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DialFunc performs one transport handshake attempt, bounded by ctx.
type DialFunc func(ctx context.Context) error

// Supervisor owns the lifecycle of one outbound connection. It is an explicit
// four-state machine (Disconnected, Connecting, Connected, Degraded) with
// guarded transitions; reconnection runs in a background goroutine so
// read/write callers never wait beyond a single handshake timeout.
type Supervisor struct {
	dial    DialFunc
	stats   *Stats
	logger  *slog.Logger
	timeout time.Duration

	backoffFloor      time.Duration
	backoffCap        time.Duration
	degradedThreshold int32

	state    atomic.Int32
	failures atomic.Int32

	mu            sync.Mutex
	retrying      bool
	retryStop     chan struct{}
	everConnected bool
	closed        bool
	closeCh       chan struct{}
}

// NewSupervisor creates a supervisor in the Disconnected state.
func NewSupervisor(dial DialFunc, stats *Stats, opts ...Option) *Supervisor {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	s := &Supervisor{
		dial:              dial,
		stats:             stats,
		logger:            options.logger,
		timeout:           options.timeout,
		backoffFloor:      options.backoffFloor,
		backoffCap:        options.backoffCap,
		degradedThreshold: int32(options.degradedThreshold),
		closeCh:           make(chan struct{}),
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// State returns the current connection state as a single atomic load.
func (s *Supervisor) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Usable reports whether operations may be attempted (Connected or Degraded).
func (s *Supervisor) Usable() bool {
	st := s.State()
	return st == StateConnected || st == StateDegraded
}

// Connect performs one synchronous handshake attempt. Calling it while
// already Connected is a no-op success. On failure the supervisor returns to
// Disconnected and schedules background retries.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	st := s.State()
	if st == StateConnected || st == StateDegraded {
		s.mu.Unlock()
		return nil
	}
	s.toConnectingLocked()
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.dial(dialCtx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionClosed
	}
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		s.logger.Warn("handshake failed", slog.String("error", err.Error()))
		s.scheduleRetryLocked()
		return err
	}
	s.toConnectedLocked()
	return nil
}

// Disconnect moves to Disconnected from any state and stops retrying. The
// state sticks until an explicit Connect or Kick.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Store(int32(StateDisconnected))
	s.failures.Store(0)
	s.stopRetryLocked()
}

// stopRetryLocked cancels the pending retry loop, if any. Must be called
// with mu held.
func (s *Supervisor) stopRetryLocked() {
	if s.retrying {
		close(s.retryStop)
		s.retrying = false
		s.retryStop = nil
	}
}

// Close permanently stops the supervisor and its retry loop.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeCh)
	s.state.Store(int32(StateDisconnected))
}

// ReportSuccess records one successful operation. A single success returns a
// Degraded connection to Connected and resets the failure streak.
func (s *Supervisor) ReportSuccess() {
	s.failures.Store(0)
	s.state.CompareAndSwap(int32(StateDegraded), int32(StateConnected))
}

// ReportFailure records one failed operation. N consecutive failures while
// Connected move the state to Degraded; a hard transport error moves to
// Disconnected and starts background reconnection.
func (s *Supervisor) ReportFailure(hard bool) {
	if hard {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		st := s.State()
		if st == StateConnected || st == StateDegraded {
			s.state.Store(int32(StateDisconnected))
			s.failures.Store(0)
			s.logger.Warn("hard transport failure, reconnecting in background")
			s.scheduleRetryLocked()
		}
		return
	}

	n := s.failures.Add(1)
	if n >= s.degradedThreshold {
		if s.state.CompareAndSwap(int32(StateConnected), int32(StateDegraded)) {
			s.logger.Warn("connection degraded",
				slog.Int("consecutive_failures", int(n)))
		}
	}
}

// toConnectingLocked transitions to Connecting and accounts reconnections.
// Must be called with mu held.
func (s *Supervisor) toConnectingLocked() {
	s.state.Store(int32(StateConnecting))
	if s.everConnected {
		s.stats.RecordReconnection()
	}
}

// toConnectedLocked transitions to Connected. Must be called with mu held.
func (s *Supervisor) toConnectedLocked() {
	s.state.Store(int32(StateConnected))
	s.failures.Store(0)
	s.everConnected = true
	s.logger.Info("connected")
}

// scheduleRetryLocked starts the background retry loop if not already
// running. Must be called with mu held.
func (s *Supervisor) scheduleRetryLocked() {
	if s.retrying || s.closed {
		return
	}
	s.retrying = true
	stop := make(chan struct{})
	s.retryStop = stop
	go s.retryLoop(stop)
}

// retryLoop re-dials with exponential backoff until Connected, Close, or an
// explicit Disconnect closes its stop channel. The backoff doubles from the
// floor and is capped; it resets on every success.
func (s *Supervisor) retryLoop(stop chan struct{}) {
	backoff := s.backoffFloor

	defer func() {
		s.mu.Lock()
		// An explicit Disconnect may already have handed the retry slot
		// to a newer loop; only this loop's own bookkeeping is reset.
		if s.retryStop == stop {
			s.retrying = false
			s.retryStop = nil
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.closeCh:
			return
		case <-stop:
			return
		case <-time.After(backoff):
		}

		s.mu.Lock()
		if s.closed || s.Usable() || stopped(stop) {
			s.mu.Unlock()
			return
		}
		s.toConnectingLocked()
		s.mu.Unlock()

		s.logger.Info("attempting reconnection", slog.Duration("backoff", backoff))

		dialCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.dial(dialCtx)
		cancel()

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if stopped(stop) {
			// Disconnected while dialing; the handshake result no longer
			// matters.
			s.state.Store(int32(StateDisconnected))
			s.mu.Unlock()
			return
		}
		if err == nil {
			s.toConnectedLocked()
			s.mu.Unlock()
			return
		}
		s.state.Store(int32(StateDisconnected))
		s.mu.Unlock()

		backoff = time.Duration(math.Min(
			float64(backoff)*2,
			float64(s.backoffCap),
		))
	}
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Kick triggers a background reconnection attempt if Disconnected. It never
// blocks; callers that find the supervisor unusable fail fast with
// ErrNotConnected while reconnection proceeds independently.
func (s *Supervisor) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.State() != StateDisconnected {
		return
	}
	s.scheduleRetryLocked()
}

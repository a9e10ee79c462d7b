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
	"log/slog"
	"time"
)

// Option is a functional option for configuring the client and supervisor.
type Option func(*clientOptions)

type clientOptions struct {
	// Connection settings
	timeout time.Duration

	// Reconnection settings
	backoffFloor      time.Duration
	backoffCap        time.Duration
	degradedThreshold int

	// Cache settings
	cacheTTL time.Duration

	// Logging
	logger *slog.Logger

	// Shared statistics aggregate
	stats *Stats
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		timeout:           DefaultTimeout,
		backoffFloor:      1 * time.Second,
		backoffCap:        60 * time.Second,
		degradedThreshold: 3,
		cacheTTL:          DefaultCacheTTL,
		logger:            slog.Default(),
	}
}

// WithTimeout sets the timeout for operations.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithBackoff sets the floor and cap of the exponential reconnection backoff.
func WithBackoff(floor, cap time.Duration) Option {
	return func(o *clientOptions) {
		if floor > 0 {
			o.backoffFloor = floor
		}
		if cap >= floor {
			o.backoffCap = cap
		}
	}
}

// WithDegradedThreshold sets how many consecutive operation failures move a
// connected client into the degraded state.
func WithDegradedThreshold(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.degradedThreshold = n
		}
	}
}

// WithCacheTTL sets how long cached read results stay fresh. Zero disables
// the cache.
func WithCacheTTL(d time.Duration) Option {
	return func(o *clientOptions) {
		o.cacheTTL = d
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithStats makes the client account operations into a shared aggregate
// instead of a private one.
func WithStats(stats *Stats) Option {
	return func(o *clientOptions) {
		o.stats = stats
	}
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger      *slog.Logger
	maxConns    int
	readTimeout time.Duration
	unitID      UnitID
	stats       *Stats
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      slog.Default(),
		maxConns:    100,
		readTimeout: 30 * time.Second,
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithUnitID restricts the server to one unit identifier. Requests for other
// units are dropped without a response; unit 0 (broadcast) and 255 (the MBAP
// placeholder) are always served. The default serves every unit.
func WithUnitID(id UnitID) ServerOption {
	return func(o *serverOptions) {
		o.unitID = id
	}
}

// WithReadTimeout sets the read timeout for master connections.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithServerStats makes the server account requests into a shared aggregate
// instead of a private one.
func WithServerStats(stats *Stats) ServerOption {
	return func(o *serverOptions) {
		o.stats = stats
	}
}

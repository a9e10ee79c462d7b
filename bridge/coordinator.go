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

package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	modbus "github.com/edgeo-scada/modbus-bridge"
)

// DefaultPollInterval is used when an endpoint does not configure one.
const DefaultPollInterval = 10 * time.Second

// DefaultSweepInterval is how often expired cache entries are reclaimed.
const DefaultSweepInterval = 60 * time.Second

// Device pairs one endpoint with the register map entries polled from it.
type Device struct {
	Endpoint modbus.DeviceEndpoint
	Entries  []modbus.RegisterMap

	client *modbus.Client
}

// Coordinator drives the recurring poll loop: it reads every register map
// entry from every device in configuration order, mirrors the values into
// the server's register bank, and hands the decoded readings to the
// configured sinks. One failing entry never aborts the rest of the cycle.
type Coordinator struct {
	devices []*Device
	bank    *modbus.RegisterBank
	stats   *modbus.Stats
	sinks   []Sink
	logger  *slog.Logger

	sweepInterval time.Duration
	polled        atomic.Bool

	mu     sync.RWMutex
	latest []Reading
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithBank mirrors polled values into the given register bank.
func WithBank(bank *modbus.RegisterBank) CoordinatorOption {
	return func(c *Coordinator) {
		c.bank = bank
	}
}

// WithSink adds a readings sink. Sinks are invoked in the order added.
func WithSink(sink Sink) CoordinatorOption {
	return func(c *Coordinator) {
		c.sinks = append(c.sinks, sink)
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSweepInterval changes how often device caches are swept.
func WithSweepInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// NewCoordinator creates a coordinator over the given devices. Every device
// client reports into the shared stats aggregate so the status snapshot
// reflects the whole system.
func NewCoordinator(devices []Device, stats *modbus.Stats, opts ...CoordinatorOption) (*Coordinator, error) {
	if stats == nil {
		stats = modbus.NewStats()
	}

	c := &Coordinator{
		stats:         stats,
		logger:        slog.Default(),
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	for i := range devices {
		d := devices[i]
		client, err := modbus.NewClient(d.Endpoint,
			modbus.WithStats(stats),
			modbus.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		d.client = client
		c.devices = append(c.devices, &d)
	}
	return c, nil
}

// Stats returns the shared statistics aggregate.
func (c *Coordinator) Stats() *modbus.Stats {
	return c.stats
}

// Run connects every device and polls until ctx ends. Initial connection
// failures are not fatal; the supervisors reconnect in the background while
// polling skips unreachable devices.
func (c *Coordinator) Run(ctx context.Context) error {
	for _, d := range c.devices {
		if err := d.client.Connect(ctx); err != nil {
			c.logger.Warn("initial connection failed",
				slog.String("endpoint", d.Endpoint.Addr()),
				slog.String("error", err.Error()))
		}
	}

	var wg sync.WaitGroup
	for _, d := range c.devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			c.pollDevice(ctx, d)
		}(d)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.sweepLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	for _, d := range c.devices {
		if err := d.client.Close(); err != nil {
			c.logger.Warn("close failed",
				slog.String("endpoint", d.Endpoint.Addr()),
				slog.String("error", err.Error()))
		}
	}
	return ctx.Err()
}

func (c *Coordinator) pollDevice(ctx context.Context, d *Device) {
	interval := d.Endpoint.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First cycle immediately; the ticker covers the rest.
	c.pollCycle(ctx, d)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollCycle(ctx, d)
		}
	}
}

// pollCycle reads every entry once, in configuration order.
func (c *Coordinator) pollCycle(ctx context.Context, d *Device) {
	now := time.Now()
	readings := make([]Reading, 0, len(d.Entries))

	for _, entry := range d.Entries {
		values, err := d.client.Read(ctx, entry.Type, entry.Address, entry.Count)
		if err != nil {
			c.logger.Warn("poll read failed",
				slog.String("endpoint", d.Endpoint.Addr()),
				slog.String("entry", entry.Name),
				slog.String("error", err.Error()))
			continue
		}

		c.syncBank(entry, values)
		readings = append(readings, Reading{
			Name:    entry.Name,
			Address: entry.Address,
			Raw:     values,
			Value:   entry.Decode(values),
			Unit:    entry.Unit,
			At:      now,
		})
	}

	if len(readings) == 0 {
		return
	}
	c.polled.Store(true)

	c.mu.Lock()
	c.latest = readings
	c.mu.Unlock()

	for _, sink := range c.sinks {
		if err := sink.Publish(ctx, readings); err != nil {
			c.logger.Warn("sink publish failed", slog.String("error", err.Error()))
		}
	}
}

// syncBank mirrors one entry's polled values into the register bank.
func (c *Coordinator) syncBank(entry modbus.RegisterMap, values []uint16) {
	if c.bank == nil {
		return
	}

	var err error
	if entry.Type.IsBit() {
		bits := make([]bool, len(values))
		for i, v := range values {
			bits[i] = v != 0
		}
		err = c.bank.SyncBits(entry.Type, entry.Address, bits)
	} else {
		err = c.bank.SyncWords(entry.Type, entry.Address, values)
	}
	if err != nil {
		c.logger.Warn("bank sync failed",
			slog.String("entry", entry.Name),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := 0
			for _, d := range c.devices {
				dropped += d.client.SweepCache()
			}
			if dropped > 0 {
				c.logger.Debug("cache sweep", slog.Int("dropped", dropped))
			}
		}
	}
}

// Latest returns the readings of the most recent successful poll cycle.
func (c *Coordinator) Latest() []Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Reading, len(c.latest))
	copy(out, c.latest)
	return out
}

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
	"sync/atomic"
	"time"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// Stats is the process-wide operation statistics aggregate shared by the
// client and the server. All counters are monotonically non-decreasing
// except on explicit Reset; every update is a single atomic operation so
// concurrent tasks never observe torn values.
type Stats struct {
	TotalOps         Counter
	SuccessfulReads  Counter
	SuccessfulWrites Counter
	FailedOps        Counter
	Reconnections    Counter

	totalLatencyNS int64
	lastLatencyNS  int64
}

// NewStats creates a new statistics aggregate.
func NewStats() *Stats {
	return &Stats{}
}

// ObserveLatency records the duration of one completed operation.
func (s *Stats) ObserveLatency(d time.Duration) {
	atomic.AddInt64(&s.totalLatencyNS, int64(d))
	atomic.StoreInt64(&s.lastLatencyNS, int64(d))
}

// RecordRead accounts for one read operation, success or failure.
// Exactly one of the success/failure counters moves per call.
func (s *Stats) RecordRead(ok bool, d time.Duration) {
	s.TotalOps.Add(1)
	if ok {
		s.SuccessfulReads.Add(1)
	} else {
		s.FailedOps.Add(1)
	}
	s.ObserveLatency(d)
}

// RecordWrite accounts for one write operation, success or failure.
func (s *Stats) RecordWrite(ok bool, d time.Duration) {
	s.TotalOps.Add(1)
	if ok {
		s.SuccessfulWrites.Add(1)
	} else {
		s.FailedOps.Add(1)
	}
	s.ObserveLatency(d)
}

// RecordReconnection accounts for one reconnection attempt.
func (s *Stats) RecordReconnection() {
	s.Reconnections.Add(1)
}

// StatsSnapshot is an immutable point-in-time view of the aggregate.
type StatsSnapshot struct {
	TotalOperations  int64         `json:"total_operations"`
	SuccessRate      float64       `json:"success_rate"`
	SuccessfulReads  int64         `json:"successful_reads"`
	SuccessfulWrites int64         `json:"successful_writes"`
	FailedOperations int64         `json:"failed_operations"`
	Reconnections    int64         `json:"reconnections"`
	TotalLatency     time.Duration `json:"total_latency_ns"`
	LastLatency      time.Duration `json:"last_latency_ns"`
}

// Snapshot returns an immutable copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalOperations:  s.TotalOps.Value(),
		SuccessfulReads:  s.SuccessfulReads.Value(),
		SuccessfulWrites: s.SuccessfulWrites.Value(),
		FailedOperations: s.FailedOps.Value(),
		Reconnections:    s.Reconnections.Value(),
		TotalLatency:     time.Duration(atomic.LoadInt64(&s.totalLatencyNS)),
		LastLatency:      time.Duration(atomic.LoadInt64(&s.lastLatencyNS)),
	}
	if snap.TotalOperations > 0 {
		ok := snap.SuccessfulReads + snap.SuccessfulWrites
		snap.SuccessRate = float64(ok) / float64(snap.TotalOperations) * 100
	}
	return snap
}

// Reset resets all counters to zero.
func (s *Stats) Reset() {
	s.TotalOps.Reset()
	s.SuccessfulReads.Reset()
	s.SuccessfulWrites.Reset()
	s.FailedOps.Reset()
	s.Reconnections.Reset()
	atomic.StoreInt64(&s.totalLatencyNS, 0)
	atomic.StoreInt64(&s.lastLatencyNS, 0)
}

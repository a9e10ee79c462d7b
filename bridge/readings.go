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
	"time"
)

// Reading is one decoded value from one poll cycle.
type Reading struct {
	// Name is the register map entry's label.
	Name string `json:"name"`
	// Address is the entry's starting register address.
	Address uint16 `json:"address"`
	// Raw holds the register words as read off the wire.
	Raw []uint16 `json:"raw"`
	// Value is the scaled engineering value.
	Value float64 `json:"value"`
	// Unit is the engineering unit label, if configured.
	Unit string `json:"unit,omitempty"`
	// At is when the value was read.
	At time.Time `json:"at"`
}

// Sink receives the readings of each completed poll cycle. Publish failures
// never abort polling; the coordinator logs and moves on.
type Sink interface {
	Publish(ctx context.Context, readings []Reading) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, readings []Reading) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, readings []Reading) error {
	return f(ctx, readings)
}

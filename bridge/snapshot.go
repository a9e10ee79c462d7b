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

import modbus "github.com/edgeo-scada/modbus-bridge"

// ConnectionStatus describes one outbound connection in a status snapshot.
type ConnectionStatus struct {
	Endpoint string `json:"endpoint"`
	State    string `json:"state"`
}

// Snapshot is a point-in-time view of the whole bridge. Active means at
// least one device is usable and at least one poll cycle has produced data.
type Snapshot struct {
	Active      bool                 `json:"active"`
	Statistics  modbus.StatsSnapshot `json:"statistics"`
	Connections []ConnectionStatus   `json:"connections"`
	Readings    []Reading            `json:"readings,omitempty"`
}

// Status assembles a snapshot from the supervisors' states, the shared
// statistics aggregate, and the latest poll readings.
func (c *Coordinator) Status() Snapshot {
	snap := Snapshot{
		Statistics:  c.stats.Snapshot(),
		Connections: make([]ConnectionStatus, 0, len(c.devices)),
		Readings:    c.Latest(),
	}

	usable := false
	for _, d := range c.devices {
		state := d.client.State()
		if state == modbus.StateConnected || state == modbus.StateDegraded {
			usable = true
		}
		snap.Connections = append(snap.Connections, ConnectionStatus{
			Endpoint: d.Endpoint.Addr(),
			State:    state.String(),
		})
	}
	snap.Active = usable && c.polled.Load()
	return snap
}

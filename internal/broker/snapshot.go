// Copyright 2025 Arion Yau
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

package broker

import (
	"time"

	"pirate/internal/ppp"
	"pirate/internal/registry"
)

// Stats represents broker statistics
type Stats struct {
	RequestsRouted     uint64    `json:"requests_routed"`
	RepliesForwarded   uint64    `json:"replies_forwarded"`
	HeartbeatsSent     uint64    `json:"heartbeats_sent"`
	HeartbeatsFailed   uint64    `json:"heartbeats_failed"`
	WorkersPurged      uint64    `json:"workers_purged"`
	WorkersEvicted     uint64    `json:"workers_evicted"`
	ProtocolViolations uint64    `json:"protocol_violations"`
	SendFailures       uint64    `json:"send_failures"`
	StartTime          time.Time `json:"start_time"`
	LastRequest        time.Time `json:"last_request,omitempty"`
	LastHeartbeat      time.Time `json:"last_heartbeat,omitempty"`
}

// WorkerInfo represents information about an available worker
type WorkerInfo struct {
	Identity  string        `json:"identity"`
	Expiry    time.Time     `json:"expiry"`
	ExpiresIn time.Duration `json:"expires_in"`
}

// Snapshot is a point-in-time copy of the queue state for readers outside
// the dispatcher goroutine. Workers are listed in dispatch order.
type Snapshot struct {
	Workers           []WorkerInfo  `json:"workers"`
	Stats             Stats         `json:"stats"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatLiveness int           `json:"heartbeat_liveness"`
	Running           bool          `json:"running"`
	TakenAt           time.Time     `json:"taken_at"`
}

func newSnapshot(workers []registry.Worker, stats Stats, interval time.Duration, liveness int, running bool, now time.Time) *Snapshot {
	infos := make([]WorkerInfo, len(workers))
	for i, w := range workers {
		infos[i] = WorkerInfo{
			Identity:  ppp.Printable(w.Token),
			Expiry:    w.Expiry,
			ExpiresIn: w.Expiry.Sub(now),
		}
	}
	return &Snapshot{
		Workers:           infos,
		Stats:             stats,
		HeartbeatInterval: interval,
		HeartbeatLiveness: liveness,
		Running:           running,
		TakenAt:           now,
	}
}

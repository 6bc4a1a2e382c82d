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

package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pirate"

// Broker holds the queue's prometheus collectors. All methods are safe on a
// nil receiver so the dispatcher can run without metrics.
type Broker struct {
	Requests           prometheus.Counter
	Replies            prometheus.Counter
	HeartbeatsSent     prometheus.Counter
	HeartbeatsFailed   prometheus.Counter
	WorkerSignals      *prometheus.CounterVec
	WorkersPurged      prometheus.Counter
	WorkersEvicted     prometheus.Counter
	ProtocolViolations prometheus.Counter
	SendFailures       prometheus.Counter
	Workers            prometheus.Gauge
}

// NewBroker creates the broker collectors and registers them on reg.
func NewBroker(reg prometheus.Registerer) (*Broker, error) {
	m := &Broker{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_routed_total",
			Help:      "Client requests routed to a worker.",
		}),
		Replies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_forwarded_total",
			Help:      "Worker replies forwarded to a client.",
		}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeats sent to workers.",
		}),
		HeartbeatsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_failed_total",
			Help:      "Heartbeats the transport refused to deliver.",
		}),
		WorkerSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_signals_total",
			Help:      "Messages received from workers by kind.",
		}, []string{"kind"}),
		WorkersPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_purged_total",
			Help:      "Workers removed after their expiry passed.",
		}),
		WorkersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_evicted_total",
			Help:      "Workers dropped because the registry was full.",
		}),
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Invalid single-frame messages received from workers.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Requests and replies the transport refused to deliver.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_available",
			Help:      "Workers currently available for dispatch.",
		}),
	}

	collectors := []prometheus.Collector{
		m.Requests, m.Replies, m.HeartbeatsSent, m.HeartbeatsFailed,
		m.WorkerSignals, m.WorkersPurged, m.WorkersEvicted,
		m.ProtocolViolations, m.SendFailures, m.Workers,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register broker metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Broker) RequestRouted() {
	if m != nil {
		m.Requests.Inc()
	}
}

func (m *Broker) ReplyForwarded() {
	if m != nil {
		m.Replies.Inc()
	}
}

func (m *Broker) WorkerSignal(kind string) {
	if m != nil {
		m.WorkerSignals.WithLabelValues(kind).Inc()
	}
}

func (m *Broker) ProtocolViolation() {
	if m != nil {
		m.ProtocolViolations.Inc()
	}
}

func (m *Broker) SendFailed() {
	if m != nil {
		m.SendFailures.Inc()
	}
}

func (m *Broker) Heartbeats(sent, failed int) {
	if m != nil {
		m.HeartbeatsSent.Add(float64(sent))
		m.HeartbeatsFailed.Add(float64(failed))
	}
}

func (m *Broker) Purged(n int) {
	if m != nil {
		m.WorkersPurged.Add(float64(n))
	}
}

func (m *Broker) Evicted() {
	if m != nil {
		m.WorkersEvicted.Inc()
	}
}

func (m *Broker) SetWorkers(n int) {
	if m != nil {
		m.Workers.Set(float64(n))
	}
}

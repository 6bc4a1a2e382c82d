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

// Package broker implements the Paranoid Pirate queue: a single-threaded
// reactor that load balances client requests across workers in LRU order and
// drops workers that stop sending heartbeats.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"pirate/internal/clock"
	"pirate/internal/heartbeat"
	"pirate/internal/logger"
	"pirate/internal/metrics"
	"pirate/internal/ppp"
	"pirate/internal/registry"
)

// ErrAlreadyRunning is returned when Run is called on a dispatcher that is
// already running.
var ErrAlreadyRunning = errors.New("dispatcher already running")

// Options configures a Dispatcher. Zero values fall back to the protocol
// defaults.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatLiveness int
	MaxWorkers        int
	Clock             clock.Clock
	Metrics           *metrics.Broker
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = ppp.DefaultHeartbeatInterval
	}
	if o.HeartbeatLiveness <= 0 {
		o.HeartbeatLiveness = ppp.DefaultHeartbeatLiveness
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = registry.DefaultCapacity
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

// Dispatcher is the queue's event loop. It owns both gates and the worker
// registry; Run must be called from a single goroutine.
type Dispatcher struct {
	frontend Gate
	backend  Gate
	poller   Poller

	interval   time.Duration
	liveness   int
	maxWorkers int
	clock      clock.Clock
	metrics    *metrics.Broker
	logger     zerolog.Logger

	registry  *registry.Registry
	scheduler *heartbeat.Scheduler
	stats     Stats
	dirty     bool

	running  atomic.Bool
	snapshot atomic.Pointer[Snapshot]
}

// NewDispatcher creates a dispatcher between a client-facing and a
// worker-facing gate.
func NewDispatcher(frontend, backend Gate, poller Poller, opts Options) (*Dispatcher, error) {
	if frontend == nil || backend == nil {
		return nil, errors.New("both frontend and backend gates are required")
	}
	if poller == nil {
		return nil, errors.New("poller is required")
	}
	opts.applyDefaults()

	ttl := opts.HeartbeatInterval * time.Duration(opts.HeartbeatLiveness)
	reg, err := registry.New(ttl, opts.MaxWorkers, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker registry: %w", err)
	}

	d := &Dispatcher{
		frontend:   frontend,
		backend:    backend,
		poller:     poller,
		interval:   opts.HeartbeatInterval,
		liveness:   opts.HeartbeatLiveness,
		maxWorkers: opts.MaxWorkers,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		logger:     logger.GetLogger("broker"),
		registry:   reg,
	}
	d.publish()
	return d, nil
}

// Run services both gates until ctx is cancelled or the poller reports an
// interruption, in which case it returns nil. Any other error is fatal and
// returned. Both gates are closed when Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.close()

	now := d.clock.Now()
	d.stats.StartTime = now
	d.scheduler = heartbeat.NewScheduler(d.interval, d.registry, d.backend, now, d.logger)
	d.publish()

	d.logger.Info().
		Str("frontend", d.frontend.Name()).
		Str("backend", d.backend.Name()).
		Dur("heartbeat_interval", d.interval).
		Int("heartbeat_liveness", d.liveness).
		Msg("Queue started")

	for {
		if ctx.Err() != nil {
			d.logger.Info().Msg("Queue stopping: context cancelled")
			return nil
		}

		// Only take client work while a worker is available.
		gates := []Gate{d.backend}
		if d.registry.Size() > 0 {
			gates = append(gates, d.frontend)
		}

		readable, err := d.poller.Poll(gates, d.interval)
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				d.logger.Info().Msg("Queue stopping: interrupted")
				return nil
			}
			return fmt.Errorf("failed to poll gates: %w", err)
		}

		if hasGate(readable, d.backend) {
			if err := d.handleWorker(); err != nil {
				return d.stopOn(err)
			}
		}
		if hasGate(readable, d.frontend) {
			if err := d.handleClient(); err != nil {
				return d.stopOn(err)
			}
		}

		if res, ran := d.scheduler.Tick(d.clock.Now()); ran {
			d.recordHeartbeat(res)
		}

		if d.dirty {
			d.publish()
		}
	}
}

// handleWorker processes one message from the worker-facing gate.
func (d *Dispatcher) handleWorker() error {
	msg, err := d.backend.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive from %s: %w", d.backend.Name(), err)
	}
	d.dirty = true

	env, err := ppp.Unwrap(msg)
	if err != nil {
		d.violation(nil, err)
		return nil
	}

	// Any message from a worker proves it is alive.
	if evicted := d.registry.Ready(env.Token); evicted != nil {
		d.stats.WorkersEvicted++
		d.metrics.Evicted()
		d.logger.Error().
			Str("worker_id", ppp.Printable(evicted.Token)).
			Str("new_worker_id", ppp.Printable(env.Token)).
			Int("max_workers", d.maxWorkers).
			Msg("Worker registry full - evicting oldest worker")
	}
	d.metrics.SetWorkers(d.registry.Size())

	decoded, err := ppp.Decode(env.Frames)
	if err != nil {
		d.violation(env.Token, err)
		return nil
	}
	d.metrics.WorkerSignal(decoded.Kind.String())

	switch decoded.Kind {
	case ppp.KindReady:
		d.logger.Info().
			Str("worker_id", ppp.Printable(env.Token)).
			Int("workers", d.registry.Size()).
			Msg("Worker registered")
	case ppp.KindHeartbeat:
		d.logger.Debug().
			Str("worker_id", ppp.Printable(env.Token)).
			Msg("Worker heartbeat")
	case ppp.KindPayload:
		if err := d.frontend.Send(decoded.Frames); err != nil {
			d.logger.Warn().
				Str("worker_id", ppp.Printable(env.Token)).
				Str("client_id", ppp.Printable(decoded.Frames[0])).
				Err(err).
				Msg("Failed to forward reply to client")
			d.stats.SendFailures++
			d.metrics.SendFailed()
			return nil
		}
		d.stats.RepliesForwarded++
		d.metrics.ReplyForwarded()
		d.logger.Debug().
			Str("worker_id", ppp.Printable(env.Token)).
			Str("client_id", ppp.Printable(decoded.Frames[0])).
			Msg("Reply forwarded")
	}
	return nil
}

// handleClient routes one client request to the least recently used worker.
func (d *Dispatcher) handleClient() error {
	msg, err := d.frontend.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive from %s: %w", d.frontend.Name(), err)
	}
	d.dirty = true

	token, err := d.registry.Next()
	if err != nil {
		return fmt.Errorf("failed to route client request: %w", err)
	}
	d.metrics.SetWorkers(d.registry.Size())

	if err := d.backend.Send(ppp.Wrap(token, msg)); err != nil {
		// The worker vanished between its last signal and now. The request
		// is lost; the client is expected to retry.
		d.logger.Warn().
			Str("worker_id", ppp.Printable(token)).
			Err(err).
			Msg("Failed to dispatch request to worker")
		d.stats.SendFailures++
		d.metrics.SendFailed()
		return nil
	}

	d.stats.RequestsRouted++
	d.stats.LastRequest = d.clock.Now()
	d.metrics.RequestRouted()
	if len(msg) > 0 {
		d.logger.Debug().
			Str("client_id", ppp.Printable(msg[0])).
			Str("worker_id", ppp.Printable(token)).
			Msg("Request dispatched")
	}
	return nil
}

func (d *Dispatcher) violation(token []byte, err error) {
	d.stats.ProtocolViolations++
	d.metrics.ProtocolViolation()
	d.logger.Error().
		Str("worker_id", ppp.Printable(token)).
		Err(err).
		Msg("Invalid message from worker")
}

func (d *Dispatcher) recordHeartbeat(res heartbeat.Result) {
	d.dirty = true
	d.stats.HeartbeatsSent += uint64(res.Sent)
	d.stats.HeartbeatsFailed += uint64(res.Failed)
	d.stats.WorkersPurged += uint64(len(res.Purged))
	d.stats.LastHeartbeat = d.clock.Now()
	d.metrics.Heartbeats(res.Sent, res.Failed)
	d.metrics.Purged(len(res.Purged))
	d.metrics.SetWorkers(d.registry.Size())
}

// stopOn turns a gate interruption into an orderly stop.
func (d *Dispatcher) stopOn(err error) error {
	if errors.Is(err, ErrInterrupted) {
		d.logger.Info().Msg("Queue stopping: interrupted")
		return nil
	}
	return err
}

func (d *Dispatcher) close() {
	if err := d.frontend.Close(); err != nil {
		d.logger.Error().Err(err).Str("gate", d.frontend.Name()).Msg("Failed to close gate")
	}
	if err := d.backend.Close(); err != nil {
		d.logger.Error().Err(err).Str("gate", d.backend.Name()).Msg("Failed to close gate")
	}
	d.running.Store(false)
	d.publish()
	d.logger.Info().
		Uint64("requests_routed", d.stats.RequestsRouted).
		Uint64("replies_forwarded", d.stats.RepliesForwarded).
		Msg("Queue stopped")
}

func (d *Dispatcher) publish() {
	d.dirty = false
	d.snapshot.Store(newSnapshot(
		d.registry.Workers(),
		d.stats,
		d.interval,
		d.liveness,
		d.running.Load(),
		d.clock.Now(),
	))
}

// Snapshot returns the state published after the most recent loop iteration.
// It is safe to call from any goroutine.
func (d *Dispatcher) Snapshot() *Snapshot {
	return d.snapshot.Load()
}

// Running reports whether Run is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

func hasGate(gates []Gate, g Gate) bool {
	for _, candidate := range gates {
		if candidate == g {
			return true
		}
	}
	return false
}

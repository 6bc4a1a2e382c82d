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

package heartbeat

import (
	"time"

	"github.com/rs/zerolog"
	"pirate/internal/ppp"
	"pirate/internal/registry"
)

// Sender delivers a router-addressed message to a worker.
type Sender interface {
	Send(msg [][]byte) error
}

// Result summarises one heartbeat step.
type Result struct {
	Sent   int
	Failed int
	Purged []*registry.Worker
}

// Scheduler sends heartbeats to every registered worker once per interval and
// then purges the workers that have stopped signalling.
//
// It keeps only a deadline; the dispatcher calls Tick after every wake-up.
type Scheduler struct {
	interval time.Duration
	deadline time.Time
	registry *registry.Registry
	sender   Sender
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler whose first heartbeat is due one interval
// after now.
func NewScheduler(interval time.Duration, reg *registry.Registry, sender Sender, now time.Time, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		deadline: now.Add(interval),
		registry: reg,
		sender:   sender,
		logger:   logger,
	}
}

// Deadline returns when the next heartbeat is due.
func (s *Scheduler) Deadline() time.Time {
	return s.deadline
}

// Due reports whether the heartbeat step should run at now.
func (s *Scheduler) Due(now time.Time) bool {
	return !now.Before(s.deadline)
}

// Tick runs the heartbeat step if it is due and schedules the next one.
func (s *Scheduler) Tick(now time.Time) (Result, bool) {
	if !s.Due(now) {
		return Result{}, false
	}
	res := s.Beat(now)
	s.deadline = now.Add(s.interval)
	return res, true
}

// Beat sends one HEARTBEAT to each worker registered at the time of the call,
// then purges expired workers. Sending never refreshes a worker's expiry.
// A failed send is logged and does not stop the round.
func (s *Scheduler) Beat(now time.Time) Result {
	var res Result

	for _, token := range s.registry.Tokens() {
		if err := s.sender.Send(ppp.Wrap(token, [][]byte{ppp.HeartbeatFrame()})); err != nil {
			res.Failed++
			s.logger.Warn().
				Str("worker_id", ppp.Printable(token)).
				Err(err).
				Msg("Failed to send heartbeat")
			continue
		}
		res.Sent++
	}

	res.Purged = s.registry.Purge(now)
	for _, worker := range res.Purged {
		s.logger.Warn().
			Str("worker_id", ppp.Printable(worker.Token)).
			Time("expiry", worker.Expiry).
			Msg("Worker expired - removing")
	}

	s.logger.Debug().
		Int("sent", res.Sent).
		Int("purged", len(res.Purged)).
		Int("workers", s.registry.Size()).
		Msg("Heartbeat round complete")

	return res
}

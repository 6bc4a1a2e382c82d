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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pirate/internal/clock"
	"pirate/internal/logger"
	"pirate/internal/metrics"
	"pirate/internal/ppp"
	"pirate/internal/registry"
)

var t0 = time.Unix(1700000000, 0)

// fakeGate is an in-memory router gate.
type fakeGate struct {
	name    string
	inbound [][][]byte
	sent    [][][]byte
	sendErr error
	closed  bool
}

func newFakeGate(name string) *fakeGate {
	return &fakeGate{name: name}
}

func (g *fakeGate) Name() string { return g.name }

func (g *fakeGate) Recv() ([][]byte, error) {
	if len(g.inbound) == 0 {
		return nil, errors.New("nothing to receive")
	}
	msg := g.inbound[0]
	g.inbound = g.inbound[1:]
	return msg, nil
}

func (g *fakeGate) Send(msg [][]byte) error {
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, msg)
	return nil
}

func (g *fakeGate) Close() error {
	g.closed = true
	return nil
}

func (g *fakeGate) push(frames ...string) {
	msg := make([][]byte, len(frames))
	for i, f := range frames {
		msg[i] = []byte(f)
	}
	g.inbound = append(g.inbound, msg)
}

// requests returns what was sent except heartbeats.
func (g *fakeGate) requests() [][][]byte {
	var out [][][]byte
	for _, msg := range g.sent {
		if !ppp.IsHeartbeat(msg[1:]) {
			out = append(out, msg)
		}
	}
	return out
}

func (g *fakeGate) heartbeatsTo(token string) int {
	n := 0
	for _, msg := range g.sent {
		if string(msg[0]) == token && ppp.IsHeartbeat(msg[1:]) {
			n++
		}
	}
	return n
}

// fakePoller reports the gates in the wait set that have queued input. When
// nothing is readable it advances the clock by the full timeout, otherwise by
// step. After maxCalls it reports an interruption.
type fakePoller struct {
	clk      *clock.Manual
	step     time.Duration
	maxCalls int
	before   func(call int)
	err      error
	force    []Gate

	calls    int
	waitSets [][]string
	timeouts []time.Duration
}

func (p *fakePoller) Poll(gates []Gate, timeout time.Duration) ([]Gate, error) {
	p.calls++
	if p.before != nil {
		p.before(p.calls)
	}

	names := make([]string, len(gates))
	for i, g := range gates {
		names[i] = g.Name()
	}
	p.waitSets = append(p.waitSets, names)
	p.timeouts = append(p.timeouts, timeout)

	if p.calls > p.maxCalls {
		return nil, ErrInterrupted
	}
	if p.err != nil {
		return nil, p.err
	}

	var readable []Gate
	for _, g := range gates {
		if fg, ok := g.(*fakeGate); ok && len(fg.inbound) > 0 {
			readable = append(readable, g)
		}
	}
	readable = append(readable, p.force...)

	if len(readable) == 0 {
		p.clk.Advance(timeout)
	} else {
		p.clk.Advance(p.step)
	}
	return readable, nil
}

type harness struct {
	frontend *fakeGate
	backend  *fakeGate
	poller   *fakePoller
	clk      *clock.Manual
	d        *Dispatcher
}

func newHarness(t *testing.T, maxCalls int, opts Options) *harness {
	t.Helper()
	clk := clock.NewManual(t0)
	h := &harness{
		frontend: newFakeGate("frontend"),
		backend:  newFakeGate("backend"),
		poller:   &fakePoller{clk: clk, step: 10 * time.Millisecond, maxCalls: maxCalls},
		clk:      clk,
	}
	opts.Clock = clk
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.HeartbeatLiveness == 0 {
		opts.HeartbeatLiveness = 3
	}
	d, err := NewDispatcher(h.frontend, h.backend, h.poller, opts)
	require.NoError(t, err)
	h.d = d
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.Run(context.Background()))
}

func frames(parts ...string) [][]byte {
	msg := make([][]byte, len(parts))
	for i, p := range parts {
		msg[i] = []byte(p)
	}
	return msg
}

func TestNewDispatcherRequiresGates(t *testing.T) {
	clk := clock.NewManual(t0)
	poller := &fakePoller{clk: clk}

	_, err := NewDispatcher(nil, newFakeGate("backend"), poller, Options{})
	assert.Error(t, err)

	_, err = NewDispatcher(newFakeGate("frontend"), nil, poller, Options{})
	assert.Error(t, err)

	_, err = NewDispatcher(newFakeGate("frontend"), newFakeGate("backend"), nil, Options{})
	assert.Error(t, err)
}

func TestNewDispatcherDefaults(t *testing.T) {
	d, err := NewDispatcher(newFakeGate("frontend"), newFakeGate("backend"), &fakePoller{}, Options{})
	require.NoError(t, err)

	snap := d.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, ppp.DefaultHeartbeatInterval, snap.HeartbeatInterval)
	assert.Equal(t, ppp.DefaultHeartbeatLiveness, snap.HeartbeatLiveness)
	assert.False(t, snap.Running)
	assert.Empty(t, snap.Workers)
}

func TestFrontendIgnoredWithoutWorkers(t *testing.T) {
	h := newHarness(t, 3, Options{})
	h.frontend.push("C1", "", "hello")

	h.run(t)

	for i, set := range h.poller.waitSets {
		assert.Equal(t, []string{"backend"}, set, "wait set %d", i)
	}
	assert.Len(t, h.frontend.inbound, 1, "request must stay queued")
	assert.Empty(t, h.backend.sent)
}

func TestDispatchOrderFollowsReadyOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewBroker(reg)
	require.NoError(t, err)

	h := newHarness(t, 4, Options{Metrics: m})
	h.backend.push("W1", ppp.PPP_READY)
	h.backend.push("W2", ppp.PPP_READY)
	h.frontend.push("C1", "", "first")
	h.frontend.push("C2", "", "second")

	h.run(t)

	assert.Equal(t, []string{"backend"}, h.poller.waitSets[0])
	assert.Equal(t, []string{"backend", "frontend"}, h.poller.waitSets[1])

	dispatched := h.backend.requests()
	require.Len(t, dispatched, 2)
	assert.Equal(t, frames("W1", "C1", "", "first"), dispatched[0])
	assert.Equal(t, frames("W2", "C2", "", "second"), dispatched[1])

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkerSignals.WithLabelValues("ready")))
	assert.Equal(t, uint64(2), h.d.Snapshot().Stats.RequestsRouted)
}

func TestWorkersRejoinAfterReplying(t *testing.T) {
	h := newHarness(t, 6, Options{})
	h.backend.push("W1", ppp.PPP_READY)
	h.backend.push("W2", ppp.PPP_READY)
	h.frontend.push("C1", "", "one")
	h.frontend.push("C2", "", "two")
	h.poller.before = func(call int) {
		if call == 4 {
			h.backend.push("W1", "C1", "", "r1")
			h.backend.push("W2", "C2", "", "r2")
			h.frontend.push("C3", "", "three")
		}
	}

	h.run(t)

	dispatched := h.backend.requests()
	require.Len(t, dispatched, 3)
	assert.Equal(t, "W1", string(dispatched[0][0]))
	assert.Equal(t, "W2", string(dispatched[1][0]))
	// W1 replied first, so it is the least recently used again.
	assert.Equal(t, "W1", string(dispatched[2][0]))

	assert.Equal(t, [][][]byte{
		frames("C1", "", "r1"),
		frames("C2", "", "r2"),
	}, h.frontend.sent)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	client := string([]byte{0x00, 0x6b, 0x8b, 0x45, 0x67})

	h := newHarness(t, 3, Options{})
	h.backend.push("W", ppp.PPP_READY)
	h.frontend.push(client, "", "P")
	h.poller.before = func(call int) {
		if call == 3 {
			h.backend.push("W", client, "", "R")
		}
	}

	h.run(t)

	require.Equal(t, [][][]byte{frames("W", client, "", "P")}, h.backend.requests())
	require.Equal(t, [][][]byte{frames(client, "", "R")}, h.frontend.sent)
	assert.Equal(t, uint64(1), h.d.Snapshot().Stats.RepliesForwarded)
}

func TestReplyRefreshesWorkerExpiry(t *testing.T) {
	h := newHarness(t, 3, Options{})
	h.backend.push("W", ppp.PPP_READY)
	h.frontend.push("C", "", "P")
	h.poller.before = func(call int) {
		if call == 3 {
			h.backend.push("W", "C", "", "R")
		}
	}

	h.run(t)

	snap := h.d.Snapshot()
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, "W", snap.Workers[0].Identity)
	// Three readable polls of 10ms each, the last one being the reply.
	assert.Equal(t, t0.Add(30*time.Millisecond+3*time.Second), snap.Workers[0].Expiry)
}

func TestProtocolViolationIsAbsorbed(t *testing.T) {
	tests := []struct {
		name       string
		msg        []string
		registered bool
	}{
		{"unknown control frame", []string{"W", "\x07"}, true},
		{"token only", []string{"W"}, true},
		{"token and delimiter only", []string{"W", ""}, true},
		{"no frames", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 2, Options{})
			h.backend.push(tt.msg...)
			h.backend.push("W2", ppp.PPP_READY)

			h.run(t)

			snap := h.d.Snapshot()
			assert.Equal(t, uint64(1), snap.Stats.ProtocolViolations)
			assert.Empty(t, h.frontend.sent)

			ids := make([]string, len(snap.Workers))
			for i, w := range snap.Workers {
				ids[i] = w.Identity
			}
			assert.Contains(t, ids, "W2", "loop must keep serving after a violation")
			if tt.registered {
				assert.Contains(t, ids, "W")
			}
		})
	}
}

func TestHeartbeatAndPurgeWithoutTraffic(t *testing.T) {
	h := newHarness(t, 5, Options{})
	h.backend.push("W", ppp.PPP_READY)

	h.run(t)

	// W registers at t0+10ms, so it expires at t0+3010ms. Heartbeats go out
	// at t0+1010ms, t0+2010ms and t0+3010ms, where W is purged.
	assert.Equal(t, 3, h.backend.heartbeatsTo("W"))
	assert.Empty(t, h.backend.requests())

	snap := h.d.Snapshot()
	assert.Empty(t, snap.Workers)
	assert.Equal(t, uint64(1), snap.Stats.WorkersPurged)
	assert.Equal(t, uint64(3), snap.Stats.HeartbeatsSent)

	assert.Equal(t, []string{"backend", "frontend"}, h.poller.waitSets[3])
	assert.Equal(t, []string{"backend"}, h.poller.waitSets[4])
}

func TestHeartbeatIsNotALivenessSignal(t *testing.T) {
	h := newHarness(t, 3, Options{})
	h.backend.push("W", ppp.PPP_READY)

	h.run(t)

	snap := h.d.Snapshot()
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, 2, h.backend.heartbeatsTo("W"))
	assert.Equal(t, t0.Add(10*time.Millisecond+3*time.Second), snap.Workers[0].Expiry)
}

func TestWorkerHeartbeatRefreshesExpiry(t *testing.T) {
	h := newHarness(t, 4, Options{})
	h.backend.push("W", ppp.PPP_READY)
	h.poller.before = func(call int) {
		if call == 3 {
			h.backend.push("W", ppp.PPP_HEARTBEAT)
		}
	}

	h.run(t)

	// call 1: +10ms, call 2: +1s idle, call 3: +10ms with the heartbeat.
	snap := h.d.Snapshot()
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, t0.Add(1020*time.Millisecond+3*time.Second), snap.Workers[0].Expiry)
}

func TestRegistryCapacityEvictsOldest(t *testing.T) {
	var buf bytes.Buffer
	logger.SetFormat(logger.FORMAT_JSON)
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetFormat(logger.FORMAT_CONSOLE)
		logger.SetSilentMode(true)
	})

	h := newHarness(t, 2, Options{MaxWorkers: 1})
	h.backend.push("W1", ppp.PPP_READY)
	h.backend.push("W2", ppp.PPP_READY)

	h.run(t)

	snap := h.d.Snapshot()
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, "W2", snap.Workers[0].Identity)
	assert.Equal(t, uint64(1), snap.Stats.WorkersEvicted)

	var evictions []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == "Worker registry full - evicting oldest worker" {
			evictions = append(evictions, entry)
		}
	}
	require.Len(t, evictions, 1)
	assert.Equal(t, "error", evictions[0]["level"])
	assert.Equal(t, "W1", evictions[0]["worker_id"])
	assert.Equal(t, "W2", evictions[0]["new_worker_id"])
}

func TestPollWaitsOneHeartbeatInterval(t *testing.T) {
	h := newHarness(t, 6, Options{HeartbeatInterval: 250 * time.Millisecond})
	h.backend.push("W", ppp.PPP_READY)
	h.frontend.push("C", "", "P")

	h.run(t)

	require.Len(t, h.poller.timeouts, 7)
	for i, timeout := range h.poller.timeouts {
		assert.Equal(t, 250*time.Millisecond, timeout, "poll %d", i+1)
	}
}

func TestFailedDispatchKeepsRunning(t *testing.T) {
	m, err := metrics.NewBroker(prometheus.NewRegistry())
	require.NoError(t, err)
	h := newHarness(t, 3, Options{Metrics: m})
	h.backend.push("W", ppp.PPP_READY)
	h.frontend.push("C", "", "P")
	h.poller.before = func(call int) {
		if call == 2 {
			h.backend.sendErr = errors.New("host unreachable")
		}
	}

	h.run(t)

	stats := h.d.Snapshot().Stats
	assert.Equal(t, uint64(0), stats.RequestsRouted)
	assert.Equal(t, uint64(1), stats.SendFailures)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendFailures))
	assert.Len(t, h.poller.waitSets, 4)
}

func TestInterruptClosesGates(t *testing.T) {
	h := newHarness(t, 0, Options{})

	err := h.d.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, h.frontend.closed)
	assert.True(t, h.backend.closed)
	assert.False(t, h.d.Running())
	assert.False(t, h.d.Snapshot().Running)
}

func TestContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 100, Options{})
	h.poller.before = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	err := h.d.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, h.poller.calls)
	assert.True(t, h.frontend.closed)
	assert.True(t, h.backend.closed)
}

func TestPollErrorIsFatal(t *testing.T) {
	boom := errors.New("boom")
	h := newHarness(t, 10, Options{})
	h.poller.err = boom

	err := h.d.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, h.frontend.closed)
	assert.True(t, h.backend.closed)
}

func TestNextOnEmptyRegistryFailsLoudly(t *testing.T) {
	h := newHarness(t, 10, Options{})
	h.frontend.push("C", "", "P")
	// A poller that reports the frontend outside the wait set.
	h.poller.force = []Gate{h.frontend}

	err := h.d.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrEmptyRegistry)
	assert.Empty(t, h.backend.sent)
}

func TestRunTwiceConcurrently(t *testing.T) {
	h := newHarness(t, 1, Options{})
	h.poller.before = func(call int) {
		if call == 1 {
			assert.ErrorIs(t, h.d.Run(context.Background()), ErrAlreadyRunning)
			assert.True(t, h.d.Snapshot().Running)
		}
	}

	h.run(t)
}

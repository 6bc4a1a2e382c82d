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

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pirate/internal/ppp"
)

var endpointSeq atomic.Int64

// bindQueue binds a ROUTER socket standing in for the queue's backend.
func bindQueue(t *testing.T) (*zmq4.Socket, string) {
	t.Helper()
	endpoint := fmt.Sprintf("inproc://worker-test-%d", endpointSeq.Add(1))
	socket, err := zmq4.NewSocket(zmq4.ROUTER)
	require.NoError(t, err)
	require.NoError(t, socket.SetLinger(0))
	require.NoError(t, socket.SetRcvtimeo(2*time.Second))
	require.NoError(t, socket.Bind(endpoint))
	t.Cleanup(func() { socket.Close() })
	return socket, endpoint
}

// recvSkippingHeartbeats returns the next non-heartbeat message.
func recvSkippingHeartbeats(t *testing.T, queue *zmq4.Socket) [][]byte {
	t.Helper()
	for {
		msg, err := queue.RecvMessageBytes(0)
		require.NoError(t, err)
		if !ppp.IsHeartbeat(msg[1:]) {
			return msg
		}
	}
}

func startWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errc <- w.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return cancel, errc
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{}, Echo)
	assert.Error(t, err)

	_, err = New(Options{Broker: "tcp://localhost:5556"}, nil)
	assert.Error(t, err)

	w, err := New(Options{Broker: "tcp://localhost:5556"}, Echo)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(w.Identity(), "worker_"))
	assert.Equal(t, ppp.DefaultHeartbeatInterval, w.opts.HeartbeatInterval)
	assert.Equal(t, ppp.DefaultHeartbeatLiveness, w.opts.HeartbeatLiveness)
	assert.Equal(t, DefaultReconnectInitial, w.opts.ReconnectInitial)
	assert.Equal(t, DefaultReconnectMax, w.opts.ReconnectMax)
	assert.Equal(t, StateDisconnected, w.State())
}

func TestWorkerAnnouncesAndEchoes(t *testing.T) {
	queue, endpoint := bindQueue(t)
	w, err := New(Options{Broker: endpoint, Identity: "W1", HeartbeatInterval: 50 * time.Millisecond}, Echo)
	require.NoError(t, err)
	startWorker(t, w)

	ready := recvSkippingHeartbeats(t, queue)
	assert.Equal(t, [][]byte{[]byte("W1"), []byte(ppp.PPP_READY)}, ready)

	_, err = queue.SendMessage("W1", "C1", "", "hello", "world")
	require.NoError(t, err)

	reply := recvSkippingHeartbeats(t, queue)
	assert.Equal(t, [][]byte{
		[]byte("W1"), []byte("C1"), {}, []byte("hello"), []byte("world"),
	}, reply)

	assert.Eventually(t, func() bool {
		return w.Stats().RequestsHandled == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerSendsHeartbeats(t *testing.T) {
	queue, endpoint := bindQueue(t)
	w, err := New(Options{Broker: endpoint, Identity: "W1", HeartbeatInterval: 20 * time.Millisecond}, Echo)
	require.NoError(t, err)
	startWorker(t, w)

	_, err = queue.RecvMessageBytes(0) // READY
	require.NoError(t, err)

	msg, err := queue.RecvMessageBytes(0)
	require.NoError(t, err)
	assert.Equal(t, "W1", string(msg[0]))
	assert.True(t, ppp.IsHeartbeat(msg[1:]))
}

func TestWorkerReconnectsWhenQueueIsSilent(t *testing.T) {
	queue, endpoint := bindQueue(t)
	w, err := New(Options{
		Broker:            endpoint,
		Identity:          "W1",
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatLiveness: 2,
		ReconnectInitial:  10 * time.Millisecond,
		ReconnectMax:      40 * time.Millisecond,
	}, Echo)
	require.NoError(t, err)
	startWorker(t, w)

	readies := 0
	for readies < 2 {
		msg, err := queue.RecvMessageBytes(0)
		require.NoError(t, err)
		if string(msg[1]) == ppp.PPP_READY {
			readies++
		}
	}
	assert.GreaterOrEqual(t, w.Stats().Reconnections, 1)
}

func TestWorkerKeepsConnectionWhileQueueBeats(t *testing.T) {
	queue, endpoint := bindQueue(t)
	w, err := New(Options{
		Broker:            endpoint,
		Identity:          "W1",
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatLiveness: 3,
	}, Echo)
	require.NoError(t, err)
	startWorker(t, w)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		msg, err := queue.RecvMessageBytes(0)
		require.NoError(t, err)
		if ppp.IsHeartbeat(msg[1:]) {
			_, err = queue.SendMessage("W1", ppp.PPP_HEARTBEAT)
			require.NoError(t, err)
		}
	}

	stats := w.Stats()
	assert.Zero(t, stats.Reconnections)
	assert.Positive(t, stats.HeartbeatsReceived)
}

func TestReconnectBackoffDoubles(t *testing.T) {
	_, endpoint := bindQueue(t)
	w, err := New(Options{
		Broker:           endpoint,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     40 * time.Millisecond,
	}, Echo)
	require.NoError(t, err)

	var waits []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	require.NoError(t, w.connect())
	defer w.disconnect()

	for i := 0; i < 4; i++ {
		require.NoError(t, w.reconnectToBroker(context.Background()))
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, waits)
	assert.Equal(t, 4, w.Stats().Reconnections)

	w.alive()
	assert.Equal(t, 10*time.Millisecond, w.reconnect)
}

func TestReconnectStopsOnCancel(t *testing.T) {
	_, endpoint := bindQueue(t)
	w, err := New(Options{Broker: endpoint}, Echo)
	require.NoError(t, err)
	require.NoError(t, w.connect())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = w.reconnectToBroker(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, w.State())
}

func TestHandlerErrorSendsNoReply(t *testing.T) {
	queue, endpoint := bindQueue(t)
	failing := HandlerFunc(func(_ context.Context, request [][]byte) ([][]byte, error) {
		if string(request[0]) == "fail" {
			return nil, errors.New("cannot serve")
		}
		return [][]byte{[]byte("ok")}, nil
	})
	w, err := New(Options{Broker: endpoint, Identity: "W1", HeartbeatInterval: 50 * time.Millisecond}, failing)
	require.NoError(t, err)
	startWorker(t, w)

	recvSkippingHeartbeats(t, queue) // READY

	_, err = queue.SendMessage("W1", "C1", "", "fail")
	require.NoError(t, err)
	_, err = queue.SendMessage("W1", "C2", "", "serve")
	require.NoError(t, err)

	reply := recvSkippingHeartbeats(t, queue)
	assert.Equal(t, "C2", string(reply[1]))
	assert.Equal(t, "ok", string(reply[3]))
	assert.Equal(t, 1, w.Stats().RequestsFailed)
}

func TestInvalidMessagesAreCounted(t *testing.T) {
	queue, endpoint := bindQueue(t)
	w, err := New(Options{Broker: endpoint, Identity: "W1", HeartbeatInterval: 50 * time.Millisecond}, Echo)
	require.NoError(t, err)
	startWorker(t, w)

	recvSkippingHeartbeats(t, queue) // READY

	_, err = queue.SendMessage("W1", "no-delimiter")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return w.Stats().InvalidMessages == 1
	}, time.Second, 10*time.Millisecond)
}

func TestChaosEventuallyCrashes(t *testing.T) {
	queue, endpoint := bindQueue(t)
	w, err := New(Options{
		Broker:            endpoint,
		Identity:          "W1",
		HeartbeatInterval: 50 * time.Millisecond,
		Chaos:             true,
		ChaosSeed:         42,
	}, Echo)
	require.NoError(t, err)
	w.sleep = func(context.Context, time.Duration) error { return nil }
	_, done := startWorker(t, w)

	recvSkippingHeartbeats(t, queue) // READY

	for i := 0; i < 200; i++ {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrSimulatedCrash)
			assert.Greater(t, w.cycles, 3)
			return
		default:
		}
		_, err = queue.SendMessage("W1", fmt.Sprintf("C%d", i), "", "ping")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSimulatedCrash)
	case <-time.After(2 * time.Second):
		t.Fatal("chaos worker never crashed")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "working", StateWorking.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
}

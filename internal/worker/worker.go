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

// Package worker implements a Paranoid Pirate worker: it announces itself to
// the queue, answers requests through a Handler, exchanges heartbeats and
// reconnects with exponential backoff when the queue goes quiet.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"pirate/internal/clock"
	"pirate/internal/keys"
	"pirate/internal/logger"
	"pirate/internal/ppp"
)

// ErrSimulatedCrash is returned by Run when chaos mode decides to crash.
var ErrSimulatedCrash = errors.New("simulated crash")

// Default reconnect backoff
const (
	DefaultReconnectInitial = 1 * time.Second
	DefaultReconnectMax     = 32 * time.Second
)

// Handler answers one request. The request holds the body frames without the
// reply envelope.
type Handler interface {
	Handle(ctx context.Context, request [][]byte) ([][]byte, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, request [][]byte) ([][]byte, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, request [][]byte) ([][]byte, error) {
	return f(ctx, request)
}

// Echo replies with the request unchanged
var Echo = HandlerFunc(func(_ context.Context, request [][]byte) ([][]byte, error) {
	return request, nil
})

// State represents the worker connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateWorking
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateWorking:
		return "working"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Options configures a worker. Zero values fall back to the defaults.
type Options struct {
	Broker            string
	Identity          string // generated when empty
	HeartbeatInterval time.Duration
	HeartbeatLiveness int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration

	// ServerKey is the queue's CURVE public key. When set the worker
	// encrypts its connection with a fresh key pair.
	ServerKey string

	// Chaos makes the worker crash or stall at random once it has served a
	// few requests, to exercise the queue's failure handling.
	Chaos     bool
	ChaosSeed int64

	Clock clock.Clock
}

// Stats represents worker statistics
type Stats struct {
	Identity           string    `json:"identity"`
	RequestsHandled    int       `json:"requests_handled"`
	RequestsFailed     int       `json:"requests_failed"`
	HeartbeatsSent     int       `json:"heartbeats_sent"`
	HeartbeatsReceived int       `json:"heartbeats_received"`
	InvalidMessages    int       `json:"invalid_messages"`
	Reconnections      int       `json:"reconnections"`
	CurrentLiveness    int       `json:"current_liveness"`
	LastRequest        time.Time `json:"last_request"`
	StartTime          time.Time `json:"start_time"`
	State              string    `json:"state"`
}

// Worker is a Paranoid Pirate worker. Run drives it from one goroutine;
// Stats and State may be read from others.
type Worker struct {
	opts    Options
	handler Handler
	clock   clock.Clock
	logger  zerolog.Logger
	rand    *rand.Rand

	socket      *zmq4.Socket
	poller      *zmq4.Poller
	liveness    int
	reconnect   time.Duration
	heartbeatAt time.Time
	cycles      int

	mutex sync.RWMutex
	state State
	stats Stats

	// sleep waits between reconnect attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a worker that serves requests with handler
func New(opts Options, handler Handler) (*Worker, error) {
	if opts.Broker == "" {
		return nil, errors.New("broker endpoint is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.Identity == "" {
		opts.Identity = "worker_" + uuid.New().String()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = ppp.DefaultHeartbeatInterval
	}
	if opts.HeartbeatLiveness <= 0 {
		opts.HeartbeatLiveness = ppp.DefaultHeartbeatLiveness
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = DefaultReconnectInitial
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = max(DefaultReconnectMax, opts.ReconnectInitial)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.ChaosSeed == 0 {
		opts.ChaosSeed = time.Now().UnixNano()
	}

	return &Worker{
		opts:      opts,
		handler:   handler,
		clock:     opts.Clock,
		logger:    logger.GetLogger("worker").With().Str("identity", opts.Identity).Logger(),
		rand:      rand.New(rand.NewSource(opts.ChaosSeed)),
		reconnect: opts.ReconnectInitial,
		state:     StateDisconnected,
		stats:     Stats{Identity: opts.Identity},
		sleep:     sleepContext,
	}, nil
}

// Identity returns the routing identity the worker announces
func (w *Worker) Identity() string {
	return w.opts.Identity
}

// State returns the current connection state
func (w *Worker) State() State {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.state
}

// Stats returns a copy of the worker statistics
func (w *Worker) Stats() Stats {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	stats := w.stats
	stats.State = w.state.String()
	return stats
}

// Run connects to the queue and serves requests until ctx is cancelled. It
// returns nil on cancellation and ErrSimulatedCrash when chaos mode crashes.
func (w *Worker) Run(ctx context.Context) error {
	w.mutex.Lock()
	w.stats.StartTime = w.clock.Now()
	w.mutex.Unlock()

	w.logger.Info().
		Str("broker", w.opts.Broker).
		Dur("heartbeat_interval", w.opts.HeartbeatInterval).
		Int("heartbeat_liveness", w.opts.HeartbeatLiveness).
		Bool("chaos", w.opts.Chaos).
		Msg("Starting worker")

	if err := w.connect(); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer w.disconnect()

	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("Worker stopping")
			return nil
		}

		polled, err := w.poller.Poll(w.opts.HeartbeatInterval)
		if err != nil {
			if interrupted(err) {
				return nil
			}
			return fmt.Errorf("failed to poll broker socket: %w", err)
		}

		if len(polled) > 0 {
			msg, err := w.socket.RecvMessageBytes(0)
			if err != nil {
				if interrupted(err) {
					return nil
				}
				return fmt.Errorf("failed to receive from broker: %w", err)
			}
			if err := w.handle(ctx, msg); err != nil {
				return err
			}
		} else {
			w.liveness--
			w.setLiveness(w.liveness)
			if w.liveness <= 0 {
				if err := w.reconnectToBroker(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		}

		if now := w.clock.Now(); !now.Before(w.heartbeatAt) {
			w.heartbeatAt = now.Add(w.opts.HeartbeatInterval)
			w.sendHeartbeat()
		}
	}
}

// handle processes one message from the queue
func (w *Worker) handle(ctx context.Context, msg [][]byte) error {
	if ppp.IsHeartbeat(msg) {
		w.logger.Debug().Msg("Received heartbeat from broker")
		w.mutex.Lock()
		w.stats.HeartbeatsReceived++
		w.mutex.Unlock()
		w.alive()
		return nil
	}

	envelope, body := ppp.SplitEnvelope(msg)
	if envelope == nil || len(body) == 0 {
		w.logger.Warn().
			Int("parts_count", len(msg)).
			Msg("Received invalid message from broker")
		w.mutex.Lock()
		w.stats.InvalidMessages++
		w.mutex.Unlock()
		return nil
	}

	w.cycles++
	if w.opts.Chaos && w.cycles > 3 {
		switch w.rand.Intn(5) {
		case 0:
			w.logger.Warn().Int("cycle", w.cycles).Msg("Simulating a crash")
			return ErrSimulatedCrash
		case 1:
			w.logger.Warn().Int("cycle", w.cycles).Msg("Simulating CPU overload")
			if err := w.sleep(ctx, 3*w.opts.HeartbeatInterval); err != nil {
				return nil
			}
		}
	}

	w.serve(ctx, envelope, body)
	w.alive()
	return nil
}

func (w *Worker) serve(ctx context.Context, envelope, body [][]byte) {
	w.setState(StateWorking)
	defer w.setState(StateReady)

	reply, err := w.handler.Handle(ctx, body)
	if err != nil {
		w.mutex.Lock()
		w.stats.RequestsFailed++
		w.mutex.Unlock()
		// No reply; the client times out and retries.
		w.logger.Error().Err(err).Msg("Request processing failed")
		return
	}
	if len(reply) == 0 {
		reply = [][]byte{{}}
	}

	if _, err := w.socket.SendMessage(envelope, reply); err != nil {
		w.mutex.Lock()
		w.stats.RequestsFailed++
		w.mutex.Unlock()
		w.logger.Error().Err(err).Msg("Failed to send reply")
		return
	}

	w.mutex.Lock()
	w.stats.RequestsHandled++
	w.stats.LastRequest = w.clock.Now()
	w.mutex.Unlock()

	w.logger.Debug().
		Int("request_frames", len(body)).
		Int("reply_frames", len(reply)).
		Msg("Request processed")
}

// alive resets liveness and the reconnect backoff after any valid message
func (w *Worker) alive() {
	w.liveness = w.opts.HeartbeatLiveness
	w.reconnect = w.opts.ReconnectInitial
	w.setLiveness(w.liveness)
}

// connect opens a fresh DEALER socket and announces the worker
func (w *Worker) connect() error {
	w.setState(StateConnecting)

	socket, err := zmq4.NewSocket(zmq4.DEALER)
	if err != nil {
		return fmt.Errorf("failed to create DEALER socket: %w", err)
	}

	defer func() {
		if err != nil {
			socket.Close()
		}
	}()

	if err = socket.SetIdentity(w.opts.Identity); err != nil {
		return fmt.Errorf("failed to set socket identity: %w", err)
	}

	// Drop anything queued for a broker that went away
	if err = socket.SetLinger(0); err != nil {
		return fmt.Errorf("failed to set linger: %w", err)
	}

	if w.opts.ServerKey != "" {
		var kp *keys.KeyPair
		if kp, err = keys.GenerateKeyPair(); err != nil {
			return fmt.Errorf("failed to generate worker keys: %w", err)
		}
		if err = socket.ClientAuthCurve(w.opts.ServerKey, kp.PublicKey, kp.PrivateKey); err != nil {
			return fmt.Errorf("failed to enable CURVE: %w", err)
		}
	}

	if err = socket.Connect(w.opts.Broker); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", w.opts.Broker, err)
	}

	if _, err = socket.SendMessage(ppp.ReadyFrame()); err != nil {
		return fmt.Errorf("failed to send READY message: %w", err)
	}

	poller := zmq4.NewPoller()
	poller.Add(socket, zmq4.POLLIN)

	w.socket = socket
	w.poller = poller
	w.liveness = w.opts.HeartbeatLiveness
	w.heartbeatAt = w.clock.Now().Add(w.opts.HeartbeatInterval)
	w.setLiveness(w.liveness)
	w.setState(StateReady)

	w.logger.Info().Str("broker", w.opts.Broker).Msg("Worker ready")
	return nil
}

// reconnectToBroker waits out the backoff, doubles it and reconnects
func (w *Worker) reconnectToBroker(ctx context.Context) error {
	w.setState(StateReconnecting)
	w.logger.Warn().
		Dur("reconnect_in", w.reconnect).
		Msg("Heartbeat failure, can't reach queue - reconnecting")

	w.disconnect()

	if err := w.sleep(ctx, w.reconnect); err != nil {
		return err
	}

	if w.reconnect < w.opts.ReconnectMax {
		w.reconnect = min(2*w.reconnect, w.opts.ReconnectMax)
	}

	w.mutex.Lock()
	w.stats.Reconnections++
	w.mutex.Unlock()

	if err := w.connect(); err != nil {
		return fmt.Errorf("failed to reconnect to broker: %w", err)
	}
	return nil
}

func (w *Worker) disconnect() {
	if w.socket == nil {
		return
	}
	if err := w.socket.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Error closing worker socket")
	}
	w.socket = nil
	w.poller = nil
	w.setState(StateDisconnected)
}

func (w *Worker) sendHeartbeat() {
	if w.socket == nil {
		return
	}
	if _, err := w.socket.SendMessage(ppp.HeartbeatFrame()); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to send heartbeat")
		return
	}
	w.mutex.Lock()
	w.stats.HeartbeatsSent++
	w.mutex.Unlock()
	w.logger.Debug().Msg("Sent heartbeat to broker")
}

func (w *Worker) setState(state State) {
	w.mutex.Lock()
	w.state = state
	w.mutex.Unlock()
}

func (w *Worker) setLiveness(liveness int) {
	w.mutex.Lock()
	w.stats.CurrentLiveness = liveness
	w.mutex.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func interrupted(err error) bool {
	switch zmq4.AsErrno(err) {
	case zmq4.ETERM, zmq4.Errno(syscall.EINTR):
		return true
	}
	return false
}

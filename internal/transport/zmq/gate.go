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

// Package zmq binds the queue's gates to ZeroMQ ROUTER sockets.
package zmq

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"pirate/internal/broker"
	"pirate/internal/logger"
)

// Default socket options
const (
	DefaultLinger = 1000 * time.Millisecond
	DefaultHWM    = 1000
)

var (
	// ErrClosed is returned when a closed gate is used.
	ErrClosed = errors.New("gate is closed")
	// ErrWouldBlock is returned when the peer's queue is at its high
	// watermark and a send would have to wait.
	ErrWouldBlock = errors.New("send would block")
)

// Options configures a router gate
type Options struct {
	Linger time.Duration
	HWM    int

	// CurveSecretKey enables CURVE encryption with the gate acting as server.
	// Z85 encoded, 40 characters.
	CurveSecretKey string
}

// Gate is a bound ROUTER socket.
type Gate struct {
	name     string
	endpoint string
	socket   *zmq4.Socket
	logger   zerolog.Logger
	mutex    sync.Mutex
}

// Bind creates a ROUTER socket named name and binds it to endpoint.
func Bind(name, endpoint string, opts Options) (*Gate, error) {
	if opts.Linger == 0 {
		opts.Linger = DefaultLinger
	}
	if opts.HWM <= 0 {
		opts.HWM = DefaultHWM
	}

	socket, err := zmq4.NewSocket(zmq4.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("failed to create ROUTER socket: %w", err)
	}

	defer func() {
		if err != nil {
			socket.Close()
		}
	}()

	if err = socket.SetLinger(opts.Linger); err != nil {
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}

	if err = socket.SetRcvhwm(opts.HWM); err != nil {
		return nil, fmt.Errorf("failed to set receive high watermark: %w", err)
	}

	if err = socket.SetSndhwm(opts.HWM); err != nil {
		return nil, fmt.Errorf("failed to set send high watermark: %w", err)
	}

	// Report unroutable tokens instead of dropping the message silently.
	if err = socket.SetRouterMandatory(1); err != nil {
		return nil, fmt.Errorf("failed to set router mandatory: %w", err)
	}

	if opts.CurveSecretKey != "" {
		if err = socket.ServerAuthCurve("*", opts.CurveSecretKey); err != nil {
			return nil, fmt.Errorf("failed to enable CURVE: %w", err)
		}
	}

	if err = socket.Bind(endpoint); err != nil {
		return nil, fmt.Errorf("failed to bind to %s: %w", endpoint, err)
	}

	g := &Gate{
		name:     name,
		endpoint: endpoint,
		socket:   socket,
		logger:   logger.GetLogger("transport.zmq"),
	}

	if last, lerr := socket.GetLastEndpoint(); lerr == nil {
		g.endpoint = last
	}

	g.logger.Info().
		Str("gate", name).
		Str("endpoint", g.endpoint).
		Bool("curve", opts.CurveSecretKey != "").
		Msg("Gate bound")

	return g, nil
}

// Name returns the gate name
func (g *Gate) Name() string {
	return g.name
}

// Endpoint returns the endpoint the gate is bound to, with any wildcard port
// resolved.
func (g *Gate) Endpoint() string {
	return g.endpoint
}

// Recv blocks until a whole multipart message is available.
func (g *Gate) Recv() ([][]byte, error) {
	socket := g.current()
	if socket == nil {
		return nil, ErrClosed
	}
	msg, err := socket.RecvMessageBytes(0)
	if err != nil {
		return nil, mapError(err)
	}
	return msg, nil
}

// Send sends msg, whose first frame is the destination token. It never
// waits: a peer at its high watermark yields ErrWouldBlock.
func (g *Gate) Send(msg [][]byte) error {
	socket := g.current()
	if socket == nil {
		return ErrClosed
	}
	if _, err := socket.SendMessageDontwait(msg); err != nil {
		return mapError(err)
	}
	return nil
}

// Close closes the socket. Closing twice is a no-op.
func (g *Gate) Close() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.socket == nil {
		return nil
	}
	err := g.socket.Close()
	g.socket = nil
	if err != nil {
		return fmt.Errorf("failed to close %s socket: %w", g.name, err)
	}
	g.logger.Debug().Str("gate", g.name).Msg("Gate closed")
	return nil
}

func (g *Gate) current() *zmq4.Socket {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.socket
}

// mapError reports context termination and signals as broker.ErrInterrupted
// and a full peer queue as ErrWouldBlock.
func mapError(err error) error {
	switch zmq4.AsErrno(err) {
	case zmq4.ETERM, zmq4.Errno(syscall.EINTR):
		return fmt.Errorf("%w: %v", broker.ErrInterrupted, err)
	case zmq4.Errno(syscall.EAGAIN):
		return fmt.Errorf("%w: %v", ErrWouldBlock, err)
	}
	return err
}

var _ broker.Gate = (*Gate)(nil)

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

// Package client implements a Lazy Pirate client: a REQ socket that gives up
// on an unanswered request after a timeout, reopens its socket and resends,
// up to a fixed number of attempts.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"pirate/internal/keys"
	"pirate/internal/logger"
)

// ErrBrokerOffline is returned when every attempt of a request timed out.
var ErrBrokerOffline = errors.New("broker seems to be offline")

// ErrClosed is returned when the client has no open socket.
var ErrClosed = errors.New("client is closed")

// Defaults
const (
	DefaultTimeout = 2500 * time.Millisecond
	DefaultRetries = 3

	// pollSlice bounds each wait so cancellation is noticed promptly.
	pollSlice = 100 * time.Millisecond

	maxLatencies = 100
)

// Options configures a client
type Options struct {
	Broker  string
	Timeout time.Duration // per attempt
	Retries int           // attempts per request, at least 1

	// ServerKey is the queue's CURVE public key
	ServerKey string
}

// Stats represents client statistics
type Stats struct {
	RequestsSent    int       `json:"requests_sent"`
	RepliesReceived int       `json:"replies_received"`
	Retries         int       `json:"retries"`
	Failures        int       `json:"failures"`
	LastRequest     time.Time `json:"last_request"`
	LastReply       time.Time `json:"last_reply"`
	StartTime       time.Time `json:"start_time"`
	AverageLatency  float64   `json:"average_latency_ms"`
}

// Client is a Lazy Pirate client. It is not safe for concurrent requests;
// Stats may be read from any goroutine.
type Client struct {
	opts   Options
	socket *zmq4.Socket
	poller *zmq4.Poller
	logger zerolog.Logger

	mutex     sync.RWMutex
	stats     Stats
	latencies []time.Duration
}

// New creates a client and connects it to the queue's frontend
func New(opts Options) (*Client, error) {
	if opts.Broker == "" {
		return nil, errors.New("broker endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 1 {
		opts.Retries = DefaultRetries
	}

	c := &Client{
		opts:      opts,
		logger:    logger.GetLogger("client"),
		stats:     Stats{StartTime: time.Now()},
		latencies: make([]time.Duration, 0, maxLatencies),
	}

	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return c, nil
}

// Request sends frames and waits for the reply, retrying on timeout. It
// returns ErrBrokerOffline once all attempts are used up, or ctx's error
// when ctx ends first.
func (c *Client) Request(ctx context.Context, frames ...[]byte) ([][]byte, error) {
	if len(frames) == 0 {
		return nil, errors.New("request must have at least one frame")
	}
	for attempt := 1; ; attempt++ {
		if c.socket == nil {
			return nil, ErrClosed
		}
		start := time.Now()
		if _, err := c.socket.SendMessage(frames); err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}

		c.mutex.Lock()
		c.stats.RequestsSent++
		c.stats.LastRequest = start
		c.mutex.Unlock()

		reply, err := c.await(ctx)
		if err != nil {
			// The REQ socket is stuck waiting for a reply; start over.
			c.reopen()
			return nil, err
		}
		if reply != nil {
			c.recordReply(time.Since(start))
			return reply, nil
		}

		c.reopen()
		if attempt >= c.opts.Retries {
			c.mutex.Lock()
			c.stats.Failures++
			c.mutex.Unlock()
			c.logger.Error().
				Int("attempts", attempt).
				Str("broker", c.opts.Broker).
				Msg("Broker seems to be offline, abandoning request")
			return nil, ErrBrokerOffline
		}

		c.mutex.Lock()
		c.stats.Retries++
		c.mutex.Unlock()
		c.logger.Warn().
			Int("attempt", attempt).
			Dur("timeout", c.opts.Timeout).
			Msg("No response from broker, retrying")
	}
}

// await waits up to the per-attempt timeout. A nil reply with a nil error
// means the attempt timed out.
func (c *Client) await(ctx context.Context) ([][]byte, error) {
	deadline := time.Now().Add(c.opts.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		polled, err := c.poller.Poll(min(remaining, pollSlice))
		if err != nil {
			return nil, fmt.Errorf("failed to poll client socket: %w", err)
		}
		if len(polled) == 0 {
			continue
		}

		reply, err := c.socket.RecvMessageBytes(0)
		if err != nil {
			return nil, fmt.Errorf("failed to receive reply: %w", err)
		}
		return reply, nil
	}
}

func (c *Client) connect() error {
	socket, err := zmq4.NewSocket(zmq4.REQ)
	if err != nil {
		return fmt.Errorf("failed to create REQ socket: %w", err)
	}

	defer func() {
		if err != nil {
			socket.Close()
		}
	}()

	if err = socket.SetLinger(0); err != nil {
		return fmt.Errorf("failed to set linger: %w", err)
	}

	if c.opts.ServerKey != "" {
		var kp *keys.KeyPair
		if kp, err = keys.GenerateKeyPair(); err != nil {
			return fmt.Errorf("failed to generate client keys: %w", err)
		}
		if err = socket.ClientAuthCurve(c.opts.ServerKey, kp.PublicKey, kp.PrivateKey); err != nil {
			return fmt.Errorf("failed to enable CURVE: %w", err)
		}
	}

	if err = socket.Connect(c.opts.Broker); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.opts.Broker, err)
	}

	poller := zmq4.NewPoller()
	poller.Add(socket, zmq4.POLLIN)

	c.socket = socket
	c.poller = poller

	c.logger.Debug().Str("broker", c.opts.Broker).Msg("Connected to broker")
	return nil
}

// reopen discards the socket and connects a fresh one
func (c *Client) reopen() {
	c.closeSocket()
	if err := c.connect(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to reconnect to broker")
	}
}

func (c *Client) closeSocket() {
	if c.socket == nil {
		return
	}
	if err := c.socket.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing client socket")
	}
	c.socket = nil
	c.poller = nil
}

// Close closes the client socket
func (c *Client) Close() error {
	c.closeSocket()
	return nil
}

func (c *Client) recordReply(latency time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stats.RepliesReceived++
	c.stats.LastReply = time.Now()

	if len(c.latencies) >= maxLatencies {
		copy(c.latencies, c.latencies[1:])
		c.latencies = c.latencies[:maxLatencies-1]
	}
	c.latencies = append(c.latencies, latency)

	var total time.Duration
	for _, l := range c.latencies {
		total += l
	}
	c.stats.AverageLatency = float64(total.Microseconds()) / float64(len(c.latencies)) / 1000
}

// Stats returns a copy of the client statistics
func (c *Client) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.stats
}

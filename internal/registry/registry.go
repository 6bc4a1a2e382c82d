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

// Package registry keeps the queue's list of available workers in
// least-recently-used order together with the time each one expires.
//
// The registry is not safe for concurrent use. It is owned by the dispatcher
// goroutine.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"pirate/internal/clock"
)

// DefaultCapacity bounds the number of workers tracked at once.
const DefaultCapacity = 4096

// ErrEmptyRegistry is returned by Next when no worker is available.
var ErrEmptyRegistry = errors.New("worker registry is empty")

// Worker is one known worker process.
type Worker struct {
	Token  []byte
	Expiry time.Time
}

// Registry is an LRU set of workers keyed by routing token. The oldest
// refreshed worker sits at the head and is the next to be dispatched.
// Expiry times never decrease from head to tail as long as the clock is
// monotonic.
type Registry struct {
	workers  *simplelru.LRU[string, *Worker]
	ttl      time.Duration
	capacity int
	clock    clock.Clock
}

// New creates a registry whose entries expire ttl after their last refresh.
func New(ttl time.Duration, capacity int, clk clock.Clock) (*Registry, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid worker ttl: %v", ttl)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.Real{}
	}

	workers, err := simplelru.NewLRU[string, *Worker](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker list: %w", err)
	}

	return &Registry{
		workers:  workers,
		ttl:      ttl,
		capacity: capacity,
		clock:    clk,
	}, nil
}

// Ready records a sign of life from the worker with this token. Any existing
// entry is dropped and a fresh one is appended at the tail. When the registry
// is full the head entry is evicted to make room and returned.
func (r *Registry) Ready(token []byte) (evicted *Worker) {
	key := string(token)
	r.workers.Remove(key)

	if r.workers.Len() >= r.capacity {
		_, evicted, _ = r.workers.RemoveOldest()
	}

	r.workers.Add(key, &Worker{
		Token:  []byte(key),
		Expiry: r.clock.Now().Add(r.ttl),
	})
	return evicted
}

// Next removes and returns the least recently refreshed worker.
func (r *Registry) Next() ([]byte, error) {
	_, worker, ok := r.workers.RemoveOldest()
	if !ok {
		return nil, ErrEmptyRegistry
	}
	return worker.Token, nil
}

// Purge removes expired workers from the head of the list and returns them.
// It stops at the first worker still alive at now.
func (r *Registry) Purge(now time.Time) []*Worker {
	var purged []*Worker
	for {
		_, worker, ok := r.workers.GetOldest()
		if !ok || worker.Expiry.After(now) {
			return purged
		}
		r.workers.RemoveOldest()
		purged = append(purged, worker)
	}
}

// Size returns the number of available workers.
func (r *Registry) Size() int {
	return r.workers.Len()
}

// Contains reports whether a worker with this token is registered.
func (r *Registry) Contains(token []byte) bool {
	return r.workers.Contains(string(token))
}

// Tokens returns the routing tokens of all workers, head first.
func (r *Registry) Tokens() [][]byte {
	values := r.workers.Values()
	tokens := make([][]byte, len(values))
	for i, worker := range values {
		tokens[i] = worker.Token
	}
	return tokens
}

// Workers returns a copy of all entries, head first.
func (r *Registry) Workers() []Worker {
	values := r.workers.Values()
	workers := make([]Worker, len(values))
	for i, worker := range values {
		workers[i] = *worker
	}
	return workers
}

// TTL returns how long a worker stays registered without a sign of life.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

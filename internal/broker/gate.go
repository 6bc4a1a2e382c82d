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
	"errors"
	"time"
)

// ErrInterrupted is returned by a Poller or Gate when the transport was
// interrupted from outside. The dispatcher treats it as a shutdown request.
var ErrInterrupted = errors.New("interrupted")

// Gate is one side of the queue: a router-style channel whose inbound
// messages start with the sender's routing token and whose outbound messages
// start with the destination token.
type Gate interface {
	Name() string
	Recv() ([][]byte, error)
	Send(msg [][]byte) error
	Close() error
}

// Poller waits until at least one gate is readable or the timeout passes.
// It returns the readable subset of gates, which is empty on timeout.
type Poller interface {
	Poll(gates []Gate, timeout time.Duration) ([]Gate, error)
}

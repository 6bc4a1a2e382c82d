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

package zmq

import (
	"fmt"
	"strings"
	"time"

	"github.com/pebbe/zmq4"
	"pirate/internal/broker"
)

// Poller waits on zmq gates. A zmq4.Poller is built once per distinct wait
// set and reused, since the dispatcher alternates between two of them.
type Poller struct {
	pollers map[string]*zmq4.Poller
}

// NewPoller creates a poller for Gate values.
func NewPoller() *Poller {
	return &Poller{pollers: make(map[string]*zmq4.Poller)}
}

// Poll implements broker.Poller. Every gate must be a *Gate.
func (p *Poller) Poll(gates []broker.Gate, timeout time.Duration) ([]broker.Gate, error) {
	bySocket := make(map[*zmq4.Socket]broker.Gate, len(gates))
	names := make([]string, len(gates))
	sockets := make([]*zmq4.Socket, len(gates))

	for i, g := range gates {
		zg, ok := g.(*Gate)
		if !ok {
			return nil, fmt.Errorf("gate %s is not a zmq gate", g.Name())
		}
		socket := zg.current()
		if socket == nil {
			return nil, fmt.Errorf("gate %s: %w", g.Name(), ErrClosed)
		}
		bySocket[socket] = g
		names[i] = fmt.Sprintf("%s@%p", g.Name(), socket)
		sockets[i] = socket
	}

	key := strings.Join(names, ",")
	poller, ok := p.pollers[key]
	if !ok {
		poller = zmq4.NewPoller()
		for _, socket := range sockets {
			poller.Add(socket, zmq4.POLLIN)
		}
		p.pollers[key] = poller
	}

	polled, err := poller.Poll(timeout)
	if err != nil {
		return nil, mapError(err)
	}

	readable := make([]broker.Gate, 0, len(polled))
	for _, item := range polled {
		if item.Events&zmq4.POLLIN == 0 {
			continue
		}
		if g, ok := bySocket[item.Socket]; ok {
			readable = append(readable, g)
		}
	}
	return readable, nil
}

var _ broker.Poller = (*Poller)(nil)

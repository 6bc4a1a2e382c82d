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

// Package ppp holds the Paranoid Pirate wire format: the single-byte control
// frames exchanged between the queue and its workers, and the routing
// envelope the router sockets put in front of every message.
package ppp

import (
	"errors"
	"fmt"
	"time"
)

// Paranoid Pirate Protocol control frames
const (
	PPP_READY     = "\x01" // worker is ready for work
	PPP_HEARTBEAT = "\x02" // liveness signal, both directions
)

// Recommended heartbeat settings
const (
	DefaultHeartbeatInterval = 1000 * time.Millisecond
	DefaultHeartbeatLiveness = 3 // 3-5 is reasonable
)

// ErrProtocolViolation is returned when a worker sends a single frame that is
// neither READY nor HEARTBEAT.
var ErrProtocolViolation = errors.New("protocol violation")

// Kind classifies what a worker sent once its routing token is removed.
type Kind int

const (
	KindInvalid Kind = iota
	KindReady
	KindHeartbeat
	KindPayload
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindHeartbeat:
		return "heartbeat"
	case KindPayload:
		return "payload"
	default:
		return "invalid"
	}
}

// Message is a decoded worker message. Frames is only set for KindPayload and
// holds the client envelope followed by the reply body.
type Message struct {
	Kind   Kind
	Frames [][]byte
}

// Decode classifies the frames a worker sent after its routing token.
func Decode(frames [][]byte) (Message, error) {
	switch len(frames) {
	case 0:
		return Message{Kind: KindInvalid}, fmt.Errorf("%w: empty message", ErrProtocolViolation)
	case 1:
		switch string(frames[0]) {
		case PPP_READY:
			return Message{Kind: KindReady}, nil
		case PPP_HEARTBEAT:
			return Message{Kind: KindHeartbeat}, nil
		default:
			return Message{Kind: KindInvalid}, fmt.Errorf("%w: unknown control frame %q", ErrProtocolViolation, frames[0])
		}
	default:
		return Message{Kind: KindPayload, Frames: frames}, nil
	}
}

// ReadyFrame returns a fresh READY control frame.
func ReadyFrame() []byte {
	return []byte(PPP_READY)
}

// HeartbeatFrame returns a fresh HEARTBEAT control frame.
func HeartbeatFrame() []byte {
	return []byte(PPP_HEARTBEAT)
}

// IsHeartbeat reports whether frames is a lone HEARTBEAT frame.
func IsHeartbeat(frames [][]byte) bool {
	return len(frames) == 1 && string(frames[0]) == PPP_HEARTBEAT
}

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

package ppp

import (
	"encoding/hex"
	"errors"
	"unicode"
)

// ErrNoRoutingToken is returned by Unwrap when a message has no frames at all.
var ErrNoRoutingToken = errors.New("message has no routing token")

// Envelope pairs the routing token a router socket prepends to a message with
// the frames that follow it. The token is opaque: it is an identity and a
// destination, never payload.
type Envelope struct {
	Token  []byte
	Frames [][]byte
}

// Unwrap splits a message received on a router socket into its routing token
// and the remaining frames. An empty delimiter frame directly after the token
// is dropped, so REQ peers and DEALER peers decode the same way.
func Unwrap(msg [][]byte) (Envelope, error) {
	if len(msg) == 0 {
		return Envelope{}, ErrNoRoutingToken
	}
	frames := msg[1:]
	if len(frames) > 0 && len(frames[0]) == 0 {
		frames = frames[1:]
	}
	return Envelope{Token: msg[0], Frames: frames}, nil
}

// Wrap returns the message to hand to a router socket so it is delivered to
// the peer identified by token.
func Wrap(token []byte, frames [][]byte) [][]byte {
	msg := make([][]byte, 0, len(frames)+1)
	msg = append(msg, token)
	return append(msg, frames...)
}

// Message returns the envelope as a router-ready message.
func (e Envelope) Message() [][]byte {
	return Wrap(e.Token, e.Frames)
}

// SplitEnvelope separates the reply envelope at the front of a request from
// its body. The envelope runs up to and including the first empty delimiter.
// Without a delimiter the whole message is treated as body.
func SplitEnvelope(frames [][]byte) (envelope, body [][]byte) {
	for i, f := range frames {
		if len(f) == 0 {
			return frames[:i+1], frames[i+1:]
		}
	}
	return nil, frames
}

// Printable renders a routing token for logs. Tokens set by peers are usually
// text; tokens generated by the router are binary and shown as hex.
func Printable(token []byte) string {
	if len(token) == 0 {
		return ""
	}
	for _, r := range string(token) {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return "0x" + hex.EncodeToString(token)
		}
	}
	return string(token)
}

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

package clock

import "time"

// Clock abstracts the time source used for worker expiry and heartbeat deadlines.
type Clock interface {
	Now() time.Time
}

// Real reads the process clock.
//
// The returned time keeps its monotonic reading, so comparisons between two
// values from Now are immune to wall clock adjustments. Do not call UTC, In or
// Round on the result before comparing: those strip the monotonic reading.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

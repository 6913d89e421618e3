// Copyright 2026 The Onyx Authors.
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

package stack

import (
	"golang.org/x/time/rate"
)

const (
	// resetLimit is the default limit on resets sent in reply to segments
	// for unknown connections, per second.
	resetLimit = 1000

	// resetBurst is the default number of resets that can be sent in a
	// single burst.
	resetBurst = 100
)

// ResetRateLimiter is a global rate limiter that controls the generation of
// resets in reply to segments that match no endpoint.
type ResetRateLimiter struct {
	*rate.Limiter
}

// NewResetRateLimiter returns a rate limiter allowing limit resets per second
// with the given burst. rate.Inf disables limiting.
func NewResetRateLimiter(limit rate.Limit, burst int) *ResetRateLimiter {
	return &ResetRateLimiter{Limiter: rate.NewLimiter(limit, burst)}
}

/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(start time.Time) (*RateLimiter, *time.Time) {
	clock := start

	limiter := NewRateLimiter()
	limiter.now = func() time.Time { return clock }

	return limiter, &clock
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	limiter, clock := newTestLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("t/dev", 3))
	}

	assert.False(t, limiter.Allow("t/dev", 3))

	// Old entries fall out of the window.
	*clock = clock.Add(61 * time.Second)
	assert.True(t, limiter.Allow("t/dev", 3))
}

func TestRateLimiterZeroLimitDisables(t *testing.T) {
	limiter, _ := newTestLimiter(time.Now())

	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow("t/dev", 0))
	}
}

func TestRateLimiterDevicesIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(time.Now())

	assert.True(t, limiter.Allow("t/a", 1))
	assert.False(t, limiter.Allow("t/a", 1))
	assert.True(t, limiter.Allow("t/b", 1))
}

func TestAuthFailureThresholdTripsBreaker(t *testing.T) {
	limiter, _ := newTestLimiter(time.Now())

	assert.False(t, limiter.RecordAuthFailure("t/dev", 3))
	assert.False(t, limiter.RecordAuthFailure("t/dev", 3))
	assert.False(t, limiter.RecordAuthFailure("t/dev", 3))
	assert.False(t, limiter.Tripped("t/dev"))

	// Fourth failure exceeds the threshold.
	assert.True(t, limiter.RecordAuthFailure("t/dev", 3))
	assert.True(t, limiter.Tripped("t/dev"))

	// A tripped breaker stays open even through a reset attempt.
	limiter.ResetAuthFailures("t/dev")
	assert.True(t, limiter.Tripped("t/dev"))
}

func TestAuthFailureZeroThresholdNeverTrips(t *testing.T) {
	limiter, _ := newTestLimiter(time.Now())

	for i := 0; i < 50; i++ {
		assert.False(t, limiter.RecordAuthFailure("t/dev", 0))
	}

	assert.False(t, limiter.Tripped("t/dev"))
}

func TestResetClearsFailureCount(t *testing.T) {
	limiter, _ := newTestLimiter(time.Now())

	limiter.RecordAuthFailure("t/dev", 3)
	limiter.RecordAuthFailure("t/dev", 3)
	limiter.ResetAuthFailures("t/dev")

	// Counter restarted, so three more failures stay under the threshold.
	assert.False(t, limiter.RecordAuthFailure("t/dev", 3))
	assert.False(t, limiter.RecordAuthFailure("t/dev", 3))
	assert.False(t, limiter.RecordAuthFailure("t/dev", 3))
	assert.False(t, limiter.Tripped("t/dev"))
}

func TestLimiterSweepsIdleDevices(t *testing.T) {
	limiter, clock := newTestLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	limiter.RecordAuthFailure("t/idle", 1)
	limiter.RecordAuthFailure("t/idle", 1)
	assert.True(t, limiter.Tripped("t/idle"))

	// After the idle TTL the window is swept and the breaker resets.
	*clock = clock.Add(limiterEntryTTL + 2*limiterSweepEvery)
	assert.False(t, limiter.Tripped("t/idle"))
}

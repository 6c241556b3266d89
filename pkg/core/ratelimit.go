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
	"sync"
	"time"
)

const (
	rateWindow        = time.Minute
	limiterEntryTTL   = 10 * time.Minute
	limiterSweepEvery = time.Minute
)

type deviceWindow struct {
	mu       sync.Mutex
	requests []time.Time
	failures int
	lastSeen time.Time
	tripped  bool
}

// RateLimiter tracks per-device request rates over a sliding one-minute
// window, plus an auth-failure counter that trips a stop-retrying circuit
// breaker. Windows are ephemeral and swept after a quiet period.
type RateLimiter struct {
	mu        sync.Mutex
	devices   map[string]*deviceWindow
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter returns an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		devices: make(map[string]*deviceWindow),
		now:     time.Now,
	}
}

func (r *RateLimiter) window(deviceKey string) *deviceWindow {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if now.Sub(r.lastSweep) > limiterSweepEvery {
		for key, win := range r.devices {
			if now.Sub(win.lastSeen) > limiterEntryTTL {
				delete(r.devices, key)
			}
		}

		r.lastSweep = now
	}

	win, ok := r.devices[deviceKey]
	if !ok {
		win = &deviceWindow{}
		r.devices[deviceKey] = win
	}

	return win
}

// Allow records one request for the device and reports whether it is within
// the per-minute limit. A non-positive limit disables rate limiting.
func (r *RateLimiter) Allow(deviceKey string, limitPerMinute int) bool {
	win := r.window(deviceKey)

	win.mu.Lock()
	defer win.mu.Unlock()

	now := r.now()
	win.lastSeen = now

	if limitPerMinute <= 0 {
		return true
	}

	cutoff := now.Add(-rateWindow)

	kept := win.requests[:0]
	for _, t := range win.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	win.requests = kept

	if len(win.requests) >= limitPerMinute {
		return false
	}

	win.requests = append(win.requests, now)

	return true
}

// RecordAuthFailure bumps the device's failure counter and reports whether
// the circuit breaker is now tripped. A non-positive threshold never trips.
func (r *RateLimiter) RecordAuthFailure(deviceKey string, threshold int) bool {
	win := r.window(deviceKey)

	win.mu.Lock()
	defer win.mu.Unlock()

	win.lastSeen = r.now()
	win.failures++

	if threshold > 0 && win.failures > threshold {
		win.tripped = true
	}

	return win.tripped
}

// Tripped reports whether the device's circuit breaker is open.
func (r *RateLimiter) Tripped(deviceKey string) bool {
	win := r.window(deviceKey)

	win.mu.Lock()
	defer win.mu.Unlock()

	win.lastSeen = r.now()

	return win.tripped
}

// ResetAuthFailures clears the failure counter after a successful
// authentication.
func (r *RateLimiter) ResetAuthFailures(deviceKey string) {
	win := r.window(deviceKey)

	win.mu.Lock()
	defer win.mu.Unlock()

	win.lastSeen = r.now()

	if !win.tripped {
		win.failures = 0
	}
}

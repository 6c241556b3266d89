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

import "sync/atomic"

// IngestionStats counts ingestion outcomes in-process. Counters only grow.
type IngestionStats struct {
	BatchesReceived atomic.Int64
	BatchesRejected atomic.Int64
	EventsReceived  atomic.Int64
	EventsStored    atomic.Int64
	EventsDuplicate atomic.Int64
	AuthFailures    atomic.Int64
	RuleRuns        atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	BatchesReceived int64 `json:"batchesReceived"`
	BatchesRejected int64 `json:"batchesRejected"`
	EventsReceived  int64 `json:"eventsReceived"`
	EventsStored    int64 `json:"eventsStored"`
	EventsDuplicate int64 `json:"eventsDuplicate"`
	AuthFailures    int64 `json:"authFailures"`
	RuleRuns        int64 `json:"ruleRuns"`
}

// Snapshot copies the counters.
func (s *IngestionStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BatchesReceived: s.BatchesReceived.Load(),
		BatchesRejected: s.BatchesRejected.Load(),
		EventsReceived:  s.EventsReceived.Load(),
		EventsStored:    s.EventsStored.Load(),
		EventsDuplicate: s.EventsDuplicate.Load(),
		AuthFailures:    s.AuthFailures.Load(),
		RuleRuns:        s.RuleRuns.Load(),
	}
}

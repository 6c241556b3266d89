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

package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

func newFanoutClient(tenantID string) *wsClient {
	return &wsClient{
		tenantID: tenantID,
		send:     make(chan []byte, clientSendDepth),
	}
}

func receiveMessage(t *testing.T, c *wsClient) *StreamMessage {
	t.Helper()

	select {
	case payload := <-c.send:
		var msg StreamMessage
		require.NoError(t, json.Unmarshal(payload, &msg))

		return &msg
	default:
		return nil
	}
}

func TestFanoutSummaryBroadcast(t *testing.T) {
	hub := NewFanout(logger.NewTestLogger())

	viewer := newFanoutClient("tenant-1")
	hub.applyCommand(viewer, &clientCommand{Action: "join", Group: GroupNewEvents})

	hub.BroadcastSummary("tenant-1", &models.SessionSummary{SessionID: "sess-1", TenantID: "tenant-1"})

	msg := receiveMessage(t, viewer)
	require.NotNil(t, msg)
	assert.Equal(t, "sessionSummary", msg.Type)
}

func TestFanoutTenantIsolation(t *testing.T) {
	hub := NewFanout(logger.NewTestLogger())

	viewerA := newFanoutClient("tenant-a")
	viewerB := newFanoutClient("tenant-b")

	hub.applyCommand(viewerA, &clientCommand{Action: "join", Group: GroupNewEvents})
	hub.applyCommand(viewerB, &clientCommand{Action: "join", Group: GroupNewEvents})

	// Even a detail join names only a session id; the group key always
	// carries the viewer's own tenant.
	hub.applyCommand(viewerB, &clientCommand{Action: "join", Group: GroupEventStream, SessionID: "sess-1"})

	hub.BroadcastSummary("tenant-a", &models.SessionSummary{SessionID: "sess-1", TenantID: "tenant-a"})
	hub.BroadcastDetail("tenant-a", "sess-1", []models.EnrollmentEvent{{Sequence: 1}}, nil)

	require.NotNil(t, receiveMessage(t, viewerA))
	assert.Nil(t, receiveMessage(t, viewerB))
}

func TestFanoutDetailBroadcast(t *testing.T) {
	hub := NewFanout(logger.NewTestLogger())

	viewer := newFanoutClient("tenant-1")
	hub.applyCommand(viewer, &clientCommand{Action: "join", Group: GroupEventStream, SessionID: "sess-1"})

	hub.BroadcastDetail("tenant-1", "sess-1", []models.EnrollmentEvent{{Sequence: 1}}, &models.SessionSummary{SessionID: "sess-1"})

	msg := receiveMessage(t, viewer)
	require.NotNil(t, msg)
	assert.Equal(t, "eventStream", msg.Type)

	// Other sessions of the same tenant are not delivered.
	hub.BroadcastDetail("tenant-1", "sess-2", []models.EnrollmentEvent{{Sequence: 1}}, nil)
	assert.Nil(t, receiveMessage(t, viewer))
}

func TestFanoutJoinLeaveIdempotent(t *testing.T) {
	hub := NewFanout(logger.NewTestLogger())

	viewer := newFanoutClient("tenant-1")

	hub.applyCommand(viewer, &clientCommand{Action: "join", Group: GroupNewEvents})
	hub.applyCommand(viewer, &clientCommand{Action: "join", Group: GroupNewEvents})

	hub.BroadcastSummary("tenant-1", &models.SessionSummary{SessionID: "sess-1"})

	require.NotNil(t, receiveMessage(t, viewer))
	assert.Nil(t, receiveMessage(t, viewer), "double join must not double-deliver")

	hub.applyCommand(viewer, &clientCommand{Action: "leave", Group: GroupNewEvents})
	hub.applyCommand(viewer, &clientCommand{Action: "leave", Group: GroupNewEvents})

	hub.BroadcastSummary("tenant-1", &models.SessionSummary{SessionID: "sess-1"})
	assert.Nil(t, receiveMessage(t, viewer))
}

func TestFanoutDetailJoinRequiresSession(t *testing.T) {
	hub := NewFanout(logger.NewTestLogger())

	viewer := newFanoutClient("tenant-1")
	hub.applyCommand(viewer, &clientCommand{Action: "join", Group: GroupEventStream})

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	assert.Empty(t, hub.detail)
}

func TestFanoutDisconnectLeavesAllGroups(t *testing.T) {
	hub := NewFanout(logger.NewTestLogger())

	viewer := newFanoutClient("tenant-1")
	hub.applyCommand(viewer, &clientCommand{Action: "join", Group: GroupNewEvents})
	hub.applyCommand(viewer, &clientCommand{Action: "join", Group: GroupEventStream, SessionID: "sess-1"})
	hub.applyCommand(viewer, &clientCommand{Action: "join", Group: GroupEventStream, SessionID: "sess-2"})

	hub.disconnect(viewer)

	hub.mu.RLock()
	assert.Empty(t, hub.summary)
	assert.Empty(t, hub.detail)
	hub.mu.RUnlock()

	// Disconnect is safe to repeat.
	hub.disconnect(viewer)
}

func TestFanoutSlowClientDropsFrames(t *testing.T) {
	hub := NewFanout(logger.NewTestLogger())

	viewer := &wsClient{tenantID: "tenant-1", send: make(chan []byte, 1)}
	hub.joinSummary(viewer)

	hub.BroadcastSummary("tenant-1", &models.SessionSummary{SessionID: "a"})
	hub.BroadcastSummary("tenant-1", &models.SessionSummary{SessionID: "b"})

	// The second frame is dropped rather than blocking the hub.
	require.NotNil(t, receiveMessage(t, viewer))
	assert.Nil(t, receiveMessage(t, viewer))
}

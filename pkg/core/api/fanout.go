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
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

const (
	// Group names clients subscribe to.
	GroupNewEvents   = "newevents"
	GroupEventStream = "eventStream"

	pingInterval    = 30 * time.Second
	writeWait       = 10 * time.Second
	clientSendDepth = 64
)

// StreamMessage is the envelope for every websocket payload.
type StreamMessage struct {
	Type      string      `json:"type"` // "sessionSummary", "eventStream", "error", "ping"
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// clientCommand is what a connected viewer sends to manage subscriptions.
type clientCommand struct {
	Action    string `json:"action"` // "join" or "leave"
	Group     string `json:"group"`
	SessionID string `json:"sessionId,omitempty"`
}

type detailKey struct {
	tenantID  string
	sessionID string
}

type wsClient struct {
	conn     *websocket.Conn
	tenantID string
	send     chan []byte

	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Fanout is the realtime hub: a per-tenant summary group and a
// per-(tenant, session) detail group. Join and leave are idempotent, and a
// viewer can only ever join groups of its own tenant, so broadcasts can
// never cross tenants.
type Fanout struct {
	mu      sync.RWMutex
	summary map[string]map[*wsClient]struct{}
	detail  map[detailKey]map[*wsClient]struct{}
	logger  logger.Logger
}

// NewFanout returns an empty hub.
func NewFanout(log logger.Logger) *Fanout {
	return &Fanout{
		summary: make(map[string]map[*wsClient]struct{}),
		detail:  make(map[detailKey]map[*wsClient]struct{}),
		logger:  log,
	}
}

func (f *Fanout) joinSummary(c *wsClient) {
	f.mu.Lock()
	defer f.mu.Unlock()

	group, ok := f.summary[c.tenantID]
	if !ok {
		group = make(map[*wsClient]struct{})
		f.summary[c.tenantID] = group
	}

	group[c] = struct{}{}
}

func (f *Fanout) leaveSummary(c *wsClient) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if group, ok := f.summary[c.tenantID]; ok {
		delete(group, c)

		if len(group) == 0 {
			delete(f.summary, c.tenantID)
		}
	}
}

func (f *Fanout) joinDetail(c *wsClient, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := detailKey{tenantID: c.tenantID, sessionID: sessionID}

	group, ok := f.detail[key]
	if !ok {
		group = make(map[*wsClient]struct{})
		f.detail[key] = group
	}

	group[c] = struct{}{}
}

func (f *Fanout) leaveDetail(c *wsClient, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := detailKey{tenantID: c.tenantID, sessionID: sessionID}

	if group, ok := f.detail[key]; ok {
		delete(group, c)

		if len(group) == 0 {
			delete(f.detail, key)
		}
	}
}

// disconnect removes the client from every group.
func (f *Fanout) disconnect(c *wsClient) {
	f.mu.Lock()

	if group, ok := f.summary[c.tenantID]; ok {
		delete(group, c)

		if len(group) == 0 {
			delete(f.summary, c.tenantID)
		}
	}

	for key, group := range f.detail {
		if key.tenantID != c.tenantID {
			continue
		}

		delete(group, c)

		if len(group) == 0 {
			delete(f.detail, key)
		}
	}

	f.mu.Unlock()

	c.close()
}

// BroadcastSummary pushes a compact session snapshot to the tenant's
// summary group.
func (f *Fanout) BroadcastSummary(tenantID string, summary *models.SessionSummary) {
	payload, err := json.Marshal(StreamMessage{
		Type:      "sessionSummary",
		Data:      summary,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		f.logger.Warn().Err(err).Msg("Failed to encode summary broadcast")
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for client := range f.summary[tenantID] {
		f.send(client, payload)
	}
}

// BroadcastDetail pushes the stored events plus the session snapshot to the
// session's detail group.
func (f *Fanout) BroadcastDetail(tenantID, sessionID string, events []models.EnrollmentEvent, summary *models.SessionSummary) {
	payload, err := json.Marshal(StreamMessage{
		Type: "eventStream",
		Data: map[string]interface{}{
			"session": summary,
			"events":  events,
		},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		f.logger.Warn().Err(err).Msg("Failed to encode detail broadcast")
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for client := range f.detail[detailKey{tenantID: tenantID, sessionID: sessionID}] {
		f.send(client, payload)
	}
}

// send queues a payload, dropping it if the client's buffer is full. A slow
// viewer loses intermediate frames rather than stalling the hub.
func (f *Fanout) send(c *wsClient, payload []byte) {
	select {
	case c.send <- payload:
	default:
		f.logger.Debug().Str("tenant_id", c.tenantID).Msg("Dropping frame for slow websocket client")
	}
}

// serve runs the per-connection pumps: a writer draining the send channel
// with keepalive pings, and a reader applying subscribe commands and
// detecting disconnect. It blocks until the client goes away.
func (f *Fanout) serve(c *wsClient) {
	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			_, raw, err := c.conn.ReadMessage()
			if err != nil {
				return
			}

			var cmd clientCommand
			if err := json.Unmarshal(raw, &cmd); err != nil {
				f.logger.Debug().Err(err).Msg("Ignoring malformed websocket command")
				continue
			}

			f.applyCommand(c, &cmd)
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	defer func() {
		f.disconnect(c)
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case payload, ok := <-c.send:
			if !ok {
				return
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (f *Fanout) applyCommand(c *wsClient, cmd *clientCommand) {
	switch cmd.Action {
	case "join":
		switch cmd.Group {
		case GroupNewEvents:
			f.joinSummary(c)
		case GroupEventStream:
			if cmd.SessionID != "" {
				f.joinDetail(c, cmd.SessionID)
			}
		}
	case "leave":
		switch cmd.Group {
		case GroupNewEvents:
			f.leaveSummary(c)
		case GroupEventStream:
			if cmd.SessionID != "" {
				f.leaveDetail(c, cmd.SessionID)
			}
		}
	}
}

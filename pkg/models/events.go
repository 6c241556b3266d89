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

// Package models defines the shared data model for ESPWatch agents and core.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity classifies an enrollment event for display and alerting.
type Severity string

const (
	SeverityDebug    Severity = "Debug"
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityError    Severity = "Error"
	SeverityCritical Severity = "Critical"
)

// EnrollmentPhase is the coarse lifecycle stage of an enrollment session.
// Values are ordered; a session only moves forward through them.
type EnrollmentPhase int

const (
	PhaseUnknown EnrollmentPhase = iota
	PhaseNetworkSetup
	PhaseIdentitySetup
	PhaseDeviceSetup
	PhaseDeviceSetupApps
	PhaseAccountSetup
	PhaseAccountSetupApps
	PhaseFinalizing
	PhaseComplete
)

var phaseNames = map[EnrollmentPhase]string{
	PhaseUnknown:          "Unknown",
	PhaseNetworkSetup:     "NetworkSetup",
	PhaseIdentitySetup:    "IdentitySetup",
	PhaseDeviceSetup:      "DeviceSetup",
	PhaseDeviceSetupApps:  "DeviceSetupApps",
	PhaseAccountSetup:     "AccountSetup",
	PhaseAccountSetupApps: "AccountSetupApps",
	PhaseFinalizing:       "Finalizing",
	PhaseComplete:         "Complete",
}

func (p EnrollmentPhase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}

	return "Unknown"
}

// ParsePhase resolves a phase name case-insensitively. Unrecognized names
// map to PhaseUnknown.
func ParsePhase(name string) EnrollmentPhase {
	trimmed := strings.TrimSpace(name)
	for phase, phaseName := range phaseNames {
		if strings.EqualFold(phaseName, trimmed) {
			return phase
		}
	}

	return PhaseUnknown
}

// MarshalJSON encodes the phase by name so payloads stay readable.
func (p EnrollmentPhase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either a phase name or a numeric value.
func (p *EnrollmentPhase) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*p = ParsePhase(name)
		return nil
	}

	var numeric int
	if err := json.Unmarshal(data, &numeric); err != nil {
		return fmt.Errorf("invalid phase value %s: %w", string(data), err)
	}

	if numeric < int(PhaseUnknown) || numeric > int(PhaseComplete) {
		*p = PhaseUnknown
		return nil
	}

	*p = EnrollmentPhase(numeric)

	return nil
}

// Event types carried in EnrollmentEvent.EventType. The backend derives
// session status from the terminal pair and app summaries from the rest.
const (
	EventSessionRegistered  = "session_registered"
	EventPhaseChanged       = "esp_phase_changed"
	EventDownloadStarted    = "app_download_started"
	EventDownloadProgress   = "download_progress"
	EventInstallStarted     = "app_install_started"
	EventInstallCompleted   = "app_install_completed"
	EventInstallFailed      = "app_install_failed"
	EventInstallSkipped     = "app_install_skipped"
	EventInstallPostponed   = "app_install_postponed"
	EventInstallSummary     = "install_summary"
	EventHelloWaiting       = "hello_provisioning_waiting"
	EventHelloCompleted     = "hello_provisioning_completed"
	EventEnrollmentComplete = "enrollment_complete"
	EventEnrollmentFailed   = "enrollment_failed"
)

// DataField is one entry of an event's ordered data mapping.
type DataField struct {
	Key   string
	Value interface{}
}

// EventData is an ordered string-to-value mapping. It marshals to a JSON
// object whose key order matches insertion order, and preserves that order
// on decode. Duplicate keys keep the last value but their original slot.
type EventData []DataField

// Get returns the value for key, or nil when absent.
func (d EventData) Get(key string) interface{} {
	for _, field := range d {
		if field.Key == key {
			return field.Value
		}
	}

	return nil
}

// GetString returns the value for key rendered as a string.
func (d EventData) GetString(key string) string {
	value := d.Get(key)
	if value == nil {
		return ""
	}

	if s, ok := value.(string); ok {
		return s
	}

	return fmt.Sprintf("%v", value)
}

// Set replaces the value for key, appending when the key is new.
func (d *EventData) Set(key string, value interface{}) {
	for i, field := range *d {
		if field.Key == key {
			(*d)[i].Value = value
			return
		}
	}

	*d = append(*d, DataField{Key: key, Value: value})
}

// MarshalJSON renders the mapping as an object in insertion order.
func (d EventData) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}

	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, field := range d {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(field.Key)
		if err != nil {
			return nil, err
		}

		value, err := json.Marshal(field.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal data field %q: %w", field.Key, err)
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object while preserving its key order.
func (d *EventData) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*d = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("event data must be a JSON object, got %v", tok)
	}

	fields := make(EventData, 0, 8)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}

		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected object key token %v", keyTok)
		}

		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decode data field %q: %w", key, err)
		}

		fields.Set(key, value)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}

	*d = fields

	return nil
}

// EnrollmentEvent is one strategic event emitted by the agent. Events are
// immutable once emitted; Sequence is assigned by the agent, strictly
// increasing per session, and preserved end-to-end so viewers can re-sort
// wire-reordered batches.
type EnrollmentEvent struct {
	SessionID string          `json:"sessionId"`
	TenantID  string          `json:"tenantId"`
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"eventType"`
	Severity  Severity        `json:"severity"`
	Source    string          `json:"source,omitempty"`
	Phase     EnrollmentPhase `json:"phase"`
	Message   string          `json:"message,omitempty"`
	Sequence  int64           `json:"sequence"`
	Data      EventData       `json:"data,omitempty"`
}

// IsTerminal reports whether the event ends its session.
func (e *EnrollmentEvent) IsTerminal() bool {
	return e.EventType == EventEnrollmentComplete || e.EventType == EventEnrollmentFailed
}

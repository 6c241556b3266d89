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

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

const (
	defaultFlushInterval = 10 * time.Second
	defaultMaxBatch      = 200
	emitterHTTPTimeout   = 15 * time.Second
)

// ErrEmitterStopped is returned once the backend instructed the device to
// stop retrying (auth circuit breaker) or the emitter was closed.
var ErrEmitterStopped = errors.New("emitter stopped")

// EmitterConfig configures the outbound event batcher.
type EmitterConfig struct {
	IngestURL     string          `json:"ingest_url"`
	DeviceCert    string          `json:"device_cert"`
	FlushInterval models.Duration `json:"flush_interval,omitempty"`
	MaxBatch      int             `json:"max_batch,omitempty"`
}

// BatchEmitter buffers strategic events and ships them as gzip NDJSON
// batches to the ingestion endpoint. Emit never blocks on the network; the
// flush loop owns all HTTP I/O. Failed deliveries are dropped after logging
// (spooling is a separate concern).
type BatchEmitter struct {
	cfg    EmitterConfig
	client *http.Client
	logger logger.Logger

	mu      sync.Mutex
	pending []*models.EnrollmentEvent
	stopped bool
}

// NewBatchEmitter creates an emitter posting to cfg.IngestURL.
func NewBatchEmitter(cfg EmitterConfig, log logger.Logger) *BatchEmitter {
	return &BatchEmitter{
		cfg:    cfg,
		client: &http.Client{Timeout: emitterHTTPTimeout},
		logger: log,
	}
}

// Emit queues one event for the next flush.
func (b *BatchEmitter) Emit(_ context.Context, event *models.EnrollmentEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrEmitterStopped
	}

	b.pending = append(b.pending, event)

	return nil
}

// Run flushes on a fixed interval until the context is canceled, then makes
// a final best-effort flush.
func (b *BatchEmitter) Run(ctx context.Context) {
	interval := b.cfg.FlushInterval.Duration()
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), emitterHTTPTimeout)
			if err := b.Flush(flushCtx); err != nil {
				b.logger.Warn().Err(err).Msg("Final event flush failed")
			}

			cancel()

			return
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("Event flush failed")
			}
		}
	}
}

// Flush ships all pending events in one compressed batch.
func (b *BatchEmitter) Flush(ctx context.Context) error {
	batch := b.takePending()
	if len(batch) == 0 {
		return nil
	}

	body, err := encodeBatch(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.IngestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Content-Encoding", "gzip")

	if b.cfg.DeviceCert != "" {
		req.Header.Set("X-Device-Cert", b.cfg.DeviceCert)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		b.handleRejection(resp)
		return fmt.Errorf("ingest rejected batch: %s", resp.Status)
	}

	var ack models.IngestResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ack); err == nil {
		if ack.EventsProcessed < ack.EventsReceived {
			b.logger.Warn().
				Int("received", ack.EventsReceived).
				Int("processed", ack.EventsProcessed).
				Msg("Backend dropped events from batch")
		}
	}

	return nil
}

// handleRejection honors the backend's stop-retrying directive.
func (b *BatchEmitter) handleRejection(resp *http.Response) {
	var errBody models.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errBody); err != nil {
		return
	}

	if errBody.Retry != nil && !*errBody.Retry {
		b.logger.Error().
			Int("status", resp.StatusCode).
			Str("message", errBody.Message).
			Msg("Backend instructed device to stop retrying, disabling emitter")

		b.mu.Lock()
		b.stopped = true
		b.pending = nil
		b.mu.Unlock()
	}
}

func (b *BatchEmitter) takePending() []*models.EnrollmentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	maxBatch := b.cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}

	n := len(b.pending)
	if n > maxBatch {
		n = maxBatch
	}

	batch := b.pending[:n]
	b.pending = append([]*models.EnrollmentEvent(nil), b.pending[n:]...)

	return batch
}

// encodeBatch renders the preferred wire form: gzip over NDJSON, line 1 the
// batch header, one event per following line.
func encodeBatch(events []*models.EnrollmentEvent) ([]byte, error) {
	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)

	header := models.BatchHeader{
		SessionID: events[0].SessionID,
		TenantID:  events[0].TenantID,
	}

	enc := json.NewEncoder(zw)
	if err := enc.Encode(header); err != nil {
		return nil, err
	}

	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

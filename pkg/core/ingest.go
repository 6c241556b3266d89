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

// Package core implements the ingestion service: batch decoding, session
// correlation, per-app rollups, tenant policy, and rule evaluation.
package core

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/espwatch/espwatch/pkg/models"
)

// DefaultMaxDecompressedBytes caps a decompressed NDJSON batch for tenants
// without an explicit limit.
const DefaultMaxDecompressedBytes = 5 << 20

// LegacyMaxBodyBytes caps the uncompressed legacy JSON body.
const LegacyMaxBodyBytes = 1 << 20

const (
	maxEventLineBytes    = 1 << 20
	headerAllowanceBytes = 64 * 1024
)

var (
	// ErrEmptyBatch indicates a batch with no events.
	ErrEmptyBatch = errors.New("batch contains no events")
	// ErrMissingIDs indicates a batch without session or tenant ids.
	ErrMissingIDs = errors.New("batch is missing session or tenant id")
	// ErrBatchTooLarge indicates the decompressed payload exceeded the
	// tenant's ceiling. Decompression stops mid-stream; nothing from the
	// batch is kept.
	ErrBatchTooLarge = errors.New("decompressed batch exceeds size limit")
	// ErrMalformedBatch indicates an undecodable payload.
	ErrMalformedBatch = errors.New("malformed batch payload")
)

// DecodeLegacyBatch parses the uncompressed JSON batch body
// {sessionId, tenantId, events}. The caller bounds the reader.
func DecodeLegacyBatch(r io.Reader) (*models.IngestRequest, error) {
	var req models.IngestRequest

	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
	}

	return &req, validateBatch(&req)
}

// DecodeCompressedBatch parses a gzip NDJSON batch: line one is the
// {sessionId, tenantId} header, each further line one event. The header
// identifies the tenant, so the size ceiling is resolved through capFor
// once the header is read; decompression of the remaining stream is metered
// against it and aborted mid-stream once exceeded, so a hostile payload
// never buffers unbounded. onHeader, when set, runs right after the header
// line; an error from it aborts decoding before any event is read, which
// lets the caller authorize the device ahead of the event stream.
func DecodeCompressedBatch(r io.Reader, capFor func(tenantID string) int64, onHeader func(header *models.BatchHeader) error) (*models.IngestRequest, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
	}
	defer zr.Close()

	// The header line gets a fixed allowance; the tenant's ceiling applies
	// to the event stream after it. N sits one past the cap so exhaustion
	// is distinguishable from an exactly-full batch.
	limited := &io.LimitedReader{R: zr, N: headerAllowanceBytes}

	scanner := bufio.NewScanner(limited)
	scanner.Buffer(make([]byte, 64*1024), maxEventLineBytes)

	req := &models.IngestRequest{}
	sawHeader := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if !sawHeader {
			var header models.BatchHeader
			if err := json.Unmarshal(line, &header); err != nil {
				return nil, fmt.Errorf("%w: bad batch header: %w", ErrMalformedBatch, err)
			}

			req.SessionID = header.SessionID
			req.TenantID = header.TenantID
			sawHeader = true

			if onHeader != nil {
				if err := onHeader(&header); err != nil {
					return nil, err
				}
			}

			maxDecompressed := int64(0)
			if capFor != nil {
				maxDecompressed = capFor(header.TenantID)
			}

			if maxDecompressed <= 0 {
				maxDecompressed = DefaultMaxDecompressedBytes
			}

			limited.N = maxDecompressed + 1

			continue
		}

		var event models.EnrollmentEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("%w: bad event line: %w", ErrMalformedBatch, err)
		}

		req.Events = append(req.Events, event)

		if limited.N <= 0 {
			return nil, ErrBatchTooLarge
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
	}

	if limited.N <= 0 {
		return nil, ErrBatchTooLarge
	}

	return req, validateBatch(req)
}

func validateBatch(req *models.IngestRequest) error {
	if req.SessionID == "" || req.TenantID == "" {
		return ErrMissingIDs
	}

	if len(req.Events) == 0 {
		return ErrEmptyBatch
	}

	return nil
}

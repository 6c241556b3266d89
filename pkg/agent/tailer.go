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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

const (
	defaultPollInterval  = 2 * time.Second
	fingerprintProbeSize = 256
	replayLineDelay      = 10 * time.Millisecond
)

// TailerConfig configures one tailed log file.
type TailerConfig struct {
	Path         string          `json:"path"`
	MarkerPath   string          `json:"marker_path"`
	PollInterval models.Duration `json:"poll_interval,omitempty"`
}

// TailerHooks are the orchestrator's subscription points.
type TailerHooks struct {
	// OnPhaseMarker fires for every phase marker line, before any
	// de-duplication.
	OnPhaseMarker func(phase string)
	// OnMatch fires for matched lines the tailer does not route itself.
	OnMatch func(match *LineMatch)
}

// tailMarker is the resumable on-disk read position.
type tailMarker struct {
	Offset      int64  `json:"offset"`
	Fingerprint string `json:"fingerprint"`
}

// LogTailer incrementally parses a live, append-only, rotating log into
// typed observations. The read offset is persisted after each successfully
// processed line, so a crash mid-batch reprocesses only the unflushed tail
// (at-least-once, never at-most-once).
type LogTailer struct {
	cfg     TailerConfig
	matcher *Matcher
	apps    *AppStateTracker
	phase   *PhaseDetector
	hello   *HelloDetector
	hooks   TailerHooks
	logger  logger.Logger

	offset      int64
	fingerprint string
	// seen suppresses exact duplicate matched lines within one file
	// generation. Cleared on rotation, never tied to app state.
	seen map[uint64]struct{}
}

// NewLogTailer builds a tailer over the given sub-trackers and resumes from
// the on-disk marker when one exists.
func NewLogTailer(cfg TailerConfig, matcher *Matcher, apps *AppStateTracker, phase *PhaseDetector, hello *HelloDetector, log logger.Logger) *LogTailer {
	t := &LogTailer{
		cfg:     cfg,
		matcher: matcher,
		apps:    apps,
		phase:   phase,
		hello:   hello,
		logger:  log,
		seen:    make(map[uint64]struct{}),
	}

	t.loadMarker()

	return t
}

// SetHooks registers the orchestrator callbacks. Must be called before the
// tailer starts polling.
func (t *LogTailer) SetHooks(hooks TailerHooks) {
	t.hooks = hooks
}

// Run drives PollOnce and the OS collectors on a fixed tick until the
// context is canceled. A tick that fires while the previous one is still
// processing is skipped, never queued: the ticker channel buffers one tick,
// so it is drained after every poll.
func (t *LogTailer) Run(ctx context.Context) {
	interval := t.cfg.PollInterval.Duration()
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.PollOnce(ctx); err != nil {
				t.logger.Warn().Err(err).Str("path", t.cfg.Path).Msg("Log poll failed")
			}

			if t.phase != nil {
				t.phase.Poll(ctx)
			}

			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// PollOnce reads any bytes appended since the last offset, feeds complete
// lines through the pattern matcher and persists the new offset after each
// processed line. Returns the number of lines processed.
func (t *LogTailer) PollOnce(ctx context.Context) (int, error) {
	file, err := os.Open(t.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The provisioning log may not exist yet.
			return 0, nil
		}

		return 0, fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat log: %w", err)
	}

	fingerprint, err := fingerprintFile(file)
	if err != nil {
		return 0, err
	}

	t.detectRotation(info.Size(), fingerprint)

	if info.Size() <= t.offset {
		return 0, nil
	}

	if _, err := file.Seek(t.offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek log: %w", err)
	}

	reader := bufio.NewReader(file)
	processed := 0

	for {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial trailing line stays unprocessed until the
			// writer finishes it.
			if errors.Is(err, io.EOF) {
				return processed, nil
			}

			return processed, fmt.Errorf("read log: %w", err)
		}

		t.processLine(strings.TrimRight(line, "\r\n"))
		t.offset += int64(len(line))
		processed++

		if err := t.persistMarker(); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to persist tail marker")
		}
	}
}

// detectRotation resets the read position when the file identity changed or
// the file became shorter. App package state is deliberately left alone;
// only per-file dedupe state clears.
func (t *LogTailer) detectRotation(size int64, fingerprint string) {
	rotated := size < t.offset || (t.fingerprint != "" && fingerprint != "" && fingerprint != t.fingerprint)

	if rotated {
		t.logger.Info().
			Str("path", t.cfg.Path).
			Int64("old_offset", t.offset).
			Msg("Log rotation detected, restarting from start of file")

		t.offset = 0
		t.seen = make(map[uint64]struct{})
	}

	if fingerprint != "" {
		t.fingerprint = fingerprint
	}
}

func (t *LogTailer) processLine(line string) {
	if line == "" {
		return
	}

	match := t.matcher.Match(line)
	if match == nil {
		return
	}

	key := hashLine(line)
	if _, dup := t.seen[key]; dup {
		return
	}

	t.seen[key] = struct{}{}

	switch match.EventType {
	case models.EventPhaseChanged:
		if t.hooks.OnPhaseMarker != nil {
			t.hooks.OnPhaseMarker(match.Field("phase"))
		}
	case models.EventHelloCompleted:
		if t.hello != nil {
			t.hello.MarkCompleted()
		}
	case models.EventDownloadStarted:
		t.applyAppMatch(match, models.StateDownloading)
	case models.EventDownloadProgress:
		t.applyAppMatch(match, models.StateDownloading)
	case models.EventInstallStarted:
		t.applyAppMatch(match, models.StateInstalling)
	case models.EventInstallCompleted:
		t.applyAppMatch(match, models.StateInstalled)
	case models.EventInstallFailed:
		t.applyAppMatch(match, models.StateError)
	case models.EventInstallSkipped:
		t.applyAppMatch(match, models.StateSkipped)
	case models.EventInstallPostponed:
		t.applyAppMatch(match, models.StatePostponed)
	default:
		if t.hooks.OnMatch != nil {
			t.hooks.OnMatch(match)
		}
	}
}

func (t *LogTailer) applyAppMatch(match *LineMatch, state models.InstallState) {
	id := match.Field("package_id")
	if id == "" {
		id = match.Field("package_name")
	}

	if id == "" {
		t.logger.Debug().Str("pattern", match.Pattern).Msg("App match without package identity, dropped")
		return
	}

	obs := Observation{
		BytesDownloaded: parseInt64(match.Field("bytes")),
		BytesTotal:      parseInt64(match.Field("total_bytes")),
		ProgressPercent: int(parseInt64(match.Field("percent"))),
		At:              time.Now(),
	}

	t.apps.Apply(id, match.Field("package_name"), state, obs)
}

// Replay feeds a static log through the same processing path with a time
// compression factor, for deterministic testing and support reproductions.
// factor <= 0 replays with no delay; factor 2 runs twice real-line speed.
func (t *LogTailer) Replay(ctx context.Context, factor float64) (int, error) {
	file, err := os.Open(t.cfg.Path)
	if err != nil {
		return 0, fmt.Errorf("open replay log: %w", err)
	}
	defer file.Close()

	var delay time.Duration
	if factor > 0 {
		delay = time.Duration(float64(replayLineDelay) / factor)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	processed := 0

	for scanner.Scan() {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		t.processLine(scanner.Text())
		processed++

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return processed, ctx.Err()
			case <-timer.C:
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return processed, fmt.Errorf("replay scan: %w", err)
	}

	return processed, nil
}

func (t *LogTailer) loadMarker() {
	if t.cfg.MarkerPath == "" {
		return
	}

	data, err := os.ReadFile(t.cfg.MarkerPath)
	if err != nil {
		return
	}

	var marker tailMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		t.logger.Warn().Err(err).Msg("Corrupt tail marker, starting from offset 0")
		return
	}

	t.offset = marker.Offset
	t.fingerprint = marker.Fingerprint
}

func (t *LogTailer) persistMarker() error {
	if t.cfg.MarkerPath == "" {
		return nil
	}

	data, err := json.Marshal(tailMarker{Offset: t.offset, Fingerprint: t.fingerprint})
	if err != nil {
		return err
	}

	return os.WriteFile(t.cfg.MarkerPath, data, 0o600)
}

// fingerprintFile hashes the leading bytes of the file as a cheap identity
// marker that survives appends but not rotation.
func fingerprintFile(file *os.File) (string, error) {
	buf := make([]byte, fingerprintProbeSize)

	n, err := file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("fingerprint log: %w", err)
	}

	if n == 0 {
		return "", nil
	}

	h := fnv.New64a()
	_, _ = h.Write(buf[:n])

	return strconv.FormatUint(h.Sum64(), 16), nil
}

func hashLine(line string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(line))

	return h.Sum64()
}

func parseInt64(raw string) int64 {
	if raw == "" {
		return 0
	}

	val, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}

	return val
}

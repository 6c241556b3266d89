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

// Package agent implements the on-device enrollment watcher: log tailing,
// package install state tracking, phase detection and strategic event
// emission.
package agent

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/espwatch/espwatch/pkg/models"
)

// PatternConfig declares one line pattern. The wire shape lives in models so
// the core config endpoint can push pattern updates to agents.
type PatternConfig = models.PatternConfig

// LineMatch is the structured result of matching one log line.
type LineMatch struct {
	Pattern   string
	EventType string
	Severity  models.Severity
	Line      string
	Captures  map[string]string
}

// Field returns a named capture, honoring the pattern's field renames.
func (m *LineMatch) Field(name string) string {
	return m.Captures[name]
}

type compiledPattern struct {
	name      string
	eventType string
	severity  models.Severity
	re        *regexp.Regexp
	fields    map[string]string
}

// patternSet is an immutable compiled pattern collection. Matcher swaps whole
// sets atomically so a reader never observes a half-updated set.
type patternSet struct {
	patterns []compiledPattern
}

// Matcher applies a hot-reloadable compiled pattern set to raw log lines.
type Matcher struct {
	set atomic.Pointer[patternSet]
}

// NewMatcher compiles the given pattern configs. A malformed pattern is
// rejected here with a descriptive error, never at match time.
func NewMatcher(configs []PatternConfig) (*Matcher, error) {
	set, err := compilePatterns(configs)
	if err != nil {
		return nil, err
	}

	m := &Matcher{}
	m.set.Store(set)

	return m, nil
}

// Reload replaces the active pattern set. The new set is fully compiled
// before it becomes visible; in-flight matches finish against the old set.
func (m *Matcher) Reload(configs []PatternConfig) error {
	set, err := compilePatterns(configs)
	if err != nil {
		return err
	}

	m.set.Store(set)

	return nil
}

// Match applies the active pattern set to a line, returning the first match
// or nil.
func (m *Matcher) Match(line string) *LineMatch {
	set := m.set.Load()
	if set == nil {
		return nil
	}

	for i := range set.patterns {
		p := &set.patterns[i]

		groups := p.re.FindStringSubmatch(line)
		if groups == nil {
			continue
		}

		captures := make(map[string]string, len(groups))

		for idx, name := range p.re.SubexpNames() {
			if idx == 0 || name == "" || idx >= len(groups) {
				continue
			}

			outName := name
			if renamed, ok := p.fields[name]; ok {
				outName = renamed
			}

			captures[outName] = groups[idx]
		}

		severity := p.severity
		if severity == "" {
			severity = models.SeverityInfo
		}

		return &LineMatch{
			Pattern:   p.name,
			EventType: p.eventType,
			Severity:  severity,
			Line:      line,
			Captures:  captures,
		}
	}

	return nil
}

func compilePatterns(configs []PatternConfig) (*patternSet, error) {
	compiled := make([]compiledPattern, 0, len(configs))

	for i := range configs {
		cfg := &configs[i]

		if cfg.Name == "" {
			return nil, fmt.Errorf("pattern %d: name is required", i)
		}

		if cfg.EventType == "" {
			return nil, fmt.Errorf("pattern %q: event_type is required", cfg.Name)
		}

		re, err := regexp.Compile(cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: invalid expression: %w", cfg.Name, err)
		}

		fields := make(map[string]string, len(cfg.Fields))
		for capture, out := range cfg.Fields {
			fields[capture] = out
		}

		compiled = append(compiled, compiledPattern{
			name:      cfg.Name,
			eventType: cfg.EventType,
			severity:  cfg.Severity,
			re:        re,
			fields:    fields,
		})
	}

	return &patternSet{patterns: compiled}, nil
}

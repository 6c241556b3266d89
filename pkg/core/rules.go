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
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

// RuleLoadStats tracks the number of loaded and skipped rule files.
type RuleLoadStats struct {
	TotalFiles     int
	Loaded         int
	SkippedComplex int
	SkippedInvalid int
}

type compiledRule struct {
	rule sigma.Rule
	eval *sigmaevaluator.RuleEvaluator
}

// RuleEngine evaluates sigma rules against a session's event history. It is
// stateless between calls: evaluating the same history twice yields the same
// results, and each rule produces at most one result per session.
type RuleEngine struct {
	rules  []compiledRule
	logger logger.Logger
}

// NewRuleEngine loads sigma rules from a file or directory and compiles
// evaluators. Unsupported or invalid rules are skipped and counted in stats.
func NewRuleEngine(path string, log logger.Logger) (*RuleEngine, RuleLoadStats, error) {
	var stats RuleLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to stat rule path: %w", err)
	}

	var files []string

	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}

			if entry.IsDir() {
				return nil
			}

			if isYAMLFile(filePath) {
				files = append(files, filePath)
			}

			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("failed to walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}

		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)

	compiled := make([]compiledRule, 0, len(files))

	for _, ruleFile := range files {
		raw, err := os.ReadFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}

		rule, err := sigma.ParseRule(raw)
		if err != nil {
			log.Warn().Err(err).Str("file", ruleFile).Msg("Skipping invalid rule")

			stats.SkippedInvalid++

			continue
		}

		if !isSimpleRule(rule) {
			stats.SkippedComplex++
			continue
		}

		compiled = append(compiled, compiledRule{
			rule: rule,
			eval: sigmaevaluator.ForRule(rule),
		})
		stats.Loaded++
	}

	return &RuleEngine{rules: compiled, logger: log}, stats, nil
}

// RuleIDs returns the identifiers of the loaded rules, for the agent config
// endpoint.
func (e *RuleEngine) RuleIDs() []string {
	ids := make([]string, 0, len(e.rules))
	for i := range e.rules {
		ids = append(ids, ruleID(e.rules[i].rule))
	}

	return ids
}

// Evaluate runs every loaded rule over the session history and returns at
// most one result per rule. Evidence carries the sequence numbers of the
// matching events.
func (e *RuleEngine) Evaluate(ctx context.Context, tenantID, sessionID string, events []models.EnrollmentEvent) []models.RuleResult {
	if e == nil || len(e.rules) == 0 || len(events) == 0 {
		return nil
	}

	maps := make([]map[string]interface{}, len(events))
	for i := range events {
		maps[i] = ruleEventMap(&events[i])
	}

	var results []models.RuleResult

	for i := range e.rules {
		rule := &e.rules[i]

		var evidence []int64

		for j := range events {
			res, err := rule.eval.Matches(ctx, maps[j])
			if err != nil {
				continue
			}

			if res.Match {
				evidence = append(evidence, events[j].Sequence)
			}
		}

		if len(evidence) == 0 {
			continue
		}

		results = append(results, models.RuleResult{
			SessionID: sessionID,
			TenantID:  tenantID,
			RuleID:    ruleID(rule.rule),
			RuleTitle: strings.TrimSpace(rule.rule.Title),
			Severity:  ruleSeverity(rule.rule),
			Message:   ruleMessage(rule.rule, len(evidence)),
			Evidence:  evidence,
		})
	}

	return results
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isSimpleRule(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}

	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false
		}
	}

	for _, search := range rule.Detection.Searches {
		if len(search.EventMatchers) == 0 && len(search.Keywords) == 0 {
			return false
		}
	}

	return true
}

// ruleEventMap flattens an event for the sigma evaluator: fixed envelope
// fields first, then the ordered data fields. A data field with the same
// name as an envelope field wins.
func ruleEventMap(event *models.EnrollmentEvent) map[string]interface{} {
	buf := make(map[string]interface{}, len(event.Data)+6)

	buf["event_type"] = event.EventType
	buf["severity"] = string(event.Severity)
	buf["source"] = event.Source
	buf["message"] = event.Message

	if event.Phase != models.PhaseUnknown {
		buf["phase"] = event.Phase.String()
	}

	for _, field := range event.Data {
		buf[field.Key] = field.Value
	}

	return buf
}

func ruleID(rule sigma.Rule) string {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}

	return id
}

func ruleSeverity(rule sigma.Rule) models.Severity {
	switch strings.ToLower(strings.TrimSpace(rule.Level)) {
	case "critical":
		return models.SeverityCritical
	case "high":
		return models.SeverityError
	case "low", "informational":
		return models.SeverityInfo
	default:
		return models.SeverityWarning
	}
}

func ruleMessage(rule sigma.Rule, matched int) string {
	desc := strings.TrimSpace(rule.Description)
	if desc == "" {
		desc = strings.TrimSpace(rule.Title)
	}

	return fmt.Sprintf("%s (%d matching events)", desc, matched)
}

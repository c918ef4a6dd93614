// Package filter implements the rule-based content filtering engine:
// pattern matching by rule type, action resolution with blocking
// short-circuit, and confidence aggregation.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// RuleType identifies how a rule's pattern is matched. The set is closed;
// Rule.Validate rejects anything else.
type RuleType string

const (
	TypeRegex       RuleType = "regex"
	TypeKeyword     RuleType = "keyword"
	TypePhrase      RuleType = "phrase"
	TypePattern     RuleType = "pattern"
	TypeMLModel     RuleType = "ml_model"
	TypeExternalAPI RuleType = "external_api"
)

// Action is what the engine does with a rule's matches.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionBlock      Action = "block"
	ActionFlag       Action = "flag"
	ActionReplace    Action = "replace"
	ActionRedact     Action = "redact"
	ActionQuarantine Action = "quarantine"
)

// Severity ranks a rule. Streaming evaluation only runs high and critical
// rules.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Per-rule-type match confidence.
var typeConfidence = map[RuleType]float64{
	TypeRegex:       0.9,
	TypeKeyword:     0.8,
	TypePhrase:      0.85,
	TypePattern:     0.9,
	TypeMLModel:     0.7,
	TypeExternalAPI: 0.8,
}

// Scoring thresholds above which a pluggable scorer's result counts as a
// match.
const (
	mlScoreThreshold       = 0.7
	externalScoreThreshold = 0.8
)

var (
	// ErrRuleNotFound is returned for operations on unknown rules.
	ErrRuleNotFound = errors.New("filter rule not found")

	// ErrInvalidRule is returned when a rule fails validation.
	ErrInvalidRule = errors.New("invalid filter rule")
)

// Rule is one pattern-action pair. A rule with an empty UserID is global;
// otherwise it applies only to that user's traffic.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      RuleType  `json:"type"`
	Pattern   string    `json:"pattern"`
	Action    Action    `json:"action"`
	Severity  Severity  `json:"severity"`
	Enabled   bool      `json:"enabled"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// compiled is the cached regex for TypeRegex rules.
	compiled *regexp.Regexp
}

// Validate checks the rule's type, action, severity, and pattern. Regex
// patterns are compiled here (case-insensitive) and cached on the rule.
func (r *Rule) Validate() error {
	switch r.Type {
	case TypeRegex, TypeKeyword, TypePhrase, TypePattern, TypeMLModel, TypeExternalAPI:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Type)
	}
	switch r.Action {
	case ActionAllow, ActionBlock, ActionFlag, ActionReplace, ActionRedact, ActionQuarantine:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, r.Action)
	}
	switch r.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, r.Severity)
	}
	if r.Pattern == "" {
		return fmt.Errorf("%w: pattern must not be empty", ErrInvalidRule)
	}

	if r.Type == TypeRegex {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		r.compiled = re
	}
	if r.Type == TypePattern {
		if _, ok := predefinedPatterns[r.Pattern]; !ok {
			return fmt.Errorf("%w: unknown predefined pattern %q", ErrInvalidRule, r.Pattern)
		}
	}
	return nil
}

// highSeverity reports whether the rule participates in the streaming tier.
func (r *Rule) highSeverity() bool {
	return r.Severity == SeverityHigh || r.Severity == SeverityCritical
}

// Confidence returns the match confidence for the rule's type.
func (r *Rule) Confidence() float64 {
	return typeConfidence[r.Type]
}

// Match is one occurrence of a rule's pattern in evaluated content.
type Match struct {
	RuleID     string  `json:"rule_id"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Result aggregates one evaluation: the allow/block verdict, the possibly
// rewritten content, removed fragments, the rules that fired, and the
// overall confidence (the minimum across applied rules).
type Result struct {
	Allowed         bool     `json:"allowed"`
	FilteredContent string   `json:"filtered_content"`
	Removed         []string `json:"removed,omitempty"`
	AppliedRules    []string `json:"applied_rules,omitempty"`
	Confidence      float64  `json:"confidence"`
}

package filter

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Placeholder texts substituted for matches.
const (
	replaceToken = "[FILTERED]"
	redactMask   = "[REDACTED]"
)

// Scorer is a pluggable confidence source backing ml_model and
// external_api rules. Implementations return a confidence in [0,1]; the
// engine declares a match only above the per-type threshold. Real model or
// API integrations implement this interface; heuristic stubs ship as
// defaults.
type Scorer interface {
	Name() string
	Score(ctx context.Context, content, pattern string) (float64, error)
}

// heuristicScorer is the default deterministic stub: high confidence when
// the rule's pattern term occurs in the content, low otherwise.
type heuristicScorer struct {
	name string
	hit  float64
	miss float64
}

func (s *heuristicScorer) Name() string { return s.name }

func (s *heuristicScorer) Score(_ context.Context, content, pattern string) (float64, error) {
	if pattern != "" && strings.Contains(strings.ToLower(content), strings.ToLower(pattern)) {
		return s.hit, nil
	}
	return s.miss, nil
}

// Engine evaluates filter rules against content. Rules are held in
// insertion order; action resolution follows that order.
type Engine struct {
	mu      sync.RWMutex
	ordered []*Rule
	byID    map[string]*Rule

	mlScorer       Scorer
	externalScorer Scorer

	now    func() time.Time
	logger *zap.Logger
}

// NewEngine creates an engine with heuristic scoring stubs installed.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		byID:           make(map[string]*Rule),
		mlScorer:       &heuristicScorer{name: "heuristic-ml", hit: 0.9, miss: 0.1},
		externalScorer: &heuristicScorer{name: "heuristic-external", hit: 0.9, miss: 0.1},
		now:            time.Now,
		logger:         logger,
	}
}

// SetMLScorer replaces the ml_model scoring backend.
func (e *Engine) SetMLScorer(s Scorer) { e.mlScorer = s }

// SetExternalScorer replaces the external_api scoring backend.
func (e *Engine) SetExternalScorer(s Scorer) { e.externalScorer = s }

// AddRule validates and stores a rule, assigning an ID and audit stamps if
// absent. The rule applies from the next evaluation on.
func (e *Engine) AddRule(rule Rule) (Rule, error) {
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := e.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.byID[rule.ID]; ok {
		*existing = rule
		return rule, nil
	}
	stored := rule
	e.ordered = append(e.ordered, &stored)
	e.byID[rule.ID] = &stored
	return rule, nil
}

// GetRule returns a rule by ID.
func (e *Engine) GetRule(id string) (Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.byID[id]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	return *rule, nil
}

// ListRules returns the global rules plus the given user's scoped rules,
// in insertion order. An empty userID lists global rules only.
func (e *Engine) ListRules(userID string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, 0, len(e.ordered))
	for _, rule := range e.ordered {
		if rule.UserID == "" || rule.UserID == userID {
			out = append(out, *rule)
		}
	}
	return out
}

// SetRuleEnabled flips a rule's enabled flag.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.byID[id]
	if !ok {
		return ErrRuleNotFound
	}
	rule.Enabled = enabled
	rule.UpdatedAt = e.now()
	return nil
}

// RemoveRule deletes a rule.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.byID[id]; !ok {
		return ErrRuleNotFound
	}
	delete(e.byID, id)
	for i, rule := range e.ordered {
		if rule.ID == id {
			e.ordered = append(e.ordered[:i], e.ordered[i+1:]...)
			break
		}
	}
	return nil
}

// Evaluate runs all applicable enabled rules (global, user-scoped, and
// request-supplied custom rules) against content, resolving actions in
// rule iteration order. BLOCK and QUARANTINE short-circuit the whole
// evaluation, discarding all content. A single rule's evaluation error is
// treated as "rule did not match".
func (e *Engine) Evaluate(ctx context.Context, content, userID string, custom []Rule) Result {
	rules := e.applicableRules(userID, custom, false)
	return e.run(ctx, content, rules, false)
}

// EvaluateChunk is the lighter streaming tier: only high and critical
// severity rules run, and any evaluation failure blocks the chunk.
// Unmoderated partial output is riskier than a delayed request, so this
// path fails closed where Evaluate fails open per rule.
func (e *Engine) EvaluateChunk(ctx context.Context, content, userID string) Result {
	rules := e.applicableRules(userID, nil, true)
	return e.run(ctx, content, rules, true)
}

func (e *Engine) applicableRules(userID string, custom []Rule, highOnly bool) []*Rule {
	e.mu.RLock()
	rules := make([]*Rule, 0, len(e.ordered)+len(custom))
	for _, rule := range e.ordered {
		if !rule.Enabled {
			continue
		}
		if rule.UserID != "" && rule.UserID != userID {
			continue
		}
		if highOnly && !rule.highSeverity() {
			continue
		}
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	for i := range custom {
		rule := custom[i]
		if !rule.Enabled || (highOnly && !rule.highSeverity()) {
			continue
		}
		if err := rule.Validate(); err != nil {
			e.logger.Warn("skipping invalid custom rule", zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		rules = append(rules, &rule)
	}
	return rules
}

func (e *Engine) run(ctx context.Context, content string, rules []*Rule, failClosed bool) Result {
	result := Result{Allowed: true, FilteredContent: content, Confidence: 1.0}

	for _, rule := range rules {
		matches, err := e.matchRule(ctx, rule, result.FilteredContent)
		if err != nil {
			if failClosed {
				e.logger.Warn("chunk rule evaluation failed, blocking",
					zap.String("rule_id", rule.ID), zap.Error(err))
				return Result{
					Allowed:      false,
					AppliedRules: []string{rule.ID},
					Confidence:   rule.Confidence(),
				}
			}
			e.logger.Warn("rule evaluation failed, treating as no match",
				zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if len(matches) == 0 {
			continue
		}

		switch rule.Action {
		case ActionBlock, ActionQuarantine:
			// Short-circuit: the whole evaluation ends here and all
			// content is discarded.
			return Result{
				Allowed:      false,
				AppliedRules: []string{rule.ID},
				Confidence:   rule.Confidence(),
			}
		case ActionReplace:
			result.FilteredContent = substitute(result.FilteredContent, matches, replaceToken, &result.Removed)
		case ActionRedact:
			result.FilteredContent = substitute(result.FilteredContent, matches, redactMask, &result.Removed)
		case ActionFlag, ActionAllow:
			// Recorded without altering content.
		}

		result.AppliedRules = append(result.AppliedRules, rule.ID)
		if c := rule.Confidence(); c < result.Confidence {
			result.Confidence = c
		}
	}
	return result
}

// matchRule collects all occurrences of a rule's pattern with position
// spans, by rule type.
func (e *Engine) matchRule(ctx context.Context, rule *Rule, content string) ([]Match, error) {
	switch rule.Type {
	case TypeRegex:
		return spansToMatches(rule, content, rule.compiled.FindAllStringIndex(content, -1)), nil
	case TypePattern:
		re := predefinedPatterns[rule.Pattern]
		return spansToMatches(rule, content, re.FindAllStringIndex(content, -1)), nil
	case TypeKeyword, TypePhrase:
		return substringMatches(rule, content), nil
	case TypeMLModel:
		return e.scoredMatch(ctx, e.mlScorer, rule, content, mlScoreThreshold)
	case TypeExternalAPI:
		return e.scoredMatch(ctx, e.externalScorer, rule, content, externalScoreThreshold)
	}
	return nil, nil
}

// scoredMatch consults a pluggable scorer; above the threshold the whole
// content counts as one match.
func (e *Engine) scoredMatch(ctx context.Context, scorer Scorer, rule *Rule, content string, threshold float64) ([]Match, error) {
	score, err := scorer.Score(ctx, content, rule.Pattern)
	if err != nil {
		return nil, err
	}
	if score < threshold {
		return nil, nil
	}
	return []Match{{
		RuleID:     rule.ID,
		Start:      0,
		End:        len(content),
		Text:       content,
		Confidence: rule.Confidence(),
	}}, nil
}

// substringMatches scans case-insensitively for non-overlapping
// occurrences, left to right. Comparison is rune-wise and spans are byte
// offsets into the original content, so case folding that changes a
// rune's encoded length cannot shift later matches.
func substringMatches(rule *Rule, content string) []Match {
	pattern := []rune(rule.Pattern)
	if len(pattern) == 0 {
		return nil
	}
	for i, r := range pattern {
		pattern[i] = unicode.ToLower(r)
	}

	var runes []rune
	var offsets []int
	for i, r := range content {
		runes = append(runes, r)
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(content))

	var matches []Match
	for i := 0; i+len(pattern) <= len(runes); {
		matched := true
		for j, p := range pattern {
			if unicode.ToLower(runes[i+j]) != p {
				matched = false
				break
			}
		}
		if !matched {
			i++
			continue
		}
		start, end := offsets[i], offsets[i+len(pattern)]
		matches = append(matches, Match{
			RuleID:     rule.ID,
			Start:      start,
			End:        end,
			Text:       content[start:end],
			Confidence: rule.Confidence(),
		})
		i += len(pattern)
	}
	return matches
}

func spansToMatches(rule *Rule, content string, spans [][]int) []Match {
	matches := make([]Match, 0, len(spans))
	for _, span := range spans {
		matches = append(matches, Match{
			RuleID:     rule.ID,
			Start:      span[0],
			End:        span[1],
			Text:       content[span[0]:span[1]],
			Confidence: rule.Confidence(),
		})
	}
	return matches
}

// substitute rewrites matched spans with the replacement text, recording
// the removed fragments. Matches are in ascending, non-overlapping order.
func substitute(content string, matches []Match, replacement string, removed *[]string) string {
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if m.Start < last {
			continue
		}
		b.WriteString(content[last:m.Start])
		b.WriteString(replacement)
		*removed = append(*removed, m.Text)
		last = m.End
	}
	b.WriteString(content[last:])
	return b.String()
}

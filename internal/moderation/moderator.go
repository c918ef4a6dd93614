// Package moderation composes pluggable content moderators into a single
// approve/flag/block verdict, with per-user history and reporting.
package moderation

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

// FlagSeverity ranks a moderation flag. HIGH and CRITICAL flags veto
// approval.
type FlagSeverity string

const (
	SeverityLow      FlagSeverity = "low"
	SeverityMedium   FlagSeverity = "medium"
	SeverityHigh     FlagSeverity = "high"
	SeverityCritical FlagSeverity = "critical"
)

// Flag is one finding raised by a moderator.
type Flag struct {
	Category   string       `json:"category"`
	Severity   FlagSeverity `json:"severity"`
	Reason     string       `json:"reason"`
	Confidence float64      `json:"confidence"`
}

// Result is one moderator's partial verdict.
type Result struct {
	Flags      []Flag   `json:"flags,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Confidence float64  `json:"confidence"`
}

// RequestContext carries the request identity into moderators.
type RequestContext struct {
	UserID    string
	RequestID string
}

// Moderator is one pluggable moderation unit. Its partial verdict is
// merged with the others by the engine; a moderator's error is swallowed
// and logged, never failing the overall verdict.
type Moderator interface {
	Name() string
	Enabled() bool
	Categories() []string
	Process(ctx context.Context, content string, rc RequestContext) (Result, error)
}

// BasicModerator applies cheap structural heuristics: shouting (caps
// ratio), character flooding, and oversized input.
type BasicModerator struct {
	MaxLength int
}

// NewBasicModerator creates a BasicModerator with a 32KiB length cap.
func NewBasicModerator() *BasicModerator {
	return &BasicModerator{MaxLength: 32 * 1024}
}

func (m *BasicModerator) Name() string         { return "basic" }
func (m *BasicModerator) Enabled() bool        { return true }
func (m *BasicModerator) Categories() []string { return []string{"structure", "abuse"} }

// floodRunLength is the run of identical runes counted as flooding.
const floodRunLength = 10

func (m *BasicModerator) Process(_ context.Context, content string, _ RequestContext) (Result, error) {
	var flags []Flag

	if m.MaxLength > 0 && len(content) > m.MaxLength {
		flags = append(flags, Flag{
			Category:   "structure",
			Severity:   SeverityMedium,
			Reason:     "content exceeds maximum length",
			Confidence: 1.0,
		})
	}

	if letters, upper := letterCounts(content); letters >= 20 && float64(upper)/float64(letters) > 0.7 {
		flags = append(flags, Flag{
			Category:   "abuse",
			Severity:   SeverityLow,
			Reason:     "excessive capitalization",
			Confidence: 0.6,
		})
	}

	if hasRepeatedRun(content, floodRunLength) {
		flags = append(flags, Flag{
			Category:   "structure",
			Severity:   SeverityLow,
			Reason:     "character flooding",
			Confidence: 0.7,
		})
	}

	return Result{Flags: flags, Categories: flagCategories(flags), Confidence: 0.6}, nil
}

// ProfanityModerator flags content containing configured terms.
type ProfanityModerator struct {
	terms []string
}

// NewProfanityModerator creates a moderator over a lowercase term list.
func NewProfanityModerator(terms []string) *ProfanityModerator {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	return &ProfanityModerator{terms: lowered}
}

func (m *ProfanityModerator) Name() string         { return "profanity" }
func (m *ProfanityModerator) Enabled() bool        { return len(m.terms) > 0 }
func (m *ProfanityModerator) Categories() []string { return []string{"profanity"} }

func (m *ProfanityModerator) Process(_ context.Context, content string, _ RequestContext) (Result, error) {
	lower := strings.ToLower(content)
	var flags []Flag
	for _, term := range m.terms {
		if strings.Contains(lower, term) {
			flags = append(flags, Flag{
				Category:   "profanity",
				Severity:   SeverityHigh,
				Reason:     "contains blocked term",
				Confidence: 0.9,
			})
			break
		}
	}
	return Result{Flags: flags, Categories: flagCategories(flags), Confidence: 0.9}, nil
}

// SpamModerator flags link stuffing and phrase repetition.
type SpamModerator struct {
	MaxLinks int
}

// NewSpamModerator creates a SpamModerator allowing up to 5 links.
func NewSpamModerator() *SpamModerator {
	return &SpamModerator{MaxLinks: 5}
}

func (m *SpamModerator) Name() string         { return "spam" }
func (m *SpamModerator) Enabled() bool        { return true }
func (m *SpamModerator) Categories() []string { return []string{"spam"} }

var linkPattern = regexp.MustCompile(`(?i)https?://`)

func (m *SpamModerator) Process(_ context.Context, content string, _ RequestContext) (Result, error) {
	var flags []Flag

	if links := len(linkPattern.FindAllStringIndex(content, -1)); m.MaxLinks > 0 && links > m.MaxLinks {
		flags = append(flags, Flag{
			Category:   "spam",
			Severity:   SeverityHigh,
			Reason:     "link stuffing",
			Confidence: 0.8,
		})
	}

	if dominantLineRatio(content) > 0.6 {
		flags = append(flags, Flag{
			Category:   "spam",
			Severity:   SeverityMedium,
			Reason:     "repeated content",
			Confidence: 0.7,
		})
	}

	return Result{Flags: flags, Categories: flagCategories(flags), Confidence: 0.7}, nil
}

// dominantLineRatio returns the share of non-empty lines taken by the most
// repeated line. Requires at least 5 lines to avoid flagging short input.
func dominantLineRatio(content string) float64 {
	lines := strings.Split(content, "\n")
	counts := make(map[string]int)
	total := 0
	max := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		total++
		counts[line]++
		if counts[line] > max {
			max = counts[line]
		}
	}
	if total < 5 {
		return 0
	}
	return float64(max) / float64(total)
}

// hasRepeatedRun reports whether content contains n or more consecutive
// identical runes.
func hasRepeatedRun(content string, n int) bool {
	var prev rune
	run := 0
	for _, r := range content {
		if run > 0 && r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run >= n {
			return true
		}
	}
	return false
}

func letterCounts(content string) (letters, upper int) {
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters, upper
}

func flagCategories(flags []Flag) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range flags {
		if _, ok := seen[f.Category]; ok {
			continue
		}
		seen[f.Category] = struct{}{}
		out = append(out, f.Category)
	}
	return out
}

package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

type scriptedModerator struct {
	name    string
	enabled bool
	result  Result
	err     error
}

func (m *scriptedModerator) Name() string         { return m.name }
func (m *scriptedModerator) Enabled() bool        { return m.enabled }
func (m *scriptedModerator) Categories() []string { return []string{"scripted"} }
func (m *scriptedModerator) Process(context.Context, string, RequestContext) (Result, error) {
	return m.result, m.err
}

func TestModerateContentApprovesCleanInput(t *testing.T) {
	e := NewEngine([]Moderator{NewBasicModerator(), NewSpamModerator()}, 0, nil)

	verdict := e.ModerateContent(context.Background(), "user-1", "a perfectly ordinary question about the weather")
	if !verdict.Approved {
		t.Fatalf("clean content rejected: %+v", verdict)
	}
	if verdict.Action != ActionApproved {
		t.Errorf("action = %s, want approved", verdict.Action)
	}
}

func TestModerateContentBlocksOnHighSeverity(t *testing.T) {
	e := NewEngine([]Moderator{NewProfanityModerator([]string{"slur"})}, 0, nil)

	verdict := e.ModerateContent(context.Background(), "user-1", "text with a SLUR inside")
	if verdict.Approved {
		t.Fatal("high-severity flag must veto approval")
	}
	if verdict.Action != ActionBlocked {
		t.Errorf("action = %s, want blocked", verdict.Action)
	}
	if len(verdict.Flags) == 0 || verdict.Flags[0].Category != "profanity" {
		t.Errorf("flags = %+v, want a profanity flag", verdict.Flags)
	}
}

func TestModerateContentFlagsWithoutBlocking(t *testing.T) {
	e := NewEngine([]Moderator{NewBasicModerator()}, 0, nil)

	verdict := e.ModerateContent(context.Background(), "user-1", "WHY IS EVERYTHING SO LOUD IN HERE TODAY")
	if !verdict.Approved {
		t.Fatal("low-severity flags must not block")
	}
	if verdict.Action != ActionFlagged {
		t.Errorf("action = %s, want flagged", verdict.Action)
	}
}

func TestBasicModeratorFlagsCharacterFlooding(t *testing.T) {
	m := NewBasicModerator()

	hasFlood := func(flags []Flag) bool {
		for _, f := range flags {
			if f.Reason == "character flooding" {
				return true
			}
		}
		return false
	}

	result, err := m.Process(context.Background(), "spam"+strings.Repeat("!", 12), RequestContext{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !hasFlood(result.Flags) {
		t.Fatalf("flags = %+v, want a character flooding flag", result.Flags)
	}

	result, err = m.Process(context.Background(), strings.Repeat("é", 10), RequestContext{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !hasFlood(result.Flags) {
		t.Fatalf("flags = %+v, want flooding detected on multi-byte runes", result.Flags)
	}

	result, err = m.Process(context.Background(), "ha ha ha ha ha ha", RequestContext{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if hasFlood(result.Flags) {
		t.Fatalf("flags = %+v, short runs must not flag", result.Flags)
	}
}

func TestModerateContentKeepsModeratorCategories(t *testing.T) {
	e := NewEngine([]Moderator{
		&scriptedModerator{name: "classifier", enabled: true, result: Result{
			Categories: []string{"politics", "finance"},
			Confidence: 0.8,
		}},
		&scriptedModerator{name: "flagger", enabled: true, result: Result{
			Flags:      []Flag{{Category: "spam", Severity: SeverityLow}},
			Confidence: 0.9,
		}},
	}, 0, nil)

	verdict := e.ModerateContent(context.Background(), "user-1", "anything")
	want := map[string]bool{"spam": false, "politics": false, "finance": false}
	for _, c := range verdict.Categories {
		if _, ok := want[c]; ok {
			want[c] = true
		}
	}
	for c, seen := range want {
		if !seen {
			t.Errorf("categories = %v, missing %q", verdict.Categories, c)
		}
	}
}

func TestModerateContentSwallowsModeratorErrors(t *testing.T) {
	e := NewEngine([]Moderator{
		&scriptedModerator{name: "broken", enabled: true, err: errors.New("backend down")},
		&scriptedModerator{name: "working", enabled: true, result: Result{Confidence: 0.9}},
	}, 0, nil)

	verdict := e.ModerateContent(context.Background(), "user-1", "anything")
	if !verdict.Approved {
		t.Error("a failing moderator must not fail the verdict")
	}
}

func TestModerateContentSkipsDisabledModerators(t *testing.T) {
	e := NewEngine([]Moderator{
		&scriptedModerator{name: "off", enabled: false, result: Result{
			Flags: []Flag{{Category: "x", Severity: SeverityCritical}},
		}},
	}, 0, nil)

	if verdict := e.ModerateContent(context.Background(), "user-1", "anything"); !verdict.Approved {
		t.Error("disabled moderator must not contribute flags")
	}
}

func TestUserHistoryRiskScore(t *testing.T) {
	e := NewEngine([]Moderator{NewProfanityModerator([]string{"slur"})}, 0, nil)

	e.ModerateContent(context.Background(), "user-1", "contains slur")
	e.ModerateContent(context.Background(), "user-1", "clean text")

	history, ok := e.UserHistory("user-1")
	if !ok {
		t.Fatal("history missing")
	}
	if history.Total != 2 || history.Blocked != 1 {
		t.Fatalf("history = %+v, want total 2 blocked 1", history)
	}
	// blockRate 0.5 * 1.0 + flagRate 0 * 0.5
	if history.RiskScore != 0.5 {
		t.Errorf("risk score = %.2f, want 0.5", history.RiskScore)
	}
}

func TestRecordRetentionBound(t *testing.T) {
	e := NewEngine(nil, 3, nil)

	for i := 0; i < 5; i++ {
		e.ModerateContent(context.Background(), "user-1", "ok")
	}
	records := e.UserRecords("user-1")
	if len(records) != 3 {
		t.Fatalf("records = %d, want retention bound of 3", len(records))
	}
	history, _ := e.UserHistory("user-1")
	if history.Total != 5 {
		t.Errorf("history total = %d, want 5 (counters outlive trimmed records)", history.Total)
	}
}

func TestRecordExcerptTruncated(t *testing.T) {
	e := NewEngine(nil, 0, nil)

	e.ModerateContent(context.Background(), "user-1", strings.Repeat("x", 500))
	records := e.UserRecords("user-1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if len(records[0].Excerpt) != excerptLength {
		t.Errorf("excerpt length = %d, want %d", len(records[0].Excerpt), excerptLength)
	}
}

func TestRecordExcerptKeepsRuneBoundaries(t *testing.T) {
	e := NewEngine(nil, 0, nil)

	// Byte 120 falls inside a two-byte rune here; truncation must back
	// off to the boundary.
	e.ModerateContent(context.Background(), "user-1", "a"+strings.Repeat("é", 200))
	records := e.UserRecords("user-1")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	excerpt := records[0].Excerpt
	if len(excerpt) > excerptLength {
		t.Fatalf("excerpt length = %d, want <= %d", len(excerpt), excerptLength)
	}
	if !utf8.ValidString(excerpt) {
		t.Fatalf("excerpt is not valid UTF-8: %q", excerpt)
	}
}

func TestGetStatsWindow(t *testing.T) {
	e := NewEngine([]Moderator{NewProfanityModerator([]string{"slur"})}, 0, nil)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e.SetNow(func() time.Time { return base })
	e.ModerateContent(context.Background(), "user-1", "clean")
	e.ModerateContent(context.Background(), "user-1", "has slur")

	e.SetNow(func() time.Time { return base.Add(48 * time.Hour) })
	e.ModerateContent(context.Background(), "user-2", "clean")

	stats := e.GetStats(base, base.Add(24*time.Hour))
	if stats.Total != 2 {
		t.Fatalf("total = %d, want 2 (range is half-open)", stats.Total)
	}
	if stats.Approved != 1 || stats.Blocked != 1 {
		t.Errorf("stats = %+v, want 1 approved / 1 blocked", stats)
	}
	if stats.CategoryCount["profanity"] != 1 {
		t.Errorf("category count = %v", stats.CategoryCount)
	}
}

func TestGenerateReport(t *testing.T) {
	e := NewEngine([]Moderator{
		NewBasicModerator(),
		NewProfanityModerator([]string{"slur"}),
	}, 0, nil)

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e.SetNow(func() time.Time { return base })
	e.ModerateContent(context.Background(), "user-1", "SHOUTING AT THE TOP OF MY LUNGS HERE")
	e.ModerateContent(context.Background(), "user-1", "clean text")

	e.SetNow(func() time.Time { return base.Add(24 * time.Hour) })
	e.ModerateContent(context.Background(), "user-2", "has slur")

	report := e.GenerateReport(base, base.Add(72*time.Hour))
	if report.Stats.Total != 3 {
		t.Fatalf("total = %d, want 3", report.Stats.Total)
	}
	if len(report.Trends) != 2 {
		t.Fatalf("trends = %d day buckets, want 2", len(report.Trends))
	}
	if !report.Trends[0].Day.Before(report.Trends[1].Day) {
		t.Error("trend buckets must be in chronological order")
	}
	if len(report.TopCategories) == 0 {
		t.Fatal("expected ranked categories")
	}

	// 1 flagged of 3 exceeds the 10% flag-rate threshold.
	found := false
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, "flag rate") {
			found = true
		}
	}
	if !found {
		t.Errorf("recommendations = %v, want a flag-rate entry", report.Recommendations)
	}
}

package moderation

import (
	"fmt"
	"sort"
	"time"
)

// Stats aggregates moderation outcomes over a time range.
type Stats struct {
	Total         int            `json:"total"`
	Approved      int            `json:"approved"`
	Flagged       int            `json:"flagged"`
	Blocked       int            `json:"blocked"`
	CategoryCount map[string]int `json:"category_count"`
}

// CategoryCount is one entry of a ranked category list.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// TrendPoint is one day bucket of moderation outcomes.
type TrendPoint struct {
	Day     time.Time `json:"day"`
	Total   int       `json:"total"`
	Flagged int       `json:"flagged"`
	Blocked int       `json:"blocked"`
}

// Report is the full reporting output: totals, ranked categories,
// day-bucketed trends, and heuristic recommendations.
type Report struct {
	From            time.Time       `json:"from"`
	To              time.Time       `json:"to"`
	Stats           Stats           `json:"stats"`
	TopCategories   []CategoryCount `json:"top_categories"`
	Trends          []TrendPoint    `json:"trends"`
	Recommendations []string        `json:"recommendations"`
}

// GetStats aggregates all users' records within [from, to).
func (e *Engine) GetStats(from, to time.Time) Stats {
	stats := Stats{CategoryCount: make(map[string]int)}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, entry := range e.users {
		for _, rec := range entry.records {
			if rec.Timestamp.Before(from) || !rec.Timestamp.Before(to) {
				continue
			}
			stats.Total++
			switch rec.Action {
			case ActionApproved:
				stats.Approved++
			case ActionFlagged:
				stats.Flagged++
			case ActionBlocked:
				stats.Blocked++
			}
			for _, cat := range rec.Verdict.Categories {
				stats.CategoryCount[cat]++
			}
		}
	}
	return stats
}

// GenerateReport builds a Report over [from, to): totals, the ranked
// category list, per-day trend buckets, and recommendations.
func (e *Engine) GenerateReport(from, to time.Time) Report {
	stats := e.GetStats(from, to)

	top := make([]CategoryCount, 0, len(stats.CategoryCount))
	for cat, n := range stats.CategoryCount {
		top = append(top, CategoryCount{Category: cat, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Category < top[j].Category
	})

	report := Report{
		From:          from,
		To:            to,
		Stats:         stats,
		TopCategories: top,
		Trends:        e.trends(from, to),
	}
	report.Recommendations = recommendations(stats)
	return report
}

func (e *Engine) trends(from, to time.Time) []TrendPoint {
	buckets := make(map[time.Time]*TrendPoint)

	e.mu.RLock()
	for _, entry := range e.users {
		for _, rec := range entry.records {
			if rec.Timestamp.Before(from) || !rec.Timestamp.Before(to) {
				continue
			}
			day := rec.Timestamp.UTC().Truncate(24 * time.Hour)
			point, ok := buckets[day]
			if !ok {
				point = &TrendPoint{Day: day}
				buckets[day] = point
			}
			point.Total++
			switch rec.Action {
			case ActionFlagged:
				point.Flagged++
			case ActionBlocked:
				point.Blocked++
			}
		}
	}
	e.mu.RUnlock()

	out := make([]TrendPoint, 0, len(buckets))
	for _, point := range buckets {
		out = append(out, *point)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

// recommendations derives heuristic guidance from aggregate rates.
func recommendations(stats Stats) []string {
	if stats.Total == 0 {
		return nil
	}

	var recs []string
	flagRate := float64(stats.Flagged) / float64(stats.Total)
	blockRate := float64(stats.Blocked) / float64(stats.Total)

	if flagRate > 0.10 {
		recs = append(recs, fmt.Sprintf(
			"flag rate %.1f%% exceeds 10%%: consider stricter filter rules", flagRate*100))
	}
	if blockRate > 0.05 {
		recs = append(recs, fmt.Sprintf(
			"block rate %.1f%% exceeds 5%%: review top categories for targeted rules", blockRate*100))
	}
	if flagRate == 0 && blockRate == 0 && stats.Total >= 100 {
		recs = append(recs, "no flags over a large sample: moderators may be under-sensitive")
	}
	return recs
}

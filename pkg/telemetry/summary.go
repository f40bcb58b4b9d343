package telemetry

import (
	"fmt"
	"sort"
	"time"
)

// SiteCount pairs a site with its block count.
type SiteCount struct {
	Site  string `json:"site" yaml:"site"`
	Count int    `json:"count" yaml:"count"`
}

// Summary is the derived view shown on the stats and blocked pages.
type Summary struct {
	BlockedAttempts   int         `json:"blockedAttempts" yaml:"blockedAttempts"`
	TimeSaved         int         `json:"timeSaved" yaml:"timeSaved"`
	TimeSavedText     string      `json:"timeSavedText" yaml:"timeSavedText"`
	PeakHour          int         `json:"peakHour" yaml:"peakHour"`
	PeakHourText      string      `json:"peakHourText" yaml:"peakHourText"`
	StreakDays        int         `json:"streakDays" yaml:"streakDays"`
	WeekBlocks        int         `json:"weekBlocks" yaml:"weekBlocks"`
	MostProductiveDay string      `json:"mostProductiveDay,omitempty" yaml:"mostProductiveDay,omitempty"`
	PeakDay           string      `json:"peakDay,omitempty" yaml:"peakDay,omitempty"`
	PeakDayText       string      `json:"peakDayText" yaml:"peakDayText"`
	TopSites          []SiteCount `json:"topSites" yaml:"topSites"`
	StudyStart        *time.Time  `json:"studyStart,omitempty" yaml:"studyStart,omitempty"`
	LastBlock         *time.Time  `json:"lastBlock,omitempty" yaml:"lastBlock,omitempty"`
}

// Summarize derives display values from state. PeakHour is -1 when no block
// has been recorded.
func Summarize(state State, topN int) Summary {
	summary := Summary{
		BlockedAttempts: state.DailyBlockedAttempts,
		TimeSaved:       state.TotalTimeSaved,
		TimeSavedText:   FormatMinutes(state.TotalTimeSaved),
		PeakHour:        -1,
		PeakHourText:    "--",
		PeakDayText:     "--",
		StreakDays:      len(state.WeeklyStats),
		TopSites:        []SiteCount{},
	}

	for hour, count := range state.HourlyAttempts {
		if summary.PeakHour < 0 || count > state.HourlyAttempts[summary.PeakHour] ||
			(count == state.HourlyAttempts[summary.PeakHour] && hour < summary.PeakHour) {
			summary.PeakHour = hour
		}
	}
	if summary.PeakHour >= 0 {
		summary.PeakHourText = FormatHour(summary.PeakHour)
	}

	fewest, most := -1, -1
	for day, count := range state.WeeklyStats {
		summary.WeekBlocks += count
		if fewest < 0 || count < fewest || (count == fewest && day < summary.MostProductiveDay) {
			fewest = count
			summary.MostProductiveDay = day
		}
		if count > most || (count == most && day < summary.PeakDay) {
			most = count
			summary.PeakDay = day
		}
	}
	if day, err := time.Parse(DateKeyLayout, summary.PeakDay); err == nil {
		summary.PeakDayText = day.Format("Mon")
	}

	for site, count := range state.BlockedSitesCount {
		summary.TopSites = append(summary.TopSites, SiteCount{Site: site, Count: count})
	}
	sort.Slice(summary.TopSites, func(i, j int) bool {
		a, b := summary.TopSites[i], summary.TopSites[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Site < b.Site
	})
	if topN > 0 && len(summary.TopSites) > topN {
		summary.TopSites = summary.TopSites[:topN]
	}

	if state.StudyStartTime > 0 {
		start := time.UnixMilli(state.StudyStartTime)
		summary.StudyStart = &start
	}
	if state.LastBlockTime > 0 {
		last := time.UnixMilli(state.LastBlockTime)
		summary.LastBlock = &last
	}
	return summary
}

// FormatMinutes renders minutes as "1h 5m", "5m" or "0m".
func FormatMinutes(minutes int) string {
	hours := minutes / 60
	rest := minutes % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, rest)
	}
	return fmt.Sprintf("%dm", rest)
}

// FormatHour renders an hour of day on a 12-hour clock, e.g. "9AM".
func FormatHour(hour int) string {
	h12 := hour % 12
	if h12 == 0 {
		h12 = 12
	}
	if hour < 12 {
		return fmt.Sprintf("%dAM", h12)
	}
	return fmt.Sprintf("%dPM", h12)
}

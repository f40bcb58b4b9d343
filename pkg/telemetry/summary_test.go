package telemetry

import "testing"

func TestFormatMinutes(t *testing.T) {
	tests := map[int]string{0: "0m", 5: "5m", 60: "1h 0m", 65: "1h 5m", 125: "2h 5m"}
	for in, want := range tests {
		if got := FormatMinutes(in); got != want {
			t.Errorf("FormatMinutes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatHour(t *testing.T) {
	tests := map[int]string{0: "12AM", 9: "9AM", 12: "12PM", 15: "3PM", 23: "11PM"}
	for in, want := range tests {
		if got := FormatHour(in); got != want {
			t.Errorf("FormatHour(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestSummarize(t *testing.T) {
	state := State{
		DailyBlockedAttempts: 7,
		HourlyAttempts:       map[int]int{9: 2, 15: 4, 21: 1},
		BlockedSitesCount:    map[string]int{"a.com": 1, "b.com": 5, "c.com": 1},
		WeeklyStats:          map[string]int{"2026-10-17": 3, "2026-10-18": 1, "2026-10-19": 3},
		TotalTimeSaved:       35,
	}
	s := Summarize(state, 2)

	if s.PeakHour != 15 || s.PeakHourText != "3PM" {
		t.Errorf("peak = %d %q", s.PeakHour, s.PeakHourText)
	}
	if s.StreakDays != 3 || s.WeekBlocks != 7 {
		t.Errorf("streak=%d week=%d", s.StreakDays, s.WeekBlocks)
	}
	if s.MostProductiveDay != "2026-10-18" {
		t.Errorf("most productive day = %q", s.MostProductiveDay)
	}
	if s.PeakDay != "2026-10-17" || s.PeakDayText != "Sat" {
		t.Errorf("peak day = %q %q", s.PeakDay, s.PeakDayText)
	}
	if len(s.TopSites) != 2 || s.TopSites[0].Site != "b.com" || s.TopSites[1].Site != "a.com" {
		t.Errorf("top sites = %v", s.TopSites)
	}
	if s.TimeSavedText != "35m" {
		t.Errorf("time saved text = %q", s.TimeSavedText)
	}
	if s.StudyStart != nil || s.LastBlock != nil {
		t.Error("expected nil timestamps when never set")
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(emptyState(), 5)
	if s.PeakHour != -1 || s.PeakHourText != "--" || s.MostProductiveDay != "" || s.PeakDayText != "--" {
		t.Errorf("unexpected empty summary %+v", s)
	}
}

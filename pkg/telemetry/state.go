// Package telemetry records study-mode block attempts.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"marshal/pkg/store"
)

// DateKeyLayout formats the keys of WeeklyStats.
const DateKeyLayout = "2006-01-02"

// State mirrors the persisted counters. Times are epoch milliseconds.
type State struct {
	DailyBlockedAttempts int            `json:"dailyBlockedAttempts" yaml:"dailyBlockedAttempts"`
	HourlyAttempts       map[int]int    `json:"hourlyAttempts" yaml:"hourlyAttempts"`
	BlockedSitesCount    map[string]int `json:"blockedSitesCount" yaml:"blockedSitesCount"`
	WeeklyStats          map[string]int `json:"weeklyStats" yaml:"weeklyStats"`
	TotalTimeSaved       int            `json:"totalTimeSaved" yaml:"totalTimeSaved"`
	LastBlockTime        int64          `json:"lastBlockTime" yaml:"lastBlockTime"`
	StudyStartTime       int64          `json:"studyStartTime" yaml:"studyStartTime"`
}

func emptyState() State {
	return State{
		HourlyAttempts:    make(map[int]int),
		BlockedSitesCount: make(map[string]int),
		WeeklyStats:       make(map[string]int),
	}
}

// Load reads the counters from kv. Missing keys read as zero values. A
// stored value that cannot be decoded reads as zero as well; the others are
// still returned together with the joined decode errors.
func Load(ctx context.Context, kv store.KV) (State, error) {
	state := emptyState()
	raw, err := kv.Get(ctx, store.TelemetryKeys...)
	if err != nil {
		return state, fmt.Errorf("read telemetry: %w", err)
	}

	var errs []error
	decode := func(key string, dst any) bool {
		ok, err := store.Decode(raw, key, dst)
		if err != nil {
			errs = append(errs, err)
			return false
		}
		return ok
	}

	var daily, saved int
	var lastBlock, studyStart int64
	var hourly map[int]int
	var sites, weekly map[string]int
	if decode(store.KeyDailyBlockedAttempts, &daily) {
		state.DailyBlockedAttempts = daily
	}
	if decode(store.KeyHourlyAttempts, &hourly) && hourly != nil {
		state.HourlyAttempts = hourly
	}
	if decode(store.KeyBlockedSitesCount, &sites) && sites != nil {
		state.BlockedSitesCount = sites
	}
	if decode(store.KeyWeeklyStats, &weekly) && weekly != nil {
		state.WeeklyStats = weekly
	}
	if decode(store.KeyTotalTimeSaved, &saved) {
		state.TotalTimeSaved = saved
	}
	if decode(store.KeyLastBlockTime, &lastBlock) {
		state.LastBlockTime = lastBlock
	}
	if decode(store.KeyStudyStartTime, &studyStart) {
		state.StudyStartTime = studyStart
	}
	return state, errors.Join(errs...)
}

func (s State) values() map[string]any {
	return map[string]any{
		store.KeyDailyBlockedAttempts: s.DailyBlockedAttempts,
		store.KeyHourlyAttempts:       s.HourlyAttempts,
		store.KeyBlockedSitesCount:    s.BlockedSitesCount,
		store.KeyWeeklyStats:          s.WeeklyStats,
		store.KeyTotalTimeSaved:       s.TotalTimeSaved,
		store.KeyLastBlockTime:        s.LastBlockTime,
		store.KeyStudyStartTime:       s.StudyStartTime,
	}
}

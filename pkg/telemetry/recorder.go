package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marshal/pkg/store"
)

// DefaultTimeSavedPerBlock is the estimated minutes saved by one block.
const DefaultTimeSavedPerBlock = 5

// Options configures a Recorder.
type Options struct {
	TimeSavedPerBlock int
	// RetentionDays > 0 drops WeeklyStats entries older than the window.
	RetentionDays  int
	BlockedLogPath string
	Log            *slog.Logger
	Now            func() time.Time
}

// Recorder updates block counters. Updates are serialised so concurrent
// block events never lose increments.
type Recorder struct {
	mu            sync.Mutex
	kv            store.KV
	timeSaved     int
	retentionDays int
	log           *slog.Logger
	blockedLogger *blockedLogger
	now           func() time.Time
}

// NewRecorder constructs a Recorder writing to kv.
func NewRecorder(kv store.KV, opts Options) *Recorder {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeSaved := opts.TimeSavedPerBlock
	if timeSaved <= 0 {
		timeSaved = DefaultTimeSavedPerBlock
	}
	return &Recorder{
		kv:            kv,
		timeSaved:     timeSaved,
		retentionDays: opts.RetentionDays,
		log:           log,
		blockedLogger: newBlockedLogger(opts.BlockedLogPath, log),
		now:           now,
	}
}

// Record counts one block of site. via names the path that enforced it.
// Storage failures are logged and dropped.
func (r *Recorder) Record(ctx context.Context, site, client, via string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	state, err := Load(ctx, r.kv)
	if err != nil {
		r.log.Warn("unreadable telemetry values, counting them from zero", "error", err)
	}

	state.DailyBlockedAttempts++
	state.HourlyAttempts[now.Hour()]++
	state.BlockedSitesCount[site]++
	state.WeeklyStats[now.Format(DateKeyLayout)]++
	state.TotalTimeSaved += r.timeSaved
	state.LastBlockTime = now.UnixMilli()
	r.prune(&state, now)

	if err := store.SetJSON(ctx, r.kv, state.values()); err != nil {
		r.log.Warn("failed to write telemetry", "site", site, "error", err)
	}
	r.blockedLogger.Log(now, site, client, via)
	r.log.Debug("recorded block attempt", "site", site, "via", via, "daily", state.DailyBlockedAttempts)
}

// Reset zeroes every counter and records the start of a study session.
func (r *Recorder) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := emptyState()
	state.StudyStartTime = r.now().UnixMilli()
	return store.SetJSON(ctx, r.kv, state.values())
}

// Snapshot returns the current counters.
func (r *Recorder) Snapshot(ctx context.Context) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Load(ctx, r.kv)
}

// Close releases the blocked log file.
func (r *Recorder) Close() error {
	return r.blockedLogger.Close()
}

func (r *Recorder) prune(state *State, now time.Time) {
	if r.retentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -r.retentionDays).Format(DateKeyLayout)
	for day := range state.WeeklyStats {
		if day < cutoff {
			delete(state.WeeklyStats, day)
		}
	}
}

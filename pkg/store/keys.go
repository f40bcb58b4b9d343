package store

// Keys shared by the daemon and its clients.
const (
	KeyStudyModeActive      = "studyModeActive"
	KeyCustomBlockedSites   = "customBlockedSites"
	KeyDisabledDefaultSites = "disabledDefaultSites"
	KeyDisabledCustomSites  = "disabledCustomSites"

	KeyDailyBlockedAttempts = "dailyBlockedAttempts"
	KeyHourlyAttempts       = "hourlyAttempts"
	KeyBlockedSitesCount    = "blockedSitesCount"
	KeyWeeklyStats          = "weeklyStats"
	KeyTotalTimeSaved       = "totalTimeSaved"
	KeyLastBlockTime        = "lastBlockTime"
	KeyStudyStartTime       = "studyStartTime"
)

// TelemetryKeys lists every key owned by block telemetry.
var TelemetryKeys = []string{
	KeyDailyBlockedAttempts,
	KeyHourlyAttempts,
	KeyBlockedSitesCount,
	KeyWeeklyStats,
	KeyTotalTimeSaved,
	KeyLastBlockTime,
	KeyStudyStartTime,
}

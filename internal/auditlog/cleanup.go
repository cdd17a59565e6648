package auditlog

import "time"

// Store-independent limits shared by the backends.
const (
	// CleanupInterval is how often the cleanup goroutine deletes old entries.
	CleanupInterval = 1 * time.Hour

	// BatchFlushThreshold is the number of entries that triggers an immediate flush.
	BatchFlushThreshold = 100
)

// RunCleanupLoop runs cleanupFn immediately and then every CleanupInterval until stop is closed.
func RunCleanupLoop(stop <-chan struct{}, cleanupFn func()) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	cleanupFn()

	for {
		select {
		case <-ticker.C:
			cleanupFn()
		case <-stop:
			return
		}
	}
}

// retentionCutoff returns the oldest timestamp kept for the given retention.
func retentionCutoff(now time.Time, retentionDays int) time.Time {
	return now.AddDate(0, 0, -retentionDays).UTC()
}

package metrics

import "mediaserver/internal/download"

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics(slots int) {
	DownloadSlots.Set(float64(slots))

	for _, placement := range []string{"slot", "queue"} {
		DownloadsSubmittedTotal.WithLabelValues(placement)
	}
	for _, o := range []download.Outcome{download.OutcomeCompleted, download.OutcomeFailed, download.OutcomeCancelled} {
		DownloadsFinishedTotal.WithLabelValues(string(o))
		DownloadDuration.WithLabelValues(string(o))
	}
	for _, status := range []string{"success", "error"} {
		HistoryWritesTotal.WithLabelValues(status)
	}
	for _, result := range []string{"hit", "miss"} {
		ScanCacheLookupsTotal.WithLabelValues(result)
	}
}

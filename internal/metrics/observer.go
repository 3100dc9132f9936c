package metrics

import (
	"time"

	"mediaserver/internal/download"
)

// downloadObserver implements download.Observer using the Prometheus
// metrics declared in this package.
type downloadObserver struct{}

// NewDownloadObserver creates an observer that records engine events into
// the gauges and counters declared in metrics.go.
func NewDownloadObserver() download.Observer {
	return &downloadObserver{}
}

func (o *downloadObserver) DownloadSubmitted(queued bool) {
	placement := "slot"
	if queued {
		placement = "queue"
	}
	DownloadsSubmittedTotal.WithLabelValues(placement).Inc()
}

func (o *downloadObserver) SlotsChanged(busy, queued int) {
	DownloadSlotsBusy.Set(float64(busy))
	DownloadQueueDepth.Set(float64(queued))
}

func (o *downloadObserver) BytesReceived(n int) {
	DownloadBytesTotal.Add(float64(n))
}

func (o *downloadObserver) DownloadFinished(outcome download.Outcome, duration time.Duration) {
	DownloadsFinishedTotal.WithLabelValues(string(outcome)).Inc()
	if duration > 0 {
		DownloadDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaserver_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaserver_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaserver_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaserver_websocket_clients",
			Help: "Number of connected progress websocket clients",
		},
	)
)

// Download engine metrics
var (
	DownloadSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaserver_download_slots",
			Help: "Size of the download slot pool",
		},
	)

	DownloadSlotsBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaserver_download_slots_busy",
			Help: "Number of slots currently running a transfer",
		},
	)

	DownloadQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaserver_download_queue_depth",
			Help: "Number of downloads waiting for a slot",
		},
	)

	DownloadsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaserver_downloads_submitted_total",
			Help: "Total number of accepted download requests",
		},
		[]string{"placement"}, // "slot", "queue"
	)

	DownloadsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaserver_downloads_finished_total",
			Help: "Total number of downloads that left the engine",
		},
		[]string{"outcome"},
	)

	DownloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaserver_download_bytes_total",
			Help: "Total number of bytes written to destination files",
		},
	)

	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediaserver_download_duration_seconds",
			Help:    "Time from slot placement to finish for transfers that ran",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"outcome"},
	)
)

// History journal metrics
var (
	HistoryWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaserver_history_writes_total",
			Help: "Total number of finished-download journal writes",
		},
		[]string{"status"},
	)
)

// Scan folder metrics
var (
	ScanCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaserver_scan_cache_lookups_total",
			Help: "Link extraction cache lookups",
		},
		[]string{"result"}, // "hit", "miss"
	)
)

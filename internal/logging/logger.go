package logging

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	// Logger is the global structured logger instance
	Logger *slog.Logger
)

// Init initializes the global structured logger
func Init(level slog.Level) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Format time as ISO8601
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactURL removes secrets from URL logs while retaining debugging value.
// It strips userinfo and masks query parameter values.
func RedactURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}

	parsed.User = nil

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			query.Set(key, "***")
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// LogDownloadSubmitted logs admission of a download into a slot or the queue
func LogDownloadSubmitted(downloadID, url, path string, queued bool) {
	if Logger == nil {
		return
	}
	Logger.Info("download submitted",
		"event", "download_submitted",
		"download_id", downloadID,
		"url", RedactURL(url),
		"path", path,
		"queued", queued)
}

// LogDownloadStart logs the start of a transfer once headers are known.
// total is -1 when the server did not send a content length.
func LogDownloadStart(downloadID, url string, slot int, total int64) {
	if Logger == nil {
		return
	}
	Logger.Info("download started",
		"event", "download_start",
		"download_id", downloadID,
		"slot", slot,
		"total_bytes", total,
		"url", RedactURL(url))
}

// LogDownloadComplete logs successful download completion
func LogDownloadComplete(downloadID, path string, bytes int64, duration time.Duration) {
	if Logger == nil {
		return
	}
	Logger.Info("download complete",
		"event", "download_complete",
		"download_id", downloadID,
		"path", path,
		"bytes", bytes,
		"duration_ms", duration.Milliseconds())
}

// LogDownloadCancelled logs a cancellation, queued or mid-transfer
func LogDownloadCancelled(downloadID string, running bool, bytes int64) {
	if Logger == nil {
		return
	}
	Logger.Info("download cancelled",
		"event", "download_cancelled",
		"download_id", downloadID,
		"running", running,
		"bytes", bytes)
}

// LogDownloadError logs download failures
func LogDownloadError(downloadID, msg string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error(msg,
		"event", "download_error",
		"download_id", downloadID,
		"error", err)
}

// LogSlotPromoted logs a queued download taking over a freed slot
func LogSlotPromoted(downloadID string, slot int, remaining int) {
	if Logger == nil {
		return
	}
	Logger.Info("queued download promoted",
		"event", "slot_promoted",
		"download_id", downloadID,
		"slot", slot,
		"queue_remaining", remaining)
}

// LogCleanupError logs a failed removal of a partial file
func LogCleanupError(downloadID, path string, err error) {
	if Logger == nil {
		return
	}
	Logger.Warn("partial file cleanup failed",
		"event", "cleanup_error",
		"download_id", downloadID,
		"path", path,
		"error", err)
}

// LogHistoryWrite logs journal writes; failures are errors, successes debug
func LogHistoryWrite(downloadID, outcome string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("history write failed",
			"event", "history_write_error",
			"download_id", downloadID,
			"outcome", outcome,
			"error", err)
		return
	}
	Logger.Debug("history written",
		"event", "history_write",
		"download_id", downloadID,
		"outcome", outcome)
}

// LogScanLinks logs link extraction from a scan file
func LogScanLinks(file string, links int, cached bool) {
	if Logger == nil {
		return
	}
	Logger.Info("scan file read",
		"event", "scan_links",
		"file", file,
		"links", links,
		"cached", cached)
}

// LogWebsocket logs progress websocket connects and disconnects
func LogWebsocket(remoteAddr, state string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("websocket "+state,
			"event", "websocket",
			"remote_addr", remoteAddr,
			"state", state,
			"error", err)
		return
	}
	Logger.Debug("websocket "+state,
		"event", "websocket",
		"remote_addr", remoteAddr,
		"state", state)
}

// LogHTTPRequest logs HTTP request handling
func LogHTTPRequest(method, path, remoteAddr string, duration time.Duration, status int, responseBytes int) {
	if Logger == nil {
		return
	}
	Logger.Info("http request",
		"event", "http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"duration_ms", duration.Milliseconds(),
		"status", status,
		"response_bytes", responseBytes)
}

// LogServerStart logs server startup
func LogServerStart(addr string, config map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "server_start",
		"addr", addr,
	}
	for k, v := range config {
		attrs = append(attrs, k, v)
	}
	Logger.Info("server started", attrs...)
}

// LogServerShutdown logs server shutdown events
func LogServerShutdown(msg string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error(msg,
			"event", "server_shutdown_error",
			"error", err)
	} else {
		Logger.Info(msg,
			"event", "server_shutdown")
	}
}

// With returns a logger with additional context
func With(ctx context.Context, attrs ...any) *slog.Logger {
	if Logger == nil {
		return slog.Default()
	}
	return Logger.With(attrs...)
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediaserver/internal/config"
	"mediaserver/internal/download"
	"mediaserver/internal/files"
	"mediaserver/internal/logging"
	"mediaserver/internal/metrics"
	"mediaserver/internal/scan"
	"mediaserver/internal/server"
	"mediaserver/internal/store"
)

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		log.Fatalf("load env files: %v", err)
	}
	cfg := config.New()
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := parseFlags(cfg, flag.CommandLine, os.Args[1:]); err != nil {
		log.Fatalf("flags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ResolveDirs(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := os.MkdirAll(cfg.AbsDownloadDir, 0o755); err != nil {
		log.Fatalf("create download dir: %v", err)
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel))
	metrics.InitializeMetrics(cfg.Slots)

	// The journal lives in memory and disappears with the process.
	st, err := store.Open("", cfg.HistoryLimit)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}

	root, err := files.NewRoot(cfg.AbsDownloadDir)
	if err != nil {
		log.Fatalf("download root: %v", err)
	}
	scanner, err := scan.New(cfg.AbsScanDir, scan.DefaultCacheSize)
	if err != nil {
		log.Fatalf("scan folder: %v", err)
	}

	mgr := download.NewManagerWithOptions(root, cfg.Slots, download.ManagerOptions{
		Hooks:    &journalHooks{st: st, timeout: 2 * time.Second},
		Observer: metrics.NewDownloadObserver(),
	})

	api := server.New(mgr, server.Options{
		History:          st,
		Scanner:          scanner,
		Files:            root,
		ProgressInterval: cfg.ProgressInterval,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // websocket progress streams stay open
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logging.LogServerStart(cfg.Addr, cfg.Summary())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()
	logging.LogServerShutdown("shutdown signal received; draining", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Stop taking new jobs, then cancel in-flight transfers
	mgr.StopAccepting()
	api.Close()
	if err := srv.Shutdown(ctx); err != nil {
		logging.LogServerShutdown("http shutdown", err)
	}
	mgr.Shutdown()
	// Close store after manager shutdown so the last results are journaled
	if err := st.Close(); err != nil {
		logging.LogServerShutdown("close journal", err)
	}
	logging.LogServerShutdown("shutdown complete", nil)
}

// parseFlags overrides cfg with command-line flags. Defaults are the values
// already in cfg, so flags win over the environment.
func parseFlags(cfg *config.Config, fs *flag.FlagSet, args []string) error {
	fs.StringVar(&cfg.DownloadDir, "download-dir", cfg.DownloadDir, "Root directory for downloads (required)")
	fs.StringVar(&cfg.ScanDir, "scan-dir", cfg.ScanDir, "Folder of saved index pages to extract links from")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Server port")
	fs.IntVar(&cfg.Slots, "slots", cfg.Slots, "Number of concurrent transfers")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "Finished downloads kept in the journal")
	fs.DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Websocket progress push interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	return fs.Parse(args)
}

// journalHooks records every finished download in the journal.
type journalHooks struct {
	st      *store.Store
	timeout time.Duration
}

func (h *journalHooks) OnFinished(res download.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	_, err := h.st.Record(ctx, entryFromResult(res))
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.HistoryWritesTotal.WithLabelValues(status).Inc()
	logging.LogHistoryWrite(res.Record.ID.String(), string(res.Outcome), err)
}

func entryFromResult(res download.Result) store.Entry {
	e := store.Entry{
		ID:              res.Record.ID.String(),
		URL:             res.Record.URL,
		Path:            res.Record.Path,
		Outcome:         string(res.Outcome),
		BytesDownloaded: res.Record.BytesDownloaded,
		TotalBytes:      res.Record.TotalBytes,
		FinishedAt:      res.Finished,
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	if !res.Started.IsZero() {
		started := res.Started
		e.StartedAt = &started
	}
	return e
}

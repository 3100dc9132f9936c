package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrDownloadDirRequired is returned by Validate when no download root is configured.
// The engine cannot confine destination paths without one, so startup must abort.
var ErrDownloadDirRequired = errors.New("download directory not configured (set DOWNLOAD_FOLDER or --download-dir)")

// Config holds all configuration for the mediaserver application
type Config struct {
	// Server configuration
	Host string
	Port int
	Addr string // computed from Host:Port

	// File system
	DownloadDir    string // user-provided
	AbsDownloadDir string // resolved/absolute path
	ScanDir        string // optional; scan endpoints are disabled when empty
	AbsScanDir     string

	// Download behavior
	Slots            int           // concurrent transfers
	HistoryLimit     int           // finished-journal rows kept in memory
	ProgressInterval time.Duration // websocket push interval

	// Logging
	LogLevel string // debug|info|warn|error

	// Validation & computed
	Version   string    // app version
	StartTime time.Time // when the app started
}

// New creates a Config with default values
func New() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             23559,
		Slots:            4,
		HistoryLimit:     500,
		ProgressInterval: time.Second,
		LogLevel:         "info",
		StartTime:        time.Now(),
		Version:          "1.0.0",
	}
}

// LoadEnvFiles loads .env and then .env.local (which overrides) from the
// working directory. Missing files are not an error.
func LoadEnvFiles() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Overload(".env.local"); err != nil {
			return fmt.Errorf("failed to load .env.local: %w", err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from environment variables that are set.
// Malformed numeric or duration values are reported instead of silently ignored.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DOWNLOAD_FOLDER"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("SCAN_FOLDER"); v != "" {
		c.ScanDir = v
	}
	if v := os.Getenv("ADDR"); v != "" {
		host, portStr, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("invalid ADDR %q: %w", v, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid ADDR port %q: %w", portStr, err)
		}
		c.Host, c.Port = host, port
	}
	if v := os.Getenv("DOWNLOAD_SLOTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DOWNLOAD_SLOTS %q: %w", v, err)
		}
		c.Slots = n
	}
	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HISTORY_LIMIT %q: %w", v, err)
		}
		c.HistoryLimit = n
	}
	if v := os.Getenv("PROGRESS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid PROGRESS_INTERVAL %q: %w", v, err)
		}
		c.ProgressInterval = d
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DownloadDir) == "" {
		return ErrDownloadDirRequired
	}

	// Validate port range
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	if c.Slots < 1 {
		c.Slots = 4
	}
	if c.HistoryLimit < 1 {
		c.HistoryLimit = 500
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	c.LogLevel = strings.ToLower(c.LogLevel)
	valid := false
	for _, level := range validLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}

	// Compute address
	c.Addr = c.ComputeAddr()

	return nil
}

// ResolveDirs expands ~ and resolves the download and scan directories to
// absolute paths. The scan directory stays empty when not configured.
func (c *Config) ResolveDirs() error {
	abs, err := resolvePath(c.DownloadDir)
	if err != nil {
		return err
	}
	c.AbsDownloadDir = abs

	if c.ScanDir == "" {
		c.AbsScanDir = ""
		return nil
	}
	abs, err = resolvePath(c.ScanDir)
	if err != nil {
		return err
	}
	c.AbsScanDir = abs
	return nil
}

func resolvePath(p string) (string, error) {
	if strings.HasPrefix(p, "~/") || p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", p, err)
	}
	return abs, nil
}

// ComputeAddr returns the full server address as host:port
func (c *Config) ComputeAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String returns a pretty-printed representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf(`Config{
  Server:
    Host: %s
    Port: %d
    Addr: %s
  Files:
    DownloadDir: %s (resolved: %s)
    ScanDir: %s (resolved: %s)
  Download:
    Slots: %d
    HistoryLimit: %d
    ProgressInterval: %s
  Logging:
    LogLevel: %s
  Meta:
    Version: %s
    StartTime: %s
}`, c.Host, c.Port, c.Addr,
		c.DownloadDir, c.AbsDownloadDir,
		c.ScanDir, c.AbsScanDir,
		c.Slots, c.HistoryLimit, c.ProgressInterval,
		c.LogLevel,
		c.Version, c.StartTime.Format(time.RFC3339))
}

// Summary returns a one-line summary of key configuration
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"addr":          c.Addr,
		"download_dir":  c.AbsDownloadDir,
		"scan_dir":      c.AbsScanDir,
		"slots":         c.Slots,
		"history_limit": c.HistoryLimit,
		"log_level":     c.LogLevel,
		"version":       c.Version,
	}
}

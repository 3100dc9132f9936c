// Package scan reads saved index pages from the scan folder and pulls
// download links out of them.
package scan

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"mediaserver/internal/files"
	"mediaserver/internal/logging"
	"mediaserver/internal/metrics"
)

// ErrNotConfigured is returned when no scan folder was configured.
var ErrNotConfigured = errors.New("scan_folder_not_configured")

var linkPattern = regexp.MustCompile(`https://[A-Za-z0-9]+?\.hi10an[^>";]*`)

const streamPrefix = "https://stream."

// DefaultCacheSize is the number of extracted files kept in memory.
const DefaultCacheSize = 64

// ExtractLinks returns the sorted, de-duplicated download links found in
// content. Streaming-host links are skipped.
func ExtractLinks(content []byte) []string {
	matches := linkPattern.FindAll(content, -1)
	seen := make(map[string]struct{}, len(matches))
	links := make([]string, 0, len(matches))
	for _, m := range matches {
		link := string(m)
		if strings.HasPrefix(link, streamPrefix) {
			continue
		}
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	sort.Strings(links)
	return links
}

type cacheKey struct {
	path    string
	size    int64
	modTime time.Time
}

// Scanner lists scan files and extracts their links, remembering results
// until the file changes.
type Scanner struct {
	root  *files.Root
	cache *lru.Cache[cacheKey, []string]
}

// New returns a Scanner for dir. An empty dir gives a Scanner whose methods
// return ErrNotConfigured.
func New(dir string, cacheSize int) (*Scanner, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, []string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create scan cache: %w", err)
	}
	s := &Scanner{cache: cache}
	if dir != "" {
		root, err := files.NewRoot(dir)
		if err != nil {
			return nil, err
		}
		s.root = root
	}
	return s, nil
}

// Files returns the names of regular files in the scan folder.
func (s *Scanner) Files() ([]string, error) {
	if s.root == nil {
		return nil, ErrNotConfigured
	}
	return s.root.ListFiles("")
}

// Links returns the links found in the named scan file.
func (s *Scanner) Links(name string) ([]string, error) {
	if s.root == nil {
		return nil, ErrNotConfigured
	}
	path, err := s.root.Resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", name)
	}
	key := cacheKey{path: path, size: info.Size(), modTime: info.ModTime()}
	if links, ok := s.cache.Get(key); ok {
		metrics.ScanCacheLookupsTotal.WithLabelValues("hit").Inc()
		logging.LogScanLinks(name, len(links), true)
		return append([]string(nil), links...), nil
	}
	metrics.ScanCacheLookupsTotal.WithLabelValues("miss").Inc()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	links := ExtractLinks(content)
	s.cache.Add(key, links)
	logging.LogScanLinks(name, len(links), false)
	return append([]string(nil), links...), nil
}

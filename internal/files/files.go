// Package files confines caller-supplied paths under a configured root and
// provides the filesystem operations the download engine needs.
package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrEmptyPath is returned when a path sanitizes down to nothing.
var ErrEmptyPath = errors.New("empty_path")

// Sanitize drops parent-directory, current-directory, root and volume
// components from p and returns what remains as a relative path. Both '/'
// and '\' are treated as separators so Windows-style input cannot smuggle a
// ".." past the filter.
func Sanitize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	parts := strings.Split(p, "/")
	kept := make([]string, 0, len(parts))
	for i, part := range parts {
		switch {
		case part == "", part == ".", part == "..":
			continue
		case i == 0 && filepath.VolumeName(part) != "":
			continue
		}
		kept = append(kept, part)
	}
	return filepath.Join(kept...)
}

// Root is a directory that every resolved path stays under.
type Root struct {
	dir string
}

// NewRoot returns a Root for dir, which is made absolute.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", dir, err)
	}
	return &Root{dir: abs}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string { return r.dir }

// Resolve sanitizes rel and joins it onto the root.
func (r *Root) Resolve(rel string) (string, error) {
	clean := Sanitize(rel)
	if clean == "" {
		return "", ErrEmptyPath
	}
	return filepath.Join(r.dir, clean), nil
}

// Rel returns path relative to the root, for display.
func (r *Root) Rel(path string) string {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// Contains reports whether path is the root or lies beneath it.
func (r *Root) Contains(path string) bool {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Create makes the parent directories of path and opens it truncated for writing.
func (r *Root) Create(path string) (io.WriteCloser, error) {
	if !r.Contains(path) {
		return nil, fmt.Errorf("create %s: outside root %s", path, r.dir)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return f, nil
}

// Remove deletes path. A file that is already gone is not an error.
func (r *Root) Remove(path string) error {
	if !r.Contains(path) {
		return fmt.Errorf("remove %s: outside root %s", path, r.dir)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ListFiles returns the sorted names of regular files directly inside the
// sanitized subdirectory sub. An empty sub lists the root itself.
func (r *Root) ListFiles(sub string) ([]string, error) {
	dir := r.dir
	if clean := Sanitize(sub); clean != "" {
		dir = filepath.Join(r.dir, clean)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

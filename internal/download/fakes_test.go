package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"mediaserver/internal/files"
)

// stream is a response body the test feeds chunk by chunk.
type stream struct {
	chunks    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	finOnce   sync.Once
}

func newStream() *stream {
	return &stream{chunks: make(chan []byte), closed: make(chan struct{})}
}

// send hands one chunk to the reading task. It returns false if the task
// closed the body without reading it.
func (s *stream) send(t *testing.T, b string) bool {
	t.Helper()
	select {
	case s.chunks <- []byte(b):
		return true
	case <-s.closed:
		return false
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out sending chunk %q", b)
		return false
	}
}

// finish ends the body with EOF.
func (s *stream) finish() { s.finOnce.Do(func() { close(s.chunks) }) }

type streamBody struct {
	ctx context.Context
	s   *stream
}

func (b *streamBody) Read(p []byte) (int, error) {
	select {
	case c, ok := <-b.s.chunks:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, c), nil
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	}
}

func (b *streamBody) Close() error {
	b.s.closeOnce.Do(func() { close(b.s.closed) })
	return nil
}

// fakeFetcher serves controllable streams keyed by URL, static bodies, or errors.
type fakeFetcher struct {
	mu      sync.Mutex
	streams map[string]*stream
	static  map[string][]byte
	errs    map[string]error
	size    int64 // reported for streams; -1 means unknown
	calls   []string
}

func newFakeFetcher(size int64) *fakeFetcher {
	return &fakeFetcher{
		streams: make(map[string]*stream),
		static:  make(map[string][]byte),
		errs:    make(map[string]error),
		size:    size,
	}
}

func (f *fakeFetcher) stream(url string) *stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[url]
	if !ok {
		s = newStream()
		f.streams[url] = s
	}
	return s
}

func (f *fakeFetcher) Get(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	err := f.errs[url]
	body, isStatic := f.static[url]
	f.mu.Unlock()
	if err != nil {
		return nil, -1, err
	}
	if isStatic {
		return io.NopCloser(bytes.NewReader(body)), int64(len(body)), nil
	}
	return &streamBody{ctx: ctx, s: f.stream(url)}, f.size, nil
}

func (f *fakeFetcher) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// recorder collects finished results.
type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) OnFinished(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *recorder) get(id uuid.UUID) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if res.Record.ID == id {
			return res, true
		}
	}
	return Result{}, false
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// failingFS wraps a Root and fails Create or Remove on demand.
type failingFS struct {
	*files.Root
	createErr error
	removeErr error
}

func (f *failingFS) Create(path string) (io.WriteCloser, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.Root.Create(path)
}

func (f *failingFS) Remove(path string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	return f.Root.Remove(path)
}

type harness struct {
	m       *Manager
	root    *files.Root
	fetcher *fakeFetcher
	rec     *recorder
}

func newHarness(t *testing.T, slots int, size int64) *harness {
	t.Helper()
	root, err := files.NewRoot(t.TempDir())
	require.NoError(t, err)
	h := &harness{root: root, fetcher: newFakeFetcher(size), rec: &recorder{}}
	h.m = NewManagerWithOptions(root, slots, ManagerOptions{Fetcher: h.fetcher, Hooks: h.rec})
	t.Cleanup(h.m.Shutdown)
	return h
}

func (h *harness) submit(t *testing.T, name string) Record {
	t.Helper()
	rec, err := h.m.Submit("http://source.test/"+name, name+".bin", "")
	require.NoError(t, err)
	return rec
}

func (h *harness) path(name string) string {
	return filepath.Join(h.root.Dir(), name+".bin")
}

func ids(recs []Record) []uuid.UUID {
	out := make([]uuid.UUID, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

// waitListing polls until the active and queued id sets match.
func waitListing(t *testing.T, m *Manager, active, queued []uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool {
		l := m.List()
		return sameSet(ids(l.Active), active) && equalIDs(ids(l.Queued), queued)
	}, 5*time.Second, 5*time.Millisecond, "want active=%v queued=%v, got %+v", active, queued, m.List())
}

func sameSet(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uuid.UUID]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		seen[id]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

func equalIDs(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

// gatedFetcher holds every request until release is closed.
type gatedFetcher struct {
	*fakeFetcher
	release chan struct{}
}

func (g *gatedFetcher) Get(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, -1, ctx.Err()
	}
	return g.fakeFetcher.Get(ctx, url)
}

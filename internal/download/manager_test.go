package download

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaserver/internal/files"
)

func TestSubmit_FillsFreeSlotsFirst(t *testing.T) {
	const slots = 3
	h := newHarness(t, slots, -1)

	var wg sync.WaitGroup
	recs := make([]Record, slots)
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := h.m.Submit(fmt.Sprintf("http://source.test/%d", i), fmt.Sprintf("f%d", i), "")
			assert.NoError(t, err)
			recs[i] = rec
		}(i)
	}
	wg.Wait()

	for _, rec := range recs {
		assert.Equal(t, StatusRunning, rec.Status)
	}
	l := h.m.List()
	assert.Len(t, l.Active, slots)
	assert.Empty(t, l.Queued)

	extra := h.submit(t, "extra")
	assert.Equal(t, StatusCreated, extra.Status)
	l = h.m.List()
	assert.Len(t, l.Active, slots)
	require.Len(t, l.Queued, 1)
	assert.Equal(t, extra.ID, l.Queued[0].ID)
}

// Pool of two: A and B run, C and D wait. Cancelling B promotes C, and A
// completing promotes D.
func TestScenario_CancelThenCompletePromotesInOrder(t *testing.T) {
	h := newHarness(t, 2, -1)

	a := h.submit(t, "a")
	b := h.submit(t, "b")
	c := h.submit(t, "c")
	d := h.submit(t, "d")

	assert.Equal(t, StatusRunning, a.Status)
	assert.Equal(t, StatusRunning, b.Status)
	assert.Equal(t, StatusCreated, c.Status)
	assert.Equal(t, StatusCreated, d.Status)
	waitListing(t, h.m, []uuid.UUID{a.ID, b.ID}, []uuid.UUID{c.ID, d.ID})

	// Let B get into its streaming loop before cancelling it.
	require.Eventually(t, func() bool { return fileExists(h.path("b")) }, 5*time.Second, 5*time.Millisecond)
	h.m.Cancel(b.ID)
	got, ok := h.m.Get(b.ID)
	if ok {
		assert.Equal(t, StatusCancelled, got.Status)
	}
	// Cancellation is observed at the next chunk boundary.
	h.fetcher.stream("http://source.test/b").send(t, "partial")

	waitListing(t, h.m, []uuid.UUID{a.ID, c.ID}, []uuid.UUID{d.ID})
	require.Eventually(t, func() bool { return !fileExists(h.path("b")) }, 5*time.Second, 5*time.Millisecond)
	_, ok = h.m.Get(b.ID)
	assert.False(t, ok)

	sa := h.fetcher.stream("http://source.test/a")
	sa.send(t, "hello")
	sa.finish()

	waitListing(t, h.m, []uuid.UUID{c.ID, d.ID}, nil)
	_, ok = h.m.Get(a.ID)
	assert.False(t, ok)

	data, err := os.ReadFile(h.path("a"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	res, ok := h.rec.get(a.ID)
	require.True(t, ok)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, int64(5), res.Record.BytesDownloaded)
	res, ok = h.rec.get(b.ID)
	require.True(t, ok)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
}

func TestCancel_QueuedIsNeverPromoted(t *testing.T) {
	h := newHarness(t, 1, -1)

	a := h.submit(t, "a")
	b := h.submit(t, "b")
	c := h.submit(t, "c")

	h.m.Cancel(b.ID)
	_, ok := h.m.Get(b.ID)
	assert.False(t, ok)
	res, ok := h.rec.get(b.ID)
	require.True(t, ok)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.True(t, res.Started.IsZero())

	h.fetcher.stream("http://source.test/a").finish()
	waitListing(t, h.m, []uuid.UUID{c.ID}, nil)

	h.fetcher.stream("http://source.test/c").finish()
	waitListing(t, h.m, nil, nil)

	assert.NotContains(t, h.fetcher.requested(), "http://source.test/b")
	assert.False(t, fileExists(h.path("b")))
	_, ok = h.rec.get(a.ID)
	assert.True(t, ok)
}

func TestCancel_RunningRemovesPartialFile(t *testing.T) {
	h := newHarness(t, 1, 100)

	a := h.submit(t, "a")
	s := h.fetcher.stream("http://source.test/a")
	s.send(t, "first")
	require.Eventually(t, func() bool {
		got, ok := h.m.Get(a.ID)
		return ok && got.BytesDownloaded == 5
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, fileExists(h.path("a")))

	h.m.Cancel(a.ID)
	h.m.Cancel(a.ID) // idempotent
	s.send(t, "second")

	waitListing(t, h.m, nil, nil)
	assert.False(t, fileExists(h.path("a")))
	res, ok := h.rec.get(a.ID)
	require.True(t, ok)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.NoError(t, res.Err)
}

func TestCancel_UnknownIsNoop(t *testing.T) {
	h := newHarness(t, 1, -1)
	a := h.submit(t, "a")

	h.m.Cancel(uuid.New())

	got, ok := h.m.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Zero(t, h.rec.len())
}

func TestCancel_CleanupFailureStillReleasesSlot(t *testing.T) {
	root, err := files.NewRoot(t.TempDir())
	require.NoError(t, err)
	fs := &failingFS{Root: root, removeErr: errors.New("busy")}
	fetcher := newFakeFetcher(-1)
	rec := &recorder{}
	m := NewManagerWithOptions(root, 1, ManagerOptions{Fetcher: fetcher, FileSystem: fs, Hooks: rec})
	defer m.Shutdown()

	a, err := m.Submit("http://source.test/a", "a.bin", "")
	require.NoError(t, err)
	b, err := m.Submit("http://source.test/b", "b.bin", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fileExists(filepath.Join(root.Dir(), "a.bin")) }, 5*time.Second, 5*time.Millisecond)
	m.Cancel(a.ID)
	fetcher.stream("http://source.test/a").send(t, "x")

	waitListing(t, m, []uuid.UUID{b.ID}, nil)
	res, ok := rec.get(a.ID)
	require.True(t, ok)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	h := newHarness(t, 1, 10)
	a := h.submit(t, "a")
	h.submit(t, "b")

	got, ok := h.m.Get(a.ID)
	require.True(t, ok)
	got.Status = StatusCancelled
	got.BytesDownloaded = 999

	again, ok := h.m.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, again.Status)
	assert.Zero(t, again.BytesDownloaded)

	l := h.m.List()
	require.Len(t, l.Queued, 1)
	l.Queued[0].Path = "changed"
	assert.NotEqual(t, "changed", h.m.List().Queued[0].Path)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, 1, -1)

	_, err := h.m.Submit("", "a.bin", "")
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = h.m.Submit("ftp://source.test/a", "a.bin", "")
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = h.m.Submit("http://source.test/a", "../..", "")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = h.m.Submit("http://source.test/a", "", "")
	assert.ErrorIs(t, err, ErrInvalidPath)

	assert.Empty(t, h.m.List().Active)
}

func TestSubmit_PathTraversalStaysUnderRoot(t *testing.T) {
	h := newHarness(t, 1, -1)

	rec, err := h.m.Submit("http://source.test/x", "../../etc/passwd", "")
	require.NoError(t, err)
	assert.Equal(t, "etc/passwd", rec.Path)

	s := h.fetcher.stream("http://source.test/x")
	s.send(t, "data")
	s.finish()
	waitListing(t, h.m, nil, nil)

	inside := filepath.Join(h.root.Dir(), "etc", "passwd")
	data, err := os.ReadFile(inside)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.True(t, strings.HasPrefix(inside, h.root.Dir()))
}

func TestSubmit_MergesQuery(t *testing.T) {
	h := newHarness(t, 1, -1)

	rec, err := h.m.Submit("http://source.test/v?token=1", "v.bin", "ep=2")
	require.NoError(t, err)
	assert.Equal(t, "http://source.test/v?token=1&ep=2", rec.URL)
	require.Eventually(t, func() bool {
		calls := h.fetcher.requested()
		return len(calls) == 1 && calls[0] == rec.URL
	}, 5*time.Second, 5*time.Millisecond)
}

func TestMergeQuery(t *testing.T) {
	tests := []struct {
		url, query string
		want       string
		wantErr    bool
	}{
		{"http://h/f", "", "http://h/f", false},
		{"http://h/f", "a=1", "http://h/f?a=1", false},
		{"http://h/f", "?a=1", "http://h/f?a=1", false},
		{"https://h/f?x=y", "a=1&b=2", "https://h/f?x=y&a=1&b=2", false},
		{" http://h/f ", "", "http://h/f", false},
		{"h/f", "", "", true},
		{"file:///etc/passwd", "", "", true},
		{"http://", "", "", true},
	}
	for _, tt := range tests {
		got, err := mergeQuery(tt.url, tt.query)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidURL, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got)
	}
}

// Many goroutines submit, cancel and list at once; every Record must leave
// the engine exactly once and no slot may leak.
func TestManager_ConcurrentChurn(t *testing.T) {
	h := newHarness(t, 3, -1)
	const n = 60
	for i := 0; i < n; i++ {
		h.fetcher.static[fmt.Sprintf("http://source.test/s%02d", i)] = []byte("payload")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var submitted []uuid.UUID
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("s%02d", i)
			rec, err := h.m.Submit("http://source.test/"+name, name, "")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			submitted = append(submitted, rec.ID)
			mu.Unlock()
			if i%4 == 0 {
				h.m.Cancel(rec.ID)
			}
			_ = h.m.List()
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.rec.len() == n }, 10*time.Second, 10*time.Millisecond)
	l := h.m.List()
	assert.Empty(t, l.Active)
	assert.Empty(t, l.Queued)
	for _, id := range submitted {
		_, ok := h.m.Get(id)
		assert.False(t, ok)
		res, ok := h.rec.get(id)
		require.True(t, ok)
		assert.NotEqual(t, OutcomeFailed, res.Outcome, "unexpected failure: %v", res.Err)
	}
	assert.Zero(t, h.m.busy.Load())
}

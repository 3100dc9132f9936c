package download

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"mediaserver/internal/fetch"
	"mediaserver/internal/logging"
)

const defaultChunkSize = 32 * 1024

// Fetcher streams a GET response. size is -1 when the length is unknown.
type Fetcher interface {
	Get(ctx context.Context, url string) (body io.ReadCloser, size int64, err error)
}

// Sanitizer confines caller-supplied paths under the download root.
type Sanitizer interface {
	Resolve(rel string) (string, error)
	Rel(path string) string
}

// FileSystem is what a task needs to write and clean up its destination.
type FileSystem interface {
	Create(path string) (io.WriteCloser, error)
	Remove(path string) error
}

// Root is a download root that both sanitizes paths and owns the files
// beneath it; *files.Root satisfies it.
type Root interface {
	Sanitizer
	FileSystem
}

// ManagerOptions configures collaborators; zero values pick defaults.
type ManagerOptions struct {
	Fetcher    Fetcher
	FileSystem FileSystem // overrides the Root for file operations
	Hooks      Hooks
	Observer   Observer
	ChunkSize  int
}

// Manager runs at most len(slots) transfers at once and queues the rest.
//
// Lock order: qmu before any slot.mu, on every path that takes both. Slot
// locks are never nested in each other.
type Manager struct {
	sanitizer Sanitizer
	fs        FileSystem
	fetcher   Fetcher
	hooks     Hooks
	obs       Observer
	chunkSize int

	qmu   sync.Mutex
	queue []*entry
	slots []*slot
	busy  atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closing  atomic.Bool
	shutdown sync.Once
}

// NewManager creates a download manager with a fixed pool of slots.
func NewManager(root Root, slots int) *Manager {
	return NewManagerWithOptions(root, slots, ManagerOptions{})
}

// NewManagerWithOptions allows replacing the transport, hooks and observer.
func NewManagerWithOptions(root Root, slots int, opts ManagerOptions) *Manager {
	if slots <= 0 {
		slots = max(runtime.NumCPU(), 1)
	}
	if opts.Fetcher == nil {
		opts.Fetcher = fetch.NewClient(fetch.DefaultOptions())
	}
	if opts.FileSystem == nil {
		opts.FileSystem = root
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sanitizer: root,
		fs:        opts.FileSystem,
		fetcher:   opts.Fetcher,
		hooks:     opts.Hooks,
		obs:       opts.Observer,
		chunkSize: opts.ChunkSize,
		slots:     make([]*slot, slots),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := range m.slots {
		m.slots[i] = &slot{idx: i}
	}
	return m
}

// Slots returns the pool size.
func (m *Manager) Slots() int { return len(m.slots) }

// Submit registers a new download. The Record is placed straight into a
// free slot (and returned as running) or appended to the queue. Submit never
// waits on the network.
func (m *Manager) Submit(rawURL, path, query string) (Record, error) {
	if m.closing.Load() {
		return Record{}, ErrShuttingDown
	}
	target, err := mergeQuery(rawURL, query)
	if err != nil {
		return Record{}, err
	}
	dest, err := m.sanitizer.Resolve(path)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	e := &entry{
		rec: Record{
			ID:     uuid.New(),
			Status: StatusCreated,
			URL:    target,
			Path:   m.sanitizer.Rel(dest),
		},
		dest: dest,
	}

	m.qmu.Lock()
	defer m.qmu.Unlock()
	// Re-checked under the lock so nothing slips in after Shutdown drained.
	if m.closing.Load() {
		return Record{}, ErrShuttingDown
	}
	for _, s := range m.slots {
		s.mu.Lock()
		if s.cur == nil {
			m.place(s, e)
			snap := e.rec.clone()
			s.mu.Unlock()
			m.obs.DownloadSubmitted(false)
			m.obs.SlotsChanged(int(m.busy.Load()), len(m.queue))
			logging.LogDownloadSubmitted(snap.ID.String(), snap.URL, snap.Path, false)
			return snap, nil
		}
		s.mu.Unlock()
	}
	m.queue = append(m.queue, e)
	m.obs.DownloadSubmitted(true)
	m.obs.SlotsChanged(int(m.busy.Load()), len(m.queue))
	logging.LogDownloadSubmitted(e.rec.ID.String(), e.rec.URL, e.rec.Path, true)
	return e.rec.clone(), nil
}

// Get returns a snapshot of the Record with the given id, looking at the
// running slots first and then the queue.
func (m *Manager) Get(id uuid.UUID) (Record, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	for _, s := range m.slots {
		s.mu.Lock()
		if s.cur != nil && s.cur.rec.ID == id {
			snap := s.cur.rec.clone()
			s.mu.Unlock()
			return snap, true
		}
		s.mu.Unlock()
	}
	for _, e := range m.queue {
		if e.rec.ID == id {
			return e.rec.clone(), true
		}
	}
	return Record{}, false
}

// List returns running Records in slot order and queued Records in FIFO order.
func (m *Manager) List() Listing {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	out := Listing{
		Active: make([]Record, 0, len(m.slots)),
		Queued: make([]Record, 0, len(m.queue)),
	}
	for _, s := range m.slots {
		s.mu.Lock()
		if s.cur != nil {
			out.Active = append(out.Active, s.cur.rec.clone())
		}
		s.mu.Unlock()
	}
	for _, e := range m.queue {
		out.Queued = append(out.Queued, e.rec.clone())
	}
	return out
}

// Cancel removes a queued Record immediately or flags a running one as
// cancelled. The running task notices at its next chunk boundary, deletes
// the partial file and frees its slot. Unknown ids are ignored.
func (m *Manager) Cancel(id uuid.UUID) {
	var dropped *entry
	m.qmu.Lock()
	for i, e := range m.queue {
		if e.rec.ID == id {
			dropped = e
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	if dropped == nil {
		for _, s := range m.slots {
			s.mu.Lock()
			if s.cur != nil && s.cur.rec.ID == id {
				if s.cur.rec.Status != StatusCancelled {
					s.cur.rec.Status = StatusCancelled
				}
				s.mu.Unlock()
				break
			}
			s.mu.Unlock()
		}
	}
	m.obs.SlotsChanged(int(m.busy.Load()), len(m.queue))
	m.qmu.Unlock()

	if dropped != nil {
		m.dropQueued(dropped)
	}
}

// StopAccepting makes Submit return ErrShuttingDown; already tracked work continues.
func (m *Manager) StopAccepting() {
	m.closing.Store(true)
}

// Shutdown stops accepting work, drops the queue, cancels every running
// transfer and waits for all tasks to release their slots. Safe to call
// multiple times.
func (m *Manager) Shutdown() {
	m.shutdown.Do(func() {
		m.closing.Store(true)

		m.qmu.Lock()
		dropped := m.queue
		m.queue = nil
		for _, s := range m.slots {
			s.mu.Lock()
			if s.cur != nil {
				s.cur.rec.Status = StatusCancelled
			}
			s.mu.Unlock()
		}
		m.obs.SlotsChanged(int(m.busy.Load()), 0)
		m.qmu.Unlock()

		for _, e := range dropped {
			m.dropQueued(e)
		}
		// Unblocks tasks stuck waiting on headers or a body read.
		m.cancel()
	})
	m.wg.Wait()
}

// place puts e into the empty slot s and starts its task. Callers hold qmu
// and s.mu.
func (m *Manager) place(s *slot, e *entry) {
	e.rec.Status = StatusRunning
	s.cur = e
	m.busy.Add(1)
	m.wg.Add(1)
	go m.run(s, e)
}

// release frees s after e's task finished and hands it to the oldest queued
// Record, if any.
func (m *Manager) release(s *slot, e *entry) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.released || s.cur != e {
		panic(fmt.Errorf("%w: slot %d, download %s", ErrSlotInvariant, s.idx, e.rec.ID))
	}
	e.released = true
	s.cur = nil
	m.busy.Add(-1)

	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.place(s, next)
		logging.LogSlotPromoted(next.rec.ID.String(), s.idx, len(m.queue))
	}
	m.obs.SlotsChanged(int(m.busy.Load()), len(m.queue))
}

func (m *Manager) dropQueued(e *entry) {
	// A queued entry is unreachable once unlinked, so no lock is needed.
	e.rec.Status = StatusCancelled
	logging.LogDownloadCancelled(e.rec.ID.String(), false, 0)
	m.obs.DownloadFinished(OutcomeCancelled, 0)
	m.finished(Result{Record: e.rec.clone(), Outcome: OutcomeCancelled})
}

func (m *Manager) finished(res Result) {
	if m.hooks == nil {
		return
	}
	if res.Finished.IsZero() {
		res.Finished = timeNow()
	}
	m.hooks.OnFinished(res)
}

// mergeQuery appends query to rawURL and checks the result is an absolute
// http(s) URL.
func mergeQuery(rawURL, query string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	query = strings.TrimPrefix(strings.TrimSpace(query), "?")
	target := rawURL
	if query != "" {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		target = rawURL + sep + query
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, logging.RedactURL(rawURL))
	}
	return target, nil
}

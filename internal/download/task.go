package download

import (
	"errors"
	"fmt"
	"io"
	"time"

	"mediaserver/internal/logging"
)

var timeNow = time.Now

// run is the body of one task goroutine. The deferred release is the only
// way a slot is freed, so every return path of transfer hands the slot on.
// Hooks see the Result only after the slot has been handed on.
func (m *Manager) run(s *slot, e *entry) {
	defer m.wg.Done()

	var res Result
	func() {
		defer m.release(s, e)

		s.mu.Lock()
		e.started = timeNow()
		id, target, dest := e.rec.ID.String(), e.rec.URL, e.dest
		s.mu.Unlock()

		outcome, created, err := m.transfer(s, e, id, target, dest)
		res = m.finalize(s, e, outcome, created, err)
	}()
	m.finished(res)
}

// transfer performs the request and streams the body into dest. created
// reports whether dest was opened by this transfer.
func (m *Manager) transfer(s *slot, e *entry, id, target, dest string) (outcome Outcome, created bool, err error) {
	body, size, err := m.fetcher.Get(m.ctx, target)
	if err != nil {
		if m.cancelled(s, e) {
			return OutcomeCancelled, false, nil
		}
		return OutcomeFailed, false, &RequestError{URL: target, Err: err}
	}
	defer body.Close()

	s.mu.Lock()
	if size >= 0 {
		total := size
		e.rec.TotalBytes = &total
	}
	if e.rec.Status == StatusCreated {
		e.rec.Status = StatusRunning
	}
	cancelled := e.rec.Status == StatusCancelled
	s.mu.Unlock()
	if cancelled {
		return OutcomeCancelled, false, nil
	}
	logging.LogDownloadStart(id, target, s.idx, size)

	f, err := m.fs.Create(dest)
	if err != nil {
		return OutcomeFailed, false, &FileSystemError{Op: "create", Path: dest, Err: err}
	}
	outcome, err = m.stream(s, e, target, body, f, size)
	if cerr := f.Close(); cerr != nil && outcome == OutcomeCompleted {
		return OutcomeFailed, true, &FileSystemError{Op: "close", Path: dest, Err: cerr}
	}
	return outcome, true, err
}

// stream copies body to w one chunk at a time, publishing progress under the
// slot lock and checking for cancellation after every chunk.
func (m *Manager) stream(s *slot, e *entry, target string, body io.Reader, w io.Writer, size int64) (Outcome, error) {
	buf := make([]byte, m.chunkSize)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if size >= 0 && written+int64(n) > size {
				return OutcomeFailed, &RequestError{URL: target, Err: fmt.Errorf("%w: more than %d bytes", ErrLengthMismatch, size)}
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return OutcomeFailed, &FileSystemError{Op: "write", Path: e.dest, Err: werr}
			}
			written += int64(n)
			m.obs.BytesReceived(n)
		}

		s.mu.Lock()
		e.rec.BytesDownloaded = written
		cancelled := e.rec.Status == StatusCancelled
		s.mu.Unlock()
		if cancelled {
			return OutcomeCancelled, nil
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			if size >= 0 && written != size {
				return OutcomeFailed, &RequestError{URL: target, Err: fmt.Errorf("%w: got %d of %d bytes", ErrLengthMismatch, written, size)}
			}
			return OutcomeCompleted, nil
		default:
			return OutcomeFailed, &RequestError{URL: target, Err: rerr}
		}
	}
}

func (m *Manager) cancelled(s *slot, e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.rec.Status == StatusCancelled
}

// finalize removes the partial file of a cancelled transfer and builds the
// Result. The file is left in place on success and failure, and a file the
// transfer never created is never touched.
func (m *Manager) finalize(s *slot, e *entry, outcome Outcome, created bool, err error) Result {
	s.mu.Lock()
	snap := e.rec.clone()
	started := e.started
	s.mu.Unlock()

	id := snap.ID.String()
	elapsed := timeNow().Sub(started)
	switch outcome {
	case OutcomeCancelled:
		if created {
			if rerr := m.fs.Remove(e.dest); rerr != nil {
				logging.LogCleanupError(id, e.dest, rerr)
			}
		}
		logging.LogDownloadCancelled(id, true, snap.BytesDownloaded)
	case OutcomeCompleted:
		logging.LogDownloadComplete(id, e.dest, snap.BytesDownloaded, elapsed)
	default:
		logging.LogDownloadError(id, "transfer failed", err)
	}
	m.obs.DownloadFinished(outcome, elapsed)
	return Result{Record: snap, Outcome: outcome, Err: err, Started: started}
}

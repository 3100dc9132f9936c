package download

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
)

// Record is the tracked state of one download request. Values handed out by
// the Manager are snapshots; mutating them has no effect on the engine.
type Record struct {
	ID              uuid.UUID `json:"id"`
	Status          Status    `json:"status"`
	URL             string    `json:"url"`
	Path            string    `json:"path"`
	BytesDownloaded int64     `json:"bytesDownloaded"`
	TotalBytes      *int64    `json:"totalBytes,omitempty"`
}

func (r Record) clone() Record {
	if r.TotalBytes != nil {
		v := *r.TotalBytes
		r.TotalBytes = &v
	}
	return r
}

// Listing is a point-in-time view of everything the Manager tracks.
type Listing struct {
	Active []Record `json:"active"`
	Queued []Record `json:"queued"`
}

// entry is the engine-side owner of a Record. While queued it is guarded by
// the queue lock; once placed in a slot, by that slot's lock.
type entry struct {
	rec      Record
	dest     string
	started  time.Time
	released bool
}

// slot is one fixed cell of the worker pool.
type slot struct {
	idx int
	mu  sync.Mutex
	cur *entry
}

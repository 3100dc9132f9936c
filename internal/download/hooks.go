package download

import "time"

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result describes how a Record left the engine.
type Result struct {
	Record   Record
	Outcome  Outcome
	Err      error
	Started  time.Time // zero when the Record never left the queue
	Finished time.Time
}

// Hooks provide optional callbacks for persistence / external tracking.
// OnFinished runs on the task goroutine outside every engine lock, after the
// Record has left the engine and its slot has been handed on, so
// implementations should be fast.
type Hooks interface {
	OnFinished(res Result)
}

// HooksFunc adapts a plain function to Hooks.
type HooksFunc func(res Result)

func (f HooksFunc) OnFinished(res Result) { f(res) }

// Observer receives engine events for metrics. Calls may arrive while an
// engine lock is held and must not call back into the Manager.
type Observer interface {
	DownloadSubmitted(queued bool)
	SlotsChanged(busy, queued int)
	BytesReceived(n int)
	DownloadFinished(outcome Outcome, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) DownloadSubmitted(bool) {}
func (nopObserver) SlotsChanged(int, int) {}
func (nopObserver) BytesReceived(int) {}
func (nopObserver) DownloadFinished(Outcome, time.Duration) {}

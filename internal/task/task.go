// Package task models download tasks and the process-wide registry that
// deduplicates, cancels, and fans out progress for them.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a DownloadTask's lifecycle state.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusDownloading Status = "DOWNLOADING"
	StatusPaused      Status = "PAUSED"
	StatusCompleted   Status = "COMPLETED"
	StatusFinished    Status = "FINISHED"
	StatusCancelled   Status = "CANCELLED"
	StatusFailed      Status = "FAILED"
)

// Terminal reports whether s is a terminal state (no further transitions).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFinished, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Progress is one snapshot published to a task's subscribers. DownloadedBytes
// never decreases across a single task's events; a status-only event (for
// example PAUSED, CANCELLED or FAILED) repeats the last count.
type Progress struct {
	DownloadedBytes int64
	TotalBytes      int64
	Status          Status
	Err             error
}

// ControlSignal is sent from the scheduler to a worker executing a task.
type ControlSignal int

const (
	SignalPause ControlSignal = iota
	SignalResume
	SignalCancel
)

// Priority hints the scheduler's dispatch order. Lower sorts first.
type Priority int

const (
	PriorityHigh Priority = 0
	PriorityLow  Priority = 1
)

// Task is a single ranged-fetch unit of work. Identity fields are set at
// construction and never mutated; progress fields are guarded by mu and
// written only through Publish.
type Task struct {
	ID          string
	URI         string
	Headers     map[string]string
	Fingerprint string // matchUrl
	HLSKey      string // "" if this task has no HLS group
	StartRange  int64
	EndRange    *int64
	Seq         int64 // insertion order, assigned by the registry

	control chan ControlSignal
	prog    *broadcaster

	mu              sync.Mutex
	downloadedBytes int64
	totalBytes      int64
	status          Status
	createdAt       time.Time
}

// New constructs a task in the QUEUED state with a process-unique id.
func New(uri string, headers map[string]string, fingerprint, hlsKey string, start int64, end *int64) *Task {
	return &Task{
		ID:          uuid.NewString(),
		URI:         uri,
		Headers:     headers,
		Fingerprint: fingerprint,
		HLSKey:      hlsKey,
		StartRange:  start,
		EndRange:    end,
		control:     make(chan ControlSignal, 1),
		prog:        newBroadcaster(),
		status:      StatusQueued,
		createdAt:   time.Now(),
	}
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Progress{DownloadedBytes: t.downloadedBytes, TotalBytes: t.totalBytes, Status: t.status}
}

// Publish records a progress event and fans it out to subscribers. It takes
// the task's own lock, so its callers (the executing worker, and
// Registry.CancelVideoTasks for a cancellation) need no external lock.
func (t *Task) Publish(p Progress) {
	t.mu.Lock()
	if p.DownloadedBytes < t.downloadedBytes {
		p.DownloadedBytes = t.downloadedBytes
	}
	t.downloadedBytes = p.DownloadedBytes
	if p.TotalBytes > 0 {
		t.totalBytes = p.TotalBytes
	}
	t.status = p.Status
	p.TotalBytes = t.totalBytes
	t.mu.Unlock()
	t.prog.publish(p)
}

// Subscribe returns a cursor over this task's progress stream. Subscribing
// after the task has already reached a terminal state still yields that
// terminal event: the broadcaster retains history.
func (t *Task) Subscribe() *Cursor {
	return t.prog.subscribe()
}

// Signal delivers a control signal to whichever worker is currently
// executing this task. It is a non-blocking, best-effort send: a task with
// no worker attached (not yet dispatched, or already terminal) simply drops
// the signal, which keeps CANCEL/PAUSE idempotent on terminal/unknown
// tasks.
func (t *Task) Signal(sig ControlSignal) {
	select {
	case t.control <- sig:
	default:
	}
}

// Controls returns the channel a worker should poll for control signals
// while executing this task.
func (t *Task) Controls() <-chan ControlSignal {
	return t.control
}

// key identifies task equivalence for coalescing: the (fingerprint, start,
// end) triple, independent of ID.
func (t *Task) key() dedupeKey {
	return dedupeKey{fingerprint: t.Fingerprint, start: t.StartRange, end: endValue(t.EndRange)}
}

type dedupeKey struct {
	fingerprint string
	start       int64
	end         int64 // -1 means open-ended
}

func endValue(end *int64) int64 {
	if end == nil {
		return -1
	}
	return *end
}

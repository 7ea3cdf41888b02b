package task

import (
	"context"
	"sync"
)

// Registry is the process-wide task index described in §4.D: it
// deduplicates submissions, tracks tasks by id/fingerprint/hlsKey, and fans
// out a taskCount stream whenever the live count changes.
type Registry struct {
	mu          sync.Mutex
	byID        map[string]*Task
	byFp        map[string]map[string]*Task // fingerprint -> id -> task
	byHLS       map[string]map[string]*Task // hlsKey -> id -> task
	byDedupe    map[dedupeKey]*Task
	order       []*Task
	seq         int64
	countStream *broadcaster
}

func NewRegistry() *Registry {
	return &Registry{
		byID:        make(map[string]*Task),
		byFp:        make(map[string]map[string]*Task),
		byHLS:       make(map[string]map[string]*Task),
		byDedupe:    make(map[dedupeKey]*Task),
		countStream: newBroadcaster(),
	}
}

// Submit registers t, or returns the equivalent task already registered if
// one exists and is not CANCELLED/FAILED (a COMPLETED one is returned too).
// isNew reports whether t itself was the one registered.
func (r *Registry) Submit(t *Task) (existing *Task, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := t.key()
	if other, ok := r.byDedupe[key]; ok {
		if st := other.Status(); st != StatusCancelled && st != StatusFailed {
			return other, false
		}
		r.removeLocked(other)
	}

	r.seq++
	t.Seq = r.seq
	r.addLocked(t)
	return t, true
}

func (r *Registry) addLocked(t *Task) {
	r.byID[t.ID] = t
	r.byDedupe[t.key()] = t
	if r.byFp[t.Fingerprint] == nil {
		r.byFp[t.Fingerprint] = make(map[string]*Task)
	}
	r.byFp[t.Fingerprint][t.ID] = t
	if t.HLSKey != "" {
		if r.byHLS[t.HLSKey] == nil {
			r.byHLS[t.HLSKey] = make(map[string]*Task)
		}
		r.byHLS[t.HLSKey][t.ID] = t
	}
	r.order = append(r.order, t)
	r.emitCountLocked()
}

func (r *Registry) removeLocked(t *Task) {
	if r.unindexLocked(t) {
		r.emitCountLocked()
	}
}

// unindexLocked drops t from every index without emitting a count update,
// reporting whether t was registered.
func (r *Registry) unindexLocked(t *Task) bool {
	if _, ok := r.byID[t.ID]; !ok {
		return false
	}
	delete(r.byID, t.ID)
	if cur, ok := r.byDedupe[t.key()]; ok && cur.ID == t.ID {
		delete(r.byDedupe, t.key())
	}
	delete(r.byFp[t.Fingerprint], t.ID)
	if len(r.byFp[t.Fingerprint]) == 0 {
		delete(r.byFp, t.Fingerprint)
	}
	if t.HLSKey != "" {
		delete(r.byHLS[t.HLSKey], t.ID)
		if len(r.byHLS[t.HLSKey]) == 0 {
			delete(r.byHLS, t.HLSKey)
		}
	}
	for i, ot := range r.order {
		if ot.ID == t.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) emitCountLocked() {
	r.countStream.publish(Progress{DownloadedBytes: int64(len(r.order))})
}

// ExecuteTask submits t (or its coalesced equivalent) and blocks until it
// reaches a terminal state.
func (r *Registry) ExecuteTask(ctx context.Context, t *Task) (Progress, error) {
	use, _ := r.Submit(t)
	cur := use.Subscribe()
	for {
		p, ok := cur.Next(ctx.Done())
		if !ok {
			return use.Snapshot(), ctx.Err()
		}
		if p.Status.Terminal() {
			return p, nil
		}
	}
}

// Lookup finds a registered task by id.
func (r *Registry) Lookup(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

// CancelVideoTasks cancels the union of tasks matching fingerprint or
// hlsKey, then removes them from the registry, emitting one aggregate
// taskCount update. Cancellation is idempotent: a second call affecting no
// live tasks is a no-op.
func (r *Registry) CancelVideoTasks(fingerprint, hlsKey string) int {
	r.mu.Lock()
	matched := make(map[string]*Task)
	for id, t := range r.byFp[fingerprint] {
		matched[id] = t
	}
	if hlsKey != "" {
		for id, t := range r.byHLS[hlsKey] {
			matched[id] = t
		}
	}
	for _, t := range matched {
		r.unindexLocked(t)
	}
	if len(matched) > 0 {
		r.emitCountLocked()
	}
	r.mu.Unlock()

	for _, t := range matched {
		t.Signal(SignalCancel)
		if !t.Status().Terminal() {
			t.Publish(Progress{Status: StatusCancelled})
		}
	}
	return len(matched)
}

func (r *Registry) TaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry) ActiveTaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.order {
		if !t.Status().Terminal() {
			n++
		}
	}
	return n
}

// TaskCountStream returns a cursor that emits whenever the registered task
// count changes; DownloadedBytes carries the new count.
func (r *Registry) TaskCountStream() *Cursor {
	return r.countStream.subscribe()
}

// All returns a snapshot of currently registered tasks in insertion order.
func (r *Registry) All() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, len(r.order))
	copy(out, r.order)
	return out
}

// Forget removes a task from the registry explicitly. The worker pool does
// not call it: a task that reaches a terminal state stays registered until
// Forget, CancelVideoTasks, or a resubmission after CANCELLED/FAILED
// removes it.
func (r *Registry) Forget(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(t)
}

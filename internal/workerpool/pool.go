// Package workerpool implements the fixed-size pool of isolated workers
// that execute ranged fetch tasks (§4.C).
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rs/zerolog"

	"github.com/streamrelay/mediaproxy/internal/mp4range"
	"github.com/streamrelay/mediaproxy/internal/store"
	"github.com/streamrelay/mediaproxy/internal/task"
	"github.com/streamrelay/mediaproxy/internal/telemetry"
)

// Sentinel errors surfaced on task failure, matching §7's error kinds.
var (
	ErrOriginUnreachable   = errors.New("workerpool: origin unreachable")
	ErrOriginStatus        = errors.New("workerpool: origin returned error status")
	ErrRangeNotSatisfiable = errors.New("workerpool: range not satisfiable")
	errCancelled           = errors.New("workerpool: task cancelled")
	errPaused              = errors.New("workerpool: task paused")
)

const (
	backoffBase    = 200 * time.Millisecond
	backoffFactor  = 2.0
	backoffCap     = 5 * time.Second
	maxRetries     = 3
	readBufferSize = 32 * 1024
)

// Config sizes the pool and its origin connection behavior.
type Config struct {
	PoolSize        int
	ConnectTimeout  time.Duration // default 5s
	IdleReadTimeout time.Duration // default 15s
	OriginRateLimit float64       // requests/sec per origin host; 0 disables
	// Grid is the cache's segment layout, used to re-window a response from
	// an origin that ignored our Range request (§4.F, §8).
	Grid mp4range.Grid
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.IdleReadTimeout <= 0 {
		c.IdleReadTimeout = 15 * time.Second
	}
	if c.Grid.SegmentSize <= 0 {
		c.Grid.SegmentSize = 2_000_000
	}
	if c.Grid.FirstSegmentSize <= 0 {
		c.Grid.FirstSegmentSize = c.Grid.SegmentSize
	}
	return c
}

// Pool dispatches queued tasks to at most PoolSize concurrently-DOWNLOADING
// workers, preferring tasks whose fingerprint matches the current
// foreground (actively-playing) fingerprint.
type Pool struct {
	cfg    Config
	store  *store.Store
	logger zerolog.Logger
	m      *telemetry.Metrics
	grid   mp4range.Grid

	sem       *semaphore.Weighted
	transport *http.Transport

	mu         sync.Mutex
	hp         taskHeap
	wake       chan struct{}
	foreground string
	seq        int64

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// heapEntry is one pending dispatch.
type heapEntry struct {
	t        *task.Task
	priority task.Priority
	seq      int64
	idx      int
}

type taskHeap struct {
	entries    []*heapEntry
	foreground *string
}

func (h taskHeap) Len() int { return len(h.entries) }
func (h taskHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	fg := *h.foreground
	aFg := fg != "" && a.t.Fingerprint == fg
	bFg := fg != "" && b.t.Fingerprint == fg
	if aFg != bFg {
		return aFg
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}
func (h taskHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].idx = i
	h.entries[j].idx = j
}
func (h *taskHeap) Push(x any) {
	e := x.(*heapEntry)
	e.idx = len(h.entries)
	h.entries = append(h.entries, e)
}
func (h *taskHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	h.entries = old[:n-1]
	return e
}

func New(cfg Config, st *store.Store, logger zerolog.Logger, m *telemetry.Metrics) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		store:    st,
		logger:   logger,
		m:        m,
		grid:     cfg.Grid,
		sem:      semaphore.NewWeighted(int64(cfg.PoolSize)),
		wake:     make(chan struct{}, 1),
		limiters: make(map[string]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
		transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			ResponseHeaderTimeout: cfg.IdleReadTimeout,
			MaxIdleConnsPerHost:   cfg.PoolSize,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	p.hp = taskHeap{foreground: &p.foreground}
	p.wg.Add(1)
	go p.run()
	return p
}

// Enqueue schedules t for dispatch at the given priority. Foreground boost
// (preferring the fingerprint currently serving the active client request)
// is applied dynamically at dispatch time via SetForeground, not baked in
// at enqueue time.
func (p *Pool) Enqueue(t *task.Task, priority task.Priority) {
	p.mu.Lock()
	p.seq++
	heap.Push(&p.hp, &heapEntry{t: t, priority: priority, seq: p.seq})
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SetForeground marks fingerprint as the actively-playing stream so its
// queued tasks are preferred over background prefetch/precache work.
func (p *Pool) SetForeground(fingerprint string) {
	p.mu.Lock()
	p.foreground = fingerprint
	p.mu.Unlock()
}

func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
	p.transport.CloseIdleConnections()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if p.hp.Len() == 0 {
				p.mu.Unlock()
				break
			}
			e := heap.Pop(&p.hp).(*heapEntry)
			p.mu.Unlock()

			if err := p.sem.Acquire(p.ctx, 1); err != nil {
				return
			}
			p.wg.Add(1)
			go p.runWorker(e.t)
		}
	}
}

func (p *Pool) limiterFor(host string) *rate.Limiter {
	if p.cfg.OriginRateLimit <= 0 {
		return nil
	}
	p.limitersMu.Lock()
	defer p.limitersMu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.OriginRateLimit), 1)
		p.limiters[host] = l
	}
	return l
}

func (p *Pool) runWorker(t *task.Task) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	if p.m != nil {
		p.m.ActiveWorkers.Inc()
		defer p.m.ActiveWorkers.Dec()
	}

	key := store.Key{Fingerprint: t.Fingerprint, StartRange: t.StartRange, EndRange: store.EndRangeValue(t.EndRange)}

	if data, total, ok := p.store.Get(key); ok && rangeSatisfiedByCache(t, total, int64(len(data))) {
		if p.m != nil {
			p.m.CacheHits.Inc()
		}
		t.Publish(task.Progress{DownloadedBytes: int64(len(data)), TotalBytes: total, Status: task.StatusCompleted})
		return
	}
	if p.m != nil {
		p.m.CacheMisses.Inc()
	}

	if err := p.fetchWithRetry(t, key); err != nil {
		switch {
		case errors.Is(err, errCancelled):
			t.Publish(task.Progress{Status: task.StatusCancelled})
		case errors.Is(err, context.Canceled):
			t.Publish(task.Progress{Status: task.StatusCancelled})
		default:
			p.logger.Warn().Err(err).Str("task_id", t.ID).Str("uri", t.URI).Msg("download task failed")
			t.Publish(task.Progress{Status: task.StatusFailed, Err: err})
		}
	}
}

// rangeSatisfiedByCache reports whether a cached blob of cachedLen bytes
// fully covers the task's requested range: either the blob is at least as
// long as the task's bounded range, or the cached blob reaches the resource's known
// total length and therefore covers any open-ended tail request.
func rangeSatisfiedByCache(t *task.Task, totalBytes, cachedLen int64) bool {
	if t.EndRange == nil {
		return totalBytes > 0 && t.StartRange+cachedLen >= totalBytes
	}
	want := *t.EndRange - t.StartRange + 1
	return cachedLen >= want
}

func (p *Pool) fetchWithRetry(t *task.Task, key store.Key) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(backoffBase),
		backoff.WithMultiplier(backoffFactor),
		backoff.WithMaxInterval(backoffCap),
		backoff.WithMaxElapsedTime(0),
	)

	var accumulated []byte
	var totalBytes int64
	var originIgnoredRange bool
	attempt := 0

	for {
		firstAttempt := len(accumulated) == 0
		_, total, status, err := p.streamOnce(t, key, &accumulated)
		if total > 0 {
			totalBytes = total
		}
		if firstAttempt && status == http.StatusOK {
			originIgnoredRange = true
		}
		if err == nil {
			return p.commit(t, key, accumulated, totalBytes, originIgnoredRange)
		}
		if errors.Is(err, errCancelled) {
			return err
		}
		// An origin that ignores Range resends the whole body from byte 0
		// on every request; a resumed accumulator would duplicate it
		// instead of continuing it, so discard what's in hand before the
		// next attempt.
		if originIgnoredRange {
			accumulated = accumulated[:0]
		}
		if errors.Is(err, errPaused) {
			if !p.awaitResume(t) {
				return errCancelled
			}
			continue
		}
		attempt++
		if attempt > maxRetries {
			return fmt.Errorf("%w: %v", ErrOriginUnreachable, err)
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}

// awaitResume blocks until a RESUME or CANCEL signal arrives while the task
// sits PAUSED. Returns false if the task was cancelled instead.
func (p *Pool) awaitResume(t *task.Task) bool {
	t.Publish(task.Progress{DownloadedBytes: t.Snapshot().DownloadedBytes, Status: task.StatusPaused})
	for {
		select {
		case sig := <-t.Controls():
			switch sig {
			case task.SignalResume:
				return true
			case task.SignalCancel:
				return false
			}
		case <-p.ctx.Done():
			return false
		}
	}
}

// streamOnce issues one ranged HTTP request, resuming from
// start+len(*accumulated), and appends bytes as they arrive. It returns the
// bytes read this call, the resource's total length if learned, the
// response's status code (0 if the request never reached the origin), and
// an error (possibly errPaused/errCancelled) on early termination.
func (p *Pool) streamOnce(t *task.Task, key store.Key, accumulated *[]byte) (int64, int64, int, error) {
	start := t.StartRange + int64(len(*accumulated))
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, t.URI, nil)
	if err != nil {
		return 0, 0, 0, err
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", rangeHeader(start, t.EndRange))

	if l := p.limiterFor(req.URL.Host); l != nil {
		if err := l.Wait(p.ctx); err != nil {
			return 0, 0, 0, err
		}
	}

	client := &http.Client{
		Transport: p.transport,
		Timeout:   0, // streamed; bounded by per-read idle timeout below
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrOriginUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return 0, 0, resp.StatusCode, ErrRangeNotSatisfiable
	}
	if resp.StatusCode >= 400 {
		return 0, 0, resp.StatusCode, fmt.Errorf("%w: status %d", ErrOriginStatus, resp.StatusCode)
	}

	total := parseTotalBytes(resp)
	buf := make([]byte, readBufferSize)
	var readThisCall int64

	for {
		select {
		case sig := <-t.Controls():
			switch sig {
			case task.SignalCancel:
				return readThisCall, total, resp.StatusCode, errCancelled
			case task.SignalPause:
				return readThisCall, total, resp.StatusCode, errPaused
			}
		default:
		}

		n, rerr := readWithDeadline(resp.Body, buf, p.cfg.IdleReadTimeout)
		if n > 0 {
			*accumulated = append(*accumulated, buf[:n]...)
			readThisCall += int64(n)
			t.Publish(task.Progress{
				DownloadedBytes: int64(len(*accumulated)),
				TotalBytes:      total,
				Status:          task.StatusDownloading,
			})
		}
		if rerr == io.EOF {
			return readThisCall, total, resp.StatusCode, nil
		}
		if rerr != nil {
			return readThisCall, total, resp.StatusCode, rerr
		}
	}
}

// commit stores the fetched bytes and publishes task completion. When the
// origin honored our Range request (the common case), accumulated is
// exactly the task's own window and is stored under key as before. When
// originIgnoredRange is set, accumulated instead holds the entire resource
// starting at byte 0 (the origin replied 200 rather than 206 on the first
// attempt), so it cannot be stored under key at all: key claims
// [t.StartRange, t.EndRange], but the bytes in hand start at absolute
// offset 0. commitWholeBody re-windows it into the same grid every other
// fetch path uses instead.
func (p *Pool) commit(t *task.Task, key store.Key, accumulated []byte, totalBytes int64, originIgnoredRange bool) error {
	if originIgnoredRange {
		return p.commitWholeBody(t, accumulated, totalBytes)
	}
	if err := p.store.Put(key, accumulated, totalBytes); err != nil {
		p.logger.Warn().Err(err).Str("task_id", t.ID).Msg("cache write failed, streaming without cache")
	}
	t.Publish(task.Progress{DownloadedBytes: int64(len(accumulated)), TotalBytes: totalBytes, Status: task.StatusCompleted})
	return nil
}

// commitWholeBody splits body (the full resource, from byte 0) into this
// pool's grid windows and stores each window under its own key, so sibling
// windows hit the cache instead of re-fetching the whole body, and a body
// larger than the memory budget still lands its early windows in memory via
// the normal per-window Store.Put demotion path (§8's "first
// firstSegmentSize bytes resident in memory" property) instead of the
// single oversized blob bypassing memory entirely.
func (p *Pool) commitWholeBody(t *task.Task, body []byte, totalBytes int64) error {
	if totalBytes <= 0 {
		totalBytes = int64(len(body))
	}
	ownKey := store.Key{Fingerprint: t.Fingerprint, StartRange: t.StartRange, EndRange: store.EndRangeValue(t.EndRange)}

	var firstErr error
	ownKeyWritten := false
	// Put the windows last-to-first so the memory tier's LRU evicts (and
	// demotes to disk) the later windows before the earlier ones.
	windows := p.grid.WindowsBetween(0, totalBytes-1)
	for i := len(windows) - 1; i >= 0; i-- {
		win := windows[i]
		wEnd := win.End
		if wEnd >= int64(len(body)) {
			wEnd = int64(len(body)) - 1
		}
		if win.Start > wEnd {
			continue
		}
		k := store.Key{Fingerprint: t.Fingerprint, StartRange: win.Start, EndRange: win.End}
		if k == ownKey {
			ownKeyWritten = true
		}
		if err := p.store.Put(k, body[win.Start:wEnd+1], totalBytes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if !ownKeyWritten {
		s, e := t.StartRange, int64(len(body))
		if t.EndRange != nil && *t.EndRange+1 < e {
			e = *t.EndRange + 1
		}
		if s < e {
			if err := p.store.Put(ownKey, body[s:e], totalBytes); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		p.logger.Warn().Err(firstErr).Str("task_id", t.ID).Msg("cache write failed, streaming without cache")
	}
	t.Publish(task.Progress{DownloadedBytes: int64(len(body)), TotalBytes: totalBytes, Status: task.StatusCompleted})
	return nil
}

func rangeHeader(start int64, end *int64) string {
	if end == nil {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, *end)
}

// Package engine is the composition root: it wires the cache, task
// registry, worker pool, HLS rewriter, MP4-range pipeline, and proxy server
// into the single process-wide value the host app owns, and implements the
// programmatic surface described in §6 (init/parse/isCached/precache/
// precacheByte/cancelVideoTasks/getTaskCount/getCachedVideos/onError).
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/streamrelay/mediaproxy/internal/catalog"
	"github.com/streamrelay/mediaproxy/internal/config"
	"github.com/streamrelay/mediaproxy/internal/dispatch"
	"github.com/streamrelay/mediaproxy/internal/fingerprint"
	"github.com/streamrelay/mediaproxy/internal/hls"
	"github.com/streamrelay/mediaproxy/internal/mp4range"
	"github.com/streamrelay/mediaproxy/internal/proxyserver"
	"github.com/streamrelay/mediaproxy/internal/store"
	"github.com/streamrelay/mediaproxy/internal/task"
	"github.com/streamrelay/mediaproxy/internal/telemetry"
	"github.com/streamrelay/mediaproxy/internal/workerpool"
)

const (
	proxyPortSyncInterval = 250 * time.Millisecond
	// defaultPrefetchWindows mirrors precacheByte's maxQueueTasks default
	// (§6): a live range request keeps this many windows warm counting the
	// last one it streams, i.e. mp4range.Serve prefetches the next
	// defaultPrefetchWindows-1 windows after it.
	defaultPrefetchWindows = 3
)

// Engine owns every piece of process-wide mutable state: the cache tiers,
// the task registry, the worker pool, and the HLS rewriter's playlist
// cache. The host app constructs exactly one per proxy instance; tests are
// free to build as many isolated Engines as they need.
type Engine struct {
	cfg    config.Config
	logger zerolog.Logger

	store    *store.Store
	registry *task.Registry
	pool     *workerpool.Pool
	rewriter *hls.Rewriter
	catalog  *catalog.Catalog
	grid     mp4range.Grid

	client *http.Client
	server *proxyserver.Server
}

// New builds an Engine from cfg. reg receives the process's Prometheus
// collectors; pass prometheus.NewRegistry() for an isolated instance (tests)
// or prometheus.DefaultRegisterer for a single production process. A nil
// reg disables metrics registration entirely.
func New(cfg config.Config, reg prometheus.Registerer) (*Engine, error) {
	logger := telemetry.NewLogger(cfg.LogPrint, false)

	st, err := store.New(store.Config{
		MemoryBudgetBytes: cfg.MemoryCacheSize,
		DiskBudgetBytes:   cfg.StorageCacheSize,
		Root:              cfg.CacheRootPath,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: opening store: %w", err)
	}
	registry := task.NewRegistry()

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled && reg != nil {
		metrics = telemetry.New(reg, st, registry)
	}

	grid := mp4range.Grid{SegmentSize: cfg.SegmentSize, FirstSegmentSize: cfg.FirstSegmentSize}
	pool := workerpool.New(workerpool.Config{
		PoolSize:        cfg.PoolSize,
		OriginRateLimit: cfg.OriginRateLimit,
		Grid:            grid,
	}, st, logger, metrics)

	client := &http.Client{}
	rewriter := hls.New(cfg.IP, cfg.Port, newHTTPFetcher(client))
	cat := catalog.New(st, registry, cfg.CacheRootPath)

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: registry,
		pool:     pool,
		rewriter: rewriter,
		catalog:  cat,
		grid:     grid,
		client:   client,
	}
	e.server = proxyserver.New(cfg.IP, cfg.Port, e, logger)
	return e, nil
}

// Run binds and serves until ctx is cancelled. It blocks; call it from its
// own goroutine the way the teacher's main starts its server.
func (e *Engine) Run(ctx context.Context) {
	go e.watchProxyPort(ctx)
	e.server.Run(ctx)
}

// Close stops the proxy server and worker pool, releasing every background
// goroutine the Engine owns.
func (e *Engine) Close() {
	e.server.Close()
	e.pool.Close()
	e.client.CloseIdleConnections()
}

// OnError streams bind/listen/health-check failures from the proxy server.
func (e *Engine) OnError() <-chan error {
	return e.server.Errors()
}

// watchProxyPort keeps the HLS rewriter's embedded port in sync with the
// server's actual bound port, which can move past cfg.Port on an
// EADDRINUSE fallback.
func (e *Engine) watchProxyPort(ctx context.Context) {
	ticker := time.NewTicker(proxyPortSyncInterval)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.server.State() != proxyserver.StateListening {
				continue
			}
			if port := e.server.Port(); port != last {
				e.rewriter.SetProxyPort(port)
				last = port
			}
		}
	}
}

// submitAndEnqueue registers t with the registry, dispatching it to the
// worker pool only when it is the one that won deduplication.
func (e *Engine) submitAndEnqueue(t *task.Task, priority task.Priority) *task.Task {
	use, isNew := e.registry.Submit(t)
	if isNew {
		e.pool.Enqueue(use, priority)
	}
	return use
}

// Handle implements proxyserver.Handler: the single entry point every
// client request flows through after framing and origin-URL resolution.
func (e *Engine) Handle(ctx context.Context, req *proxyserver.Request) *proxyserver.Response {
	originURL := req.OriginURL
	fp, err := fingerprint.Headers(originURL, req.Header, e.cfg.CustomCacheID)
	if err != nil {
		return badRequest(fmt.Sprintf("engine: deriving fingerprint: %v", err))
	}
	e.catalog.TrackURL(fp, originURL)
	e.pool.SetForeground(fp)

	_, knownPlaylist := e.rewriter.HLSKeyFor(fp)
	kind := dispatch.Classify(dispatch.Request{URI: originURL, KnownPlaylistKey: knownPlaylist})

	switch kind {
	case dispatch.KindHLSPlaylist:
		return e.handlePlaylist(ctx, originURL, req.Header)
	case dispatch.KindHLSSegment:
		hlsKey, _ := e.rewriter.HLSKeyFor(fp)
		return e.handleRange(ctx, originURL, req.Header, fp, hlsKey)
	case dispatch.KindMP4Range:
		return e.handleRange(ctx, originURL, req.Header, fp, "")
	default:
		return e.handlePassThrough(ctx, originURL, req.Header)
	}
}

func (e *Engine) handlePlaylist(ctx context.Context, originURL string, headers map[string]string) *proxyserver.Response {
	rewritten, _, err := e.rewriter.Resolve(ctx, originURL, headers)
	if err != nil {
		return badGateway(fmt.Sprintf("engine: resolving playlist: %v", err))
	}
	return &proxyserver.Response{
		StatusCode: http.StatusOK,
		Header:     map[string]string{"Content-Type": "application/vnd.apple.mpegurl"},
		Body:       bytes.NewReader(rewritten),
	}
}

func (e *Engine) handleRange(ctx context.Context, originURL string, headers map[string]string, fp, hlsKey string) *proxyserver.Response {
	start, end, hasRange, ok := mp4range.ParseRange(headerValue(headers, "Range"))
	if !ok {
		return badRequest("engine: malformed Range header")
	}

	status := http.StatusOK
	if hasRange {
		status = http.StatusPartialContent
	}
	respHeader := map[string]string{"Content-Type": "application/octet-stream"}
	if total, known := e.peekTotalBytes(fp, start); known {
		rangeEnd := end
		if rangeEnd < 0 {
			rangeEnd = total - 1
		}
		respHeader["Content-Range"] = mp4range.ContentRangeHeader(start, rangeEnd, total)
	}

	pr, pw := io.Pipe()
	enq := &rangeEnqueuer{engine: e, uri: originURL, headers: headers, hlsKey: hlsKey}
	go func() {
		_, _, err := mp4range.Serve(pw, e.store, enq, e.grid, fp, start, end, defaultPrefetchWindows)
		pw.CloseWithError(err)
	}()

	return &proxyserver.Response{StatusCode: status, Header: respHeader, Body: pr}
}

func (e *Engine) handlePassThrough(ctx context.Context, originURL string, headers map[string]string) *proxyserver.Response {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return badRequest(fmt.Sprintf("engine: building pass-through request: %v", err))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return badGateway(fmt.Sprintf("engine: pass-through fetch: %v", err))
	}
	h := map[string]string{}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		h["Content-Type"] = ct
	}
	return &proxyserver.Response{StatusCode: resp.StatusCode, Header: h, Body: resp.Body}
}

// peekTotalBytes reports the resource's total length if the window
// covering offset is already cached, without reading or copying its bytes
// (mp4range.Serve performs the real read once it starts streaming).
func (e *Engine) peekTotalBytes(fp string, offset int64) (int64, bool) {
	win := e.grid.WindowForOffset(offset)
	key := store.Key{Fingerprint: fp, StartRange: win.Start, EndRange: win.End}
	return e.store.PeekTotal(key)
}

// IsCached reports whether the first cacheSegments grid windows of url are
// fully resident in either cache tier.
func (e *Engine) IsCached(rawURL string, headers map[string]string, cacheSegments int) bool {
	fp, err := fingerprint.Headers(rawURL, headers, e.cfg.CustomCacheID)
	if err != nil {
		return false
	}
	if cacheSegments <= 0 {
		cacheSegments = 1
	}
	offset := int64(0)
	for i := 0; i < cacheSegments; i++ {
		win := e.grid.WindowForOffset(offset)
		key := store.Key{Fingerprint: fp, StartRange: win.Start, EndRange: win.End}
		if !e.store.Has(key) {
			return false
		}
		offset = win.End + 1
	}
	return true
}

// Precache warms the first cacheSegments grid windows of url.
func (e *Engine) Precache(ctx context.Context, rawURL string, headers map[string]string, cacheSegments int) <-chan task.Progress {
	if cacheSegments <= 0 {
		cacheSegments = 2
	}
	var total int64
	offset := int64(0)
	for i := 0; i < cacheSegments; i++ {
		win := e.grid.WindowForOffset(offset)
		total = win.End + 1
		offset = win.End + 1
	}
	return e.PrecacheByte(ctx, rawURL, headers, total, 1)
}

// PrecacheByte warms the first cacheBytes bytes of url, fetching up to
// concurrent windows at once. A run already in flight for the same
// fingerprint returns nil immediately (§8: precacheByte is de-duplicated by
// fingerprint and idempotent).
func (e *Engine) PrecacheByte(ctx context.Context, rawURL string, headers map[string]string, cacheBytes int64, concurrent int) <-chan task.Progress {
	fp, err := fingerprint.Headers(rawURL, headers, e.cfg.CustomCacheID)
	if err != nil {
		return nil
	}
	e.catalog.TrackURL(fp, rawURL)
	if !e.catalog.TryBeginPrecache(fp) {
		e.logger.Debug().Str("fingerprint", fp).Msg("precacheByte joined an in-flight run")
		return nil
	}
	if concurrent <= 0 {
		concurrent = 1
	}
	if cacheBytes <= 0 {
		cacheBytes = 1
	}

	out := make(chan task.Progress, 1)
	go func() {
		defer close(out)
		defer e.catalog.EndPrecache(fp)

		windows := e.grid.WindowsBetween(0, cacheBytes-1)
		sem := make(chan struct{}, concurrent)
		var wg sync.WaitGroup
		for _, win := range windows {
			win := win
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				end := win.End
				t := task.New(rawURL, headers, fp, "", win.Start, &end)
				use := e.submitAndEnqueue(t, task.PriorityLow)
				cur := use.Subscribe()
				for {
					p, ok := cur.Next(ctx.Done())
					if !ok {
						return
					}
					if p.Status.Terminal() {
						out <- p
						return
					}
				}
			}()
		}
		wg.Wait()
	}()
	return out
}

// CancelVideoTasks cancels every task belonging to url's fingerprint or, if
// url is itself (or belongs to) an HLS master, its hlsKey group.
func (e *Engine) CancelVideoTasks(rawURL string, headers map[string]string) int {
	fp, err := fingerprint.Headers(rawURL, headers, e.cfg.CustomCacheID)
	if err != nil {
		return 0
	}
	hlsKey, ok := e.rewriter.HLSKeyFor(fp)
	if !ok {
		if pk, perr := fingerprint.PlaylistKey(rawURL); perr == nil {
			hlsKey = pk
		}
	}
	n := e.registry.CancelVideoTasks(fp, hlsKey)
	e.logger.Info().Str("fingerprint", fp).Str("hlsKey", hlsKey).Int("cancelled", n).Msg("cancelled video tasks")
	return n
}

func (e *Engine) GetTaskCount() int                          { return e.registry.TaskCount() }
func (e *Engine) GetActiveTaskCount() int                    { return e.registry.ActiveTaskCount() }
func (e *Engine) TaskCountStream() *task.Cursor              { return e.registry.TaskCountStream() }
func (e *Engine) GetCachedVideos() []catalog.CachedVideoInfo { return e.catalog.Snapshot() }

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func badRequest(msg string) *proxyserver.Response {
	return &proxyserver.Response{StatusCode: http.StatusBadRequest, Body: bytes.NewReader([]byte(msg))}
}

func badGateway(msg string) *proxyserver.Response {
	return &proxyserver.Response{StatusCode: http.StatusBadGateway, Body: bytes.NewReader([]byte(msg))}
}

package workerpool

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamrelay/mediaproxy/internal/mp4range"
	"github.com/streamrelay/mediaproxy/internal/store"
	"github.com/streamrelay/mediaproxy/internal/task"
	"github.com/streamrelay/mediaproxy/internal/telemetry"
)

func newTestPool(t *testing.T, poolSize int) (*Pool, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(store.Config{MemoryBudgetBytes: 1 << 20, DiskBudgetBytes: 1 << 20, Root: dir})
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	registry := task.NewRegistry()
	m := telemetry.New(reg, st, registry)
	logger := telemetry.NewLogger(false, false)
	p := New(Config{PoolSize: poolSize, IdleReadTimeout: time.Second}, st, logger, m)
	return p, st
}

func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, end := int64(0), int64(len(body)-1)
		if rh := r.Header.Get("Range"); rh != "" {
			var s, e string
			rh = strings.TrimPrefix(rh, "bytes=")
			parts := strings.SplitN(rh, "-", 2)
			s = parts[0]
			if len(parts) > 1 {
				e = parts[1]
			}
			if s != "" {
				start, _ = strconv.ParseInt(s, 10, 64)
			}
			if e != "" {
				end, _ = strconv.ParseInt(e, 10, 64)
			} else {
				end = int64(len(body) - 1)
			}
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func TestEnqueueFetchesAndCachesRange(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	body := []byte(strings.Repeat("a", 1000))
	srv := rangeServer(t, body)
	defer srv.Close()

	p, st := newTestPool(t, 2)
	defer p.Close()

	end := int64(499)
	tk := task.New(srv.URL, nil, "fpA", "", 0, &end)

	cur := tk.Subscribe()
	p.Enqueue(tk, task.PriorityHigh)

	var final task.Progress
	for {
		pr, ok := cur.Next(nil)
		require.True(t, ok)
		if pr.Status.Terminal() {
			final = pr
			break
		}
	}
	require.Equal(t, task.StatusCompleted, final.Status)
	require.Equal(t, int64(500), final.DownloadedBytes)

	data, total, ok := st.Get(store.Key{Fingerprint: "fpA", StartRange: 0, EndRange: end})
	require.True(t, ok)
	require.Equal(t, int64(1000), total)
	require.Equal(t, body[:500], data)
}

func TestCacheHitSkipsFetch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	body := []byte(strings.Repeat("b", 200))
	srv := rangeServer(t, body)

	p, st := newTestPool(t, 1)
	defer p.Close()

	end := int64(199)
	key := store.Key{Fingerprint: "fpB", StartRange: 0, EndRange: end}
	require.NoError(t, st.Put(key, body, int64(len(body))))

	srv.Close() // origin now unreachable; a cache hit must not dial it

	tk := task.New(srv.URL, nil, "fpB", "", 0, &end)
	cur := tk.Subscribe()
	p.Enqueue(tk, task.PriorityHigh)

	pr, ok := cur.Next(nil)
	require.True(t, ok)
	require.Equal(t, task.StatusCompleted, pr.Status)
}

// rangeIgnoringServer always replies 200 with the full body, regardless of
// any Range header sent — modeling an origin that doesn't support range
// requests at all (§4.F).
func rangeIgnoringServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
}

func TestOriginIgnoringRangeSplitsIntoGridWindows(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	body := []byte(strings.Repeat("d", 250))
	srv := rangeIgnoringServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	st, err := store.New(store.Config{MemoryBudgetBytes: 1 << 20, DiskBudgetBytes: 1 << 20, Root: dir})
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	registry := task.NewRegistry()
	m := telemetry.New(reg, st, registry)
	logger := telemetry.NewLogger(false, false)
	grid := mp4range.Grid{SegmentSize: 100, FirstSegmentSize: 100}
	p := New(Config{PoolSize: 1, IdleReadTimeout: time.Second, Grid: grid}, st, logger, m)
	defer p.Close()

	// Ask for the second window, [100, 199], same as mp4range would for an
	// offset landing inside it. The origin ignores Range and returns the
	// whole 250-byte body starting at 0 instead.
	end := int64(199)
	tk := task.New(srv.URL, nil, "fpIgnore", "", 100, &end)

	cur := tk.Subscribe()
	p.Enqueue(tk, task.PriorityHigh)

	var final task.Progress
	for {
		pr, ok := cur.Next(nil)
		require.True(t, ok)
		if pr.Status.Terminal() {
			final = pr
			break
		}
	}
	require.Equal(t, task.StatusCompleted, final.Status)

	// The task's own window is satisfied...
	data, total, ok := st.Get(store.Key{Fingerprint: "fpIgnore", StartRange: 100, EndRange: 199})
	require.True(t, ok)
	require.Equal(t, int64(250), total)
	require.Equal(t, body[100:200], data)

	// ...and so are its siblings, split across the same grid rather than
	// left stored as one oversized blob under the requested window's key.
	data0, _, ok0 := st.Get(store.Key{Fingerprint: "fpIgnore", StartRange: 0, EndRange: 99})
	require.True(t, ok0)
	require.Equal(t, body[0:100], data0)

	data2, _, ok2 := st.Get(store.Key{Fingerprint: "fpIgnore", StartRange: 200, EndRange: 299})
	require.True(t, ok2)
	require.Equal(t, body[200:250], data2)
}

func TestForegroundTaskCompletesWithBackgroundQueued(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	body := []byte(strings.Repeat("c", 10))
	srv := rangeServer(t, body)
	defer srv.Close()

	p, _ := newTestPool(t, 1)
	defer p.Close()

	end := int64(9)
	bg := task.New(srv.URL, nil, "fpBG", "", 0, &end)
	fg := task.New(srv.URL, nil, "fpFG", "", 0, &end)

	p.SetForeground("fpFG")
	p.Enqueue(bg, task.PriorityLow)
	p.Enqueue(fg, task.PriorityHigh)

	curFg := fg.Subscribe()
	pr, ok := curFg.Next(nil)
	for ok && !pr.Status.Terminal() {
		pr, ok = curFg.Next(nil)
	}
	require.Equal(t, task.StatusCompleted, pr.Status)
}

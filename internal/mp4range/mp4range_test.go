package mp4range

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamrelay/mediaproxy/internal/store"
	"github.com/streamrelay/mediaproxy/internal/task"
)

func TestParseRangeDefaultsToWholeResource(t *testing.T) {
	start, end, hasRange, ok := ParseRange("")
	require.True(t, ok)
	require.False(t, hasRange)
	require.Equal(t, int64(0), start)
	require.Equal(t, int64(-1), end)
}

func TestParseRangeBoundedSpan(t *testing.T) {
	start, end, hasRange, ok := ParseRange("bytes=0-499999")
	require.True(t, ok)
	require.True(t, hasRange)
	require.Equal(t, int64(0), start)
	require.Equal(t, int64(499999), end)
}

func TestParseRangeSingleByte(t *testing.T) {
	start, end, _, ok := ParseRange("bytes=10-10")
	require.True(t, ok)
	require.Equal(t, int64(10), start)
	require.Equal(t, int64(10), end)
}

func TestParseRangeRejectsMalformed(t *testing.T) {
	_, _, _, ok := ParseRange("bytes=-500")
	require.False(t, ok)
	_, _, _, ok = ParseRange("nonsense")
	require.False(t, ok)
}

func TestWindowForOffsetWithEqualFirstAndSegmentSize(t *testing.T) {
	g := Grid{SegmentSize: 1000, FirstSegmentSize: 1000}
	require.Equal(t, Window{Index: 0, Start: 0, End: 999}, g.WindowForOffset(0))
	require.Equal(t, Window{Index: 0, Start: 0, End: 999}, g.WindowForOffset(999))
	require.Equal(t, Window{Index: 1, Start: 1000, End: 1999}, g.WindowForOffset(1000))
}

func TestWindowForOffsetWithSmallerFirstSegment(t *testing.T) {
	g := Grid{SegmentSize: 1000, FirstSegmentSize: 200}
	require.Equal(t, Window{Index: 0, Start: 0, End: 199}, g.WindowForOffset(0))
	require.Equal(t, Window{Index: 1, Start: 200, End: 1199}, g.WindowForOffset(200))
	require.Equal(t, Window{Index: 2, Start: 1200, End: 2199}, g.WindowForOffset(1500))
}

func TestWindowsBetweenExactBoundaryProducesSingleWindow(t *testing.T) {
	g := Grid{SegmentSize: 500, FirstSegmentSize: 500}
	windows := g.WindowsBetween(0, 499)
	require.Len(t, windows, 1)
	require.Equal(t, int64(0), windows[0].Start)
	require.Equal(t, int64(499), windows[0].End)
}

func TestWindowsBetweenSpansMultiple(t *testing.T) {
	g := Grid{SegmentSize: 500, FirstSegmentSize: 500}
	windows := g.WindowsBetween(0, 1000)
	require.Len(t, windows, 3)
	require.Equal(t, int64(1000), windows[2].Start)
}

// fakeEnqueuer simulates a registry+pool that completes every submitted
// task immediately with canned bytes.
type fakeEnqueuer struct {
	st      *store.Store
	body    []byte
	total   int64
	submits int
}

func (f *fakeEnqueuer) Submit(fingerprint string, startRange int64, endRange *int64, priority task.Priority) *task.Task {
	f.submits++
	tk := task.New("http://origin/ignored", nil, fingerprint, "", startRange, endRange)

	end := int64(len(f.body) - 1)
	if endRange != nil && *endRange < end {
		end = *endRange
	}
	if startRange > end {
		tk.Publish(task.Progress{Status: task.StatusCompleted, TotalBytes: f.total})
		return tk
	}
	chunk := f.body[startRange : end+1]
	key := store.Key{Fingerprint: fingerprint, StartRange: startRange, EndRange: store.EndRangeValue(endRange)}
	_ = f.st.Put(key, chunk, f.total)
	tk.Publish(task.Progress{DownloadedBytes: int64(len(chunk)), TotalBytes: f.total, Status: task.StatusCompleted})
	return tk
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{MemoryBudgetBytes: 1 << 20, DiskBudgetBytes: 1 << 20, Root: t.TempDir()})
	require.NoError(t, err)
	return st
}

func TestServeColdCacheFetchesAndStreamsSingleWindow(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 2_000_000)
	st := newTestStore(t)
	enq := &fakeEnqueuer{st: st, body: body, total: int64(len(body))}

	var out bytes.Buffer
	grid := Grid{SegmentSize: 2_000_000, FirstSegmentSize: 2_000_000}
	written, total, err := Serve(&out, st, enq, grid, "fp1", 0, 1_999_999, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2_000_000), written)
	require.Equal(t, int64(2_000_000), total)
	require.Equal(t, 1, enq.submits)
}

func TestServeCacheHitIssuesNoFetch(t *testing.T) {
	body := bytes.Repeat([]byte("y"), 500_000)
	st := newTestStore(t)
	key := store.Key{Fingerprint: "fp2", StartRange: 0, EndRange: 1_999_999}
	require.NoError(t, st.Put(key, body, 2_000_000))

	enq := &fakeEnqueuer{st: st}
	var out bytes.Buffer
	grid := Grid{SegmentSize: 2_000_000, FirstSegmentSize: 2_000_000}
	written, _, err := Serve(&out, st, enq, grid, "fp2", 0, 499_999, 1)
	require.NoError(t, err)
	require.Equal(t, int64(500_000), written)
	require.Equal(t, 0, enq.submits)
}

func TestServeEnqueuesPrefetchWindowsAtLowPriority(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 6_000_000)
	st := newTestStore(t)
	enq := &fakeEnqueuer{st: st, body: body, total: int64(len(body))}

	var out bytes.Buffer
	grid := Grid{SegmentSize: 2_000_000, FirstSegmentSize: 2_000_000}
	_, _, err := Serve(&out, st, enq, grid, "fp3", 0, 1_999_999, 3)
	require.NoError(t, err)
	require.Equal(t, 3, enq.submits) // 1 in-flight window + 2 prefetch windows
}

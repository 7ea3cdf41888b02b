package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamrelay/mediaproxy/internal/store"
	"github.com/streamrelay/mediaproxy/internal/task"
)

func newTestCatalog(t *testing.T) (*Catalog, *store.Store, *task.Registry) {
	t.Helper()
	st, err := store.New(store.Config{MemoryBudgetBytes: 1 << 20, DiskBudgetBytes: 1 << 20, Root: t.TempDir()})
	require.NoError(t, err)
	reg := task.NewRegistry()
	return New(st, reg, "/cache/root"), st, reg
}

func TestTrackURLRoundTrip(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	c.TrackURL("fp1", "http://origin.example/v.mp4")

	u, ok := c.URLFor("fp1")
	require.True(t, ok)
	require.Equal(t, "http://origin.example/v.mp4", u)
}

func TestTryBeginPrecacheDedups(t *testing.T) {
	c, _, _ := newTestCatalog(t)
	require.True(t, c.TryBeginPrecache("fp1"))
	require.False(t, c.TryBeginPrecache("fp1"), "second caller for the same fingerprint must join, not duplicate")

	c.EndPrecache("fp1")
	require.True(t, c.TryBeginPrecache("fp1"), "after EndPrecache a fresh call may begin again")
}

func TestSnapshotMergesStoreWithRegistryTotals(t *testing.T) {
	c, st, reg := newTestCatalog(t)
	c.TrackURL("fp1", "http://origin.example/v.mp4")

	memKey := store.Key{Fingerprint: "fp1", StartRange: 0, EndRange: 999}
	require.NoError(t, st.Put(memKey, make([]byte, 1000), 5000))

	end := int64(1999)
	tk := task.New("http://origin.example/v.mp4", nil, "fp1", "", 1000, &end)
	reg.Submit(tk)
	tk.Publish(task.Progress{DownloadedBytes: 1000, TotalBytes: 5000, Status: task.StatusCompleted})

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "fp1", snap[0].Key)
	require.Equal(t, "http://origin.example/v.mp4", snap[0].URL)
	require.Equal(t, int64(1000), snap[0].CachedBytes)
	require.Equal(t, int64(5000), snap[0].TotalBytes)
}

func TestSnapshotOpenEndedKeyHasNilEndRange(t *testing.T) {
	c, st, _ := newTestCatalog(t)
	key := store.Key{Fingerprint: "fp2", StartRange: 0, EndRange: store.OpenEnded}
	require.NoError(t, st.Put(key, []byte("abc"), 0))

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	require.Nil(t, snap[0].EndRange)
}

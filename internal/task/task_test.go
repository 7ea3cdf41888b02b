package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishMonotonicProgress(t *testing.T) {
	end := int64(999)
	tsk := New("http://host/v.mp4", nil, "fp1", "", 0, &end)
	cur := tsk.Subscribe()

	tsk.Publish(Progress{DownloadedBytes: 10, Status: StatusDownloading})
	tsk.Publish(Progress{DownloadedBytes: 50, Status: StatusDownloading})
	tsk.Publish(Progress{DownloadedBytes: 100, Status: StatusCompleted})

	var last int64
	for {
		p, ok := cur.Next(nil)
		if !ok {
			break
		}
		require.GreaterOrEqual(t, p.DownloadedBytes, last)
		last = p.DownloadedBytes
	}
	require.Equal(t, int64(100), last)
}

func TestSubscribeAfterTerminalStillDelivers(t *testing.T) {
	end := int64(99)
	tsk := New("http://host/v.mp4", nil, "fp1", "", 0, &end)
	tsk.Publish(Progress{DownloadedBytes: 100, Status: StatusCompleted})

	cur := tsk.Subscribe()
	p, ok := cur.Next(nil)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, p.Status)
}

func TestSignalOnUnknownOrTerminalTaskIsNoOp(t *testing.T) {
	end := int64(9)
	tsk := New("http://host/v.mp4", nil, "fp1", "", 0, &end)
	tsk.Publish(Progress{Status: StatusCancelled})

	require.NotPanics(t, func() {
		tsk.Signal(SignalCancel)
		tsk.Signal(SignalCancel)
	})
}

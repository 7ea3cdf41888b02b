package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyPlaylistByExtension(t *testing.T) {
	require.Equal(t, KindHLSPlaylist, Classify(Request{URI: "http://host/m.m3u8"}))
}

func TestClassifyPlaylistByQueryFlag(t *testing.T) {
	require.Equal(t, KindHLSPlaylist, Classify(Request{URI: "http://host/m?m3u8=true"}))
}

func TestClassifyPlaylistByContentType(t *testing.T) {
	got := Classify(Request{URI: "http://host/m", ContentType: "application/vnd.apple.mpegurl; charset=utf-8"})
	require.Equal(t, KindHLSPlaylist, got)
}

func TestClassifySegmentRequiresKnownPlaylistKey(t *testing.T) {
	require.Equal(t, KindMP4Range, Classify(Request{URI: "http://host/seg1.ts"}))
	require.Equal(t, KindHLSSegment, Classify(Request{URI: "http://host/seg1.ts", KnownPlaylistKey: true}))
}

func TestClassifyDefaultsToMP4Range(t *testing.T) {
	require.Equal(t, KindMP4Range, Classify(Request{URI: "http://host/video.mp4"}))
}

func TestClassifyEmptyURIFallsThrough(t *testing.T) {
	require.Equal(t, KindPassThrough, Classify(Request{URI: ""}))
}

func TestValidMethod(t *testing.T) {
	require.True(t, ValidMethod("GET"))
	require.True(t, ValidMethod("HEAD"))
	require.False(t, ValidMethod("POST"))
}

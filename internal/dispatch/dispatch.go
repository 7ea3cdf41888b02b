// Package dispatch chooses which handler a request URI should flow through:
// MP4/byte-range, HLS playlist, or HLS segment (§4.E).
package dispatch

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Kind identifies the handler a resolved origin request should use.
type Kind int

const (
	KindMP4Range Kind = iota
	KindHLSPlaylist
	KindHLSSegment
	KindPassThrough
)

func (k Kind) String() string {
	switch k {
	case KindMP4Range:
		return "mp4-range"
	case KindHLSPlaylist:
		return "hls-playlist"
	case KindHLSSegment:
		return "hls-segment"
	case KindPassThrough:
		return "pass-through"
	default:
		return "unknown"
	}
}

var segmentExtensions = map[string]bool{
	".ts":  true,
	".aac": true,
	".m4s": true,
	".mp4": false, // an .mp4-suffixed URI is handled as MP4-range, not an HLS segment
}

const hlsContentType = "application/vnd.apple.mpegurl"

// Request carries the information needed to classify a resolved origin URI.
// ContentType is optional: it is only known once origin response headers
// have arrived, so Classify tolerates an empty value.
type Request struct {
	URI             string
	ContentType     string
	KnownPlaylistKey bool // true if a hlsKey is already registered for this URI's playlist group
}

// Classify selects the handler Kind for req, per §4.E's rules. A URI whose
// scheme is not http or https (an empty URI included) falls through to
// KindPassThrough.
func Classify(req Request) Kind {
	u := req.URI
	if lower := strings.ToLower(u); !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return KindPassThrough
	}
	if qIdx := strings.IndexByte(u, '?'); qIdx >= 0 {
		query := u[qIdx+1:]
		u = u[:qIdx]
		if hasQueryFlag(query, "m3u8", "true") {
			return KindHLSPlaylist
		}
	}

	ext := strings.ToLower(path.Ext(u))
	if ext == ".m3u8" {
		return KindHLSPlaylist
	}
	if ct := baseContentType(req.ContentType); ct == hlsContentType {
		return KindHLSPlaylist
	}
	if isSegmentExtension(ext) && req.KnownPlaylistKey {
		return KindHLSSegment
	}
	if u == "" {
		return KindPassThrough
	}
	return KindMP4Range
}

func isSegmentExtension(ext string) bool {
	known, ok := segmentExtensions[ext]
	return ok && known
}

func baseContentType(raw string) string {
	if raw == "" {
		return ""
	}
	ct, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(raw, ";", 2)[0]))
	}
	return strings.ToLower(ct)
}

func hasQueryFlag(query, key, want string) bool {
	for _, pair := range strings.Split(query, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if kv[0] == key && kv[1] == want {
			return true
		}
	}
	return false
}

// ValidMethod reports whether method is supported by the proxy's client
// surface; everything else is rejected with 405 per §6.
func ValidMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

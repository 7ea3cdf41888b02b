// Package hls fetches, rewrites, and tracks HLS playlists so that every
// media URI a player encounters flows back through the local proxy (§4.G).
package hls

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grafov/m3u8"
	"golang.org/x/sync/singleflight"

	"github.com/streamrelay/mediaproxy/internal/fingerprint"
)

// Fetcher retrieves the raw bytes of a playlist from its origin.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error)
}

type playlistCacheEntry struct {
	raw       []byte
	rewritten []byte
	isMaster  bool
}

// Rewriter fetches, parses, and rewrites HLS playlists, keeping a small
// cache of (raw, rewritten) text keyed by playlistKey so repeat requests for
// an already-seen playlist never re-hit the origin.
//
// Member tracking (memberToHLS) lets the engine attach the correct hlsKey to
// a dispatched segment/key/init request: rewriting a playlist records which
// master fingerprint every descendant URI belongs to, since the player
// re-requests each rewritten URI as an independent top-level proxy request
// with no other indication of its playlist ancestry.
type Rewriter struct {
	proxyIP   string
	proxyPort atomic.Int32
	fetch     Fetcher

	mu    sync.Mutex
	cache map[string]*playlistCacheEntry // playlistKey -> entry

	group singleflight.Group

	groupMu     sync.Mutex
	memberToHLS map[string]string // member fingerprint -> owning master's hlsKey
}

func New(proxyIP string, proxyPort int, fetch Fetcher) *Rewriter {
	r := &Rewriter{
		proxyIP:     proxyIP,
		fetch:       fetch,
		cache:       make(map[string]*playlistCacheEntry),
		memberToHLS: make(map[string]string),
	}
	r.proxyPort.Store(int32(proxyPort))
	return r
}

// SetProxyPort updates the port embedded in every rewritten URI. The proxy
// server's bind port can change after construction (EADDRINUSE fallback),
// so the engine calls this once the server reports its actual bound port.
func (r *Rewriter) SetProxyPort(port int) {
	r.proxyPort.Store(int32(port))
}

// Resolve returns the rewritten playlist text for originURL (a master or
// media playlist), along with its playlistKey (used as both the cache key
// and, for a master, the hlsKey shared by its descendants).
func (r *Rewriter) Resolve(ctx context.Context, originURL string, headers map[string]string) (rewritten []byte, playlistKey string, err error) {
	playlistKey, err = fingerprint.PlaylistKey(originURL)
	if err != nil {
		return nil, "", fmt.Errorf("hls: deriving playlist key: %w", err)
	}

	r.mu.Lock()
	if entry, ok := r.cache[playlistKey]; ok {
		r.mu.Unlock()
		return entry.rewritten, playlistKey, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(playlistKey, func() (any, error) {
		return r.fetchAndRewrite(ctx, originURL, playlistKey, headers)
	})
	if err != nil {
		return nil, playlistKey, err
	}
	return v.([]byte), playlistKey, nil
}

// HLSKeyFor looks up the master hlsKey a previously-rewritten member URI
// (variant, segment, key, or init segment) belongs to. ok is false for a
// playlist/segment the rewriter has never produced a URI for (e.g. the
// master playlist's own request, or a non-HLS resource).
func (r *Rewriter) HLSKeyFor(memberFingerprint string) (string, bool) {
	r.groupMu.Lock()
	defer r.groupMu.Unlock()
	hlsKey, ok := r.memberToHLS[memberFingerprint]
	return hlsKey, ok
}

func (r *Rewriter) associate(memberURL, hlsKey string) {
	fp, err := fingerprint.Of(memberURL, "")
	if err != nil {
		return
	}
	r.groupMu.Lock()
	r.memberToHLS[fp] = hlsKey
	r.groupMu.Unlock()
}

func (r *Rewriter) fetchAndRewrite(ctx context.Context, originURL, playlistKey string, headers map[string]string) ([]byte, error) {
	raw, err := r.fetch.Fetch(ctx, originURL, headers)
	if err != nil {
		return nil, fmt.Errorf("hls: fetching playlist %s: %w", originURL, err)
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(string(raw)), true)
	if err != nil {
		return nil, fmt.Errorf("hls: parsing playlist %s: %w", originURL, err)
	}

	base, err := url.Parse(originURL)
	if err != nil {
		return nil, fmt.Errorf("hls: parsing base URL %s: %w", originURL, err)
	}

	var rewritten []byte
	isMaster := listType == m3u8.MASTER
	switch listType {
	case m3u8.MASTER:
		mp := playlist.(*m3u8.MasterPlaylist)
		r.rewriteMaster(mp, base, playlistKey)
		rewritten = mp.Encode().Bytes()
	case m3u8.MEDIA:
		mp := playlist.(*m3u8.MediaPlaylist)
		// A media playlist reached through a master inherits the master's
		// hlsKey; a standalone one heads its own group.
		groupKey := playlistKey
		if masterKey, ok := r.HLSKeyFor(playlistKey); ok {
			groupKey = masterKey
		}
		r.rewriteMedia(mp, base, groupKey)
		rewritten = mp.Encode().Bytes()
	default:
		return nil, fmt.Errorf("hls: unsupported playlist type for %s", originURL)
	}

	r.mu.Lock()
	r.cache[playlistKey] = &playlistCacheEntry{raw: raw, rewritten: rewritten, isMaster: isMaster}
	r.mu.Unlock()

	return rewritten, nil
}

func (r *Rewriter) rewriteMaster(mp *m3u8.MasterPlaylist, base *url.URL, hlsKey string) {
	for _, v := range mp.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		abs := resolve(base, v.URI)
		r.associate(abs, hlsKey)
		v.URI = proxyURL(r.proxyIP, int(r.proxyPort.Load()), abs)
		for _, alt := range v.Alternatives {
			if alt == nil || alt.URI == "" {
				continue
			}
			altAbs := resolve(base, alt.URI)
			r.associate(altAbs, hlsKey)
			alt.URI = proxyURL(r.proxyIP, int(r.proxyPort.Load()), altAbs)
		}
	}
}

func (r *Rewriter) rewriteMedia(mp *m3u8.MediaPlaylist, base *url.URL, hlsKey string) {
	if mp.Key != nil && mp.Key.URI != "" {
		abs := resolve(base, mp.Key.URI)
		r.associate(abs, hlsKey)
		mp.Key.URI = proxyURL(r.proxyIP, int(r.proxyPort.Load()), abs)
	}
	if mp.Map != nil && mp.Map.URI != "" {
		abs := resolve(base, mp.Map.URI)
		r.associate(abs, hlsKey)
		mp.Map.URI = proxyURL(r.proxyIP, int(r.proxyPort.Load()), abs)
	}
	for _, seg := range mp.Segments {
		if seg == nil {
			continue
		}
		if seg.URI != "" {
			abs := resolve(base, seg.URI)
			r.associate(abs, hlsKey)
			seg.URI = proxyURL(r.proxyIP, int(r.proxyPort.Load()), abs)
		}
		if seg.Key != nil && seg.Key.URI != "" {
			abs := resolve(base, seg.Key.URI)
			r.associate(abs, hlsKey)
			seg.Key.URI = proxyURL(r.proxyIP, int(r.proxyPort.Load()), abs)
		}
		if seg.Map != nil && seg.Map.URI != "" {
			abs := resolve(base, seg.Map.URI)
			r.associate(abs, hlsKey)
			seg.Map.URI = proxyURL(r.proxyIP, int(r.proxyPort.Load()), abs)
		}
		// Byte-range attributes (seg.Limit/seg.Offset) are left untouched:
		// the spec requires EXT-X-BYTERANGE preserved verbatim.
	}
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func proxyURL(ip string, port int, origin string) string {
	escaped := url.QueryEscape(origin)
	return fmt.Sprintf("http://%s:%d/%s?origin=%s", ip, port, escaped, escaped)
}

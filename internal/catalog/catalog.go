// Package catalog tracks which origin URL each fingerprint belongs to and
// assembles the getCachedVideos() snapshot (§6) by merging live task
// registry state with the two-tier store's resident key sets. It also
// de-duplicates concurrent precacheByte calls for the same fingerprint
// (§8: precacheByte is idempotent).
package catalog

import (
	"os"
	"sync"

	"github.com/streamrelay/mediaproxy/internal/store"
	"github.com/streamrelay/mediaproxy/internal/task"
)

// CachedVideoInfo describes one cached byte range plus the best known
// metadata for the resource it belongs to.
type CachedVideoInfo struct {
	Key         string // fingerprint
	URL         string
	StartRange  int64
	EndRange    *int64 // nil means open-ended
	CachedBytes int64
	TotalBytes  int64
	CacheDir    string
}

// Catalog is the registry's URL memory plus the precache dedup ledger.
type Catalog struct {
	store     *store.Store
	registry  *task.Registry
	cacheRoot string

	mu         sync.Mutex
	urls       map[string]string // fingerprint -> origin URL
	precaching map[string]bool   // fingerprint -> precacheByte in flight
}

func New(st *store.Store, reg *task.Registry, cacheRoot string) *Catalog {
	return &Catalog{
		store:      st,
		registry:   reg,
		cacheRoot:  cacheRoot,
		urls:       make(map[string]string),
		precaching: make(map[string]bool),
	}
}

// TrackURL records the origin URL a fingerprint was derived from, so later
// snapshots can report it back.
func (c *Catalog) TrackURL(fingerprint, url string) {
	c.mu.Lock()
	c.urls[fingerprint] = url
	c.mu.Unlock()
}

// URLFor returns the origin URL previously recorded for fingerprint, if any.
func (c *Catalog) URLFor(fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.urls[fingerprint]
	return u, ok
}

// TryBeginPrecache reports whether the caller should start a new
// precacheByte run for fingerprint: false means one is already in flight
// and the caller should treat the call as a no-op join.
func (c *Catalog) TryBeginPrecache(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.precaching[fingerprint] {
		return false
	}
	c.precaching[fingerprint] = true
	return true
}

// EndPrecache releases the dedup slot a TryBeginPrecache(fingerprint) call
// that returned true previously acquired.
func (c *Catalog) EndPrecache(fingerprint string) {
	c.mu.Lock()
	delete(c.precaching, fingerprint)
	c.mu.Unlock()
}

// Snapshot returns one CachedVideoInfo per distinct resident key across
// both store tiers, annotated with the best known total length from any
// registered task sharing its fingerprint.
func (c *Catalog) Snapshot() []CachedVideoInfo {
	totals := c.totalsByFingerprint()

	c.mu.Lock()
	urls := make(map[string]string, len(c.urls))
	for k, v := range c.urls {
		urls[k] = v
	}
	c.mu.Unlock()

	diskMap := c.store.StorageMap()
	memMap := c.store.MemoryMap()

	out := make([]CachedVideoInfo, 0, len(diskMap)+len(memMap))
	for k, size := range memMap {
		out = append(out, c.infoFor(k, size, urls, totals))
	}
	for k, path := range diskMap {
		if _, inMemory := memMap[k]; inMemory {
			continue // memory tier is authoritative for a key resident in both
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		out = append(out, c.infoFor(k, info.Size(), urls, totals))
	}
	return out
}

func (c *Catalog) infoFor(k store.Key, size int64, urls map[string]string, totals map[string]int64) CachedVideoInfo {
	var endPtr *int64
	if k.EndRange != store.OpenEnded {
		end := k.EndRange
		endPtr = &end
	}
	return CachedVideoInfo{
		Key:         k.Fingerprint,
		URL:         urls[k.Fingerprint],
		StartRange:  k.StartRange,
		EndRange:    endPtr,
		CachedBytes: size,
		TotalBytes:  totals[k.Fingerprint],
		CacheDir:    c.cacheRoot,
	}
}

func (c *Catalog) totalsByFingerprint() map[string]int64 {
	totals := make(map[string]int64)
	for _, t := range c.registry.All() {
		p := t.Snapshot()
		if p.TotalBytes > totals[t.Fingerprint] {
			totals[t.Fingerprint] = p.TotalBytes
		}
	}
	return totals
}

// Package store implements the two-tier (memory then disk) LRU byte cache
// that backs segment and playlist storage.
package store

import (
	"os"
	"path/filepath"
)

// Config controls tier sizing and disk layout.
type Config struct {
	MemoryBudgetBytes int64
	DiskBudgetBytes   int64
	// Root is the cache root directory; segments live under Root/videos/.
	Root string
}

// Store is the two-tier LRU described in §4.B: a bounded in-memory tier in
// front of a bounded on-disk tier. Demotion happens on memory eviction,
// promotion happens on memory miss + disk hit.
type Store struct {
	mem  *memoryTier
	disk *diskTier
}

func New(cfg Config) (*Store, error) {
	disk, err := newDiskTier(filepath.Join(cfg.Root, "videos"), cfg.DiskBudgetBytes)
	if err != nil {
		return nil, err
	}
	return &Store{
		mem:  newMemoryTier(cfg.MemoryBudgetBytes),
		disk: disk,
	}, nil
}

// Get returns the bytes for k and the resource's total length (0 if
// unknown), checking memory first and promoting a disk hit into memory.
func (s *Store) Get(k Key) ([]byte, int64, bool) {
	if data, total, ok := s.mem.get(k); ok {
		return data, total, true
	}
	path, ok := s.disk.getPath(k)
	if !ok {
		return nil, 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, false
	}
	total, _ := s.disk.peekTotal(k)
	evicted, _ := s.mem.put(k, data, total)
	s.demoteOverflow(evicted)
	return data, total, true
}

// GetFile returns the on-disk path for k without reading it into memory, or
// false if k is only resident in memory (or not cached at all).
func (s *Store) GetFile(k Key) (string, bool) {
	return s.disk.getPath(k)
}

// Put stores data under k, writing to memory when it fits the memory
// budget (demoting whatever that eviction bumps to disk) and writing
// directly to disk otherwise.
func (s *Store) Put(k Key, data []byte, totalBytes int64) error {
	evicted, fitsMemory := s.mem.put(k, data, totalBytes)
	if !fitsMemory {
		_, err := s.disk.put(k, data, totalBytes)
		return err
	}
	return s.demoteOverflow(evicted)
}

// PutFile registers a file already written at srcPath directly into the
// disk tier, bypassing memory (used when a caller already has the bytes on
// disk, e.g. a worker writing directly as it streams).
func (s *Store) PutFile(k Key, srcPath string) error {
	_, err := s.disk.putFile(k, srcPath)
	return err
}

func (s *Store) Remove(k Key) {
	s.mem.remove(k)
	s.disk.remove(k)
}

// Has reports whether k is resident in either tier.
func (s *Store) Has(k Key) bool {
	return s.mem.has(k) || s.disk.has(k)
}

// StorageMap returns a consistent key->path snapshot of the disk tier.
func (s *Store) StorageMap() map[Key]string {
	return s.disk.snapshot()
}

// MemoryMap returns a consistent key->size snapshot of the memory tier.
func (s *Store) MemoryMap() map[Key]int64 {
	return s.mem.snapshot()
}

func (s *Store) Clear() {
	s.mem.clear()
	s.disk.clear()
}

// ResidentBytes and OnDiskBytes expose current tier usage for metrics.
func (s *Store) ResidentBytes() int64 { return s.mem.residentBytes() }
func (s *Store) OnDiskBytes() int64   { return s.disk.onDiskBytes() }

// PeekTotal reports the resource's total length for k, checking memory then
// disk metadata, without reading or copying k's cached bytes. Used to
// answer "do we already know this resource's size" without paying for a
// full blob read/promotion.
func (s *Store) PeekTotal(k Key) (int64, bool) {
	if total, ok := s.mem.peekTotal(k); ok {
		return total, true
	}
	return s.disk.peekTotal(k)
}

func (s *Store) demoteOverflow(evicted []memEntry) error {
	var firstErr error
	for _, e := range evicted {
		if s.disk.has(e.key) {
			continue
		}
		if _, err := s.disk.put(e.key, e.data, e.totalBytes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package store

import "strconv"

// OpenEnded is the EndRange sentinel value meaning "to EOF".
const OpenEnded int64 = -1

// Key addresses a single cached byte range: the segment belonging to
// Fingerprint spanning [StartRange, EndRange]. EndRange is OpenEnded when
// the range is open-ended ("to EOF").
//
// Key is used directly as a map key, so every field must carry its own
// value equality. A *int64 EndRange would compare by pointer address
// rather than by the pointed-to value, silently breaking lookups whenever
// two logically identical keys were built from distinct allocations — the
// normal case at every call site. Keeping EndRange a plain int64 with a
// sentinel (mirroring task.dedupeKey) avoids that trap entirely.
type Key struct {
	Fingerprint string
	StartRange  int64
	EndRange    int64
}

// String renders the key the same way it appears on disk:
// "<fingerprint>/<startRange>-<endRange-or-empty>".
func (k Key) String() string {
	end := ""
	if k.EndRange != OpenEnded {
		end = strconv.FormatInt(k.EndRange, 10)
	}
	return k.Fingerprint + "/" + strconv.FormatInt(k.StartRange, 10) + "-" + end
}

// endFilenamePart returns the end-range filename component used on disk:
// the literal number, or "" for an open-ended range.
func (k Key) endFilenamePart() string {
	if k.EndRange == OpenEnded {
		return ""
	}
	return strconv.FormatInt(k.EndRange, 10)
}

// EndRangeValue converts a *int64 end-range pointer (nil meaning
// open-ended, as carried by task.Task and the Range-header parse) into the
// value-typed sentinel Key requires.
func EndRangeValue(end *int64) int64 {
	if end == nil {
		return OpenEnded
	}
	return *end
}

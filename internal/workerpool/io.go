package workerpool

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// readResult carries the outcome of one buffered read performed on a
// background goroutine so the caller can bound it with a timeout.
type readResult struct {
	n   int
	err error
}

// readWithDeadline performs a single r.Read(buf), failing with
// errIdleTimeout if no data and no EOF arrive within d. Used so a stalled origin connection
// doesn't hang a worker forever between retries.
func readWithDeadline(r io.Reader, buf []byte, d time.Duration) (int, error) {
	ch := make(chan readResult, 1)
	go func() {
		n, err := r.Read(buf)
		ch <- readResult{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(d):
		return 0, errIdleTimeout
	}
}

var errIdleTimeout = errors.New("workerpool: origin read stalled")

// parseTotalBytes derives the resource's full length from a range fetch
// response: prefer Content-Range's "/total" suffix, fall back to
// Content-Length for a 200 response with no range applied.
func parseTotalBytes(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndexByte(cr, '/'); idx >= 0 {
			suffix := cr[idx+1:]
			if suffix != "*" {
				if total, err := strconv.ParseInt(suffix, 10, 64); err == nil {
					return total
				}
			}
		}
	}
	if resp.StatusCode == http.StatusOK {
		return resp.ContentLength
	}
	return 0
}

package engine

import "github.com/streamrelay/mediaproxy/internal/task"

// rangeEnqueuer adapts one inbound client request to mp4range.Enqueuer: the
// interface carries only (fingerprint, startRange, endRange, priority), so
// the URI/headers/hlsKey a constructed task needs are closed over here
// instead, fresh per request.
type rangeEnqueuer struct {
	engine  *Engine
	uri     string
	headers map[string]string
	hlsKey  string
}

func (e *rangeEnqueuer) Submit(fingerprint string, startRange int64, endRange *int64, priority task.Priority) *task.Task {
	t := task.New(e.uri, e.headers, fingerprint, e.hlsKey, startRange, endRange)
	return e.engine.submitAndEnqueue(t, priority)
}

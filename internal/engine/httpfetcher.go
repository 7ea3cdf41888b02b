package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/streamrelay/mediaproxy/internal/workerpool"
)

// httpFetcher implements hls.Fetcher against a shared *http.Client, reusing
// the same sentinel errors the worker pool uses for ranged fetches so a
// playlist fetch failure classifies the same way under errors.Is.
type httpFetcher struct {
	client *http.Client
}

func newHTTPFetcher(client *http.Client) *httpFetcher {
	return &httpFetcher{client: client}
}

func (f *httpFetcher) Fetch(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: building playlist request for %s: %w", rawURL, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workerpool.ErrOriginUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d", workerpool.ErrOriginStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workerpool.ErrOriginUnreachable, err)
	}
	return body, nil
}

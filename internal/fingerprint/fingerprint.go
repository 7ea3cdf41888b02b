// Package fingerprint derives stable cache keys from origin URLs.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Of returns the hex-encoded fingerprint for rawURL, optionally salted by a
// caller-supplied cache-id value. An empty cacheID leaves the fingerprint
// unsalted, so otherwise-identical URLs collapse to the same key.
func Of(rawURL, cacheID string) (string, error) {
	canon, err := Canonicalize(rawURL)
	if err != nil {
		return "", err
	}
	input := canon
	if cacheID != "" {
		input += "\x00" + cacheID
	}
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:]), nil
}

// Headers derives a fingerprint from rawURL plus a caller-supplied headers
// map, reading the custom cache-id value from headerName (case-insensitive,
// as HTTP header names are). An empty headerName disables salting.
func Headers(rawURL string, headers map[string]string, headerName string) (string, error) {
	return Of(rawURL, lookupHeader(headers, headerName))
}

// PlaylistKey returns the HLS group key for a master playlist URL: the
// fingerprint of the absolute URL alone, with no cache-id salt. All variant
// and media playlists beneath the master share this key as their hlsKey.
func PlaylistKey(rawURL string) (string, error) {
	return Of(rawURL, "")
}

// Canonicalize lowercases scheme and host, strips default ports, and
// preserves path and query verbatim.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("fingerprint: parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	return u.String(), nil
}

func lookupHeader(headers map[string]string, name string) string {
	if name == "" || headers == nil {
		return ""
	}
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

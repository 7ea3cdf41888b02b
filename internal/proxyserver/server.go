// Package proxyserver implements the raw TCP accept loop that fronts the
// proxy: binding (with port-conflict fallback), a periodic self-dial health
// check, and manual HTTP/1.1 request-line/header-block parsing (§4.H). It
// deliberately does not use net/http.Server — the spec needs control over
// framing, the header-size limit, and the bind-retry loop that the stdlib
// server does not expose.
package proxyserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpguts"

	"github.com/streamrelay/mediaproxy/internal/dispatch"
)

const (
	maxHeaderBytes      = 16 * 1024
	maxBindAttempts     = 50
	bindRetryDelay      = time.Second
	headerReadTimeout   = 10 * time.Second
	healthCheckInterval = 10 * time.Second
	healthCheckTimeout  = time.Second
)

// State is the server's lifecycle state (§4.H).
type State int32

const (
	StateStopped State = iota
	StateBinding
	StateListening
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateBinding:
		return "BINDING"
	case StateListening:
		return "LISTENING"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// Request is a parsed client request, header keys preserved as received
// (lookups throughout the codebase are case-insensitive via
// fingerprint.Headers/lookupHeader style helpers).
type Request struct {
	Method    string
	Path      string
	Proto     string
	Header    map[string]string
	OriginURL string
}

// Response is what a Handler wants written back to the client. Body may be
// nil. Header should not include Connection; the server writes
// "Connection: close" itself and adds no Content-Length, so the body ends
// when the server closes the connection.
type Response struct {
	StatusCode int
	Header     map[string]string
	Body       io.Reader
}

// Handler resolves a parsed request to a response. Implementations are
// expected to stream Body directly off the cache/origin fetch pipeline.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

type HandlerFunc func(ctx context.Context, req *Request) *Response

func (f HandlerFunc) Handle(ctx context.Context, req *Request) *Response { return f(ctx, req) }

// Server owns the listening socket, the bind-retry loop, and the
// self-health-check timer.
type Server struct {
	ip      string
	handler Handler
	logger  zerolog.Logger

	mu    sync.Mutex
	port  int
	state State
	ln    net.Listener

	errCh chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ip string, port int, handler Handler, logger zerolog.Logger) *Server {
	return &Server{
		ip:      ip,
		port:    port,
		handler: handler,
		logger:  logger,
		errCh:   make(chan error, 8),
	}
}

// Errors is a broadcast stream of bind/listen/health-check failures (§7).
func (s *Server) Errors() <-chan error { return s.errCh }

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the currently bound port, which may have been incremented
// past the configured port by EADDRINUSE fallback.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the bind/serve/health-check/restart loop until ctx is
// cancelled or Close is called. It blocks; call it from its own goroutine.
func (s *Server) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.setState(StateStopped)

	for {
		if s.ctx.Err() != nil {
			return
		}
		if err := s.bindAndServe(); err != nil {
			s.emitErr(err)
			s.logger.Warn().Err(err).Msg("proxy server cycle ended")
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(bindRetryDelay):
		}
	}
}

// Close cancels the run loop, closes the listener, and waits for every
// in-flight connection handler to return.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) bindAndServe() error {
	s.setState(StateBinding)
	ln, err := s.bind()
	if err != nil {
		return fmt.Errorf("proxyserver: bind: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.setState(StateListening)
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("proxy server listening")

	hcCtx, hcCancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.healthCheckLoop(hcCtx, ln)
	}()

	err = s.acceptLoop(ln)
	hcCancel()
	if s.ctx.Err() == nil {
		s.setState(StateDegraded)
	}
	return err
}

// bind tries the configured port, incrementing on EADDRINUSE until a free
// one is found or maxBindAttempts is exhausted.
func (s *Server) bind() (net.Listener, error) {
	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		s.mu.Lock()
		port := s.port
		s.mu.Unlock()

		addr := net.JoinHostPort(s.ip, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !isAddrInUse(err) {
			return nil, err
		}
		s.mu.Lock()
		s.port++
		s.mu.Unlock()
	}
	return nil, fmt.Errorf("exhausted %d bind attempts from base port", maxBindAttempts)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) healthCheckLoop(ctx context.Context, ln net.Listener) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	addr := ln.Addr().String()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, healthCheckTimeout)
			if err != nil {
				s.emitErr(fmt.Errorf("proxyserver: health check dial %s: %w", addr, err))
				ln.Close()
				return
			}
			conn.Close()
		}
	}
}

func (s *Server) emitErr(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(headerReadTimeout))

	block, err := readHeaderBlock(conn, maxHeaderBytes)
	if err != nil {
		writeStatus(conn, http.StatusBadRequest)
		return
	}

	req, err := parseRequest(block)
	if err != nil {
		writeStatus(conn, http.StatusBadRequest)
		return
	}

	if !dispatch.ValidMethod(req.Method) {
		writeStatus(conn, http.StatusMethodNotAllowed)
		return
	}

	originURL, err := resolveOriginURL(req, net.JoinHostPort(s.ip, strconv.Itoa(s.Port())))
	if err != nil {
		writeStatus(conn, http.StatusBadRequest)
		return
	}
	req.OriginURL = originURL
	stripProxyHeaders(req.Header, net.JoinHostPort(s.ip, strconv.Itoa(s.Port())))

	conn.SetReadDeadline(time.Time{})
	resp := s.handler.Handle(s.ctx, req)
	writeResponse(conn, resp, req.Method == http.MethodHead)
}

// readHeaderBlock reads up to and including the blank line terminating the
// header block, enforcing limit bytes total.
func readHeaderBlock(r io.Reader, limit int) ([]string, error) {
	br := bufio.NewReader(io.LimitReader(r, int64(limit)+1))
	var lines []string
	read := 0
	for {
		line, err := br.ReadString('\n')
		read += len(line)
		if read > limit {
			return nil, fmt.Errorf("proxyserver: header block exceeds %d bytes", limit)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if err != nil {
			if err == io.EOF && trimmed == "" && len(lines) > 0 {
				break
			}
			return nil, fmt.Errorf("proxyserver: reading header block: %w", err)
		}
		if trimmed == "" {
			break
		}
		lines = append(lines, trimmed)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("proxyserver: empty header block")
	}
	return lines, nil
}

func parseRequest(lines []string) (*Request, error) {
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("proxyserver: malformed request line %q", lines[0])
	}
	req := &Request{
		Method: parts[0],
		Path:   parts[1],
		Proto:  parts[2],
		Header: make(map[string]string, len(lines)-1),
	}
	for _, line := range lines[1:] {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			continue
		}
		req.Header[name] = value
	}
	return req, nil
}

// resolveOriginURL implements §4.H's resolution order: absolute path,
// then ?origin=, then Host + X-Forwarded-Proto.
func resolveOriginURL(req *Request, proxyAddr string) (string, error) {
	path := req.Path
	bare := strings.TrimPrefix(path, "/")
	if strings.HasPrefix(bare, "http://") || strings.HasPrefix(bare, "https://") {
		u, _, _ := strings.Cut(bare, "?")
		return u, nil
	}

	if qIdx := strings.IndexByte(path, '?'); qIdx >= 0 {
		values, err := url.ParseQuery(path[qIdx+1:])
		if err == nil {
			if origin := values.Get("origin"); origin != "" {
				return origin, nil
			}
		}
	}

	host, ok := lookupHeaderCI(req.Header, "Host")
	if !ok || host == "" {
		return "", fmt.Errorf("proxyserver: cannot resolve origin: no absolute path, origin query, or Host header")
	}
	proto, ok := lookupHeaderCI(req.Header, "X-Forwarded-Proto")
	if !ok || proto == "" {
		proto = "http"
	}
	urlPath := path
	if qIdx := strings.IndexByte(urlPath, '?'); qIdx >= 0 {
		urlPath = urlPath[:qIdx]
	}
	return fmt.Sprintf("%s://%s%s", proto, host, urlPath), nil
}

// stripProxyHeaders removes headers that must not be forwarded to the
// origin: Host only when it names the proxy itself, and the
// X-Forwarded-* pair unconditionally (§4.H).
func stripProxyHeaders(h map[string]string, proxyAddr string) {
	if host, ok := lookupHeaderCI(h, "Host"); ok && sameHost(host, proxyAddr) {
		deleteHeaderCI(h, "Host")
	}
	deleteHeaderCI(h, "X-Forwarded-Host")
	deleteHeaderCI(h, "X-Forwarded-For")
}

func sameHost(a, b string) bool {
	ah, ap, aerr := net.SplitHostPort(a)
	bh, bp, berr := net.SplitHostPort(b)
	if aerr != nil || berr != nil {
		return strings.EqualFold(a, b)
	}
	return strings.EqualFold(ah, bh) && ap == bp
}

func lookupHeaderCI(h map[string]string, name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func deleteHeaderCI(h map[string]string, name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

// writeResponse writes resp's status line, headers, and (unless skipBody,
// set for HEAD requests) its body. resp.Body is always drained of its
// resources via Close even when the body itself is not written, so a HEAD
// request against a range/pass-through response still releases the
// underlying origin connection or pipe.
func writeResponse(conn net.Conn, resp *Response, skipBody bool) {
	if resp == nil {
		writeStatus(conn, http.StatusBadGateway)
		return
	}
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for k, v := range resp.Header {
		fmt.Fprintf(conn, "%s: %s\r\n", k, v)
	}
	fmt.Fprint(conn, "Connection: close\r\n\r\n")
	if resp.Body == nil {
		return
	}
	if !skipBody {
		io.Copy(conn, resp.Body)
	}
	if c, ok := resp.Body.(io.Closer); ok {
		c.Close()
	}
}

func writeStatus(conn net.Conn, code int) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
}

package proxyserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/streamrelay/mediaproxy/internal/telemetry"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func dial(t *testing.T, addr, request string) string {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(out)
}

func TestHandleEchoesOriginAndBody(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var gotOrigin string
	h := HandlerFunc(func(_ context.Context, req *Request) *Response {
		gotOrigin = req.OriginURL
		return &Response{
			StatusCode: 200,
			Header:     map[string]string{"Content-Type": "text/plain"},
			Body:       strings.NewReader("hello"),
		}
	})

	port := freePort(t)
	s := New("127.0.0.1", port, h, telemetry.NewLogger(false, false))
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() {
		cancel()
		s.Close()
	}()

	addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
	resp := dial(t, addr, "GET /?origin=http%3A%2F%2Forigin.example%2Fv.mp4 HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")

	require.Contains(t, resp, "200 OK")
	require.Contains(t, resp, "hello")
	require.Equal(t, "http://origin.example/v.mp4", gotOrigin)
}

func TestRejectsUnsupportedMethod(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := HandlerFunc(func(_ context.Context, req *Request) *Response {
		return &Response{StatusCode: 200}
	})
	port := freePort(t)
	s := New("127.0.0.1", port, h, telemetry.NewLogger(false, false))
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() {
		cancel()
		s.Close()
	}()

	addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
	resp := dial(t, addr, "POST / HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")
	require.Contains(t, resp, "405")
}

func TestEmptyHeaderBlockReturns400(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := HandlerFunc(func(_ context.Context, req *Request) *Response {
		return &Response{StatusCode: 200}
	})
	port := freePort(t)
	s := New("127.0.0.1", port, h, telemetry.NewLogger(false, false))
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() {
		cancel()
		s.Close()
	}()

	addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
	resp := dial(t, addr, "\r\n\r\n")
	require.Contains(t, resp, "400")
}

func TestBindFallsBackOnPortConflict(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	port := freePort(t)
	blocker, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprint(port)))
	require.NoError(t, err)
	defer blocker.Close()

	h := HandlerFunc(func(_ context.Context, req *Request) *Response {
		return &Response{StatusCode: 200, Body: strings.NewReader("ok")}
	})
	s := New("127.0.0.1", port, h, telemetry.NewLogger(false, false))
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() {
		cancel()
		s.Close()
	}()

	require.Eventually(t, func() bool {
		return s.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)

	require.Greater(t, s.Port(), port)
}

func TestResolveOriginURLFromAbsolutePath(t *testing.T) {
	req := &Request{Path: "/http://origin.example/a.mp4", Header: map[string]string{}}
	u, err := resolveOriginURL(req, "127.0.0.1:20250")
	require.NoError(t, err)
	require.Equal(t, "http://origin.example/a.mp4", u)
}

func TestResolveOriginURLFromHostHeader(t *testing.T) {
	req := &Request{Path: "/a.mp4", Header: map[string]string{"Host": "origin.example", "X-Forwarded-Proto": "https"}}
	u, err := resolveOriginURL(req, "127.0.0.1:20250")
	require.NoError(t, err)
	require.Equal(t, "https://origin.example/a.mp4", u)
}

func TestReadHeaderBlockEnforcesLimit(t *testing.T) {
	huge := strings.Repeat("x", maxHeaderBytes+100)
	r := strings.NewReader("GET / HTTP/1.1\r\nX-Big: " + huge + "\r\n\r\n")
	_, err := readHeaderBlock(r, maxHeaderBytes)
	require.Error(t, err)
}

func TestReadHeaderBlockParsesUntilBlankLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET /x HTTP/1.1\r\nHost: h\r\n\r\nbody-not-consumed"))
	lines, err := readHeaderBlock(r, maxHeaderBytes)
	require.NoError(t, err)
	require.Equal(t, []string{"GET /x HTTP/1.1", "Host: h"}, lines)
}

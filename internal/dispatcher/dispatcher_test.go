package dispatcher

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/watchtower-proxy/watchtower/internal/certauthority"
	"github.com/watchtower-proxy/watchtower/internal/engine"
	"github.com/watchtower-proxy/watchtower/internal/registry"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Bundle, *certauthority.CA) {
	t.Helper()
	dir := t.TempDir()
	bundle, err := registry.Open(dir)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	ca, err := certauthority.New(dir)
	if err != nil {
		t.Fatalf("certauthority.New: %v", err)
	}
	eng := engine.New(bundle, ca, nil, 8888)
	return New(eng, ca, bundle), bundle, ca
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestDispatcher_PlainHTTPReachesEngineMockBranch(t *testing.T) {
	d, bundle, _ := newTestDispatcher(t)
	if _, err := bundle.Mocks().Add("api.example.com", "/ping", "GET", 200, "pong", "text/plain", true); err != nil {
		t.Fatalf("Add mock: %v", err)
	}

	ln := listenLoopback(t)
	go d.Serve(ln)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodGet, "http://api.example.com/ping", nil)
	if err := req.Write(conn); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "pong" {
		t.Fatalf("got status=%d body=%q", resp.StatusCode, body)
	}
}

func TestDispatcher_ConnectBlindTunnelSplicesToUpstream(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	upstream := listenLoopback(t)
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		if string(buf) == "hello" {
			_, _ = conn.Write([]byte("world"))
		}
	}()

	ln := listenLoopback(t)
	go d.Serve(ln)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, upstreamPortStr, _ := net.SplitHostPort(upstream.Addr().String())
	target := net.JoinHostPort("127.0.0.1", upstreamPortStr)
	_, err = conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n"))
	if err != nil {
		t.Fatalf("write connect: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("status line = %q", statusLine)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write tunnel payload: %v", err)
	}
	reply := make([]byte, 5)
	if _, err := io.ReadFull(reader, reply); err != nil {
		t.Fatalf("read tunnel reply: %v", err)
	}
	if string(reply) != "world" {
		t.Fatalf("reply = %q, want world", reply)
	}
}

func TestDispatcher_ConnectInterceptTerminatesTLSWhenRouteIsLocal(t *testing.T) {
	d, bundle, ca := newTestDispatcher(t)

	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen backend: %v", err)
	}
	defer backend.Close()
	go http.Serve(backend, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("intercepted"))
	}))

	backendHost, backendPortStr, _ := net.SplitHostPort(backend.Addr().String())
	backendPort, _ := strconv.Atoi(backendPortStr)
	if _, err := bundle.Routes().Add("secure.example.com", backendHost, uint16(backendPort), true); err != nil {
		t.Fatalf("Add route: %v", err)
	}

	ln := listenLoopback(t)
	go d.Serve(ln)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	target := "secure.example.com:443"
	_, err = conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n"))
	if err != nil {
		t.Fatalf("write connect: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("status line = %q", statusLine)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.RootPEM()) {
		t.Fatalf("failed to parse root CA PEM")
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: "secure.example.com", RootCAs: pool})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("tls handshake: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "https://secure.example.com/", nil)
	if err := req.Write(tlsConn); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "intercepted" {
		t.Fatalf("got status=%d body=%q", resp.StatusCode, body)
	}
}

func TestReadHeader_FindsBlankLineAndPreservesTrailingBytes(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: x\r\n\r\nTRAILING"
	header, end, err := readHeader(bytes.NewReader([]byte(raw)), headerCap)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if string(header[:end]) != "GET / HTTP/1.1\r\nHost: x\r\n\r\n" {
		t.Fatalf("header = %q", header[:end])
	}
	if string(header[end:]) != "TRAILING" {
		t.Fatalf("trailing bytes = %q", header[end:])
	}
}

func TestReadHeader_ErrorsWhenCapExceeded(t *testing.T) {
	raw := bytes.Repeat([]byte("a"), 100)
	if _, _, err := readHeader(bytes.NewReader(raw), 10); err == nil {
		t.Fatalf("expected an error when no blank line appears within the cap")
	}
}

func TestParseRequestLine(t *testing.T) {
	method, target, ok := parseRequestLine("CONNECT example.com:443 HTTP/1.1")
	if !ok || method != "CONNECT" || target != "example.com:443" {
		t.Fatalf("parseRequestLine = %q, %q, %v", method, target, ok)
	}
	if _, _, ok := parseRequestLine("garbage"); ok {
		t.Fatalf("expected ok=false for a malformed request line")
	}
}

func TestNormalizeHostPort(t *testing.T) {
	if got := normalizeHostPort("example.com"); got != "example.com:443" {
		t.Fatalf("normalizeHostPort = %q", got)
	}
	if got := normalizeHostPort("example.com:8443"); got != "example.com:8443" {
		t.Fatalf("normalizeHostPort = %q", got)
	}
}

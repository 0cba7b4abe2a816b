// Package dispatcher implements the ConnectionDispatcher: the per-accepted-
// connection driver for the forward-proxy listener. It distinguishes plain
// HTTP from CONNECT, terminates MITM TLS for intercepted CONNECT tunnels,
// and splices blind CONNECT tunnels end to end.
//
// Grounded on internal/routing/mux.go's buffered-peek protocol detection
// and internal/proxy/proxy.go's handleConnect/handleConnectTunnel/
// handleConnectWithInterception, merged into a single byte-oriented accept
// loop since this proxy must distinguish CONNECT from plain HTTP by request
// line rather than by TLS-record sniffing (the forward listener only ever
// receives cleartext HTTP, the CONNECT's tunnel is what carries TLS).
package dispatcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/watchtower-proxy/watchtower/internal/certauthority"
	"github.com/watchtower-proxy/watchtower/internal/engine"
	"github.com/watchtower-proxy/watchtower/internal/id"
	"github.com/watchtower-proxy/watchtower/internal/log"
	"github.com/watchtower-proxy/watchtower/internal/metrics"
	"github.com/watchtower-proxy/watchtower/internal/registry"
	"github.com/watchtower-proxy/watchtower/internal/router"
)

// headerCap is the maximum number of bytes read while looking for the
// blank line ending the request header, per spec.md §4.4.
const headerCap = 8 * 1024

var crlfcrlf = []byte("\r\n\r\n")

var errHeaderCapExceeded = errors.New("dispatcher: header cap exceeded")

// Dispatcher accepts raw TCP connections on the forward-proxy port and
// routes each one to the RequestEngine, either directly (plain HTTP),
// through a freshly MITM-terminated TLS session (intercepted CONNECT), or
// via a blind byte-for-byte tunnel (pass-through CONNECT).
type Dispatcher struct {
	eng     *engine.Engine
	ca      *certauthority.CA
	bundle  *registry.Bundle
	metrics *metrics.Collector
}

// New builds a ConnectionDispatcher.
func New(eng *engine.Engine, ca *certauthority.CA, bundle *registry.Bundle) *Dispatcher {
	return &Dispatcher{eng: eng, ca: ca, bundle: bundle}
}

// WithMetrics attaches a metrics.Collector, returning the same Dispatcher
// for chaining at construction time.
func (d *Dispatcher) WithMetrics(m *metrics.Collector) *Dispatcher {
	d.metrics = m
	return d
}

// Serve accepts connections from ln until it returns an error (typically
// because the listener was closed by the supervisor).
func (d *Dispatcher) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.handleConn(conn)
	}
}

func (d *Dispatcher) handleConn(conn net.Conn) {
	connLog := log.WithConn(id.Generate("conn"))

	header, headerEnd, err := readHeader(conn, headerCap)
	if err != nil {
		connLog.Debug("reading request header failed", "error", err)
		conn.Close()
		return
	}

	requestLine := requestLineOf(header)
	if method, target, ok := parseRequestLine(requestLine); ok && strings.EqualFold(method, http.MethodConnect) {
		d.handleConnect(connLog, conn, target, header[headerEnd:])
		return
	}

	d.serveHTTP(connLog, newPrependedConn(conn, header), "http")
}

// handleConnect implements spec.md §4.4's CONNECT branch: MITM-terminate
// when the target is routed locally or has logging enabled, otherwise
// splice a blind tunnel.
func (d *Dispatcher) handleConnect(connLog *slog.Logger, clientConn net.Conn, hostPort string, alreadyRead []byte) {
	hostPort = normalizeHostPort(hostPort)
	hostNoPort := hostPort
	if h, _, err := net.SplitHostPort(hostPort); err == nil {
		hostNoPort = h
	}

	snap := d.engineSnapshot()
	decision := router.DecideConnect(hostPort, snap)
	loggingEnabled, _ := d.bundle.Logging().Lookup(strings.ToLower(hostNoPort))

	connLog.Debug("connect dispatched", "host", hostNoPort, "kind", decision.Kind, "logging_enabled", loggingEnabled)

	if decision.Kind == router.KindLocal || loggingEnabled {
		d.handleConnectIntercept(connLog, clientConn, hostNoPort)
		return
	}
	d.handleConnectTunnel(connLog, clientConn, hostPort, alreadyRead)
}

func (d *Dispatcher) engineSnapshot() router.Snapshot {
	return router.Snapshot{
		Routes: d.bundle.Routes().Snapshot(),
		Mocks:  d.bundle.Mocks().Snapshot(),
		// LocalRoutingEnabled reads the lock-free atomic, per spec.md
		// §4.2/§5's hot-path requirement; LoopbackShortcutEnabled has no
		// such accessor and still comes off the mutex-guarded struct.
		LocalRoutingEnabled:     d.bundle.Settings().LocalRoutingEnabled(),
		LoopbackShortcutEnabled: d.bundle.Settings().Get().LoopbackShortcutEnabled,
	}
}

func (d *Dispatcher) handleConnectIntercept(connLog *slog.Logger, clientConn net.Conn, sniHost string) {
	if _, err := clientConn.Write(connectEstablished); err != nil {
		clientConn.Close()
		return
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = sniHost
			}
			return d.ca.TLSCertificate(host)
		},
	}
	tlsConn := tls.Server(clientConn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		connLog.Debug("mitm handshake failed", "host", sniHost, "error", err)
		if d.metrics != nil {
			d.metrics.RecordTLSHandshakeError()
		}
		tlsConn.Close()
		return
	}

	d.serveHTTP(connLog, tlsConn, "https")
}

func (d *Dispatcher) handleConnectTunnel(connLog *slog.Logger, clientConn net.Conn, hostPort string, alreadyRead []byte) {
	settings := d.bundle.Settings().Get()

	upstream, err := engine.DialUpstream(context.Background(), settings.DNSServer, hostPort)
	if err != nil {
		connLog.Debug("dialing upstream for tunneled connect failed", "host", hostPort, "error", err)
		_, _ = clientConn.Write(badGatewayResponse)
		clientConn.Close()
		return
	}

	if _, err := clientConn.Write(connectEstablished); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}
	if len(alreadyRead) > 0 {
		if _, err := upstream.Write(alreadyRead); err != nil {
			clientConn.Close()
			upstream.Close()
			return
		}
	}

	splice(clientConn, upstream)
}

// serveHTTP runs a single-connection HTTP/1.1 server pipeline against
// conn, tagging every request it decodes with scheme for the Router and
// every log line it emits with connLog's connection id.
func (d *Dispatcher) serveHTTP(connLog *slog.Logger, conn net.Conn, scheme string) {
	server := &http.Server{
		Handler:           d.eng.Handler(scheme),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(connLog.Handler(), slog.LevelDebug),
	}
	_ = server.Serve(&singleConnListener{conn: conn})
}

// singleConnListener adapts one already-accepted net.Conn to the
// net.Listener interface so it can be driven by http.Server.Serve,
// matching internal/routing/mux.go's singleConnListener.
type singleConnListener struct {
	conn net.Conn
	once sync.Once
	done bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	var c net.Conn
	l.once.Do(func() { c = l.conn; l.done = true })
	if c == nil {
		return nil, net.ErrClosed
	}
	return c, nil
}

func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// prependedConn replays a captured header prefix before reading further
// from the underlying connection, per spec.md §4.4/§9's prepend-buffer
// abstraction.
type prependedConn struct {
	net.Conn
	prefix *bytes.Reader
}

func newPrependedConn(conn net.Conn, prefix []byte) *prependedConn {
	return &prependedConn{Conn: conn, prefix: bytes.NewReader(prefix)}
}

func (p *prependedConn) Read(b []byte) (int, error) {
	if p.prefix.Len() > 0 {
		return p.prefix.Read(b)
	}
	return p.Conn.Read(b)
}

// splice copies bytes bidirectionally between two connections until
// either side closes, per internal/proxy/proxy.go's handleConnectTunnel.
func splice(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(a, b)
		closeBoth()
	}()
	wg.Wait()
}

var connectEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
var badGatewayResponse = []byte("HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")

// readHeader reads from r until the blank line ending an HTTP header is
// found, returning every byte read so far (which may include bytes past
// the header, already consumed from the socket) and the index marking the
// header's end. It errors if no blank line is found within capBytes.
func readHeader(r io.Reader, capBytes int) (all []byte, headerEnd int, err error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if idx := bytes.Index(buf, crlfcrlf); idx != -1 {
				return buf, idx + len(crlfcrlf), nil
			}
			if len(buf) > capBytes {
				return nil, 0, errHeaderCapExceeded
			}
		}
		if rerr != nil {
			return nil, 0, rerr
		}
	}
}

func requestLineOf(header []byte) string {
	if idx := bytes.IndexByte(header, '\n'); idx != -1 {
		return strings.TrimRight(string(header[:idx]), "\r\n")
	}
	return string(header)
}

// parseRequestLine extracts the method and request-target from an
// HTTP/1.1 request line ("METHOD target HTTP/1.1").
func parseRequestLine(line string) (method, target string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// normalizeHostPort adds the default CONNECT port (443) if target carries
// none, per spec.md §4.4.
func normalizeHostPort(target string) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return net.JoinHostPort(target, "443")
}

// Package reverselistener implements the two reverse-proxy listeners
// (§4.6): a plain HTTP listener and a TLS-terminating HTTPS listener, each
// independently startable/stoppable, both driven by the same RequestEngine
// the forward-proxy dispatcher uses.
//
// Grounded on internal/proxy/server.go's Server (bind address default,
// OS-assigned-port listener, background http.Server.Serve goroutine,
// context-based Shutdown) and on internal/routing/mux.go's TLS-terminating
// listener pattern for the HTTPS variant.
package reverselistener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/watchtower-proxy/watchtower/internal/certauthority"
	"github.com/watchtower-proxy/watchtower/internal/engine"
)

// Listener is a single reverse-proxy endpoint bound to one port, serving
// RequestEngine decisions for the scheme it was built for.
type Listener struct {
	scheme   string
	bindAddr string
	handler  http.Handler
	ca       *certauthority.CA // nil for the plain HTTP listener

	listener net.Listener
	server   *http.Server
	addr     string
}

// NewHTTP builds the plain-HTTP reverse listener.
func NewHTTP(eng *engine.Engine, bindAddr string) *Listener {
	return &Listener{scheme: "http", bindAddr: bindAddr, handler: eng.Handler("http")}
}

// NewHTTPS builds the TLS-terminating reverse listener. Leaf certificates
// are minted on demand by ca, keyed by the TLS ClientHello's SNI, matching
// the dispatcher's MITM path so both routes hand a client the same
// certificate material for a given host.
func NewHTTPS(eng *engine.Engine, ca *certauthority.CA, bindAddr string) *Listener {
	return &Listener{scheme: "https", bindAddr: bindAddr, handler: eng.Handler("https"), ca: ca}
}

// Start binds port (0 for an OS-assigned port) and begins serving in the
// background. Start must be called at most once per Listener.
func (l *Listener) Start(port uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", l.bindAddr, port))
	if err != nil {
		return fmt.Errorf("reverselistener: binding %s listener: %w", l.scheme, err)
	}

	if l.ca != nil {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				return l.ca.TLSCertificate(hello.ServerName)
			},
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	l.listener = ln
	l.addr = ln.Addr().String()
	l.server = &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		_ = l.server.Serve(ln)
	}()
	return nil
}

// Addr returns the bound address (host:port), valid only after Start.
func (l *Listener) Addr() string { return l.addr }

// Port returns the bound port as reported by the OS.
func (l *Listener) Port() uint16 {
	_, port, err := net.SplitHostPort(l.addr)
	if err != nil {
		return 0
	}
	var p uint16
	_, _ = fmt.Sscanf(port, "%d", &p)
	return p
}

// Stop gracefully shuts down the listener and clears its bound address, so
// Port returns 0 once the listener is stopped.
func (l *Listener) Stop(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	err := l.server.Shutdown(ctx)
	l.addr = ""
	return err
}

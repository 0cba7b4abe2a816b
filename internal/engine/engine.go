// Package engine implements the RequestEngine: given a decoded HTTP/1.1
// request and the Router's decision for it, serve a mock, forward to a
// local backend, pass the request through to its real upstream, or answer
// one of the reserved /.watchtower/ endpoints.
//
// Grounded on internal/proxy/proxy.go's handleHTTP/handleConnectWithInterception
// (header copying, hop-by-hop stripping, body capture-and-stream) and on
// getmockd-mockd's handleDownloadCA (other_examples/2dab52e4_getmockd-mockd__pkg-admin-proxy_handlers.go.go)
// for the CA-download Content-Disposition convention.
package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/watchtower-proxy/watchtower/internal/applog"
	"github.com/watchtower-proxy/watchtower/internal/certauthority"
	"github.com/watchtower-proxy/watchtower/internal/log"
	"github.com/watchtower-proxy/watchtower/internal/metrics"
	"github.com/watchtower-proxy/watchtower/internal/registry"
	"github.com/watchtower-proxy/watchtower/internal/router"
)

// hopByHopHeaders are stripped before forwarding a request, per spec.md
// §4.5. "host" is handled separately (preserved verbatim on the outgoing
// request's Host field, not copied as a header).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade", "Host",
}

const dialTimeout = 10 * time.Second

// Engine wires the Router's decisions to concrete handling: mock
// responses, local-backend forwarding, upstream pass-through, and the
// reserved setup/PAC/certificate endpoints.
type Engine struct {
	bundle      *registry.Bundle
	ca          *certauthority.CA
	logs        *applog.Writer
	metrics     *metrics.Collector
	forwardPort uint16
}

// New builds a RequestEngine. forwardPort is the forward-proxy listener's
// port, used to render the PAC script. Metrics are attached separately with
// WithMetrics; an Engine without them records no metrics (used by tests
// that don't care about them).
func New(bundle *registry.Bundle, ca *certauthority.CA, logs *applog.Writer, forwardPort uint16) *Engine {
	return &Engine{bundle: bundle, ca: ca, logs: logs, forwardPort: forwardPort}
}

// WithMetrics attaches a metrics.Collector, returning the same Engine for
// chaining at construction time.
func (e *Engine) WithMetrics(m *metrics.Collector) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) recordRequest(decision string) {
	if e.metrics != nil {
		e.metrics.RecordRequest(decision)
	}
}

func (e *Engine) observeUpstream(decision string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveUpstreamDuration(decision, d)
	}
}

// Handler returns an http.Handler that serves requests arriving over a
// connection of the given scheme ("http" or "https"). Dispatcher and
// ReverseListeners each bind one Handler per scheme they terminate.
func (e *Engine) Handler(scheme string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.serve(scheme, w, r)
	})
}

func (e *Engine) serve(scheme string, w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)
	pathAndQuery := requestPathAndQuery(r)

	snap := e.snapshot()
	decision := router.Decide(scheme, host, pathAndQuery, r.Method, snap)
	hostNoPort := stripPort(host)

	switch decision.Kind {
	case router.KindReserved:
		e.recordRequest("reserved")
		e.serveReserved(w, r, decision)
	case router.KindMock:
		e.recordRequest("mock")
		e.serveMock(w, r, decision, hostNoPort)
	case router.KindLocal:
		e.recordRequest("local")
		e.serveLocal(w, r, decision, host, hostNoPort)
	default:
		e.recordRequest("passthrough")
		e.servePassthrough(w, r, decision, host, hostNoPort, scheme)
	}
}

func (e *Engine) snapshot() router.Snapshot {
	return router.Snapshot{
		Routes: e.bundle.Routes().Snapshot(),
		Mocks:  e.bundle.Mocks().Snapshot(),
		// LocalRoutingEnabled reads the lock-free atomic, per spec.md
		// §4.2/§5's hot-path requirement; LoopbackShortcutEnabled has no
		// such accessor and still comes off the mutex-guarded struct.
		LocalRoutingEnabled:     e.bundle.Settings().LocalRoutingEnabled(),
		LoopbackShortcutEnabled: e.bundle.Settings().Get().LoopbackShortcutEnabled,
	}
}

// --- Mock branch ---

func (e *Engine) serveMock(w http.ResponseWriter, r *http.Request, d router.Decision, hostNoPort string) {
	start := time.Now()
	m := d.Mock
	contentType := m.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(int(m.StatusCode))
	_, _ = io.WriteString(w, m.ResponseBody)

	loggingEnabled, _ := e.bundle.Logging().Lookup(hostNoPort)
	if !loggingEnabled {
		return
	}
	e.appendLog(applog.LogEntry{
		ID:              applog.NextID(),
		TimestampMs:     time.Now().UnixMilli(),
		Method:          r.Method,
		URL:             r.URL.String(),
		Host:            hostNoPort,
		Path:            r.URL.Path,
		StatusCode:      int(m.StatusCode),
		RequestHeaders:  applog.HeaderMap(r.Header),
		ResponseHeaders: map[string]string{"content-type": contentType},
		Source:          "mock",
		ElapsedMs:       time.Since(start).Milliseconds(),
	})
}

// --- Local branch ---

func (e *Engine) serveLocal(w http.ResponseWriter, r *http.Request, d router.Decision, host, hostNoPort string) {
	start := time.Now()
	target := net.JoinHostPort(d.TargetHost, strconv.Itoa(int(d.TargetPort)))

	conn, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		http.Error(w, fmt.Sprintf("watchtower: local target %s unreachable: %v", target, err), http.StatusBadGateway)
		return
	}
	defer conn.Close()

	outURL, err := url.ParseRequestURI(d.PathAndQuery)
	if err != nil {
		http.Error(w, "watchtower: malformed request target", http.StatusBadRequest)
		return
	}

	loggingEnabled, bodyEnabled := e.bundle.Logging().Lookup(hostNoPort)

	reqBody := r.Body
	var reqCapture *applog.BodyCapture
	if loggingEnabled && bodyEnabled {
		reqCapture = applog.CaptureBody(r.Body)
		reqBody = reqCapture
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), reqBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	outReq.Host = host // preserve the client's Host header verbatim, per spec.md §4.5.
	copyHeadersExceptHopByHop(outReq.Header, r.Header)

	if err := outReq.Write(conn); err != nil {
		http.Error(w, "watchtower: failed writing request to local target", http.StatusBadGateway)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), outReq)
	if err != nil {
		http.Error(w, "watchtower: malformed response from local target", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	e.observeUpstream("local", time.Since(start))

	respBody := resp.Body
	var respCapture *applog.BodyCapture
	if loggingEnabled && bodyEnabled {
		respCapture = applog.CaptureBody(resp.Body)
		respBody = respCapture
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, respBody)

	if !loggingEnabled {
		return
	}
	entry := applog.LogEntry{
		ID:              applog.NextID(),
		TimestampMs:     time.Now().UnixMilli(),
		Method:          r.Method,
		URL:             d.PathAndQuery,
		Host:            hostNoPort,
		Path:            outURL.Path,
		StatusCode:      resp.StatusCode,
		RequestHeaders:  applog.HeaderMap(r.Header),
		ResponseHeaders: applog.HeaderMap(resp.Header),
		Source:          "proxy",
		ElapsedMs:       time.Since(start).Milliseconds(),
	}
	if bodyEnabled {
		entry.RequestBody = string(reqCapture.Bytes())
		entry.ResponseBody = string(respCapture.Bytes())
	}
	e.appendLog(entry)
}

// --- Pass-through branch ---

func (e *Engine) servePassthrough(w http.ResponseWriter, r *http.Request, d router.Decision, host, hostNoPort, scheme string) {
	start := time.Now()
	settings := e.bundle.Settings().Get()

	targetURL, err := url.Parse(d.TargetURL)
	if err != nil {
		http.Error(w, "watchtower: malformed upstream target", http.StatusBadGateway)
		return
	}

	if settings.DNSServer != "" {
		if resolved, rerr := resolveOverride(r.Context(), settings.DNSServer, targetURL.Hostname()); rerr == nil {
			port := targetURL.Port()
			if port == "" {
				port = defaultPort(targetURL.Scheme)
			}
			targetURL.Host = net.JoinHostPort(resolved.String(), port)
		} else {
			log.Debug("dns override lookup failed, using original authority", "host", targetURL.Hostname(), "dns_server", settings.DNSServer, "error", rerr)
		}
	}

	loggingEnabled, bodyEnabled := e.bundle.Logging().Lookup(hostNoPort)

	reqBody := r.Body
	var reqCapture *applog.BodyCapture
	if loggingEnabled && bodyEnabled {
		reqCapture = applog.CaptureBody(r.Body)
		reqBody = reqCapture
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), reqBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	outReq.Host = d.OriginalHost
	copyHeadersExceptHopByHop(outReq.Header, r.Header)

	// Upstream TLS verification defaults to enabled; only an explicit
	// InsecureSkipUpstreamVerify opt-in disables it (SPEC_FULL.md §9).
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: settings.InsecureSkipUpstreamVerify},
	}

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()
	e.observeUpstream("passthrough", time.Since(start))

	respBody := resp.Body
	var respCapture *applog.BodyCapture
	if loggingEnabled && bodyEnabled {
		respCapture = applog.CaptureBody(resp.Body)
		respBody = respCapture
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, respBody)

	if !loggingEnabled {
		return
	}
	entry := applog.LogEntry{
		ID:              applog.NextID(),
		TimestampMs:     time.Now().UnixMilli(),
		Method:          r.Method,
		URL:             d.TargetURL,
		Host:            hostNoPort,
		Path:            targetURL.Path,
		StatusCode:      resp.StatusCode,
		RequestHeaders:  applog.HeaderMap(r.Header),
		ResponseHeaders: applog.HeaderMap(resp.Header),
		Source:          "proxy",
		ElapsedMs:       time.Since(start).Milliseconds(),
	}
	if bodyEnabled {
		entry.RequestBody = string(reqCapture.Bytes())
		entry.ResponseBody = string(respCapture.Bytes())
	}
	e.appendLog(entry)
}

// writeUpstreamError classifies an upstream RoundTrip failure per spec.md
// §7 and writes a 502 with a distinct diagnostic message per class.
func writeUpstreamError(w http.ResponseWriter, err error) {
	msg := "watchtower: upstream request failed: " + err.Error()
	switch {
	case strings.Contains(err.Error(), "timeout"):
		msg = "watchtower: upstream timeout: " + err.Error()
	case strings.Contains(err.Error(), "connect"), strings.Contains(err.Error(), "connection refused"):
		msg = "watchtower: upstream connect failed: " + err.Error()
	}
	http.Error(w, msg, http.StatusBadGateway)
}

// --- Reserved endpoints ---

func (e *Engine) serveReserved(w http.ResponseWriter, r *http.Request, d router.Decision) {
	switch d.ReservedKind {
	case router.ReservedPAC:
		e.servePAC(w)
	case router.ReservedCACert:
		e.serveCACert(w)
	case router.ReservedHostCert:
		e.serveHostCert(w, d.ReservedHost)
	default:
		e.serveSetup(w)
	}
}

func (e *Engine) servePAC(w http.ResponseWriter) {
	var b strings.Builder
	b.WriteString("function FindProxyForURL(url, host) {\n")
	for _, rt := range e.bundle.Routes().Snapshot() {
		if !rt.Enabled {
			continue
		}
		domain := rt.Domain
		if u, err := url.Parse(domain); err == nil && u.Host != "" {
			domain = u.Host
		}
		fmt.Fprintf(&b, "  if (dnsDomainIs(host, %q)) { return \"PROXY 127.0.0.1:%d\"; }\n", domain, e.forwardPort)
	}
	b.WriteString("  return \"DIRECT\";\n}\n")

	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, b.String())
}

func (e *Engine) serveSetup(w http.ResponseWriter) {
	html := strings.ReplaceAll(setupPageTemplate, "%PROXY_PORT%", strconv.Itoa(int(e.forwardPort)))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, html)
}

func (e *Engine) serveCACert(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", "attachment; filename=watchtower-ca.crt")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(e.ca.RootPEM())
}

func (e *Engine) serveHostCert(w http.ResponseWriter, host string) {
	if host == "" {
		http.NotFound(w, nil)
		return
	}
	ck, err := e.ca.GetOrCreate(host)
	if err != nil {
		http.Error(w, "watchtower: certificate generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.crt", host))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ck.LeafPEM)
}

const setupPageTemplate = `<!DOCTYPE html>
<html>
<head><title>Watchtower</title></head>
<body>
<h1>Watchtower proxy</h1>
<p>Forward proxy listening on port %PROXY_PORT%.</p>
<ul>
  <li><a href="/.watchtower/cert/ca.crt">Download the root CA certificate</a></li>
  <li><a href="/.watchtower/proxy.pac">Download the PAC auto-config script</a></li>
</ul>
</body>
</html>
`

func (e *Engine) appendLog(entry applog.LogEntry) {
	if e.logs == nil {
		return
	}
	if err := e.logs.Append(entry); err != nil {
		log.Error("failed to append log entry", "error", err)
	}
}

// --- helpers ---

func requestHost(r *http.Request) string {
	if r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Host
}

func requestPathAndQuery(r *http.Request) string {
	p := r.URL.EscapedPath()
	if p == "" {
		p = "/"
	}
	if r.URL.RawQuery != "" {
		p += "?" + r.URL.RawQuery
	}
	return p
}

func stripPort(hostWithPort string) string {
	if h, _, err := net.SplitHostPort(hostWithPort); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(hostWithPort)
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func copyHeadersExceptHopByHop(dst, src http.Header) {
	for k, vs := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// DialUpstream dials hostWithPort for a blind CONNECT tunnel, honoring an
// optional DNS override server exactly like the pass-through branch above,
// so ConnectionDispatcher (§4.4) and RequestEngine (§4.5) resolve hosts
// identically.
func DialUpstream(ctx context.Context, dnsServer, hostWithPort string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(hostWithPort)
	if err != nil {
		return nil, fmt.Errorf("invalid host:port %q: %w", hostWithPort, err)
	}
	if dnsServer != "" {
		if resolved, rerr := resolveOverride(ctx, dnsServer, host); rerr == nil {
			hostWithPort = net.JoinHostPort(resolved.String(), port)
		}
	}
	dialer := net.Dialer{Timeout: dialTimeout}
	return dialer.DialContext(ctx, "tcp", hostWithPort)
}

// resolveOverride resolves host via a configured DNS override server
// (ip[:port], default port 53) using a plain UDP A-record query, per
// spec.md §4.5.
func resolveOverride(ctx context.Context, dnsServer, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	addr := dnsServer
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	client := new(dns.Client)
	resp, _, err := client.ExchangeContext(ctx, msg, addr)
	if err != nil {
		return nil, fmt.Errorf("querying %s for %s: %w", dnsServer, host, err)
	}
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, fmt.Errorf("no A record for %s via %s", host, dnsServer)
}

package engine

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/miekg/dns"

	"github.com/watchtower-proxy/watchtower/internal/certauthority"
	"github.com/watchtower-proxy/watchtower/internal/registry"
)

// newFakeDNSServer answers every A-record query with ip, letting tests
// exercise the DNS-override branch (spec.md §4.5, testable scenario 5)
// without depending on a real resolver.
func newFakeDNSServer(t *testing.T, ip net.IP) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	server := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetReply(r)
		if len(r.Question) > 0 {
			msg.Answer = append(msg.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   ip,
			})
		}
		_ = w.WriteMsg(msg)
	})}
	go server.ActivateAndServe()
	t.Cleanup(func() { server.Shutdown() })
	return pc.LocalAddr().String()
}

func newTestEngine(t *testing.T) (*Engine, *registry.Bundle) {
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
	return New(bundle, ca, nil, 8888), bundle
}

func TestEngine_MockBranch(t *testing.T) {
	eng, bundle := newTestEngine(t)
	if _, err := bundle.Mocks().Add("api.example.com", "/health", "GET", 200, `{"ok":true}`, "", true); err != nil {
		t.Fatalf("Add mock: %v", err)
	}

	frontend := httptest.NewServer(eng.Handler("http"))
	defer frontend.Close()

	req, _ := http.NewRequest(http.MethodGet, frontend.URL+"/health", nil)
	req.Host = "api.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != `{"ok":true}` {
		t.Fatalf("got status=%d body=%q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json (mock default)", ct)
	}
}

func TestEngine_LocalBranch_PreservesHostHeader(t *testing.T) {
	eng, bundle := newTestEngine(t)

	var gotHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		_, _ = w.Write([]byte("pong"))
	}))
	defer backend.Close()

	backendHost, backendPortStr, _ := net.SplitHostPort(backend.Listener.Addr().String())
	backendPort, _ := strconv.Atoi(backendPortStr)
	if _, err := bundle.Routes().Add("api.example.com", backendHost, uint16(backendPort), true); err != nil {
		t.Fatalf("Add route: %v", err)
	}

	frontend := httptest.NewServer(eng.Handler("http"))
	defer frontend.Close()

	req, _ := http.NewRequest(http.MethodGet, frontend.URL+"/ping", nil)
	req.Host = "api.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "pong" {
		t.Fatalf("got status=%d body=%q", resp.StatusCode, body)
	}
	if gotHost != "api.example.com" {
		t.Fatalf("backend observed Host=%q, want api.example.com", gotHost)
	}
}

func TestEngine_DisabledRouteFallsThroughToPassthrough(t *testing.T) {
	eng, bundle := newTestEngine(t)

	var upstreamHit bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	if _, err := bundle.Routes().Add(upstream.Listener.Addr().String(), "127.0.0.1", 1, false); err != nil {
		t.Fatalf("Add route: %v", err)
	}

	frontend := httptest.NewServer(eng.Handler("http"))
	defer frontend.Close()

	req, _ := http.NewRequest(http.MethodGet, frontend.URL+"/", nil)
	req.Host = upstream.Listener.Addr().String()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if !upstreamHit {
		t.Fatalf("expected the disabled route to be skipped and the request to reach the real upstream")
	}
}

func TestEngine_ReservedCACert(t *testing.T) {
	eng, _ := newTestEngine(t)
	frontend := httptest.NewServer(eng.Handler("http"))
	defer frontend.Close()

	resp, err := http.Get(frontend.URL + "/.watchtower/cert/ca.crt")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Disposition") == "" {
		t.Fatalf("expected a Content-Disposition header on the CA download")
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("CERTIFICATE")) {
		t.Fatalf("expected a PEM body, got %q", body)
	}
}

func TestEngine_ReservedHostCert(t *testing.T) {
	eng, _ := newTestEngine(t)
	frontend := httptest.NewServer(eng.Handler("http"))
	defer frontend.Close()

	resp, err := http.Get(frontend.URL + "/.watchtower/cert/api.example.com")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || !bytes.Contains(body, []byte("CERTIFICATE")) {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
}

func TestEngine_ReservedPAC(t *testing.T) {
	eng, bundle := newTestEngine(t)
	if _, err := bundle.Routes().Add("https://api.example.com", "127.0.0.1", 3000, true); err != nil {
		t.Fatalf("Add route: %v", err)
	}
	frontend := httptest.NewServer(eng.Handler("http"))
	defer frontend.Close()

	resp, err := http.Get(frontend.URL + "/.watchtower/proxy.pac")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "api.example.com") {
		t.Fatalf("pac script missing route host: %s", body)
	}
	if !strings.Contains(string(body), "DIRECT") {
		t.Fatalf("pac script missing DIRECT fallback: %s", body)
	}
}

func TestEngine_PassthroughHonorsDNSOverride(t *testing.T) {
	eng, bundle := newTestEngine(t)

	var upstreamHit bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
		_, _ = w.Write([]byte("resolved"))
	}))
	defer upstream.Close()
	upstreamHost, upstreamPortStr, _ := net.SplitHostPort(upstream.Listener.Addr().String())

	dnsAddr := newFakeDNSServer(t, net.ParseIP(upstreamHost))
	settings := bundle.Settings().Get()
	settings.DNSServer = dnsAddr
	if err := bundle.Settings().Update(settings); err != nil {
		t.Fatalf("Settings().Update: %v", err)
	}

	frontend := httptest.NewServer(eng.Handler("http"))
	defer frontend.Close()

	req, _ := http.NewRequest(http.MethodGet, frontend.URL+"/", nil)
	req.Host = "dns-override.example.org:" + upstreamPortStr
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !upstreamHit {
		t.Fatalf("expected the DNS-overridden request to reach the real upstream")
	}
	if resp.StatusCode != 200 || string(body) != "resolved" {
		t.Fatalf("got status=%d body=%q", resp.StatusCode, body)
	}
}

func TestDialUpstream_HonorsDNSOverride(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tunnel"))
	}))
	defer upstream.Close()
	upstreamHost, upstreamPortStr, _ := net.SplitHostPort(upstream.Listener.Addr().String())

	dnsAddr := newFakeDNSServer(t, net.ParseIP(upstreamHost))

	conn, err := DialUpstream(context.Background(), dnsAddr, "dns-override.example.org:"+upstreamPortStr)
	if err != nil {
		t.Fatalf("DialUpstream: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: dns-override.example.org\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(buf[:n], []byte("tunnel")) {
		t.Fatalf("expected response body from the DNS-resolved upstream, got %q", buf[:n])
	}
}

func TestEngine_PassthroughPreservesHost(t *testing.T) {
	eng, _ := newTestEngine(t)

	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		_, _ = w.Write([]byte("upstream"))
	}))
	defer upstream.Close()

	frontend := httptest.NewServer(eng.Handler("http"))
	defer frontend.Close()

	req, _ := http.NewRequest(http.MethodGet, frontend.URL+"/", nil)
	req.Host = upstream.Listener.Addr().String()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "upstream" {
		t.Fatalf("got status=%d body=%q", resp.StatusCode, body)
	}
	if gotHost != upstream.Listener.Addr().String() {
		t.Fatalf("upstream observed Host=%q, want %q", gotHost, upstream.Listener.Addr().String())
	}
}

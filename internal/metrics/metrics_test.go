package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollector_RecordRequestAppearsInScrape(t *testing.T) {
	c := New()
	c.RecordRequest("mock")
	c.RecordRequest("mock")
	c.RecordRequest("passthrough")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `watchtower_proxy_requests_total{decision="mock"} 2`) {
		t.Fatalf("scrape missing mock counter: %s", body)
	}
	if !strings.Contains(body, `watchtower_proxy_requests_total{decision="passthrough"} 1`) {
		t.Fatalf("scrape missing passthrough counter: %s", body)
	}
}

func TestCollector_ObserveUpstreamDuration(t *testing.T) {
	c := New()
	c.ObserveUpstreamDuration("local", 50*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "watchtower_proxy_upstream_duration_seconds") {
		t.Fatalf("scrape missing upstream duration histogram")
	}
}

func TestCollector_RecordTLSHandshakeError(t *testing.T) {
	c := New()
	c.RecordTLSHandshakeError()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "watchtower_proxy_tls_handshake_errors_total 1") {
		t.Fatalf("scrape missing tls handshake error counter: %s", rec.Body.String())
	}
}

package registry

// Route is a single host -> local-backend redirection entry.
//
// Domain is either a bare hostname ("api.example.com") or a
// scheme-annotated URL ("https://api.example.com"); the scheme, when
// present, is used by the Router's tie-break rule (spec.md §4.3) to prefer
// a route that matches the request's scheme.
type Route struct {
	ID         uint32 `json:"id"`
	Domain     string `json:"domain"`
	TargetHost string `json:"target_host"`
	TargetPort uint16 `json:"target_port"`
	Enabled    bool   `json:"enabled"`
}

// Mock is a canned response served by the proxy itself for a given
// (host, path, method). The first enabled match wins.
type Mock struct {
	ID           string `json:"id"`
	Host         string `json:"host"`
	Path         string `json:"path"`
	Method       string `json:"method"`
	StatusCode   uint16 `json:"status_code"`
	ResponseBody string `json:"response_body"`
	ContentType  string `json:"content_type"`
	Enabled      bool   `json:"enabled"`
}

// LoggingLink associates a host with its logging configuration. Hosts
// absent from the registry have logging disabled by construction (no
// entry = no logging).
type LoggingLink struct {
	Host           string `json:"host"`
	LoggingEnabled bool   `json:"logging_enabled"`
	BodyEnabled    bool   `json:"body_enabled"`
}

// ProxySettings holds the process-wide knobs read by the Router and
// RequestEngine on (nearly) every request.
type ProxySettings struct {
	// DNSServer, when set, overrides resolution for pass-through requests.
	// Format: "ip" or "ip:port" (port defaults to 53).
	DNSServer string `json:"dns_server,omitempty"`

	ProxyPort        uint16  `json:"proxy_port"`
	ReverseHTTPPort  *uint16 `json:"reverse_http_port,omitempty"`
	ReverseHTTPSPort *uint16 `json:"reverse_https_port,omitempty"`

	BindAll             bool `json:"bind_all"`
	LocalRoutingEnabled bool `json:"local_routing_enabled"`

	// LoopbackShortcutEnabled gates the Router's loopback-shortcut decision
	// (spec.md §4.3 step 4, §9 Open Question). Defaults to false: the
	// behavior must be explicitly opted into, never silently reproduced.
	LoopbackShortcutEnabled bool `json:"loopback_shortcut_enabled"`

	// InsecureSkipUpstreamVerify disables upstream TLS certificate
	// validation in the pass-through branch (spec.md §4.5, §9 Open
	// Question). Defaults to false: upstream certs are verified unless
	// explicitly opted out of.
	InsecureSkipUpstreamVerify bool `json:"insecure_skip_upstream_verify"`
}

// DefaultProxySettings mirrors the original implementation's field
// defaults (proxy_port=8888, local_routing_enabled=true), with both Open
// Question knobs defaulting to the safer setting per spec.md §9.
func DefaultProxySettings() ProxySettings {
	return ProxySettings{
		ProxyPort:                  8888,
		LocalRoutingEnabled:        true,
		LoopbackShortcutEnabled:    false,
		InsecureSkipUpstreamVerify: false,
	}
}

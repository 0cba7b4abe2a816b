// Package router implements the pure routing decision at the heart of the
// proxy data plane. It is deliberately I/O-free: every function here is a
// total function of its explicit inputs, so it can be covered by
// table-driven tests without network fixtures, per spec.md §4.3/§8/§9.
//
// Grounded on the host-pattern matching style of the teacher's
// internal/proxy/hosts.go (wildcard-aware hostPattern/matchHost), adapted
// away from wildcard grant lists toward spec.md's exact-match Route/Mock
// semantics.
package router

import (
	"net/url"
	"strings"

	"github.com/watchtower-proxy/watchtower/internal/registry"
)

// Kind identifies which branch of the routing decision was taken.
type Kind int

const (
	KindReserved Kind = iota
	KindMock
	KindLocal
	KindPassthrough
)

func (k Kind) String() string {
	switch k {
	case KindReserved:
		return "reserved"
	case KindMock:
		return "mock"
	case KindLocal:
		return "local"
	case KindPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// ReservedKind identifies which reserved endpoint a request targets.
type ReservedKind int

const (
	ReservedPAC ReservedKind = iota
	ReservedSetup
	ReservedCACert
	ReservedHostCert
)

const reservedPrefix = "/.watchtower/"

// Decision is the tagged-union result of routing a single request. Exactly
// one group of the payload fields is meaningful, selected by Kind.
type Decision struct {
	Kind Kind

	// KindReserved
	ReservedKind ReservedKind
	ReservedHost string // populated only for ReservedHostCert

	// KindMock
	Mock registry.Mock

	// KindLocal
	TargetHost   string
	TargetPort   uint16
	PathAndQuery string // origin-form path+query to send to the local backend

	// KindPassthrough
	TargetURL    string // absolute upstream URL
	OriginalHost string // the Host header to preserve verbatim
}

// Snapshot bundles the registry state the Router needs for one decision.
// Callers obtain this once per request (typically from a registry.Bundle)
// so the decision is made against a single consistent view, per spec.md
// §4.2's "readers always re-read live, but a single decision sees one
// snapshot" discipline.
type Snapshot struct {
	Routes                  []registry.Route
	Mocks                   []registry.Mock
	LocalRoutingEnabled     bool
	LoopbackShortcutEnabled bool
}

// parsedRoute is a Route with its domain pre-split into host + optional
// scheme preference, computed once per match attempt.
type parsedRoute struct {
	registry.Route
	host   string
	scheme string // "", "http", or "https"
}

func parseRoute(r registry.Route) parsedRoute {
	domain := r.Domain
	scheme := ""
	if u, err := url.Parse(domain); err == nil && u.Scheme != "" && u.Host != "" {
		scheme = u.Scheme
		domain = u.Host
	}
	return parsedRoute{Route: r, host: strings.ToLower(domain), scheme: scheme}
}

// Decide applies spec.md §4.3's decision order for an HTTP request already
// known to be in origin form: reserved path, mock, local route, loopback
// shortcut, pass-through.
func Decide(scheme, hostWithPort, path, method string, snap Snapshot) Decision {
	hostNoPort := stripPort(hostWithPort)

	if strings.HasPrefix(path, reservedPrefix) {
		return decideReserved(path)
	}

	if mock, ok := registry.MatchMock(snap.Mocks, hostNoPort, path, method); ok {
		return Decision{Kind: KindMock, Mock: mock}
	}

	if snap.LocalRoutingEnabled {
		if rt, ok := matchRoute(snap.Routes, hostNoPort, scheme); ok {
			return Decision{Kind: KindLocal, TargetHost: rt.TargetHost, TargetPort: rt.TargetPort, PathAndQuery: path}
		}
		if snap.LoopbackShortcutEnabled && isLoopbackHost(hostNoPort) {
			if rt, ok := firstEnabled(snap.Routes); ok {
				return Decision{Kind: KindLocal, TargetHost: rt.TargetHost, TargetPort: rt.TargetPort, PathAndQuery: path}
			}
		}
	}

	target := scheme + "://" + hostWithPort + path
	return Decision{Kind: KindPassthrough, TargetURL: target, OriginalHost: hostWithPort}
}

// DecideConnect is the parallel decision function for CONNECT, operating
// on host:port rather than a full request. It prefers the
// https://-annotated route on ties, per spec.md §4.3.
func DecideConnect(hostWithPort string, snap Snapshot) Decision {
	hostNoPort := stripPort(hostWithPort)

	if snap.LocalRoutingEnabled {
		if rt, ok := matchRoute(snap.Routes, hostNoPort, "https"); ok {
			return Decision{Kind: KindLocal, TargetHost: rt.TargetHost, TargetPort: rt.TargetPort}
		}
		if snap.LoopbackShortcutEnabled && isLoopbackHost(hostNoPort) {
			if rt, ok := firstEnabled(snap.Routes); ok {
				return Decision{Kind: KindLocal, TargetHost: rt.TargetHost, TargetPort: rt.TargetPort}
			}
		}
	}

	return Decision{
		Kind:         KindPassthrough,
		TargetURL:    "https://" + hostWithPort,
		OriginalHost: hostWithPort,
	}
}

func decideReserved(path string) Decision {
	switch {
	case path == reservedPrefix+"proxy.pac":
		return Decision{Kind: KindReserved, ReservedKind: ReservedPAC}
	case path == reservedPrefix+"setup":
		return Decision{Kind: KindReserved, ReservedKind: ReservedSetup}
	case path == reservedPrefix+"cert/ca.crt":
		return Decision{Kind: KindReserved, ReservedKind: ReservedCACert}
	case strings.HasPrefix(path, reservedPrefix+"cert/"):
		host := strings.TrimPrefix(path, reservedPrefix+"cert/")
		return Decision{Kind: KindReserved, ReservedKind: ReservedHostCert, ReservedHost: host}
	default:
		// An unrecognized path under the reserved prefix is still
		// classified Reserved (never falls through to mock/local/pass-
		// through), per spec.md §8's "reserved regardless of route/mock
		// state" property; the engine answers it with the setup page.
		return Decision{Kind: KindReserved, ReservedKind: ReservedSetup}
	}
}

func matchRoute(routes []registry.Route, hostNoPort, scheme string) (registry.Route, bool) {
	var bare, schemeMatch, schemeMismatch *parsedRoute

	for i := range routes {
		if !routes[i].Enabled {
			continue
		}
		pr := parseRoute(routes[i])
		if pr.host != hostNoPort {
			continue
		}
		switch {
		case pr.scheme == "":
			if bare == nil {
				bare = &pr
			}
		case pr.scheme == scheme:
			if schemeMatch == nil {
				schemeMatch = &pr
			}
		default:
			if schemeMismatch == nil {
				schemeMismatch = &pr
			}
		}
	}

	switch {
	case schemeMatch != nil:
		return schemeMatch.Route, true
	case schemeMismatch != nil:
		return schemeMismatch.Route, true
	case bare != nil:
		return bare.Route, true
	default:
		return registry.Route{}, false
	}
}

func firstEnabled(routes []registry.Route) (registry.Route, bool) {
	for _, r := range routes {
		if r.Enabled {
			return r, true
		}
	}
	return registry.Route{}, false
}

func isLoopbackHost(hostNoPort string) bool {
	return hostNoPort == "127.0.0.1" || hostNoPort == "localhost"
}

func stripPort(hostWithPort string) string {
	if idx := strings.LastIndex(hostWithPort, ":"); idx != -1 {
		// Guard against bare IPv6 literals without a port (rare on this
		// domain but cheap to avoid mis-truncating "::1").
		if !strings.Contains(hostWithPort[idx+1:], ":") {
			return strings.ToLower(hostWithPort[:idx])
		}
	}
	return strings.ToLower(hostWithPort)
}

// ReservedPath reports whether path falls under the reserved namespace,
// for callers (e.g. the dispatcher) that need the check before a full
// Decide call is possible.
func ReservedPath(path string) bool {
	return strings.HasPrefix(path, reservedPrefix)
}

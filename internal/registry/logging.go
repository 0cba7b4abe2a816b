package registry

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// LoggingRegistry maps a lowercased, port-stripped host to its logging
// configuration. Per spec.md §4.2, the lookup map is not mutated
// incrementally: every write rebuilds the full map and swaps it in with a
// single atomic store, so concurrent readers (the data plane, on every
// request) never observe a partially-updated map.
type LoggingRegistry struct {
	mu    sync.Mutex // guards links + path persistence; NOT the read path
	path  string
	links []LoggingLink

	view atomic.Pointer[map[string]LoggingLink]
}

// NewLoggingRegistry loads domain_api_logging_links.json from dir.
func NewLoggingRegistry(dir string) (*LoggingRegistry, error) {
	l := &LoggingRegistry{path: filepath.Join(dir, "domain_api_logging_links.json")}
	var links []LoggingLink
	if err := loadEnvelope(l.path, &links); err != nil {
		return nil, err
	}
	l.links = links
	l.rebuild()
	return l, nil
}

// rebuild recomputes the host->link map from l.links and atomically swaps
// it into l.view. Callers must hold l.mu.
func (l *LoggingRegistry) rebuild() {
	m := make(map[string]LoggingLink, len(l.links))
	for _, link := range l.links {
		m[strings.ToLower(link.Host)] = link
	}
	l.view.Store(&m)
}

// Lookup returns the logging configuration for a lowercased, port-stripped
// host. A missing entry means logging is disabled, per spec.md §3.
func (l *LoggingRegistry) Lookup(hostNoPort string) (loggingEnabled, bodyEnabled bool) {
	view := l.view.Load()
	if view == nil {
		return false, false
	}
	link, ok := (*view)[strings.ToLower(hostNoPort)]
	if !ok {
		return false, false
	}
	return link.LoggingEnabled, link.BodyEnabled
}

// Set creates or updates the logging link for a host, storing exactly the
// loggingEnabled and bodyEnabled values given; no defaults are applied to
// either flag.
func (l *LoggingRegistry) Set(host string, loggingEnabled, bodyEnabled bool) error {
	host = strings.ToLower(host)

	l.mu.Lock()
	defer l.mu.Unlock()

	found := false
	for i := range l.links {
		if l.links[i].Host == host {
			l.links[i].LoggingEnabled = loggingEnabled
			l.links[i].BodyEnabled = bodyEnabled
			found = true
			break
		}
	}
	if !found {
		l.links = append(l.links, LoggingLink{Host: host, LoggingEnabled: loggingEnabled, BodyEnabled: bodyEnabled})
	}

	l.rebuild()
	return saveEnvelope(l.path, l.links)
}

// Remove deletes the logging link for a host, restoring the "no entry =
// no logging" default.
func (l *LoggingRegistry) Remove(host string) error {
	host = strings.ToLower(host)

	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i, link := range l.links {
		if link.Host == host {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	l.links = append(l.links[:idx], l.links[idx+1:]...)
	l.rebuild()
	return saveEnvelope(l.path, l.links)
}

// Snapshot returns a copy of all configured links, for the control API.
func (l *LoggingRegistry) Snapshot() []LoggingLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoggingLink, len(l.links))
	copy(out, l.links)
	return out
}

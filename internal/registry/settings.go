package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// SettingsRegistry holds the single ProxySettings value. Per spec.md §4.2,
// local_routing_enabled is additionally exposed as a scalar the Router
// reads on every request without taking the registry's reader-writer
// lock; it is backed by a separate atomic.Bool kept in sync with the
// persisted struct.
type SettingsRegistry struct {
	mu       sync.RWMutex
	path     string
	settings ProxySettings

	routingEnabled atomic.Bool
}

// NewSettingsRegistry loads proxy_settings.json from dir, applying
// DefaultProxySettings() for any fields absent from the file (loadEnvelope
// decodes over the seeded defaults) and for every field when the file does
// not exist.
func NewSettingsRegistry(dir string) (*SettingsRegistry, error) {
	s := &SettingsRegistry{path: filepath.Join(dir, "proxy_settings.json")}

	settings := DefaultProxySettings()
	existed, err := fileExists(s.path)
	if err != nil {
		return nil, err
	}
	if existed {
		if err := loadEnvelope(s.path, &settings); err != nil {
			return nil, err
		}
	}
	s.settings = settings
	s.routingEnabled.Store(settings.LocalRoutingEnabled)
	return s, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Get returns a copy of the current settings.
func (s *SettingsRegistry) Get() ProxySettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// LocalRoutingEnabled returns the relaxed-atomic routing-enabled flag, for
// the Router's hot path (spec.md §4.2/§5).
func (s *SettingsRegistry) LocalRoutingEnabled() bool {
	return s.routingEnabled.Load()
}

// Update validates and persists new settings. All enabled ports must be
// pairwise distinct (spec.md §3 ProxySettings invariant); violating this
// returns an error and leaves the stored settings unchanged.
func (s *SettingsRegistry) Update(next ProxySettings) error {
	if err := validateDistinctPorts(next); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := saveEnvelope(s.path, next); err != nil {
		return err
	}
	s.settings = next
	s.routingEnabled.Store(next.LocalRoutingEnabled)
	return nil
}

func validateDistinctPorts(settings ProxySettings) error {
	seen := map[uint16]string{settings.ProxyPort: "proxy_port"}
	check := func(p *uint16, name string) error {
		if p == nil {
			return nil
		}
		if existing, ok := seen[*p]; ok {
			return fmt.Errorf("registry: port %d used by both %s and %s", *p, existing, name)
		}
		seen[*p] = name
		return nil
	}
	if err := check(settings.ReverseHTTPPort, "reverse_http_port"); err != nil {
		return err
	}
	if err := check(settings.ReverseHTTPSPort, "reverse_https_port"); err != nil {
		return err
	}
	return nil
}

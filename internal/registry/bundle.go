package registry

import "sync/atomic"

// Bundle groups the four registries that live under one data directory.
// The data plane holds a single *Bundle and always reads through its
// current registries via the atomic pointer indirection below, so a
// Reload (triggered by the file Watcher) is visible to
// in-flight requests without any additional synchronization on the read
// path.
type Bundle struct {
	dir string

	routes   atomic.Pointer[RouteRegistry]
	mocks    atomic.Pointer[MockRegistry]
	logging  atomic.Pointer[LoggingRegistry]
	settings atomic.Pointer[SettingsRegistry]
}

// Open loads all four registries from dir.
func Open(dir string) (*Bundle, error) {
	b := &Bundle{dir: dir}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload re-reads all four registry files from disk and swaps each one in
// via its own atomic.Pointer store, so a reader of any single registry
// never observes a half-reloaded value for it: Routes() either returns the
// old RouteRegistry or the new one, never a partially applied one. The
// four stores are not coordinated with each other, so a reader that calls
// Routes() and then Settings() across the moment of a Reload can still see
// the new routes alongside the old settings; callers that need all four
// registries to agree on one generation (the Router's per-request
// snapshot) must read them together once, not across separate calls.
func (b *Bundle) Reload() error {
	routes, err := NewRouteRegistry(b.dir)
	if err != nil {
		return err
	}
	mocks, err := NewMockRegistry(b.dir)
	if err != nil {
		return err
	}
	logging, err := NewLoggingRegistry(b.dir)
	if err != nil {
		return err
	}
	settings, err := NewSettingsRegistry(b.dir)
	if err != nil {
		return err
	}

	b.routes.Store(routes)
	b.mocks.Store(mocks)
	b.logging.Store(logging)
	b.settings.Store(settings)
	return nil
}

func (b *Bundle) Routes() *RouteRegistry      { return b.routes.Load() }
func (b *Bundle) Mocks() *MockRegistry        { return b.mocks.Load() }
func (b *Bundle) Logging() *LoggingRegistry   { return b.logging.Load() }
func (b *Bundle) Settings() *SettingsRegistry { return b.settings.Load() }

package registry

import (
	"path/filepath"
	"sort"
	"sync"
)

// RouteRegistry is an in-memory, reader-writer protected, JSON-backed
// collection of Routes. It is grounded on the teacher's
// internal/routing/routes.go RouteTable, generalized from a nested
// agent/service map to the flat Route records spec.md §3 defines, and
// changed so ids are monotonic and never recycled (per spec.md's
// invariant), which the teacher's table did not need to guarantee.
type RouteRegistry struct {
	mu     sync.RWMutex
	path   string
	routes []Route
	nextID uint32
}

// NewRouteRegistry loads domain_local_routes.json from dir, creating an
// empty registry if the file does not exist.
func NewRouteRegistry(dir string) (*RouteRegistry, error) {
	r := &RouteRegistry{path: filepath.Join(dir, "domain_local_routes.json"), nextID: 1}
	var routes []Route
	if err := loadEnvelope(r.path, &routes); err != nil {
		return nil, err
	}
	r.routes = routes
	for _, rt := range routes {
		if rt.ID >= r.nextID {
			r.nextID = rt.ID + 1
		}
	}
	return r, nil
}

// Snapshot returns a copy of all routes, safe for the caller to range over
// without holding any lock.
func (r *RouteRegistry) Snapshot() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Add appends a new route with a freshly allocated, monotonic id and
// persists the registry. The assigned Route is returned.
func (r *RouteRegistry) Add(domain, targetHost string, targetPort uint16, enabled bool) (Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt := Route{
		ID:         r.nextID,
		Domain:     domain,
		TargetHost: targetHost,
		TargetPort: targetPort,
		Enabled:    enabled,
	}
	r.nextID++
	r.routes = append(r.routes, rt)

	if err := saveEnvelope(r.path, r.routes); err != nil {
		return Route{}, err
	}
	return rt, nil
}

// Remove deletes the route with the given id. ids are never recycled: a
// later Add always receives a larger id even after removals.
func (r *RouteRegistry) Remove(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, rt := range r.routes {
		if rt.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	r.routes = append(r.routes[:idx], r.routes[idx+1:]...)
	return saveEnvelope(r.path, r.routes)
}

// SetEnabled toggles a route's enabled flag and persists the change.
func (r *RouteRegistry) SetEnabled(id uint32, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.routes {
		if r.routes[i].ID == id {
			r.routes[i].Enabled = enabled
			return saveEnvelope(r.path, r.routes)
		}
	}
	return nil
}

// SortedByID returns a snapshot sorted by id, for stable CLI/API listing.
func (r *RouteRegistry) SortedByID() []Route {
	out := r.Snapshot()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

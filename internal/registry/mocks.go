package registry

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockRegistry holds canned responses keyed by (host, path, method).
// Grounded on the shape of RouteRegistry/RouteTable but keyed with
// string ids (per spec.md §3's Mock.id: string) generated via
// github.com/google/uuid rather than the teacher's id package, since
// Mock ids are externally visible API resource identifiers rather than
// internal correlation tokens.
type MockRegistry struct {
	mu    sync.RWMutex
	path  string
	mocks []Mock
}

// NewMockRegistry loads api_mocks.json from dir.
func NewMockRegistry(dir string) (*MockRegistry, error) {
	m := &MockRegistry{path: filepath.Join(dir, "api_mocks.json")}
	var mocks []Mock
	if err := loadEnvelope(m.path, &mocks); err != nil {
		return nil, err
	}
	m.mocks = mocks
	return m, nil
}

// Snapshot returns a copy of all mocks.
func (m *MockRegistry) Snapshot() []Mock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Mock, len(m.mocks))
	copy(out, m.mocks)
	return out
}

// Add creates a new mock with a generated id and persists the registry.
func (m *MockRegistry) Add(host, path, method string, statusCode uint16, responseBody, contentType string, enabled bool) (Mock, error) {
	if contentType == "" {
		contentType = "application/json"
	}
	mk := Mock{
		ID:           uuid.NewString(),
		Host:         strings.ToLower(host),
		Path:         path,
		Method:       strings.ToUpper(method),
		StatusCode:   statusCode,
		ResponseBody: responseBody,
		ContentType:  contentType,
		Enabled:      enabled,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.mocks = append(m.mocks, mk)
	if err := saveEnvelope(m.path, m.mocks); err != nil {
		return Mock{}, err
	}
	return mk, nil
}

// Remove deletes the mock with the given id.
func (m *MockRegistry) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, mk := range m.mocks {
		if mk.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	m.mocks = append(m.mocks[:idx], m.mocks[idx+1:]...)
	return saveEnvelope(m.path, m.mocks)
}

// Match returns the first enabled mock matching (host without port, path
// including query verbatim, method case-insensitive), per spec.md §3/§4.3.
func (m *MockRegistry) Match(hostNoPort, path, method string) (Mock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MatchMock(m.mocks, hostNoPort, path, method)
}

// MatchMock is the free-function form of Match, operating on an already
// obtained mock slice (e.g. a router.Snapshot's Mocks) rather than taking
// the registry's own lock. Shared so the live registry and a pure,
// I/O-free routing decision agree on one matching rule.
func MatchMock(mocks []Mock, hostNoPort, path, method string) (Mock, bool) {
	hostNoPort = strings.ToLower(hostNoPort)
	method = strings.ToUpper(method)

	for _, mk := range mocks {
		if !mk.Enabled {
			continue
		}
		if strings.ToLower(mk.Host) != hostNoPort {
			continue
		}
		if mk.Path != path {
			continue
		}
		if strings.ToUpper(mk.Method) != method {
			continue
		}
		return mk, true
	}
	return Mock{}, false
}

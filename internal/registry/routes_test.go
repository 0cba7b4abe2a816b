package registry

import "testing"

func TestRouteRegistry_IDsMonotonicNeverRecycled(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRouteRegistry(dir)
	if err != nil {
		t.Fatalf("NewRouteRegistry: %v", err)
	}

	a, err := r.Add("a.example.com", "127.0.0.1", 3000, true)
	if err != nil {
		t.Fatalf("Add a: %v", err)
	}
	b, err := r.Add("b.example.com", "127.0.0.1", 3001, true)
	if err != nil {
		t.Fatalf("Add b: %v", err)
	}
	if b.ID <= a.ID {
		t.Fatalf("expected monotonic ids, got a=%d b=%d", a.ID, b.ID)
	}

	if err := r.Remove(a.ID); err != nil {
		t.Fatalf("Remove a: %v", err)
	}

	c, err := r.Add("c.example.com", "127.0.0.1", 3002, true)
	if err != nil {
		t.Fatalf("Add c: %v", err)
	}
	if c.ID <= b.ID {
		t.Fatalf("id %d was recycled after removal (must exceed %d)", c.ID, b.ID)
	}
}

func TestRouteRegistry_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRouteRegistry(dir)
	if err != nil {
		t.Fatalf("NewRouteRegistry: %v", err)
	}
	if _, err := r.Add("api.example.com", "127.0.0.1", 3000, true); err != nil {
		t.Fatalf("Add: %v", err)
	}

	r2, err := NewRouteRegistry(dir)
	if err != nil {
		t.Fatalf("reload NewRouteRegistry: %v", err)
	}
	got := r2.Snapshot()
	if len(got) != 1 || got[0].Domain != "api.example.com" {
		t.Fatalf("expected persisted route to survive reload, got %+v", got)
	}
}

func TestRouteRegistry_AddKeepsDisabledFlag(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRouteRegistry(dir)
	if err != nil {
		t.Fatalf("NewRouteRegistry: %v", err)
	}
	rt, err := r.Add("example.com", "127.0.0.1", 4000, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rt.Enabled {
		t.Fatalf("expected route added as disabled to remain disabled")
	}
}

package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func liveServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStaticDiscoveryStartsWithReachableNodes(t *testing.T) {
	srv := liveServer(t)

	var mu sync.Mutex
	var added []Endpoint
	d, err := New(Config{
		Mode:        "static",
		StaticNodes: []Endpoint{{ID: "n1", BaseURL: srv.URL}},
	}, Callbacks{
		OnNodeAdded: func(e Endpoint) {
			mu.Lock()
			defer mu.Unlock()
			added = append(added, e)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mu.Lock()
	gotAdded := len(added)
	mu.Unlock()
	if gotAdded != 1 {
		t.Errorf("OnNodeAdded fired %d times, want 1", gotAdded)
	}

	if list := d.List(); len(list) != 1 || list[0].ID != "n1" {
		t.Errorf("List() = %+v, want one endpoint with ID n1", list)
	}
}

func TestStaticDiscoveryFailsWithZeroReachableNodes(t *testing.T) {
	d, err := New(Config{
		Mode:        "static",
		StaticNodes: []Endpoint{{ID: "n1", BaseURL: "http://127.0.0.1:1"}},
	}, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected Start to fail when zero static nodes are reachable")
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(Config{Mode: "not_a_mode"}, Callbacks{})
	if err == nil {
		t.Fatal("expected an error for an unknown discovery mode")
	}
}

func TestNewDefaultsToStaticModeWhenUnset(t *testing.T) {
	d, err := New(Config{}, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := d.(*staticDiscovery); !ok {
		t.Errorf("New() with empty Mode = %T, want *staticDiscovery", d)
	}
}

func TestServiceLabelDiscoveryFailsWithoutLister(t *testing.T) {
	old := Lister
	Lister = nil
	defer func() { Lister = old }()

	d, err := New(Config{Mode: "service_label", ServiceLabel: "proxy"}, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected Start to fail when no Lister is registered")
	}
}

func TestServiceLabelDiscoveryUsesRegisteredLister(t *testing.T) {
	srv := liveServer(t)

	old := Lister
	Lister = func(ctx context.Context, label string) ([]Endpoint, error) {
		return []Endpoint{{ID: "n1", BaseURL: srv.URL}}, nil
	}
	defer func() { Lister = old }()

	d, err := New(Config{Mode: "service_label", ServiceLabel: "proxy"}, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if list := d.List(); len(list) != 1 {
		t.Errorf("List() = %+v, want one endpoint from the registered Lister", list)
	}
}

func TestReconcileFiresAddUpdateAndRemoveCallbacks(t *testing.T) {
	base := &baseDiscovery{cfg: Config{}, known: make(map[string]Endpoint)}

	var added, updated, removed []string
	base.cb = Callbacks{
		OnNodeAdded:   func(e Endpoint) { added = append(added, e.ID) },
		OnNodeUpdated: func(e Endpoint) { updated = append(updated, e.ID) },
		OnNodeRemoved: func(id string) { removed = append(removed, id) },
	}

	base.reconcile([]Endpoint{{ID: "a", BaseURL: "http://a"}, {ID: "b", BaseURL: "http://b"}})
	if len(added) != 2 {
		t.Fatalf("added = %v, want 2 entries", added)
	}

	base.reconcile([]Endpoint{{ID: "a", BaseURL: "http://a-new"}})
	if len(updated) != 1 || updated[0] != "a" {
		t.Errorf("updated = %v, want [a]", updated)
	}
	if len(removed) != 1 || removed[0] != "b" {
		t.Errorf("removed = %v, want [b]", removed)
	}
}

package clusternode

import "testing"

func TestNewNodeStartsInitializing(t *testing.T) {
	n := NewNode("node-1", "http://localhost:8000", BackendOpenAICompatible, 1)
	if n.State() != Initializing {
		t.Errorf("State() = %s, want Initializing", n.State())
	}
	if n.IsEligible() {
		t.Error("a newly initializing node must not be eligible")
	}
}

func TestIsEligibleHealthyAndDegradedOnly(t *testing.T) {
	n := NewNode("node-1", "http://localhost:8000", BackendOpenAICompatible, 1)

	cases := []struct {
		state    NodeState
		eligible bool
	}{
		{Healthy, true},
		{Degraded, true},
		{Unhealthy, false},
		{Offline, false},
		{Initializing, false},
	}
	for _, c := range cases {
		n.SetState(c.state)
		if got := n.IsEligible(); got != c.eligible {
			t.Errorf("state %s: IsEligible() = %v, want %v", c.state, got, c.eligible)
		}
	}
}

func TestInFlightCounterNeverGoesNegative(t *testing.T) {
	n := NewNode("node-1", "http://localhost:8000", BackendOpenAICompatible, 1)

	if got := n.DecInFlight(); got != 0 {
		t.Errorf("DecInFlight on zero counter = %d, want 0", got)
	}

	n.IncInFlight()
	n.IncInFlight()
	if got := n.DecInFlight(); got != 1 {
		t.Errorf("DecInFlight = %d, want 1", got)
	}
}

func TestSnapshotReflectsUpdates(t *testing.T) {
	n := NewNode("node-1", "http://localhost:8000", BackendOpenAICompatible, 2)
	n.SetState(Healthy)
	n.UpdateHealth(func(h *HealthRecord) { h.ConsecutiveSuccesses = 3 })
	n.UpdateCache(func(c *CacheState) { c.PrefixHash = "abc123" })
	n.IncInFlight()

	snap := n.Snapshot()
	if snap.State != Healthy {
		t.Errorf("snap.State = %s, want Healthy", snap.State)
	}
	if snap.Health.ConsecutiveSuccesses != 3 {
		t.Errorf("snap.Health.ConsecutiveSuccesses = %d, want 3", snap.Health.ConsecutiveSuccesses)
	}
	if snap.Cache.PrefixHash != "abc123" {
		t.Errorf("snap.Cache.PrefixHash = %q, want abc123", snap.Cache.PrefixHash)
	}
	if snap.InFlight != 1 {
		t.Errorf("snap.InFlight = %d, want 1", snap.InFlight)
	}
}

func snapshotsWithStates(states ...NodeState) []Snapshot {
	out := make([]Snapshot, len(states))
	for i, s := range states {
		out[i] = Snapshot{ID: "n", State: s}
	}
	return out
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name   string
		states []NodeState
		want   Status
	}{
		{"empty cluster", nil, StatusStarting},
		{"all healthy", []NodeState{Healthy, Healthy, Healthy}, StatusHealthy},
		{"all offline", []NodeState{Offline, Offline}, StatusOffline},
		{"one degraded rest healthy", []NodeState{Healthy, Healthy, Degraded}, StatusDegraded},
		{"mostly unhealthy trips critical", []NodeState{Unhealthy, Unhealthy, Unhealthy, Healthy}, StatusCritical},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := DeriveStatus(snapshotsWithStates(c.states...))
			if got != c.want {
				t.Errorf("DeriveStatus(%v) = %s, want %s", c.states, got, c.want)
			}
		})
	}
}

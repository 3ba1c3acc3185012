package router

import (
	"testing"
	"time"

	"github.com/clusterproxy/messages-proxy/internal/cluster/cache"
	"github.com/clusterproxy/messages-proxy/internal/cluster/health"
	"github.com/clusterproxy/messages-proxy/internal/clusternode"
)

func healthyNode(id string) *clusternode.Node {
	n := clusternode.NewNode(id, "http://"+id, clusternode.BackendOpenAICompatible, 1)
	n.SetState(clusternode.Healthy)
	return n
}

func TestSelectNodeReturnsNilWhenNoneEligible(t *testing.T) {
	r := New(Config{Strategy: RoundRobin}, health.New(health.Config{}, nil, nil), cache.NewRegistry(time.Minute), nil, nil)
	n := clusternode.NewNode("node-1", "http://node-1", clusternode.BackendOpenAICompatible, 1) // Initializing, not eligible

	d := r.SelectNode([]*clusternode.Node{n}, Context{})
	if d != nil {
		t.Fatalf("expected nil decision, got %+v", d)
	}
}

func TestRoundRobinCyclesThroughEligibleNodes(t *testing.T) {
	r := New(Config{Strategy: RoundRobin}, health.New(health.Config{}, nil, nil), cache.NewRegistry(time.Minute), nil, nil)
	nodes := []*clusternode.Node{healthyNode("a"), healthyNode("b"), healthyNode("c")}

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		d := r.SelectNode(nodes, Context{})
		if d == nil {
			t.Fatal("expected a decision")
		}
		seen[d.NodeID]++
	}

	for _, n := range nodes {
		if seen[n.ID] != 2 {
			t.Errorf("node %s selected %d times, want 2 (even distribution over 6 picks)", n.ID, seen[n.ID])
		}
	}
}

func TestLeastLoadedPrefersLowestInFlight(t *testing.T) {
	r := New(Config{Strategy: LeastLoaded}, health.New(health.Config{}, nil, nil), cache.NewRegistry(time.Minute), nil, nil)
	busy := healthyNode("busy")
	busy.IncInFlight()
	busy.IncInFlight()
	idle := healthyNode("idle")

	d := r.SelectNode([]*clusternode.Node{busy, idle}, Context{})
	if d.NodeID != "idle" {
		t.Errorf("NodeID = %s, want idle", d.NodeID)
	}
}

func TestCacheAwareFallsBackToRoundRobinWithoutMatch(t *testing.T) {
	r := New(Config{Strategy: CacheAware}, health.New(health.Config{}, nil, nil), cache.NewRegistry(time.Minute), nil, nil)
	nodes := []*clusternode.Node{healthyNode("a"), healthyNode("b")}

	d := r.SelectNode(nodes, Context{SystemPromptHash: "hash-x"})
	if d == nil {
		t.Fatal("expected a fallback decision")
	}
	if d.Reason != "round_robin" {
		t.Errorf("Reason = %q, want round_robin fallback when no node has a cache match", d.Reason)
	}
}

func TestCacheAwarePrefersMatchingPrefix(t *testing.T) {
	reg := cache.NewRegistry(time.Minute)
	r := New(Config{Strategy: CacheAware}, health.New(health.Config{}, nil, nil), reg, nil, nil)

	match := healthyNode("match")
	match.UpdateCache(func(c *clusternode.CacheState) {
		c.PrefixHash = "hash-x"
		c.LastUpdated = time.Now()
	})
	other := healthyNode("other")

	d := r.SelectNode([]*clusternode.Node{match, other}, Context{SystemPromptHash: "hash-x"})
	if d.NodeID != "match" {
		t.Errorf("NodeID = %s, want match (the node holding the matching prefix hash)", d.NodeID)
	}
	if d.Reason != "cache-aware" {
		t.Errorf("Reason = %q, want cache-aware", d.Reason)
	}
}

// TestCacheAwareToolsHashBreaksTieAmongMatchingPrefixes is Scenario C:
// three nodes all hold the request's system-prompt prefix, so the
// prefix bonus alone can't separate them. Only one node's registry
// entry carries the request's tools_hash, and in-flight load further
// differentiates the rest; the node with both the freshest load and
// the matching tools_hash must win with high confidence.
func TestCacheAwareToolsHashBreaksTieAmongMatchingPrefixes(t *testing.T) {
	reg := cache.NewRegistry(time.Minute)
	r := New(Config{Strategy: CacheAware}, health.New(health.Config{}, nil, nil), reg, nil, nil)

	n1 := healthyNode("n1")
	n2 := healthyNode("n2")
	n3 := healthyNode("n3")

	for i := 0; i < 3; i++ {
		n1.IncInFlight()
	}
	n2.IncInFlight()
	for i := 0; i < 5; i++ {
		n3.IncInFlight()
	}

	now := time.Now()
	for _, n := range []*clusternode.Node{n1, n2, n3} {
		n.UpdateCache(func(c *clusternode.CacheState) {
			c.PrefixHash = "shared-prefix"
			c.LastUpdated = now
		})
	}
	reg.Put(cache.Entry{NodeID: "n1", PrefixHash: "shared-prefix", ToolsHash: "tools-other", LastUpdated: now})
	reg.Put(cache.Entry{NodeID: "n2", PrefixHash: "shared-prefix", ToolsHash: "tools-match", LastUpdated: now})
	reg.Put(cache.Entry{NodeID: "n3", PrefixHash: "shared-prefix", ToolsHash: "tools-other", LastUpdated: now})

	d := r.SelectNode([]*clusternode.Node{n1, n2, n3}, Context{SystemPromptHash: "shared-prefix", ToolsHash: "tools-match"})
	if d == nil {
		t.Fatal("expected a decision")
	}
	if d.NodeID != "n2" {
		t.Errorf("NodeID = %s, want n2 (matching tools_hash and in-flight 1 of 3/1/5)", d.NodeID)
	}
	if d.Confidence < 0.8 {
		t.Errorf("Confidence = %v, want >= 0.8", d.Confidence)
	}
}

func TestStickySessionBindsToSameNode(t *testing.T) {
	r := New(Config{Strategy: RoundRobin, StickyTTL: time.Minute}, health.New(health.Config{}, nil, nil), cache.NewRegistry(time.Minute), nil, nil)
	nodes := []*clusternode.Node{healthyNode("a"), healthyNode("b"), healthyNode("c")}

	first := r.SelectNode(nodes, Context{SessionID: "session-1"})
	for i := 0; i < 5; i++ {
		d := r.SelectNode(nodes, Context{SessionID: "session-1"})
		if d.NodeID != first.NodeID {
			t.Fatalf("sticky session drifted: got %s, want %s", d.NodeID, first.NodeID)
		}
	}
}

func TestStickySessionInvalidatedWhenNodeBecomesIneligible(t *testing.T) {
	r := New(Config{Strategy: RoundRobin, StickyTTL: time.Minute}, health.New(health.Config{}, nil, nil), cache.NewRegistry(time.Minute), nil, nil)
	a := healthyNode("a")
	b := healthyNode("b")

	r.SelectNode([]*clusternode.Node{a}, Context{SessionID: "session-1"})
	a.SetState(clusternode.Offline)

	d := r.SelectNode([]*clusternode.Node{b}, Context{SessionID: "session-1"})
	if d.NodeID != "b" {
		t.Errorf("NodeID = %s, want b after sticky binding to offline node a was invalidated", d.NodeID)
	}
}

func TestRoutingFailedCallbackFiresWhenNoneEligible(t *testing.T) {
	var gotReason string
	r := New(Config{Strategy: RoundRobin}, health.New(health.Config{}, nil, nil), cache.NewRegistry(time.Minute),
		nil, func(ctx Context, reason string) { gotReason = reason })

	r.SelectNode(nil, Context{})
	if gotReason == "" {
		t.Error("expected onRoutingFailed to be invoked")
	}
}

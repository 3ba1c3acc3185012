// Package router selects which node serves a request, applying one of
// four strategies plus a sticky-session TTL map layered on top.
package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/clusterproxy/messages-proxy/internal/clusternode"
	"github.com/clusterproxy/messages-proxy/internal/cluster/cache"
	"github.com/clusterproxy/messages-proxy/internal/cluster/health"
)

// Strategy selects a node-selection algorithm.
type Strategy string

const (
	RoundRobin  Strategy = "round_robin"
	LeastLoaded Strategy = "least_loaded"
	CacheAware  Strategy = "cache_aware"
	Latency     Strategy = "latency_based"
)

// Context is the routing context consumed for a single selection.
type Context struct {
	SystemPromptHash string
	ToolsHash        string
	EstimatedTokens  int
	SessionID        string
	Priority         int
}

// Decision is the outcome of selectNode.
type Decision struct {
	NodeID     string
	Reason     string
	Confidence float64
}

// Config configures the routing strategy and sticky-session TTL.
type Config struct {
	Strategy  Strategy
	StickyTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = CacheAware
	}
	if c.StickyTTL <= 0 {
		c.StickyTTL = 5 * time.Minute
	}
	return c
}

// Router implements selectNode against a set of eligible nodes.
type Router struct {
	cfg     Config
	tracker *health.Tracker
	cacheReg *cache.Registry

	counter int64 // round-robin cursor, atomic

	stickyMu sync.RWMutex
	sticky   map[string]stickyEntry

	onSelected      func(Decision)
	onRoutingFailed func(ctx Context, reason string)
}

type stickyEntry struct {
	nodeID    string
	expiresAt time.Time
}

// New creates a Router.
func New(cfg Config, tracker *health.Tracker, cacheReg *cache.Registry, onSelected func(Decision), onRoutingFailed func(Context, string)) *Router {
	return &Router{
		cfg:             cfg.withDefaults(),
		tracker:         tracker,
		cacheReg:        cacheReg,
		sticky:          make(map[string]stickyEntry),
		onSelected:      onSelected,
		onRoutingFailed: onRoutingFailed,
	}
}

// SelectNode filters eligible nodes and applies the configured
// strategy, consulting and updating the sticky-session map when
// sessionID is non-empty. Returns nil when no node is eligible.
func (r *Router) SelectNode(nodes []*clusternode.Node, ctx Context) *Decision {
	eligible := make([]*clusternode.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.IsEligible() {
			eligible = append(eligible, n)
		}
	}

	if len(eligible) == 0 {
		r.fail(ctx, "no eligible node")
		return nil
	}

	if ctx.SessionID != "" {
		if d := r.stickyLookup(ctx.SessionID, eligible); d != nil {
			r.succeed(*d)
			return d
		}
	}

	var decision *Decision
	switch r.cfg.Strategy {
	case RoundRobin:
		decision = r.roundRobin(eligible)
	case LeastLoaded:
		decision = r.leastLoaded(eligible)
	case Latency:
		decision = r.latencyBased(eligible)
	case CacheAware:
		decision = r.cacheAware(eligible, ctx)
	default:
		decision = r.roundRobin(eligible)
	}

	if decision == nil {
		r.fail(ctx, "strategy produced no decision")
		return nil
	}

	if ctx.SessionID != "" {
		r.stickyBind(ctx.SessionID, decision.NodeID)
	}
	r.succeed(*decision)
	return decision
}

func (r *Router) succeed(d Decision) {
	if r.onSelected != nil {
		safeCall(func() { r.onSelected(d) })
	}
}

func (r *Router) fail(ctx Context, reason string) {
	if r.onRoutingFailed != nil {
		safeCall(func() { r.onRoutingFailed(ctx, reason) })
	}
}

// safeCall ensures a callback panic never propagates into the router,
// per §4.6's "callback exceptions must not propagate".
func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

func (r *Router) roundRobin(eligible []*clusternode.Node) *Decision {
	idx := atomic.AddInt64(&r.counter, 1) - 1
	n := eligible[int(idx)%len(eligible)]
	return &Decision{NodeID: n.ID, Reason: "round_robin", Confidence: 1}
}

func (r *Router) leastLoaded(eligible []*clusternode.Node) *Decision {
	best := eligible[0]
	bestSnap := best.Snapshot()
	for _, n := range eligible[1:] {
		snap := n.Snapshot()
		switch {
		case snap.InFlight < bestSnap.InFlight:
			best, bestSnap = n, snap
		case snap.InFlight == bestSnap.InFlight && snap.Health.AverageLatencyMs < bestSnap.Health.AverageLatencyMs:
			best, bestSnap = n, snap
		case snap.InFlight == bestSnap.InFlight && snap.Health.AverageLatencyMs == bestSnap.Health.AverageLatencyMs && n.ID < best.ID:
			best, bestSnap = n, snap
		}
	}
	return &Decision{NodeID: best.ID, Reason: "least_loaded", Confidence: 1}
}

func (r *Router) latencyBased(eligible []*clusternode.Node) *Decision {
	best := eligible[0]
	bestLatency := best.Snapshot().Health.AverageLatencyMs
	for _, n := range eligible[1:] {
		lat := n.Snapshot().Health.AverageLatencyMs
		if lat < bestLatency {
			best, bestLatency = n, lat
		}
	}
	return &Decision{NodeID: best.ID, Reason: "latency_based", Confidence: 1}
}

// cacheAware scores each eligible node per §4.6's table (max 120) and
// falls back to round-robin when no node has any cache match.
func (r *Router) cacheAware(eligible []*clusternode.Node, ctx Context) *Decision {
	const maxScore = 120.0

	type scored struct {
		node  *clusternode.Node
		score float64
	}

	var best *scored
	anyMatch := false

	for _, n := range eligible {
		snap := n.Snapshot()
		score := 0.0

		prefixMatch := ctx.SystemPromptHash != "" && snap.Cache.PrefixHash == ctx.SystemPromptHash
		if prefixMatch {
			score += 50
			anyMatch = true
			if ctx.ToolsHash != "" && r.cacheReg != nil {
				// tools_hash match only counted when prefix also matches
				if entry, ok := r.cacheReg.Get(n.ID); ok && entry.ToolsHash == ctx.ToolsHash {
					score += 20
				}
			}
		}

		successRate := 1.0
		if hs, ok := r.tracker.Snapshot(n.ID); ok {
			successRate = hs.SuccessRate
		}
		score += 25 * successRate

		if snap.InFlight < 5 {
			score += 15
		}

		if !snap.Cache.LastUpdated.IsZero() && time.Since(snap.Cache.LastUpdated) <= 60*time.Second {
			score += 10
		}

		if best == nil || score > best.score {
			best = &scored{node: n, score: score}
		}
	}

	if !anyMatch {
		return r.roundRobin(eligible)
	}

	return &Decision{
		NodeID:     best.node.ID,
		Reason:     "cache-aware",
		Confidence: best.score / maxScore,
	}
}

// stickyLookup returns the bound node if present, not expired, and
// still eligible; expired/invalidated entries are removed lazily.
func (r *Router) stickyLookup(sessionID string, eligible []*clusternode.Node) *Decision {
	r.stickyMu.RLock()
	entry, ok := r.sticky[sessionID]
	r.stickyMu.RUnlock()
	if !ok {
		return nil
	}

	if time.Now().After(entry.expiresAt) {
		r.stickyMu.Lock()
		delete(r.sticky, sessionID)
		r.stickyMu.Unlock()
		return nil
	}

	for _, n := range eligible {
		if n.ID == entry.nodeID {
			return &Decision{NodeID: n.ID, Reason: "sticky_session", Confidence: 1}
		}
	}

	// bound node no longer eligible: invalidate
	r.stickyMu.Lock()
	delete(r.sticky, sessionID)
	r.stickyMu.Unlock()
	return nil
}

func (r *Router) stickyBind(sessionID, nodeID string) {
	r.stickyMu.Lock()
	defer r.stickyMu.Unlock()
	r.sticky[sessionID] = stickyEntry{nodeID: nodeID, expiresAt: time.Now().Add(r.cfg.StickyTTL)}
}

// CleanupSticky removes all expired sticky entries; intended to run on
// a periodic timer alongside the cache sync loop.
func (r *Router) CleanupSticky() {
	r.stickyMu.Lock()
	defer r.stickyMu.Unlock()
	now := time.Now()
	for id, e := range r.sticky {
		if now.After(e.expiresAt) {
			delete(r.sticky, id)
		}
	}
}

// StickySize reports the current sticky-session map size. The map has
// no size cap; expired entries are removed by CleanupSticky, or when a
// lookup finds them expired or bound to a node that is no longer
// eligible.
func (r *Router) StickySize() int {
	r.stickyMu.RLock()
	defer r.stickyMu.RUnlock()
	return len(r.sticky)
}

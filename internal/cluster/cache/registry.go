// Package cache coordinates KV-cache warm-up across a node fleet and
// maintains the dual-indexed registry of which node holds which
// prompt-prefix hash. The registry keeps a by-node-id and a by-hash
// index under a single mutex, so "node id <-> prefix hash" lookups never
// observe the two indexes disagreeing.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/clusterproxy/messages-proxy/internal/clusternode"
	"github.com/clusterproxy/messages-proxy/internal/scheduler"
	"github.com/sirupsen/logrus"
)

// Entry is one cache registry record.
type Entry struct {
	NodeID      string
	PrefixHash  string
	ToolsHash   string
	TokenCount  int
	LastUpdated time.Time
	HitRate     *float64
}

// Registry is the dual-indexed cache-state registry: primary by
// node_id, secondary by prefix_hash -> set of node_ids. Both indexes
// are updated under the same mutex so reads never observe a
// half-updated pair.
type Registry struct {
	mu        sync.RWMutex
	byNode    map[string]Entry
	byHash    map[string]map[string]struct{}
	maxAge    time.Duration
}

// NewRegistry creates an empty registry. maxAge entries older than this
// are expired by Sweep.
func NewRegistry(maxAge time.Duration) *Registry {
	if maxAge <= 0 {
		maxAge = 300 * time.Second
	}
	return &Registry{
		byNode: make(map[string]Entry),
		byHash: make(map[string]map[string]struct{}),
		maxAge: maxAge,
	}
}

// Put inserts or replaces a node's cache entry, maintaining both
// indexes atomically.
func (r *Registry) Put(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byNode[e.NodeID]; ok && old.PrefixHash != e.PrefixHash {
		r.removeFromHashIndexLocked(old.NodeID, old.PrefixHash)
	}

	r.byNode[e.NodeID] = e
	if r.byHash[e.PrefixHash] == nil {
		r.byHash[e.PrefixHash] = make(map[string]struct{})
	}
	r.byHash[e.PrefixHash][e.NodeID] = struct{}{}
}

// Remove deletes a node's entry from both indexes.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byNode[nodeID]
	if !ok {
		return
	}
	delete(r.byNode, nodeID)
	r.removeFromHashIndexLocked(nodeID, old.PrefixHash)
}

// removeFromHashIndexLocked must be called with mu held.
func (r *Registry) removeFromHashIndexLocked(nodeID, prefixHash string) {
	set, ok := r.byHash[prefixHash]
	if !ok {
		return
	}
	delete(set, nodeID)
	if len(set) == 0 {
		delete(r.byHash, prefixHash)
	}
}

// Get returns a node's current cache entry.
func (r *Registry) Get(nodeID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byNode[nodeID]
	return e, ok
}

// FindNodesWithCache answers findNodesWithCache(prefix_hash) in O(1)
// (amortized map lookup) plus O(k) to copy the result set.
func (r *Registry) FindNodesWithCache(prefixHash string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byHash[prefixHash]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Sweep removes entries whose LastUpdated predates maxAge, maintaining
// the invariant that both indexes always agree.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.maxAge)
	for nodeID, e := range r.byNode {
		if e.LastUpdated.Before(cutoff) {
			delete(r.byNode, nodeID)
			r.removeFromHashIndexLocked(nodeID, e.PrefixHash)
		}
	}
}

// nodeStatusResponse is the wire shape returned by a node's cache
// status endpoint (§6.4).
type nodeStatusResponse struct {
	SystemPromptHash string   `json:"systemPromptHash"`
	ToolsHash        string   `json:"toolsHash"`
	Tokens           int      `json:"tokens"`
	HitRate          *float64 `json:"hitRate"`
}

// WarmupOptions configures the initial cluster-start warm-up pass.
type WarmupOptions struct {
	Concurrency   int
	PerNodeTimeout time.Duration
	Retries       int
}

func (o WarmupOptions) withDefaults() WarmupOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.PerNodeTimeout <= 0 {
		o.PerNodeTimeout = 30 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 1
	}
	return o
}

// Coordinator owns the Registry plus the warm-up and periodic sync
// loops that keep it current.
type Coordinator struct {
	registry   *Registry
	httpClient *http.Client
	log        *logrus.Entry

	syncMu sync.Mutex // serializes concurrent sync invocations
}

// NewCoordinator creates a Coordinator with the given max cache age.
func NewCoordinator(maxAge time.Duration, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		registry:   NewRegistry(maxAge),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// Registry exposes the underlying dual-indexed registry for routers.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Warmup issues a warm-up request in parallel to every node that is
// eligible or still Initializing (other nodes are skipped), bounded by
// opts.Concurrency, with at most opts.Retries attempts in total per node.
// Failed nodes are reported via onFailed but never abort the overall pass.
func (c *Coordinator) Warmup(ctx context.Context, nodes []*clusternode.Node, systemPrompt string, opts WarmupOptions, onFailed func(nodeID string, err error)) {
	opts = opts.withDefaults()
	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	for _, n := range nodes {
		if !n.IsEligible() && n.State() != clusternode.Initializing {
			continue
		}
		n := n
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			var lastErr error
			for attempt := 0; attempt < opts.Retries; attempt++ {
				attemptCtx, cancel := context.WithTimeout(ctx, opts.PerNodeTimeout)
				lastErr = c.warmupOne(attemptCtx, n, systemPrompt)
				cancel()
				if lastErr == nil {
					return
				}
			}
			if onFailed != nil && lastErr != nil {
				onFailed(n.ID, lastErr)
			}
		}()
	}
	wg.Wait()
}

func (c *Coordinator) warmupOne(ctx context.Context, n *clusternode.Node, systemPrompt string) error {
	body, _ := json.Marshal(map[string]interface{}{
		"model":      "warmup",
		"messages":   []map[string]string{{"role": "system", "content": systemPrompt}},
		"max_tokens": 1,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("warmup returned status %d", resp.StatusCode)
	}
	return nil
}

// SyncOnce queries every node's cache status endpoint once, updating
// the registry and sweeping expired entries. Concurrent invocations are
// suppressed: if a sync is already in flight, this call is a no-op.
func (c *Coordinator) SyncOnce(ctx context.Context, nodes []*clusternode.Node) {
	if !c.syncMu.TryLock() {
		return
	}
	defer c.syncMu.Unlock()

	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.syncOne(ctx, n)
		}()
	}
	wg.Wait()
	c.registry.Sweep()
}

func (c *Coordinator) syncOne(ctx context.Context, n *clusternode.Node) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.BaseURL+"/v1/cluster/cache", nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Missing endpoint is "cache state unknown"; omit rather than error.
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return
	}

	var status nodeStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return
	}

	entry := Entry{
		NodeID:      n.ID,
		PrefixHash:  status.SystemPromptHash,
		ToolsHash:   status.ToolsHash,
		TokenCount:  status.Tokens,
		LastUpdated: time.Now(),
		HitRate:     status.HitRate,
	}
	c.registry.Put(entry)
	n.UpdateCache(func(cs *clusternode.CacheState) {
		cs.PrefixHash = entry.PrefixHash
		cs.ToolsHash = entry.ToolsHash
		cs.TokenCount = entry.TokenCount
		cs.LastUpdated = entry.LastUpdated
		cs.HitRate = entry.HitRate
	})
}

// RunSync starts the periodic sync loop on a fixed interval. A tick that
// arrives while a sync is still running is skipped by
// scheduler.PeriodicRunner's overlap check, so syncs never overlap even
// when one takes longer than the interval.
func (c *Coordinator) RunSync(ctx context.Context, interval time.Duration, nodes func() []*clusternode.Node) {
	runner := scheduler.NewPeriodicRunner(interval, func(ctx context.Context) {
		c.SyncOnce(ctx, nodes())
	})
	runner.Run(ctx)
}

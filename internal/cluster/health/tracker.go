// Package health maintains a per-node rolling-window of probe outcomes
// and drives the node operational-state machine described in the
// design: Initializing -> Healthy -> Degraded -> Unhealthy -> Offline,
// with exponential backoff gating the Unhealthy -> Offline retries and
// a uniform success_threshold recovering any failing state to Healthy.
package health

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/clusterproxy/messages-proxy/internal/clusternode"
	"github.com/sirupsen/logrus"
)

// Outcome is one recorded probe result.
type Outcome struct {
	At      time.Time
	Success bool
	Kind    string // "success", "timeout", "network_error", "http_error"
	Latency time.Duration
}

// Config configures thresholds; zero values fall back to the defaults
// named in the design (30s window, 0.8/0.5 success-rate cutoffs,
// consecutive_failures=3, success_threshold=5, backoff 1s/x2/60s cap).
type Config struct {
	WindowDuration      time.Duration
	CheckInterval       time.Duration
	ProbeTimeout        time.Duration
	DegradedThreshold   float64
	UnhealthyThreshold  float64
	MaxConsecutiveFails int
	SuccessThreshold    int
	BackoffInitial      time.Duration
	BackoffMultiplier   float64
	BackoffMax          time.Duration
}

func (c Config) withDefaults() Config {
	if c.WindowDuration <= 0 {
		c.WindowDuration = 30 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 0.8
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 0.5
	}
	if c.MaxConsecutiveFails <= 0 {
		c.MaxConsecutiveFails = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 1 * time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	return c
}

// StateChange is fired exactly once per transition.
type StateChange struct {
	NodeID string
	From   clusternode.NodeState
	To     clusternode.NodeState
	Reason string
}

// Snapshot is the outward-facing view of one node's health.
type Snapshot struct {
	State                clusternode.NodeState
	SuccessRate           float64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	AverageLatencyMs     float64
	LastCheckTime        time.Time
}

// perNode is the tracker's private bookkeeping, one per node, guarded
// by its own lock so concurrent probes for distinct nodes never
// contend.
type perNode struct {
	mu           sync.Mutex
	node         *clusternode.Node
	window       []Outcome
	offlineAttempt int
	nextRetryAt    time.Time
	probing        bool
}

// Tracker is the health subsystem. One instance is owned by the
// cluster manager.
type Tracker struct {
	cfg        Config
	log        *logrus.Entry
	httpClient *http.Client

	onStateChanged func(StateChange)

	mu    sync.RWMutex
	nodes map[string]*perNode
}

// New creates a Tracker. onStateChanged may be nil.
func New(cfg Config, log *logrus.Entry, onStateChanged func(StateChange)) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		cfg:            cfg,
		log:            log,
		httpClient:     &http.Client{Timeout: cfg.ProbeTimeout},
		onStateChanged: onStateChanged,
		nodes:          make(map[string]*perNode),
	}
}

// Track registers a node for probing. Calling Track twice for the same
// node id is a no-op.
func (t *Tracker) Track(n *clusternode.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[n.ID]; ok {
		return
	}
	t.nodes[n.ID] = &perNode{node: n}
}

// Untrack removes a node, e.g. after discovery reports it gone and its
// in-flight requests have drained.
func (t *Tracker) Untrack(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, nodeID)
}

// IsEligible reports whether nodeID's state is Healthy or Degraded.
func (t *Tracker) IsEligible(nodeID string) bool {
	t.mu.RLock()
	pn, ok := t.nodes[nodeID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return pn.node.IsEligible()
}

// Snapshot returns the current health view for a node.
func (t *Tracker) Snapshot(nodeID string) (Snapshot, bool) {
	t.mu.RLock()
	pn, ok := t.nodes[nodeID]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	pn.mu.Lock()
	defer pn.mu.Unlock()

	successRate, avgLatency, consecFails, consecSucc := computeWindow(pn.window, t.cfg.WindowDuration)
	return Snapshot{
		State:                pn.node.State(),
		SuccessRate:          successRate,
		ConsecutiveFailures:  consecFails,
		ConsecutiveSuccesses: consecSucc,
		AverageLatencyMs:     avgLatency,
		LastCheckTime:        lastCheckTime(pn.window),
	}, true
}

// Run probes every tracked node at CheckInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.probeAll(ctx)
		}
	}
}

func (t *Tracker) probeAll(ctx context.Context) {
	t.mu.RLock()
	targets := make([]*perNode, 0, len(t.nodes))
	for _, pn := range t.nodes {
		targets = append(targets, pn)
	}
	t.mu.RUnlock()

	for _, pn := range targets {
		go t.probeOne(ctx, pn)
	}
}

// probeOne issues one liveness probe, skipping it entirely if a prior
// probe for this node is still outstanding (the ordering guarantee:
// concurrent probes for the same node are prevented) or if the node is
// Offline and its backoff deadline has not yet elapsed.
func (t *Tracker) probeOne(ctx context.Context, pn *perNode) {
	pn.mu.Lock()
	if pn.probing {
		pn.mu.Unlock()
		return
	}
	if pn.node.State() == clusternode.Offline && time.Now().Before(pn.nextRetryAt) {
		pn.mu.Unlock()
		return
	}
	pn.probing = true
	pn.mu.Unlock()

	defer func() {
		pn.mu.Lock()
		pn.probing = false
		pn.mu.Unlock()
	}()

	outcome := t.probe(ctx, pn.node)
	t.record(pn, outcome)
}

func (t *Tracker) probe(ctx context.Context, n *clusternode.Node) Outcome {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.BaseURL+"/v1/models", nil)
	if err != nil {
		return Outcome{At: start, Success: false, Kind: "network_error"}
	}

	resp, err := t.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{At: start, Success: false, Kind: "timeout", Latency: latency}
		}
		return Outcome{At: start, Success: false, Kind: "network_error", Latency: latency}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Outcome{At: start, Success: false, Kind: "http_error", Latency: latency}
	}
	return Outcome{At: start, Success: true, Kind: "success", Latency: latency}
}

// record appends the outcome to the node's ring window, recomputes the
// state machine, and fires onStateChanged on transition.
func (t *Tracker) record(pn *perNode, o Outcome) {
	pn.mu.Lock()

	pn.window = append(pn.window, o)
	pn.window = pruneWindow(pn.window, t.cfg.WindowDuration)

	successRate, avgLatency, consecFails, consecSucc := computeWindow(pn.window, t.cfg.WindowDuration)
	pn.node.UpdateHealth(func(h *clusternode.HealthRecord) {
		h.ConsecutiveFailures = consecFails
		h.ConsecutiveSuccesses = consecSucc
		h.AverageLatencyMs = avgLatency
		h.ErrorRate = 1 - successRate
		h.LastCheckTime = o.At
	})

	from := pn.node.State()
	to, reason := t.nextState(from, successRate, consecFails, consecSucc, pn.node.ID)

	if !o.Success && to == clusternode.Offline {
		pn.offlineAttempt++
		pn.nextRetryAt = time.Now().Add(backoffDelay(t.cfg, pn.offlineAttempt))
	}
	if o.Success {
		pn.offlineAttempt = 0
	}

	pn.mu.Unlock()

	if to != from {
		pn.node.SetState(to)
		if t.onStateChanged != nil {
			t.onStateChanged(StateChange{NodeID: pn.node.ID, From: from, To: to, Reason: reason})
		}
		if t.log != nil {
			t.log.WithFields(logrus.Fields{"node_id": pn.node.ID, "from": from, "to": to, "reason": reason}).Info("node state transition")
		}
	}
}

// nextState implements the transition table from §4.4.
func (t *Tracker) nextState(from clusternode.NodeState, successRate float64, consecFails, consecSucc int, nodeID string) (clusternode.NodeState, string) {
	// Any failing state recovers to Healthy after success_threshold
	// consecutive successes, regardless of where it currently sits.
	if from != clusternode.Healthy && from != clusternode.Initializing && consecSucc >= t.cfg.SuccessThreshold {
		return clusternode.Healthy, "success_threshold consecutive successes"
	}

	switch from {
	case clusternode.Initializing:
		if consecSucc >= 1 {
			return clusternode.Healthy, "first successful probe"
		}
		return from, ""

	case clusternode.Healthy:
		if successRate < t.cfg.UnhealthyThreshold || consecFails >= t.cfg.MaxConsecutiveFails {
			return clusternode.Unhealthy, "success rate or consecutive failures breached unhealthy threshold"
		}
		if successRate < t.cfg.DegradedThreshold {
			return clusternode.Degraded, "success rate below degraded threshold"
		}
		return from, ""

	case clusternode.Degraded:
		if successRate < t.cfg.UnhealthyThreshold || consecFails >= t.cfg.MaxConsecutiveFails {
			return clusternode.Unhealthy, "success rate or consecutive failures breached unhealthy threshold"
		}
		return from, ""

	case clusternode.Unhealthy:
		if consecFails > 0 {
			return clusternode.Offline, "continued failures during backoff retries"
		}
		return from, ""

	case clusternode.Offline:
		return from, ""
	}
	return from, ""
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BackoffInitial) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if delay > float64(cfg.BackoffMax) {
		delay = float64(cfg.BackoffMax)
	}
	return time.Duration(delay)
}

func pruneWindow(window []Outcome, dur time.Duration) []Outcome {
	cutoff := time.Now().Add(-dur)
	i := 0
	for i < len(window) && window[i].At.Before(cutoff) {
		i++
	}
	return window[i:]
}

func computeWindow(window []Outcome, dur time.Duration) (successRate, avgLatencyMs float64, consecFails, consecSucc int) {
	if len(window) == 0 {
		return 1, 0, 0, 0
	}

	var successes int
	var latencySum time.Duration
	var latencyCount int
	for _, o := range window {
		if o.Success {
			successes++
		}
		if o.Latency > 0 {
			latencySum += o.Latency
			latencyCount++
		}
	}
	successRate = float64(successes) / float64(len(window))
	if latencyCount > 0 {
		avgLatencyMs = float64(latencySum.Milliseconds()) / float64(latencyCount)
	}

	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Success {
			break
		}
		consecFails++
	}
	for i := len(window) - 1; i >= 0; i-- {
		if !window[i].Success {
			break
		}
		consecSucc++
	}
	return
}

func lastCheckTime(window []Outcome) time.Time {
	if len(window) == 0 {
		return time.Time{}
	}
	return window[len(window)-1].At
}

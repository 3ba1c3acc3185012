package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/clusterproxy/messages-proxy/internal/backend"
	"github.com/clusterproxy/messages-proxy/internal/cluster/cache"
	"github.com/clusterproxy/messages-proxy/internal/cluster/discovery"
	"github.com/clusterproxy/messages-proxy/internal/cluster/health"
	"github.com/clusterproxy/messages-proxy/internal/cluster/router"
	"github.com/clusterproxy/messages-proxy/internal/config"
	"github.com/clusterproxy/messages-proxy/internal/scheduler"
	protoerrors "github.com/clusterproxy/messages-proxy/pkg/provider/errors"
	"github.com/sirupsen/logrus"
)

// lifecycle is the manager's monotone state flag: Init -> Ready -> ShutDown.
type lifecycle int

const (
	lifecycleInit lifecycle = iota
	lifecycleReady
	lifecycleShutDown
)

// Manager is the singleton orchestrator owning discovery, health,
// cache, router, and one backend provider per node. Per §4.7, lock
// acquisition anywhere downstream of Manager follows
// cluster-manager-flag -> subsystem-lock -> per-node-lock; Manager's
// own flag lock is therefore taken first and never held across I/O.
type Manager struct {
	cfg *config.Config
	log *logrus.Entry

	flagMu    sync.Mutex
	lifecycle lifecycle

	discovery discovery.Discovery
	tracker   *health.Tracker
	coord     *cache.Coordinator
	rtr       *router.Router

	nodesMu   sync.RWMutex
	nodes     map[string]*Node
	providers map[string]backend.Provider

	cancelBackground context.CancelFunc
	bgWG             sync.WaitGroup
}

// New constructs a Manager. It does not start any subsystem; call Init.
func New(cfg *config.Config, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:       cfg,
		log:       log,
		nodes:     make(map[string]*Node),
		providers: make(map[string]backend.Provider),
	}
}

// Init runs the ordered startup sequence from §4.7. If any step fails,
// prior steps are torn down before the error is returned. Concurrent
// Init calls are rejected.
func (m *Manager) Init(ctx context.Context) error {
	m.flagMu.Lock()
	if m.lifecycle != lifecycleInit {
		m.flagMu.Unlock()
		return protoerrors.NewClusterError("manager", "", "init called outside Init lifecycle state", nil)
	}
	m.lifecycle = lifecycleReady // optimistic; rolled back on failure below
	m.flagMu.Unlock()

	if err := m.cfg.Validate(); err != nil {
		m.rollbackLifecycle()
		return err
	}

	if err := m.startDiscovery(ctx); err != nil {
		m.rollbackLifecycle()
		return err
	}

	m.buildProviders()

	m.tracker = health.New(healthConfigFrom(m.cfg), logging(m.log, "health"), m.onHealthChanged)
	for _, n := range m.snapshotNodes() {
		m.tracker.Track(n)
	}

	m.coord = cache.NewCoordinator(m.cfg.Cache.EntryTTL, logging(m.log, "cache"))
	m.warmupAsync(ctx)

	m.rtr = router.New(
		router.Config{Strategy: router.Strategy(m.cfg.Router.Strategy), StickyTTL: m.cfg.Router.StickyTTL},
		m.tracker, m.coord.Registry(), m.onNodeSelected, m.onRoutingFailed,
	)

	bgCtx, cancel := context.WithCancel(context.Background())
	m.cancelBackground = cancel
	m.runBackgroundLoops(bgCtx)

	m.flagMu.Lock()
	m.lifecycle = lifecycleReady
	m.flagMu.Unlock()
	return nil
}

func (m *Manager) rollbackLifecycle() {
	m.flagMu.Lock()
	m.lifecycle = lifecycleInit
	m.flagMu.Unlock()
}

func logging(log *logrus.Entry, component string) *logrus.Entry {
	if log == nil {
		return logrus.NewEntry(logrus.New()).WithField("component", component)
	}
	return log.WithField("component", component)
}

func healthConfigFrom(cfg *config.Config) health.Config {
	return health.Config{
		WindowDuration:      cfg.Health.WindowDuration,
		CheckInterval:       cfg.Health.CheckInterval,
		ProbeTimeout:        cfg.Health.ProbeTimeout,
		DegradedThreshold:   cfg.Health.DegradedThreshold,
		UnhealthyThreshold:  cfg.Health.UnhealthyThreshold,
		MaxConsecutiveFails: cfg.Health.MaxConsecutiveFails,
		SuccessThreshold:    cfg.Health.SuccessThreshold,
		BackoffInitial:      cfg.Health.BackoffInitial,
		BackoffMultiplier:   cfg.Health.BackoffMultiplier,
		BackoffMax:          cfg.Health.BackoffMax,
	}
}

func (m *Manager) startDiscovery(ctx context.Context) error {
	dcfg := discovery.Config{
		Mode:            string(m.cfg.Discovery.Mode),
		DNSName:         m.cfg.Discovery.DNSName,
		ServiceLabel:    m.cfg.Discovery.ServiceLabel,
		RefreshInterval: m.cfg.Discovery.RefreshInterval,
	}
	for _, sn := range m.cfg.Discovery.StaticNodes {
		dcfg.StaticNodes = append(dcfg.StaticNodes, discovery.Endpoint{
			ID: sn.ID, BaseURL: sn.BaseURL, Backend: sn.Backend, Weight: sn.Weight,
		})
	}

	d, err := discovery.New(dcfg, discovery.Callbacks{
		OnNodeAdded:   m.onNodeAdded,
		OnNodeUpdated: m.onNodeUpdated,
		OnNodeRemoved: m.onNodeRemoved,
	})
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}
	m.discovery = d

	m.nodesMu.Lock()
	for _, e := range d.List() {
		m.nodes[e.ID] = NewNode(e.ID, e.BaseURL, BackendKind(e.Backend), e.Weight)
	}
	m.nodesMu.Unlock()
	return nil
}

func (m *Manager) buildProviders() {
	m.nodesMu.Lock()
	defer m.nodesMu.Unlock()
	for id, n := range m.nodes {
		if _, ok := m.providers[id]; ok {
			continue
		}
		m.providers[id] = backend.New(backend.Config{
			NodeID:  n.ID,
			BaseURL: n.BaseURL,
			Kind:    backend.Kind(n.Backend),
		})
	}
}

func (m *Manager) warmupAsync(ctx context.Context) {
	nodes := m.snapshotNodes()
	// Non-fatal if warm-up fails: logged, not propagated per §4.7 step 5.
	m.coord.Warmup(ctx, nodes, "", cache.WarmupOptions{Concurrency: m.cfg.Cache.WarmupConcurrency}, func(nodeID string, err error) {
		if m.log != nil {
			m.log.WithFields(logrus.Fields{"node_id": nodeID, "error": err}).Warn("cache warm-up failed")
		}
	})
}

func (m *Manager) runBackgroundLoops(ctx context.Context) {
	m.bgWG.Add(3)
	go func() { defer m.bgWG.Done(); m.tracker.Run(ctx) }()
	go func() {
		defer m.bgWG.Done()
		m.coord.RunSync(ctx, m.cfg.Cache.SyncInterval, m.snapshotNodes)
	}()
	go func() {
		defer m.bgWG.Done()
		runner := scheduler.NewPeriodicRunner(m.cfg.Router.StickyTTL/5+time.Second, func(context.Context) {
			m.rtr.CleanupSticky()
		})
		runner.Run(ctx)
	}()
}

func (m *Manager) snapshotNodes() []*Node {
	m.nodesMu.RLock()
	defer m.nodesMu.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// SelectNode is the public node-selection API funneled through the
// router. estimatedTokens carries the cache-marker token estimate from
// fingerprint.ExtractCacheMarkers into the router's scoring context.
func (m *Manager) SelectNode(systemPromptHash, toolsHash, sessionID string, estimatedTokens int) *router.Decision {
	return m.rtr.SelectNode(m.snapshotNodes(), router.Context{
		SystemPromptHash: systemPromptHash,
		ToolsHash:        toolsHash,
		EstimatedTokens:  estimatedTokens,
		SessionID:        sessionID,
	})
}

// GetProvider returns the backend provider for nodeID.
func (m *Manager) GetProvider(nodeID string) (backend.Provider, error) {
	m.nodesMu.RLock()
	defer m.nodesMu.RUnlock()
	p, ok := m.providers[nodeID]
	if !ok {
		return nil, protoerrors.NewClusterError("manager", nodeID, "no provider for node", nil)
	}
	return p, nil
}

// GetNode returns the Node by id, for in-flight count bookkeeping.
func (m *Manager) GetNode(nodeID string) (*Node, bool) {
	m.nodesMu.RLock()
	defer m.nodesMu.RUnlock()
	n, ok := m.nodes[nodeID]
	return n, ok
}

// RecordSuccess marks a successful dispatch on the node's HealthRecord
// (ConsecutiveFailures reset, ConsecutiveSuccesses incremented). The
// outcome does not reach the health tracker: its probe window and state
// machine are unaffected, its next probe overwrites these counters, and
// latencyMs is not recorded.
func (m *Manager) RecordSuccess(nodeID string, latencyMs float64) {
	if n, ok := m.GetNode(nodeID); ok {
		n.UpdateHealth(func(h *HealthRecord) {
			h.ConsecutiveFailures = 0
			h.ConsecutiveSuccesses++
			h.LastCheckTime = time.Now()
		})
	}
}

// RecordFailure marks a failed dispatch on the node's HealthRecord and
// logs it. As with RecordSuccess, the outcome does not reach the health
// tracker's window or state machine, and the tracker's next probe
// overwrites these counters.
func (m *Manager) RecordFailure(nodeID string, err error) {
	if n, ok := m.GetNode(nodeID); ok {
		n.UpdateHealth(func(h *HealthRecord) {
			h.ConsecutiveFailures++
			h.ConsecutiveSuccesses = 0
			h.LastCheckTime = time.Now()
		})
	}
	if m.log != nil {
		m.log.WithFields(logrus.Fields{"node_id": nodeID, "error": err}).Warn("backend dispatch failure")
	}
}

// NodeSnapshot is one node's operator-facing snapshot, returned from
// the /v1/cluster/nodes HTTP surface.
type NodeSnapshot struct {
	ID       string
	State    NodeState
	InFlight int64
	Cache    CacheState
	Health   HealthRecord
}

// ClusterStatusSnapshot returns the derived cluster status plus every
// node's snapshot, for the /v1/cluster/status and /v1/cluster/nodes
// HTTP surface.
func (m *Manager) ClusterStatusSnapshot() (Status, []NodeSnapshot) {
	nodes := m.snapshotNodes()
	snaps := make([]Snapshot, 0, len(nodes))
	out := make([]NodeSnapshot, 0, len(nodes))
	for _, n := range nodes {
		s := n.Snapshot()
		snaps = append(snaps, s)
		out = append(out, NodeSnapshot{ID: s.ID, State: s.State, InFlight: s.InFlight, Cache: s.Cache, Health: s.Health})
	}
	return DeriveStatus(snaps), out
}

// Shutdown stops discovery first, then cancels the health, cache-sync
// and sticky-cleanup loops and waits for them to exit. Providers are not
// closed, and the manager stays in the shut-down state; a call made when
// the manager is not ready (including a repeated call) is a no-op.
func (m *Manager) Shutdown() {
	m.flagMu.Lock()
	if m.lifecycle != lifecycleReady {
		m.flagMu.Unlock()
		return
	}
	m.lifecycle = lifecycleShutDown
	m.flagMu.Unlock()

	if m.discovery != nil {
		m.discovery.Stop()
	}

	if m.cancelBackground != nil {
		m.cancelBackground()
	}
	m.bgWG.Wait()
}

func (m *Manager) onNodeAdded(e discovery.Endpoint) {
	m.nodesMu.Lock()
	n := NewNode(e.ID, e.BaseURL, BackendKind(e.Backend), e.Weight)
	m.nodes[e.ID] = n
	m.providers[e.ID] = backend.New(backend.Config{NodeID: n.ID, BaseURL: n.BaseURL, Kind: backend.Kind(n.Backend)})
	m.nodesMu.Unlock()
	if m.tracker != nil {
		m.tracker.Track(n)
	}
}

func (m *Manager) onNodeUpdated(e discovery.Endpoint) {
	m.nodesMu.Lock()
	defer m.nodesMu.Unlock()
	if n, ok := m.nodes[e.ID]; ok {
		n.BaseURL = e.BaseURL
		m.providers[e.ID] = backend.New(backend.Config{NodeID: n.ID, BaseURL: n.BaseURL, Kind: backend.Kind(n.Backend)})
	}
}

func (m *Manager) onNodeRemoved(id string) {
	m.nodesMu.Lock()
	delete(m.nodes, id)
	delete(m.providers, id)
	m.nodesMu.Unlock()
	if m.tracker != nil {
		m.tracker.Untrack(id)
	}
}

func (m *Manager) onHealthChanged(sc health.StateChange) {
	if m.log != nil {
		m.log.WithFields(logrus.Fields{
			"node_id": sc.NodeID, "from": sc.From, "to": sc.To, "reason": sc.Reason,
		}).Info("cluster node state changed")
	}
}

func (m *Manager) onNodeSelected(d router.Decision) {
	if m.log != nil {
		m.log.WithFields(logrus.Fields{"node_id": d.NodeID, "reason": d.Reason, "confidence": d.Confidence}).Debug("routing decision")
	}
}

func (m *Manager) onRoutingFailed(ctx router.Context, reason string) {
	if m.log != nil {
		m.log.WithField("reason", reason).Warn("routing failed")
	}
}

// Package discovery enumerates candidate nodes via static configuration,
// DNS SRV records, or a service-label query, behind a single Discovery
// interface so the three modes need no shared class hierarchy.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	protoerrors "github.com/clusterproxy/messages-proxy/pkg/provider/errors"
)

// Endpoint is one discovered candidate, before liveness validation.
type Endpoint struct {
	ID      string
	BaseURL string
	Backend string
	Weight  int
}

// Callbacks are fired exactly once per transition.
type Callbacks struct {
	OnNodeAdded   func(Endpoint)
	OnNodeUpdated func(Endpoint)
	OnNodeRemoved func(id string)
}

// Discovery is the capability set shared by all three modes: start an
// initial synchronous pass, list the current endpoints, and stop the
// background refresh loop.
type Discovery interface {
	Start(ctx context.Context) error
	List() []Endpoint
	Stop()
}

// Config selects a mode and its parameters.
type Config struct {
	Mode            string // "static", "dns_srv", "service_label"
	StaticNodes     []Endpoint
	DNSName         string
	ServiceLabel    string
	RefreshInterval time.Duration
	ProbeTimeout    time.Duration
	HTTPClient      *http.Client
}

// New constructs the Discovery implementation for cfg.Mode.
func New(cfg Config, cb Callbacks) (Discovery, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.ProbeTimeout}
	}

	base := &baseDiscovery{cfg: cfg, cb: cb, known: make(map[string]Endpoint)}

	switch cfg.Mode {
	case "static", "":
		return &staticDiscovery{baseDiscovery: base}, nil
	case "dns_srv":
		return &dnsDiscovery{baseDiscovery: base}, nil
	case "service_label":
		return &serviceLabelDiscovery{baseDiscovery: base}, nil
	default:
		return nil, protoerrors.NewClusterError("discovery", "", fmt.Sprintf("unknown discovery mode %q", cfg.Mode), nil)
	}
}

// baseDiscovery holds the shared known-endpoint bookkeeping and the
// liveness probe, reused by all three mode implementations.
type baseDiscovery struct {
	cfg Config
	cb  Callbacks

	mu      sync.RWMutex
	known   map[string]Endpoint
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (b *baseDiscovery) List() []Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Endpoint, 0, len(b.known))
	for _, e := range b.known {
		out = append(out, e)
	}
	return out
}

func (b *baseDiscovery) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// probeLive issues a short HTTP GET against the endpoint's models/health
// route and reports whether it responded with a 2xx status.
func (b *baseDiscovery) probeLive(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// reconcile diffs candidates against the known set, firing callbacks
// for additions, URL updates, and removals. Idempotent: discovering the
// same endpoint twice with the same URL is a no-op.
func (b *baseDiscovery) reconcile(candidates []Endpoint) {
	b.mu.Lock()
	seen := make(map[string]struct{}, len(candidates))
	var added, updated []Endpoint
	var removed []string

	for _, c := range candidates {
		seen[c.ID] = struct{}{}
		existing, ok := b.known[c.ID]
		switch {
		case !ok:
			b.known[c.ID] = c
			added = append(added, c)
		case existing.BaseURL != c.BaseURL:
			b.known[c.ID] = c
			updated = append(updated, c)
		}
	}
	for id := range b.known {
		if _, ok := seen[id]; !ok {
			delete(b.known, id)
			removed = append(removed, id)
		}
	}
	b.mu.Unlock()

	if b.cb.OnNodeAdded != nil {
		for _, e := range added {
			b.cb.OnNodeAdded(e)
		}
	}
	if b.cb.OnNodeUpdated != nil {
		for _, e := range updated {
			b.cb.OnNodeUpdated(e)
		}
	}
	if b.cb.OnNodeRemoved != nil {
		for _, id := range removed {
			b.cb.OnNodeRemoved(id)
		}
	}
}

// runLoop starts the periodic refresh and stores its cancel func.
func (b *baseDiscovery) runLoop(ctx context.Context, refresh func(context.Context) []Endpoint) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.reconcile(refresh(ctx))
			}
		}
	}()
}

func (b *baseDiscovery) validateLive(ctx context.Context, candidates []Endpoint) []Endpoint {
	live := make([]Endpoint, 0, len(candidates))
	for _, c := range candidates {
		if b.probeLive(ctx, c.BaseURL) {
			live = append(live, c)
		}
	}
	return live
}

// staticDiscovery serves a fixed configured list, re-validated by
// liveness probe on each refresh tick (so an endpoint going down still
// drops out of List(), even though the candidate set never changes).
type staticDiscovery struct {
	*baseDiscovery
}

func (s *staticDiscovery) Start(ctx context.Context) error {
	live := s.validateLive(ctx, s.cfg.StaticNodes)
	if len(live) == 0 {
		return protoerrors.NewClusterError("discovery", "", "zero reachable static nodes", protoerrors.ErrDiscoveryFailed)
	}
	s.reconcile(live)
	s.runLoop(ctx, func(ctx context.Context) []Endpoint {
		return s.validateLive(ctx, s.cfg.StaticNodes)
	})
	return nil
}

// dnsDiscovery resolves `_service._tcp.<domain>` SRV records into
// host:port endpoints, then applies the same liveness validation.
type dnsDiscovery struct {
	*baseDiscovery
}

func (d *dnsDiscovery) resolve(ctx context.Context) []Endpoint {
	_, addrs, err := net.DefaultResolver.LookupSRV(ctx, "service", "tcp", d.cfg.DNSName)
	if err != nil {
		return nil
	}
	candidates := make([]Endpoint, 0, len(addrs))
	for _, a := range addrs {
		host := a.Target
		if len(host) > 0 && host[len(host)-1] == '.' {
			host = host[:len(host)-1]
		}
		baseURL := fmt.Sprintf("http://%s:%d", host, a.Port)
		candidates = append(candidates, Endpoint{
			ID:      baseURL,
			BaseURL: baseURL,
			Backend: "openai_compatible",
			Weight:  1,
		})
	}
	return d.validateLive(ctx, candidates)
}

func (d *dnsDiscovery) Start(ctx context.Context) error {
	live := d.resolve(ctx)
	if len(live) == 0 {
		return protoerrors.NewClusterError("discovery", "", "zero reachable nodes from SRV lookup", protoerrors.ErrDiscoveryFailed)
	}
	d.reconcile(live)
	d.runLoop(ctx, d.resolve)
	return nil
}

// serviceLabelDiscovery queries a container-orchestrator endpoints API
// filtered by label. The query itself is left as an injection point
// (Lister) since the concrete orchestrator API is an external
// collaborator outside this repository's scope.
type serviceLabelDiscovery struct {
	*baseDiscovery
}

// Lister is the orchestrator-specific endpoint enumeration function an
// operator wires in; by default it returns no candidates, which fails
// Start with ErrDiscoveryFailed rather than silently serving nothing.
var Lister func(ctx context.Context, label string) ([]Endpoint, error)

func (s *serviceLabelDiscovery) list(ctx context.Context) []Endpoint {
	if Lister == nil {
		return nil
	}
	candidates, err := Lister(ctx, s.cfg.ServiceLabel)
	if err != nil {
		return nil
	}
	return s.validateLive(ctx, candidates)
}

func (s *serviceLabelDiscovery) Start(ctx context.Context) error {
	live := s.list(ctx)
	if len(live) == 0 {
		return protoerrors.NewClusterError("discovery", "", "zero reachable nodes for service label", protoerrors.ErrDiscoveryFailed)
	}
	s.reconcile(live)
	s.runLoop(ctx, s.list)
	return nil
}

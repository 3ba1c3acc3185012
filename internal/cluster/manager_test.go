package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clusterproxy/messages-proxy/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func startBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newReadyManager(t *testing.T, backendURL string) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Discovery.StaticNodes = []config.StaticNode{
		{ID: "node-1", BaseURL: backendURL, Backend: "openai_compatible", Weight: 1},
	}
	cfg.Router.Strategy = config.RoutingRoundRobin

	m := New(&cfg, logrus.NewEntry(logrus.New()))
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(m.Shutdown)
	return m
}

func TestInitPopulatesNodesAndProviders(t *testing.T) {
	backend := startBackend(t)
	m := newReadyManager(t, backend.URL)

	n, ok := m.GetNode("node-1")
	require.True(t, ok)
	require.Equal(t, "node-1", n.ID)

	p, err := m.GetProvider("node-1")
	require.NoError(t, err)
	require.Equal(t, "node-1", p.NodeID())
}

func TestInitRejectsConcurrentReinit(t *testing.T) {
	backend := startBackend(t)
	m := newReadyManager(t, backend.URL)

	err := m.Init(context.Background())
	require.Error(t, err)
}

func TestInitFailsOnInvalidConfigAndRollsBackLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = ""
	cfg.Discovery.StaticNodes = []config.StaticNode{{ID: "n1", BaseURL: "http://x"}}
	m := New(&cfg, logrus.NewEntry(logrus.New()))

	err := m.Init(context.Background())
	require.Error(t, err)

	m.flagMu.Lock()
	state := m.lifecycle
	m.flagMu.Unlock()
	require.Equal(t, lifecycleInit, state, "failed Init must roll the lifecycle flag back to Init")
}

func TestGetProviderUnknownNodeReturnsError(t *testing.T) {
	backend := startBackend(t)
	m := newReadyManager(t, backend.URL)

	_, err := m.GetProvider("does-not-exist")
	require.Error(t, err)
}

func TestSelectNodeReturnsADecisionForAHealthyCluster(t *testing.T) {
	backend := startBackend(t)
	m := newReadyManager(t, backend.URL)

	n, _ := m.GetNode("node-1")
	n.SetState(Healthy)

	d := m.SelectNode("", "", "", 0)
	require.NotNil(t, d)
	require.Equal(t, "node-1", d.NodeID)
}

func TestRecordSuccessAndFailureUpdateNodeHealth(t *testing.T) {
	backend := startBackend(t)
	m := newReadyManager(t, backend.URL)

	m.RecordSuccess("node-1", 12.5)
	n, _ := m.GetNode("node-1")
	require.Equal(t, 1, n.Snapshot().Health.ConsecutiveSuccesses)

	m.RecordFailure("node-1", nil)
	require.Equal(t, 1, n.Snapshot().Health.ConsecutiveFailures)
	require.Equal(t, 0, n.Snapshot().Health.ConsecutiveSuccesses)
}

func TestClusterStatusSnapshotReflectsNodeState(t *testing.T) {
	backend := startBackend(t)
	m := newReadyManager(t, backend.URL)

	n, _ := m.GetNode("node-1")
	n.SetState(Healthy)

	status, snaps := m.ClusterStatusSnapshot()
	require.Len(t, snaps, 1)
	require.Equal(t, "node-1", snaps[0].ID)
	require.Equal(t, StatusHealthy, status)
}

func TestShutdownIsIdempotent(t *testing.T) {
	backend := startBackend(t)
	cfg := config.Default()
	cfg.Discovery.StaticNodes = []config.StaticNode{
		{ID: "node-1", BaseURL: backend.URL, Backend: "openai_compatible", Weight: 1},
	}
	m := New(&cfg, logrus.NewEntry(logrus.New()))
	require.NoError(t, m.Init(context.Background()))

	m.Shutdown()
	m.Shutdown() // must not panic or block on a second call
}

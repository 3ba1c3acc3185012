package cluster

import "github.com/clusterproxy/messages-proxy/internal/clusternode"

// These aliases let the manager refer to the node/status vocabulary
// without every call site spelling out the clusternode package name;
// the types themselves live there so health/cache/router can depend on
// them without importing this package back.
type (
	Node         = clusternode.Node
	NodeState    = clusternode.NodeState
	BackendKind  = clusternode.BackendKind
	HealthRecord = clusternode.HealthRecord
	CacheState   = clusternode.CacheState
	Snapshot     = clusternode.Snapshot
	Status       = clusternode.Status
)

const (
	Initializing = clusternode.Initializing
	Healthy      = clusternode.Healthy
	Degraded     = clusternode.Degraded
	Unhealthy    = clusternode.Unhealthy
	Offline      = clusternode.Offline

	BackendOpenAICompatible = clusternode.BackendOpenAICompatible
	BackendAnthropic        = clusternode.BackendAnthropic

	StatusStarting = clusternode.StatusStarting
	StatusHealthy  = clusternode.StatusHealthy
	StatusDegraded = clusternode.StatusDegraded
	StatusCritical = clusternode.StatusCritical
	StatusOffline  = clusternode.StatusOffline
)

var (
	NewNode      = clusternode.NewNode
	DeriveStatus = clusternode.DeriveStatus
)

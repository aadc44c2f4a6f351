// Package discovery implements the DiscoveryEngine (spec §4.1): two
// independently-paced polling loops — one reading the daemon's
// protobuf NodeList, one wildcard-querying per-node JSON manifests —
// fused into a single deduplicated node inventory with staleness and
// eviction windows, plus a typed event stream for incremental
// consumers.
package discovery

import (
	"sort"
	"time"

	"github.com/bubbaloop/fleetd/internal/daemonpb"
	"github.com/bubbaloop/fleetd/internal/manifest"
)

// DiscoveredNode is the merged, canonical record surfaced to the UI
// (spec §3).
type DiscoveredNode struct {
	Name      string
	MachineID string

	Manifest *manifest.NodeManifest

	MachineHostname  string
	MachineIPs       []string
	Status           daemonpb.Status
	Installed        bool
	AutostartEnabled bool
	IsBuilt          bool
	Version          string
	Description      string
	NodeType         string
	BaseNode         string
	Path             string
	BuildOutput      []string

	DiscoveredVia string // "manifest" | "daemon" | "both"
	Stale         bool
	LastSeenMS    int64
}

const (
	ViaManifest = "manifest"
	ViaDaemon   = "daemon"
	ViaBoth     = "both"
)

// nodeKey normalizes machineID (spec §8 invariant 1: empty -> "local")
// and joins it with name into the merge map's key.
func nodeKey(machineID, name string) string {
	if machineID == "" {
		machineID = "local"
	}
	return machineID + "\x00" + name
}

// normalizeMachineID applies the same empty->"local" normalization
// DiscoveredNode.MachineID must always satisfy.
func normalizeMachineID(machineID string) string {
	if machineID == "" {
		return "local"
	}
	return machineID
}

// DaemonViewEntry is one record contributed to a merge cycle by the
// daemon loop: a decoded NodeState plus the staleness flag computed
// from last_daemon_reply freshness (spec §4.1 step 3).
type DaemonViewEntry struct {
	MachineID string
	Node      daemonpb.NodeState
	Stale     bool
}

// Snapshot is the DiscoveryEngine's public contract's snapshot()
// return value (spec §4.1).
type Snapshot struct {
	Nodes           []DiscoveredNode
	DaemonConnected bool
	ManifestActive  bool
	Loading         bool
	LastError       string
}

// EventKind names one member of the DiscoveryEngine's typed event
// stream (spec §4.1).
type EventKind string

const (
	EventNodeAdded              EventKind = "node_added"
	EventNodeUpdated            EventKind = "node_updated"
	EventNodeStale              EventKind = "node_stale"
	EventNodeEvicted            EventKind = "node_evicted"
	EventDaemonConnectedChanged EventKind = "daemon_connected_changed"
)

// Event is one typed delta emitted by the engine. Node is populated
// for every kind except EventDaemonConnectedChanged, where
// DaemonConnected carries the new value.
type Event struct {
	Kind            EventKind
	Node            DiscoveredNode
	DaemonConnected bool
}

func sortNodes(nodes []DiscoveredNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].MachineID != nodes[j].MachineID {
			return nodes[i].MachineID < nodes[j].MachineID
		}
		return nodes[i].Name < nodes[j].Name
	})
}

func nowMS(t time.Time) int64 {
	return t.UnixMilli()
}

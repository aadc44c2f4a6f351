// Package fleet implements FleetState (spec §4.4): a pure, stateless
// derivation of the per-machine aggregate view from the DiscoveryEngine's
// current DiscoveredNode set, plus the UI's machine-id selection filter.
package fleet

import (
	"sort"

	"github.com/bubbaloop/fleetd/internal/daemonpb"
	"github.com/bubbaloop/fleetd/internal/discovery"
)

// MachineInfo is the per-machine aggregate (spec §3).
type MachineInfo struct {
	MachineID    string
	Hostname     string
	IPs          []string
	NodeCount    int
	RunningCount int
	IsOnline     bool
}

// Derive groups nodes by machine_id (empty normalized to "local") and
// computes each machine's aggregate per spec §4.4. The result is
// sorted by machine_id for deterministic snapshots.
func Derive(nodes []discovery.DiscoveredNode) []MachineInfo {
	order := make([]string, 0)
	groups := make(map[string][]discovery.DiscoveredNode)

	for _, n := range nodes {
		mid := n.MachineID
		if mid == "" {
			mid = "local"
		}
		if _, seen := groups[mid]; !seen {
			order = append(order, mid)
		}
		groups[mid] = append(groups[mid], n)
	}

	infos := make([]MachineInfo, 0, len(groups))
	for _, mid := range order {
		infos = append(infos, deriveOne(mid, groups[mid]))
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].MachineID < infos[j].MachineID })
	return infos
}

func deriveOne(machineID string, group []discovery.DiscoveredNode) MachineInfo {
	info := MachineInfo{MachineID: machineID, NodeCount: len(group)}

	for _, n := range group {
		if info.Hostname == "" && n.MachineHostname != "" {
			info.Hostname = n.MachineHostname
		}
		if len(info.IPs) == 0 && len(n.MachineIPs) > 0 {
			info.IPs = n.MachineIPs
		}
		if n.Status == daemonpb.StatusRunning {
			info.RunningCount++
		}
		if !n.Stale {
			info.IsOnline = true
		}
	}

	if info.Hostname == "" {
		info.Hostname = "local"
	}
	if info.IPs == nil {
		info.IPs = []string{}
	}
	return info
}

// FilterByMachine applies the UI's machine_id selection (spec §4.4
// "Selection"). An empty machineID means no filter (select all).
func FilterByMachine(nodes []discovery.DiscoveredNode, machineID string) []discovery.DiscoveredNode {
	if machineID == "" {
		return nodes
	}

	out := make([]discovery.DiscoveredNode, 0, len(nodes))
	for _, n := range nodes {
		mid := n.MachineID
		if mid == "" {
			mid = "local"
		}
		if mid == machineID {
			out = append(out, n)
		}
	}
	return out
}

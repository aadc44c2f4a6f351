package discovery

import (
	"time"

	"github.com/bubbaloop/fleetd/internal/daemonpb"
	"github.com/bubbaloop/fleetd/internal/manifest"
)

// mergeState is the pure merge function of spec §4.1 "Merge function".
// It is deliberately side-effect free: daemonView, manifests and
// lastManifestReply are read-only inputs, now is supplied rather than
// sampled, and the only output besides the merged nodes is the set of
// manifest keys that have crossed MANIFEST_TTL and should be evicted
// by the caller.
func mergeState(
	daemonView []DaemonViewEntry,
	manifests map[string]manifest.NodeManifest,
	lastManifestReply map[string]time.Time,
	now time.Time,
	manifestTTL time.Duration,
) (nodes []DiscoveredNode, expiredManifestKeys []string) {
	result := make(map[string]DiscoveredNode, len(daemonView)+len(manifests))
	ts := nowMS(now)

	// Step 1: insert every daemon record, attaching a manifest when its
	// key is known and still within MANIFEST_TTL; a manifest that has
	// gone silent past its TTL is dropped back to daemon-only and
	// queued for eviction even though the daemon still reports the node.
	for _, entry := range daemonView {
		mid := normalizeMachineID(entry.MachineID)
		key := nodeKey(mid, entry.Node.Name)

		via := ViaDaemon
		var attached *manifest.NodeManifest
		if m, ok := manifests[key]; ok {
			last, seen := lastManifestReply[key]
			if seen && now.Sub(last) <= manifestTTL {
				mCopy := m
				attached = &mCopy
				via = ViaBoth
			} else {
				expiredManifestKeys = append(expiredManifestKeys, key)
			}
		}

		result[key] = DiscoveredNode{
			Name:             entry.Node.Name,
			MachineID:        mid,
			Manifest:         attached,
			MachineHostname:  entry.Node.MachineHostname,
			MachineIPs:       entry.Node.MachineIPs,
			Status:           entry.Node.Status,
			Installed:        entry.Node.Installed,
			AutostartEnabled: entry.Node.AutostartEnabled,
			IsBuilt:          entry.Node.IsBuilt,
			Version:          entry.Node.Version,
			Description:      entry.Node.Description,
			NodeType:         entry.Node.NodeType,
			BaseNode:         entry.Node.BaseNode,
			Path:             entry.Node.Path,
			BuildOutput:      entry.Node.BuildOutput,
			DiscoveredVia:    via,
			Stale:            entry.Stale,
			LastSeenMS:       ts,
		}
	}

	// Step 2: manifest-only keys not covered by any daemon record.
	for key, m := range manifests {
		if _, exists := result[key]; exists {
			continue
		}

		last, seen := lastManifestReply[key]
		if !seen || now.Sub(last) > manifestTTL {
			expiredManifestKeys = append(expiredManifestKeys, key)
			continue
		}

		mCopy := m
		mid, name := m.Key()
		result[key] = DiscoveredNode{
			Name:          name,
			MachineID:     mid,
			Manifest:      &mCopy,
			Status:        daemonpb.StatusUnknown,
			Installed:     false,
			DiscoveredVia: ViaManifest,
			Stale:         false,
			LastSeenMS:    nowMS(last),
		}
	}

	nodes = make([]DiscoveredNode, 0, len(result))
	for _, n := range result {
		nodes = append(nodes, n)
	}
	sortNodes(nodes)
	return nodes, expiredManifestKeys
}

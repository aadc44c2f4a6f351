package discovery

import (
	"testing"
	"time"

	"github.com/bubbaloop/fleetd/internal/daemonpb"
	"github.com/bubbaloop/fleetd/internal/manifest"
)

func TestMergeStateDaemonOnly(t *testing.T) {
	now := time.Now()
	view := []DaemonViewEntry{
		{MachineID: "m1", Node: daemonpb.NodeState{Name: "rtsp-camera", Status: daemonpb.StatusRunning}},
	}

	nodes, expired := mergeState(view, map[string]manifest.NodeManifest{}, map[string]time.Time{}, now, time.Minute)
	if len(expired) != 0 {
		t.Fatalf("expired = %v, want none", expired)
	}
	if len(nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want 1", len(nodes))
	}
	if nodes[0].DiscoveredVia != ViaDaemon {
		t.Errorf("DiscoveredVia = %q, want %q", nodes[0].DiscoveredVia, ViaDaemon)
	}
	if nodes[0].MachineID != "m1" {
		t.Errorf("MachineID = %q", nodes[0].MachineID)
	}
}

func TestMergeStateAttachesManifestAsBoth(t *testing.T) {
	now := time.Now()
	view := []DaemonViewEntry{
		{MachineID: "m1", Node: daemonpb.NodeState{Name: "rtsp-camera", Status: daemonpb.StatusRunning}},
	}
	key := nodeKey("m1", "rtsp-camera")
	manifests := map[string]manifest.NodeManifest{
		key: {Name: "rtsp-camera", MachineID: "m1", Scope: "local"},
	}
	lastReply := map[string]time.Time{key: now}

	nodes, _ := mergeState(view, manifests, lastReply, now, time.Minute)
	if len(nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want 1", len(nodes))
	}
	if nodes[0].DiscoveredVia != ViaBoth {
		t.Errorf("DiscoveredVia = %q, want %q", nodes[0].DiscoveredVia, ViaBoth)
	}
	if nodes[0].Manifest == nil {
		t.Fatalf("expected attached manifest")
	}
}

// TestMergeStateDegradesBothToDaemonPastManifestTTL exercises spec §9
// Open Question 3: a node seen by both channels drops back to
// daemon-only provenance once its manifest has been silent for longer
// than MANIFEST_TTL, even though the daemon still reports it every
// cycle, and the stale manifest key is queued for eviction.
func TestMergeStateDegradesBothToDaemonPastManifestTTL(t *testing.T) {
	now := time.Now()
	view := []DaemonViewEntry{
		{MachineID: "m1", Node: daemonpb.NodeState{Name: "rtsp-camera", Status: daemonpb.StatusRunning}},
	}
	key := nodeKey("m1", "rtsp-camera")
	manifests := map[string]manifest.NodeManifest{
		key: {Name: "rtsp-camera", MachineID: "m1", Scope: "local"},
	}
	lastReply := map[string]time.Time{key: now.Add(-61 * time.Second)}

	nodes, expired := mergeState(view, manifests, lastReply, now, 60*time.Second)
	if len(nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want 1", len(nodes))
	}
	if nodes[0].DiscoveredVia != ViaDaemon {
		t.Errorf("DiscoveredVia = %q, want %q", nodes[0].DiscoveredVia, ViaDaemon)
	}
	if nodes[0].Manifest != nil {
		t.Errorf("expected manifest detached, got %+v", nodes[0].Manifest)
	}
	if len(expired) != 1 || expired[0] != key {
		t.Fatalf("expired = %v, want [%s]", expired, key)
	}
}

func TestMergeStateManifestOnlyWithinTTL(t *testing.T) {
	now := time.Now()
	key := nodeKey("m2", "temp-sensor")
	manifests := map[string]manifest.NodeManifest{
		key: {Name: "temp-sensor", MachineID: "m2", Scope: "local"},
	}
	lastReply := map[string]time.Time{key: now.Add(-30 * time.Second)}

	nodes, expired := mergeState(nil, manifests, lastReply, now, 60*time.Second)
	if len(expired) != 0 {
		t.Fatalf("expired = %v, want none", expired)
	}
	if len(nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want 1", len(nodes))
	}
	if nodes[0].DiscoveredVia != ViaManifest {
		t.Errorf("DiscoveredVia = %q, want %q", nodes[0].DiscoveredVia, ViaManifest)
	}
	if nodes[0].Status != daemonpb.StatusUnknown {
		t.Errorf("Status = %q, want unknown", nodes[0].Status)
	}
	if nodes[0].Installed {
		t.Errorf("Installed = true, want false")
	}
}

func TestMergeStateManifestExpiredPastTTL(t *testing.T) {
	now := time.Now()
	key := nodeKey("m2", "temp-sensor")
	manifests := map[string]manifest.NodeManifest{
		key: {Name: "temp-sensor", MachineID: "m2", Scope: "local"},
	}
	lastReply := map[string]time.Time{key: now.Add(-61 * time.Second)}

	nodes, expired := mergeState(nil, manifests, lastReply, now, 60*time.Second)
	if len(nodes) != 0 {
		t.Fatalf("len(nodes) = %d, want 0", len(nodes))
	}
	if len(expired) != 1 || expired[0] != key {
		t.Fatalf("expired = %v, want [%s]", expired, key)
	}
}

func TestMergeStateNormalizesEmptyMachineID(t *testing.T) {
	now := time.Now()
	view := []DaemonViewEntry{
		{MachineID: "", Node: daemonpb.NodeState{Name: "n1"}},
	}
	nodes, _ := mergeState(view, map[string]manifest.NodeManifest{}, map[string]time.Time{}, now, time.Minute)
	if len(nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want 1", len(nodes))
	}
	if nodes[0].MachineID != "local" {
		t.Errorf("MachineID = %q, want local", nodes[0].MachineID)
	}
}

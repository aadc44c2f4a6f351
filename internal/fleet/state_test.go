package fleet

import (
	"testing"

	"github.com/bubbaloop/fleetd/internal/daemonpb"
	"github.com/bubbaloop/fleetd/internal/discovery"
)

func TestDeriveAggregatesPerMachine(t *testing.T) {
	nodes := []discovery.DiscoveredNode{
		{MachineID: "m1", Name: "rtsp-camera", MachineHostname: "jetson1", MachineIPs: []string{"10.0.0.5"}, Status: daemonpb.StatusRunning},
		{MachineID: "m1", Name: "openmeteo", Status: daemonpb.StatusStopped},
		{MachineID: "m2", Name: "temp-sensor", Status: daemonpb.StatusUnknown, Stale: true},
	}

	infos := Derive(nodes)
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d, want 2", len(infos))
	}

	m1 := infos[0]
	if m1.MachineID != "m1" || m1.Hostname != "jetson1" || m1.NodeCount != 2 || m1.RunningCount != 1 || !m1.IsOnline {
		t.Fatalf("m1 = %+v", m1)
	}
	if len(m1.IPs) != 1 || m1.IPs[0] != "10.0.0.5" {
		t.Fatalf("m1.IPs = %v", m1.IPs)
	}

	m2 := infos[1]
	if m2.MachineID != "m2" || m2.Hostname != "local" || m2.IsOnline {
		t.Fatalf("m2 = %+v, want offline with default hostname", m2)
	}
}

func TestDeriveNormalizesEmptyMachineID(t *testing.T) {
	nodes := []discovery.DiscoveredNode{{MachineID: "", Name: "n1"}}
	infos := Derive(nodes)
	if len(infos) != 1 || infos[0].MachineID != "local" {
		t.Fatalf("infos = %+v, want [local]", infos)
	}
}

func TestFilterByMachine(t *testing.T) {
	nodes := []discovery.DiscoveredNode{
		{MachineID: "m1", Name: "a"},
		{MachineID: "m2", Name: "b"},
	}

	all := FilterByMachine(nodes, "")
	if len(all) != 2 {
		t.Fatalf("FilterByMachine(\"\") = %v, want all nodes", all)
	}

	only := FilterByMachine(nodes, "m2")
	if len(only) != 1 || only[0].Name != "b" {
		t.Fatalf("FilterByMachine(m2) = %v", only)
	}
}

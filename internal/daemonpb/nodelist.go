package daemonpb

import (
	"fmt"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Status mirrors the daemon's node lifecycle enum (spec §3, §6). The wire
// representation is a plain int32; StatusFromInt performs the mapping.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusStopped      Status = "stopped"
	StatusRunning      Status = "running"
	StatusFailed       Status = "failed"
	StatusInstalling   Status = "installing"
	StatusBuilding     Status = "building"
	StatusNotInstalled Status = "not-installed"
)

// StatusFromInt maps the protobuf integer status to the daemon's status
// string per spec §6: "1→stopped, 2→running, 3→failed, 4→installing,
// 5→building, 6→not-installed, else→unknown".
func StatusFromInt(v int32) Status {
	switch v {
	case 1:
		return StatusStopped
	case 2:
		return StatusRunning
	case 3:
		return StatusFailed
	case 4:
		return StatusInstalling
	case 5:
		return StatusBuilding
	case 6:
		return StatusNotInstalled
	default:
		return StatusUnknown
	}
}

// NodeState is the decoded daemon view of one node on one machine (spec §3).
type NodeState struct {
	Name             string
	MachineID        string
	MachineHostname  string
	MachineIPs       []string
	Status           Status
	Installed        bool
	AutostartEnabled bool
	IsBuilt          bool
	Version          string
	Description      string
	NodeType         string
	BaseNode         string
	Path             string
	BuildOutput      []string
}

// NodeList is the decoded daemon node-list reply (spec §3, §6).
type NodeList struct {
	MachineID string
	Nodes     []NodeState
}

// DecodeNodeList decodes one daemon NodeList protobuf payload. A malformed
// payload is reported as an error; per spec §7 ("MalformedPayload ...
// drop one record, continue") the caller is expected to log and skip
// this reply rather than abort the whole poll cycle.
func DecodeNodeList(payload []byte) (NodeList, error) {
	dyn, err := unmarshalDynamic(payload, nodeListDesc)
	if err != nil {
		return NodeList{}, fmt.Errorf("daemonpb: malformed NodeList: %w", err)
	}

	out := NodeList{
		MachineID: getString(dyn, "machine_id"),
	}

	nodesField := nodeListDesc.Fields().ByName("nodes")
	list := dyn.Get(nodesField).List()
	for i := 0; i < list.Len(); i++ {
		nodeMsg := list.Get(i).Message()
		out.Nodes = append(out.Nodes, decodeNodeState(nodeMsg))
	}

	return out, nil
}

func decodeNodeState(m protoreflect.Message) NodeState {
	return NodeState{
		Name:             getString(m, "name"),
		MachineID:        getString(m, "machine_id"),
		MachineHostname:  getString(m, "machine_hostname"),
		MachineIPs:       getRepeatedString(m, "machine_ips"),
		Status:           StatusFromInt(int32(getInt(m, "status"))),
		Installed:        getBool(m, "installed"),
		AutostartEnabled: getBool(m, "autostart_enabled"),
		IsBuilt:          getBool(m, "is_built"),
		Version:          getString(m, "version"),
		Description:      getString(m, "description"),
		NodeType:         getString(m, "node_type"),
		BaseNode:         getString(m, "base_node"),
		Path:             getString(m, "path"),
		BuildOutput:      getRepeatedString(m, "build_output"),
	}
}

func getString(m protoreflect.Message, field string) string {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	if fd == nil {
		return ""
	}
	return m.Get(fd).String()
}

func getBool(m protoreflect.Message, field string) bool {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	if fd == nil {
		return false
	}
	return m.Get(fd).Bool()
}

func getInt(m protoreflect.Message, field string) int64 {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	if fd == nil {
		return 0
	}
	return m.Get(fd).Int()
}

func getRepeatedString(m protoreflect.Message, field string) []string {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	if fd == nil {
		return nil
	}
	list := m.Get(fd).List()
	if list.Len() == 0 {
		return nil
	}
	out := make([]string, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		out = append(out, list.Get(i).String())
	}
	return out
}

// EncodeNodeList is the inverse of DecodeNodeList, used by tests to
// synthesize daemon replies without a live transport.
func EncodeNodeList(nl NodeList) ([]byte, error) {
	dyn := newDynamicMessage(nodeListDesc)
	setString(dyn, "machine_id", nl.MachineID)

	nodesField := nodeListDesc.Fields().ByName("nodes")
	list := dyn.NewField(nodesField).List()
	for _, n := range nl.Nodes {
		nodeMsg := newDynamicMessage(nodeStateDesc)
		setString(nodeMsg, "name", n.Name)
		setString(nodeMsg, "machine_id", n.MachineID)
		setString(nodeMsg, "machine_hostname", n.MachineHostname)
		setRepeatedString(nodeMsg, "machine_ips", n.MachineIPs)
		setInt(nodeMsg, "status", int64(statusToInt(n.Status)))
		setBool(nodeMsg, "installed", n.Installed)
		setBool(nodeMsg, "autostart_enabled", n.AutostartEnabled)
		setBool(nodeMsg, "is_built", n.IsBuilt)
		setString(nodeMsg, "version", n.Version)
		setString(nodeMsg, "description", n.Description)
		setString(nodeMsg, "node_type", n.NodeType)
		setString(nodeMsg, "base_node", n.BaseNode)
		setString(nodeMsg, "path", n.Path)
		setRepeatedString(nodeMsg, "build_output", n.BuildOutput)

		list.Append(protoreflect.ValueOfMessage(nodeMsg))
	}
	dyn.Set(nodesField, protoreflect.ValueOfList(list))

	return marshalDynamic(dyn)
}

func statusToInt(s Status) int32 {
	switch s {
	case StatusStopped:
		return 1
	case StatusRunning:
		return 2
	case StatusFailed:
		return 3
	case StatusInstalling:
		return 4
	case StatusBuilding:
		return 5
	case StatusNotInstalled:
		return 6
	default:
		return 0
	}
}

func setString(m protoreflect.Message, field, v string) {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	m.Set(fd, protoreflect.ValueOfString(v))
}

func setBool(m protoreflect.Message, field string, v bool) {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	m.Set(fd, protoreflect.ValueOfBool(v))
}

func setInt(m protoreflect.Message, field string, v int64) {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	m.Set(fd, protoreflect.ValueOfInt32(int32(v)))
}

func setRepeatedString(m protoreflect.Message, field string, values []string) {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	list := m.NewField(fd).List()
	for _, v := range values {
		list.Append(protoreflect.ValueOfString(v))
	}
	m.Set(fd, protoreflect.ValueOfList(list))
}

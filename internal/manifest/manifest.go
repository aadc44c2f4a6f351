// Package manifest defines NodeManifest (spec §3) and its defensive JSON
// decoding (spec §6): name is required, every other field defaults to
// its zero value, and unknown fields are ignored.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Publish describes one topic a node publishes, per spec §3.
type Publish struct {
	TopicSuffix string  `json:"topic_suffix"`
	FullTopic   string  `json:"full_topic"`
	RateHz      float64 `json:"rate_hz"`
	SchemaType  string  `json:"schema_type,omitempty"`
}

// Security carries the optional security.* block.
type Security struct {
	ACLPrefix          string `json:"acl_prefix"`
	DataClassification string `json:"data_classification"`
}

// Time carries the optional time.* block.
type Time struct {
	ClockSource    string `json:"clock_source"`
	TimestampField string `json:"timestamp_field"`
	TimestampUnit  string `json:"timestamp_unit"`
}

// NodeManifest is a self-description emitted by a sensor node under
// `.../manifest`, per spec §3 and §6.
type NodeManifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	MachineID   string `json:"machine_id"`
	Scope       string `json:"scope"`
	Language    string `json:"language"`
	Description string `json:"description"`

	Capabilities     []string `json:"capabilities"`
	RequiresHardware []string `json:"requires_hardware"`

	Publishes  []Publish `json:"publishes"`
	Subscribes []string  `json:"subscribes"`

	SchemaKey string `json:"schema_key"`
	HealthKey string `json:"health_key"`
	ConfigKey string `json:"config_key"`

	Security Security `json:"security"`
	Time     Time     `json:"time"`
}

// Key is the stable identity (machine_id, name) per spec §3, with
// machine_id normalized to "local" when empty (spec §8 invariant 1).
func (m NodeManifest) Key() (machineID, name string) {
	machineID = m.MachineID
	if machineID == "" {
		machineID = "local"
	}
	return machineID, m.Name
}

// Parse defensively decodes raw as a NodeManifest: name is the only
// required field; any other malformed or absent field yields zero
// values instead of an error, per spec invariant 4.1's "Malformed
// manifest JSON: discard silently (parsing is defensive)" --- Parse
// itself only fails when the payload isn't even a JSON object or the
// required name is missing/empty; the caller (the manifest poll loop)
// is what discards on error.
func Parse(raw []byte) (NodeManifest, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return NodeManifest{}, fmt.Errorf("manifest: not a JSON object: %w", err)
	}

	var m NodeManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		// A field of the wrong JSON type is skipped by encoding/json and
		// reported as an UnmarshalTypeError; every other field is decoded.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return NodeManifest{}, fmt.Errorf("manifest: decode failed: %w", err)
		}
	}

	if m.Name == "" {
		return NodeManifest{}, fmt.Errorf("manifest: missing required field %q", "name")
	}

	if m.Scope == "" {
		m.Scope = "local"
	}
	if m.Capabilities == nil {
		m.Capabilities = []string{}
	}
	if m.RequiresHardware == nil {
		m.RequiresHardware = []string{}
	}
	if m.Publishes == nil {
		m.Publishes = []Publish{}
	}
	if m.Subscribes == nil {
		m.Subscribes = []string{}
	}

	return m, nil
}

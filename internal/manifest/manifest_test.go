package manifest

import "testing"

func TestParseRequiresName(t *testing.T) {
	if _, err := Parse([]byte(`{"version":"1.0"}`)); err == nil {
		t.Fatalf("expected error for missing name")
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	m, err := Parse([]byte(`{"name":"rtsp-camera"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Scope != "local" {
		t.Errorf("scope default = %q, want local", m.Scope)
	}
	if m.Capabilities == nil || len(m.Capabilities) != 0 {
		t.Errorf("capabilities default = %v, want empty slice", m.Capabilities)
	}
	machineID, name := m.Key()
	if machineID != "local" || name != "rtsp-camera" {
		t.Errorf("Key() = (%q, %q)", machineID, name)
	}
}

func TestParseIgnoresUnknownFields(t *testing.T) {
	m, err := Parse([]byte(`{"name":"n1","unknown_field":"x","publishes":[{"topic_suffix":"frame","full_topic":"bubbaloop/local/m1/n1/frame","rate_hz":30,"schema_type":"bubbaloop.camera.v1.Frame"}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Publishes) != 1 || m.Publishes[0].SchemaType != "bubbaloop.camera.v1.Frame" {
		t.Errorf("publishes not parsed correctly: %+v", m.Publishes)
	}
}

func TestParseRejectsNonObject(t *testing.T) {
	if _, err := Parse([]byte(`[1,2,3]`)); err == nil {
		t.Fatalf("expected error for non-object payload")
	}
}

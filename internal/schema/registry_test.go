package schema

import (
	"log/slog"
	"os"
	"testing"

	"github.com/bubbaloop/fleetd/internal/manifest"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func strp(s string) *string { return &s }
func i32p(i int32) *int32   { return &i }

// buildDescriptorSet assembles a minimal FileDescriptorSet containing one
// message, test.v1.Sample{string value = 1;}, for use as test fixtures.
func buildDescriptorSet(t *testing.T) []byte {
	t.Helper()

	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	typ := descriptorpb.FieldDescriptorProto_TYPE_STRING

	fdProto := &descriptorpb.FileDescriptorProto{
		Name:    strp("test/v1/sample.proto"),
		Package: strp("test.v1"),
		Syntax:  strp("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: strp("Sample"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: strp("value"), Number: i32p(1), Label: &label, Type: &typ},
				},
			},
		},
	}

	fds := &descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{fdProto}}
	raw, err := proto.Marshal(fds)
	if err != nil {
		t.Fatalf("marshal FileDescriptorSet: %v", err)
	}
	return raw
}

func encodeSample(t *testing.T, value string) []byte {
	t.Helper()

	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	typ := descriptorpb.FieldDescriptorProto_TYPE_STRING
	fdProto := &descriptorpb.FileDescriptorProto{
		Name:    strp("test/v1/sample.proto"),
		Package: strp("test.v1"),
		Syntax:  strp("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: strp("Sample"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: strp("value"), Number: i32p(1), Label: &label, Type: &typ},
				},
			},
		},
	}
	fd, err := protodesc.NewFile(fdProto, nil)
	if err != nil {
		t.Fatalf("protodesc.NewFile: %v", err)
	}
	desc := fd.Messages().ByName("Sample")

	msg := dynamicpb.NewMessage(desc)
	fdField := desc.Fields().ByName(protoreflect.Name("value"))
	msg.Set(fdField, protoreflect.ValueOfString(value))

	raw, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal sample: %v", err)
	}
	return raw
}

func TestLoadDescriptorSetAddsNewTypesOnce(t *testing.T) {
	r := New(testLogger())
	raw := buildDescriptorSet(t)

	added, err := r.LoadDescriptorSet(raw)
	if err != nil {
		t.Fatalf("LoadDescriptorSet: %v", err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	if v := r.Version(); v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}

	// Loading the same set again must not double-count or bump version.
	added, err = r.LoadDescriptorSet(raw)
	if err != nil {
		t.Fatalf("LoadDescriptorSet (again): %v", err)
	}
	if added != 0 {
		t.Fatalf("added (second load) = %d, want 0", added)
	}
	if v := r.Version(); v != 1 {
		t.Fatalf("version after re-load = %d, want unchanged 1", v)
	}
}

func TestLoadDescriptorSetMalformedIsDiscarded(t *testing.T) {
	r := New(testLogger())
	_, err := r.LoadDescriptorSet([]byte{0xff, 0xff, 0xff, 0xff})
	if err == nil {
		t.Fatalf("expected error for malformed descriptor set")
	}
}

func TestDecodeUnknownSchema(t *testing.T) {
	r := New(testLogger())
	result := r.Decode("test.v1.Sample", []byte("whatever"))
	if result.Outcome != OutcomeUnknownSchema {
		t.Fatalf("Outcome = %v, want OutcomeUnknownSchema", result.Outcome)
	}
}

func TestDecodeSucceedsAfterLoad(t *testing.T) {
	r := New(testLogger())
	if _, err := r.LoadDescriptorSet(buildDescriptorSet(t)); err != nil {
		t.Fatalf("LoadDescriptorSet: %v", err)
	}

	payload := encodeSample(t, "hello")
	result := r.Decode("test.v1.Sample", payload)
	if result.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want OutcomeOK", result.Outcome)
	}

	fd := result.Message.Descriptor().Fields().ByName("value")
	if got := result.Message.Get(fd).String(); got != "hello" {
		t.Errorf("decoded value = %q, want hello", got)
	}
}

func TestDecodeFailedBytes(t *testing.T) {
	r := New(testLogger())
	if _, err := r.LoadDescriptorSet(buildDescriptorSet(t)); err != nil {
		t.Fatalf("LoadDescriptorSet: %v", err)
	}

	result := r.Decode("test.v1.Sample", []byte{0xff, 0xff, 0xff, 0xff, 0xff})
	if result.Outcome != OutcomeDecodeFailed {
		t.Fatalf("Outcome = %v, want OutcomeDecodeFailed", result.Outcome)
	}
	if result.ErrorKind != "decode_failed" {
		t.Errorf("ErrorKind = %q", result.ErrorKind)
	}
}

func TestDecodeForTopicPatternPrecedence(t *testing.T) {
	r := New(testLogger())
	if _, err := r.LoadDescriptorSet(buildDescriptorSet(t)); err != nil {
		t.Fatalf("LoadDescriptorSet: %v", err)
	}

	r.RegisterManifestPublishes("m1/rtsp-camera", []manifest.Publish{
		{FullTopic: "bubbaloop/local/*/rtsp-camera/**", SchemaType: "test.v1.Sample"},
	})
	r.RegisterManifestPublishes("m1/rtsp-camera-keyframe", []manifest.Publish{
		{FullTopic: "bubbaloop/local/m1/rtsp-camera/frame", SchemaType: "test.v1.Sample"},
	})

	schemaType, pattern, ok := r.resolveSchemaType("bubbaloop/local/m1/rtsp-camera/frame")
	if !ok {
		t.Fatalf("expected a match")
	}
	if pattern != "bubbaloop/local/m1/rtsp-camera/frame" {
		t.Errorf("pattern = %q, want the more literal one", pattern)
	}
	if schemaType != "test.v1.Sample" {
		t.Errorf("schemaType = %q", schemaType)
	}
}

func TestUnregisterManifestPublishesDropsPattern(t *testing.T) {
	r := New(testLogger())
	r.RegisterManifestPublishes("m1/n1", []manifest.Publish{
		{FullTopic: "bubbaloop/local/m1/n1/frame", SchemaType: "test.v1.Sample"},
	})
	r.UnregisterManifestPublishes("m1/n1")

	_, _, ok := r.resolveSchemaType("bubbaloop/local/m1/n1/frame")
	if ok {
		t.Fatalf("expected no match after unregister")
	}
}

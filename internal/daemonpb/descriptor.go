// Package daemonpb decodes the daemon's NodeList protobuf payload (spec
// §3, §6). Rather than hand-writing a protoc-generated .pb.go for the one
// statically-known message in the system, the file descriptor is built
// programmatically at init time and compiled with protodesc, so NodeList
// decoding goes through the exact same protodesc/dynamicpb path
// internal/schema uses for every other (runtime-discovered) message type.
// See DESIGN.md "internal/daemonpb" for the rationale.
package daemonpb

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	packageName       = "bubbaloop.daemon.v1"
	nodeStateTypeName = packageName + ".NodeState"
	nodeListTypeName  = packageName + ".NodeList"
)

var (
	fileDescriptor  protoreflect.FileDescriptor
	nodeStateDesc   protoreflect.MessageDescriptor
	nodeListDesc    protoreflect.MessageDescriptor
)

func strp(s string) *string { return &s }
func i32p(i int32) *int32   { return &i }

func init() {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	repeated := descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	tString := descriptorpb.FieldDescriptorProto_TYPE_STRING
	tBool := descriptorpb.FieldDescriptorProto_TYPE_BOOL
	tInt32 := descriptorpb.FieldDescriptorProto_TYPE_INT32
	tMessage := descriptorpb.FieldDescriptorProto_TYPE_MESSAGE

	field := func(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type, lbl descriptorpb.FieldDescriptorProto_Label, typeName string) *descriptorpb.FieldDescriptorProto {
		f := &descriptorpb.FieldDescriptorProto{
			Name:   strp(name),
			Number: i32p(num),
			Label:  &lbl,
			Type:   &typ,
		}
		if typeName != "" {
			f.TypeName = strp(typeName)
		}
		return f
	}

	nodeState := &descriptorpb.DescriptorProto{
		Name: strp("NodeState"),
		Field: []*descriptorpb.FieldDescriptorProto{
			field("name", 1, tString, label, ""),
			field("machine_id", 2, tString, label, ""),
			field("machine_hostname", 3, tString, label, ""),
			field("machine_ips", 4, tString, repeated, ""),
			field("status", 5, tInt32, label, ""),
			field("installed", 6, tBool, label, ""),
			field("autostart_enabled", 7, tBool, label, ""),
			field("is_built", 8, tBool, label, ""),
			field("version", 9, tString, label, ""),
			field("description", 10, tString, label, ""),
			field("node_type", 11, tString, label, ""),
			field("base_node", 12, tString, label, ""),
			field("path", 13, tString, label, ""),
			field("build_output", 14, tString, repeated, ""),
		},
	}

	nodeList := &descriptorpb.DescriptorProto{
		Name: strp("NodeList"),
		Field: []*descriptorpb.FieldDescriptorProto{
			field("machine_id", 1, tString, label, ""),
			field("nodes", 2, tMessage, repeated, "."+nodeStateTypeName),
		},
	}

	fdProto := &descriptorpb.FileDescriptorProto{
		Name:    strp("bubbaloop/daemon/v1/node_list.proto"),
		Package: strp(packageName),
		Syntax:  strp("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			nodeState,
			nodeList,
		},
	}

	fd, err := protodesc.NewFile(fdProto, nil)
	if err != nil {
		panic(fmt.Sprintf("daemonpb: failed to build bootstrap descriptor: %v", err))
	}

	fileDescriptor = fd
	nodeStateDesc = fd.Messages().ByName("NodeState")
	nodeListDesc = fd.Messages().ByName("NodeList")
	if nodeStateDesc == nil || nodeListDesc == nil {
		panic("daemonpb: bootstrap descriptor missing expected messages")
	}
}

// newDynamicMessage returns a fresh dynamicpb message for desc.
func newDynamicMessage(desc protoreflect.MessageDescriptor) *dynamicpb.Message {
	return dynamicpb.NewMessage(desc)
}

// unmarshalDynamic is a small wrapper kept for symmetry with
// internal/schema's decode path.
func unmarshalDynamic(data []byte, desc protoreflect.MessageDescriptor) (*dynamicpb.Message, error) {
	msg := newDynamicMessage(desc)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// marshalDynamic wraps proto.Marshal for tests that synthesize payloads.
func marshalDynamic(msg *dynamicpb.Message) ([]byte, error) {
	return proto.Marshal(msg)
}

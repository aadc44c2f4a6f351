package schema

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Outcome classifies a decode attempt per the error taxonomy in spec §7.
type Outcome int

const (
	// OutcomeUnknownSchema means no schema is loaded for the required
	// type (or, for DecodeForTopic, no manifest pattern matched the
	// topic). Spec invariant 4: "never throws and never blocks".
	OutcomeUnknownSchema Outcome = iota
	// OutcomeDecodeFailed means the type was known but the bytes did
	// not validate against it.
	OutcomeDecodeFailed
	// OutcomeOK means decoding succeeded.
	OutcomeOK
)

// Result is the well-defined "not-yet-decodable" sentinel of spec
// invariant 4: a decode attempt always returns a Result, never an error.
type Result struct {
	Outcome    Outcome
	TypeName   string
	Message    protoreflect.Message // valid only when Outcome == OutcomeOK
	ErrorKind  string               // "decode_failed" when Outcome == OutcomeDecodeFailed
	AtVersion  uint64               // registry version observed at decode time
}

// Decode decodes payload as typeName. Per spec §4.3 this never blocks and
// never panics: an unknown type yields OutcomeUnknownSchema, and bytes
// that don't validate against a known type yield OutcomeDecodeFailed.
func (r *Registry) Decode(typeName string, payload []byte) Result {
	version := r.Version()

	desc, ok := r.lookup(typeName)
	if !ok {
		return Result{Outcome: OutcomeUnknownSchema, TypeName: typeName, AtVersion: version}
	}

	msg := dynamicpb.NewMessage(desc)
	if err := proto.Unmarshal(payload, msg); err != nil {
		return Result{
			Outcome:   OutcomeDecodeFailed,
			TypeName:  typeName,
			ErrorKind: "decode_failed",
			AtVersion: version,
		}
	}

	return Result{Outcome: OutcomeOK, TypeName: typeName, Message: msg, AtVersion: version}
}

// DecodeForTopic matches topic against every manifest-contributed publish
// pattern (spec §4.3 matching algorithm) and decodes with the winning
// pattern's schema type. If no pattern matches, or the matched type isn't
// loaded, the result is OutcomeUnknownSchema — it is never retroactively
// corrected for samples already delivered (spec invariant 4).
func (r *Registry) DecodeForTopic(topic string, payload []byte) Result {
	schemaType, _, ok := r.resolveSchemaType(topic)
	if !ok {
		return Result{Outcome: OutcomeUnknownSchema, AtVersion: r.Version()}
	}
	return r.Decode(schemaType, payload)
}

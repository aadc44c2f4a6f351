// Package schema implements the SchemaRegistry component (spec §4.3):
// it fetches FileDescriptorSet payloads at runtime, compiles them into
// queryable message descriptors via protodesc/dynamicpb, resolves a
// message type for an arbitrary topic by wildcard match against known
// manifest publishes, and decodes payloads opportunistically.
package schema

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bubbaloop/fleetd/internal/manifest"
	"github.com/bubbaloop/fleetd/internal/topicmatch"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Entry is one compiled protobuf type (spec §3 SchemaEntry), indexed by
// fully-qualified message type name.
type Entry struct {
	TypeName   string
	Descriptor protoreflect.MessageDescriptor
}

// publishPattern is one (pattern, schema_type) pair contributed by a
// node's manifest, kept alive for the node's lifetime in the discovery
// engine (registered/unregistered alongside DiscoveredNode add/evict).
type publishPattern struct {
	pattern    string
	schemaType string
}

// Registry is the SchemaRegistry. The zero value is not usable; use New.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	files   *protoregistry.Files
	entries map[string]Entry

	patternsMu sync.RWMutex
	patterns   map[string][]publishPattern // keyed by discovered-node key

	version atomic.Uint64
}

// New constructs an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		files:    &protoregistry.Files{},
		entries:  make(map[string]Entry),
		patterns: make(map[string][]publishPattern),
	}
}

// Version returns the monotonically non-decreasing schema version
// counter (spec §4.3 "Schema version coordination", §8 invariant 6).
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

// Clear drops every compiled entry and pattern, for transport-session
// teardown (spec §3 SchemaEntry lifecycle).
func (r *Registry) Clear() {
	r.mu.Lock()
	r.files = &protoregistry.Files{}
	r.entries = make(map[string]Entry)
	r.mu.Unlock()

	r.patternsMu.Lock()
	r.patterns = make(map[string][]publishPattern)
	r.patternsMu.Unlock()
}

// LoadDescriptorSet parses a FileDescriptorSet payload and compiles any
// new message types found in it. It returns how many distinct message
// types were newly added. A malformed payload is logged and discarded
// (spec §7 MalformedPayload); the registry keeps serving everything it
// already has.
func (r *Registry) LoadDescriptorSet(raw []byte) (added int, err error) {
	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(raw, &fds); err != nil {
		r.logger.Warn("schema: malformed FileDescriptorSet, discarding", "error", err)
		return 0, fmt.Errorf("schema: malformed descriptor set: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := append([]*descriptorpb.FileDescriptorProto(nil), fds.File...)
	for len(remaining) > 0 {
		progressed := false
		var stillRemaining []*descriptorpb.FileDescriptorProto

		for _, fdProto := range remaining {
			if _, err := r.files.FindFileByPath(fdProto.GetName()); err == nil {
				// Already registered from a prior LoadDescriptorSet call.
				progressed = true
				continue
			}

			fd, buildErr := protodesc.NewFile(fdProto, r.files)
			if buildErr != nil {
				stillRemaining = append(stillRemaining, fdProto)
				continue
			}

			if err := r.files.RegisterFile(fd); err != nil {
				r.logger.Warn("schema: failed to register file", "file", fdProto.GetName(), "error", err)
				continue
			}

			added += r.indexMessages(fd)
			progressed = true
		}

		if !progressed {
			// Whatever is left has an unresolved import (possibly absent
			// from this payload); log and move on rather than blocking
			// the types we could build.
			for _, fdProto := range stillRemaining {
				r.logger.Warn("schema: could not resolve file dependencies, skipping", "file", fdProto.GetName())
			}
			break
		}
		remaining = stillRemaining
	}

	if added > 0 {
		r.version.Add(1)
	}
	return added, nil
}

// indexMessages walks every top-level and nested message in fd and adds
// new entries, returning how many were newly added. Caller holds r.mu.
func (r *Registry) indexMessages(fd protoreflect.FileDescriptor) int {
	added := 0
	var walk func(messages protoreflect.MessageDescriptors)
	walk = func(messages protoreflect.MessageDescriptors) {
		for i := 0; i < messages.Len(); i++ {
			md := messages.Get(i)
			name := string(md.FullName())
			if _, exists := r.entries[name]; !exists {
				r.entries[name] = Entry{TypeName: name, Descriptor: md}
				added++
			}
			walk(md.Messages())
		}
	}
	walk(fd.Messages())
	return added
}

// lookup returns the compiled descriptor for typeName, if any.
func (r *Registry) lookup(typeName string) (protoreflect.MessageDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[typeName]
	if !ok {
		return nil, false
	}
	return e.Descriptor, true
}

// RegisterManifestPublishes records key's publish patterns so
// DecodeForTopic can resolve them, and is called by the discovery engine
// whenever a DiscoveredNode carrying a manifest is added or updated.
func (r *Registry) RegisterManifestPublishes(key string, publishes []manifest.Publish) {
	patterns := make([]publishPattern, 0, len(publishes))
	for _, p := range publishes {
		if p.FullTopic == "" || p.SchemaType == "" {
			continue
		}
		patterns = append(patterns, publishPattern{pattern: p.FullTopic, schemaType: p.SchemaType})
	}

	r.patternsMu.Lock()
	if len(patterns) == 0 {
		delete(r.patterns, key)
	} else {
		r.patterns[key] = patterns
	}
	r.patternsMu.Unlock()
}

// UnregisterManifestPublishes drops key's patterns, called on node
// eviction.
func (r *Registry) UnregisterManifestPublishes(key string) {
	r.patternsMu.Lock()
	delete(r.patterns, key)
	r.patternsMu.Unlock()
}

// resolveSchemaType implements the matching algorithm of spec §4.3: most
// literal segments wins, ties broken by longer pattern.
func (r *Registry) resolveSchemaType(topic string) (schemaType, pattern string, ok bool) {
	r.patternsMu.RLock()
	defer r.patternsMu.RUnlock()

	var candidates []topicmatch.Candidate[string]
	for _, patterns := range r.patterns {
		for _, p := range patterns {
			candidates = append(candidates, topicmatch.Candidate[string]{Pattern: p.pattern, Value: p.schemaType})
		}
	}

	return topicmatch.Best(topic, candidates)
}

package schema

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bubbaloop/fleetd/internal/transport"
)

const (
	coreSchemaKey    = "bubbaloop/daemon/schemas/**"
	coreSchemaPerMch = "bubbaloop/daemon/schemas/%s/**"
	nodeSchemaKey    = "bubbaloop/**/schema"
	nodeSchemaPerMch = "bubbaloop/*/%s/**/schema"
)

// collectDescriptorSets drains session.Get(key, timeout) and attempts to
// load every reply as a FileDescriptorSet, summing newly added types.
// Transport errors are returned (caller logs per spec §7); malformed
// individual replies are discarded by LoadDescriptorSet and do not abort
// the collection.
func (r *Registry) collectDescriptorSets(ctx context.Context, session transport.Session, key string, timeout time.Duration) (added int, err error) {
	if session == nil {
		return 0, nil
	}

	replies, err := session.Get(ctx, key, timeout)
	if err != nil {
		return 0, fmt.Errorf("schema: query %s: %w", key, err)
	}

	for reply := range replies {
		n, loadErr := r.LoadDescriptorSet(reply.Payload)
		if loadErr != nil {
			r.logger.Warn("schema: discarding malformed descriptor reply", "key", reply.Key, "error", loadErr)
			continue
		}
		added += n
	}
	return added, nil
}

// FetchCoreSchemas queries the daemon's well-known descriptor endpoint
// (spec §4.3, §6), optionally scoped per machine. ok reports whether the
// query itself succeeded (not whether anything new was loaded).
func (r *Registry) FetchCoreSchemas(ctx context.Context, session transport.Session, machineIDs []string, timeout time.Duration) (ok bool, err error) {
	if len(machineIDs) == 0 {
		if _, err := r.collectDescriptorSets(ctx, session, coreSchemaKey, timeout); err != nil {
			return false, err
		}
		return true, nil
	}

	for _, machineID := range machineIDs {
		key := fmt.Sprintf(coreSchemaPerMch, machineID)
		if _, err := r.collectDescriptorSets(ctx, session, key, timeout); err != nil {
			return false, err
		}
	}
	return true, nil
}

// DiscoverAllNodeSchemas wildcard-queries every node's {prefix}/schema
// key (spec §4.3, §6) and returns how many message types were newly
// added across all replies.
func (r *Registry) DiscoverAllNodeSchemas(ctx context.Context, session transport.Session, machineIDs []string) (newCount int, err error) {
	if len(machineIDs) == 0 {
		return r.collectDescriptorSets(ctx, session, nodeSchemaKey, defaultDiscoverTimeout)
	}

	for _, machineID := range machineIDs {
		key := fmt.Sprintf(nodeSchemaPerMch, machineID)
		n, err := r.collectDescriptorSets(ctx, session, key, defaultDiscoverTimeout)
		if err != nil {
			return newCount, err
		}
		newCount += n
	}
	return newCount, nil
}

const defaultDiscoverTimeout = 5 * time.Second

// DiscoverSchemaForTopic makes a best-effort attempt to derive a schema
// key from topic's path (drop the last path segment, append "schema")
// and query it directly (spec §4.3). It returns true iff at least one
// new message type was loaded as a result.
func (r *Registry) DiscoverSchemaForTopic(ctx context.Context, session transport.Session, topic string, timeout time.Duration) (bool, error) {
	key := derivedSchemaKey(topic)
	if key == "" {
		return false, nil
	}

	added, err := r.collectDescriptorSets(ctx, session, key, timeout)
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

// derivedSchemaKey drops the final path segment of topic (assumed to be
// the publish suffix) and appends "schema", e.g.
// "bubbaloop/local/m1/rtsp-camera/frame" -> "bubbaloop/local/m1/rtsp-camera/schema".
func derivedSchemaKey(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx <= 0 {
		return ""
	}
	return topic[:idx] + "/schema"
}

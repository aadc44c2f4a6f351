package discovery

import (
	"context"
	"time"

	"github.com/bubbaloop/fleetd/internal/manifest"
	"github.com/bubbaloop/fleetd/internal/transport"
)

// manifestsKey wildcard-queries every node's manifest (spec §6).
const manifestsKey = "bubbaloop/**/manifest"

// runManifestLoop drives the manifest poll loop (spec §4.1 "Manifest
// loop"): waits ManifestInitialDelay before its first cycle, then
// cycles at ManifestPeriod, backing off to ManifestIdlePeriod after
// IdleCyclesBeforeBackoff consecutive cycles that added nothing new.
func (e *Engine) runManifestLoop(ctx context.Context, sessionFn func() transport.Session) {
	timer := time.NewTimer(e.cfg.ManifestInitialDelay())
	defer timer.Stop()

	runCycle := func() {
		snapshot := e.manifestEpoch.Current()

		session := sessionFn()
		if session == nil {
			timer.Reset(e.cfg.ManifestPeriod())
			return
		}

		replies, err := session.Get(ctx, manifestsKey, e.cfg.ManifestTimeout())
		if err != nil {
			e.logger.Warn("discovery: manifest query failed", "error", err)
			timer.Reset(e.cfg.ManifestPeriod())
			return
		}

		now := time.Now()
		added := e.foldManifestReplies(replies, now)

		if !e.manifestEpoch.StillCurrent(snapshot) {
			return
		}

		if added == 0 {
			e.manifestIdleCycles++
		} else {
			e.manifestIdleCycles = 0
			e.setManifestActive()
			e.applyMerge(e.snapshotDaemonView(), now)
		}

		next := e.cfg.ManifestPeriod()
		if e.manifestIdleCycles >= e.cfg.IdleCyclesBeforeBackoff {
			next = e.cfg.ManifestIdlePeriod()
		}
		timer.Reset(next)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-timer.C:
			runCycle()
		case <-e.manifestRefresh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			runCycle()
		}
	}
}

// foldManifestReplies parses every reply (dropping malformed ones
// silently, spec §4.1 step 1), records arrival times, and returns how
// many distinct (machine_id, name) keys were newly observed.
func (e *Engine) foldManifestReplies(replies <-chan transport.Reply, now time.Time) int {
	added := 0

	e.mu.Lock()
	defer e.mu.Unlock()

	for reply := range replies {
		m, parseErr := manifest.Parse(reply.Payload)
		if parseErr != nil {
			continue
		}

		mid, name := m.Key()
		key := nodeKey(mid, name)
		if _, existed := e.manifests[key]; !existed {
			added++
		}
		e.manifests[key] = m
		e.lastManifestReply[key] = now
	}

	return added
}

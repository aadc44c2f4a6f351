package discovery

import (
	"context"
	"time"

	"github.com/bubbaloop/fleetd/internal/daemonpb"
	"github.com/bubbaloop/fleetd/internal/transport"
)

// daemonNodesKey is the daemon's node-list key (spec §6).
const daemonNodesKey = "bubbaloop/daemon/nodes"

// runDaemonLoop drives the daemon poll loop (spec §4.1 "Daemon loop").
// It fires immediately on start, then re-arms at DaemonPeriod, with
// Refresh() forcing an immediate re-cycle via daemonRefresh.
func (e *Engine) runDaemonLoop(ctx context.Context, sessionFn func() transport.Session) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	runCycle := func() {
		snapshot := e.daemonEpoch.Current()

		session := sessionFn()
		if session == nil {
			timer.Reset(e.cfg.DaemonPeriod())
			return
		}

		replies, err := session.Get(ctx, daemonNodesKey, e.cfg.DaemonTimeout())
		if err != nil {
			e.logger.Warn("discovery: daemon query failed", "error", err)
			timer.Reset(e.cfg.DaemonPeriod())
			return
		}

		perMachine := make(map[string][]DaemonViewEntry)
		replyCount := 0
		for reply := range replies {
			replyCount++
			nl, decodeErr := daemonpb.DecodeNodeList(reply.Payload)
			if decodeErr != nil {
				e.logger.Warn("discovery: malformed NodeList reply, dropping", "error", decodeErr)
				continue
			}
			for _, node := range nl.Nodes {
				mid := node.MachineID
				if mid == "" {
					mid = nl.MachineID
				}
				perMachine[mid] = append(perMachine[mid], DaemonViewEntry{MachineID: mid, Node: node})
			}
		}

		if !e.daemonEpoch.StillCurrent(snapshot) {
			// Refresh() landed mid-cycle: drop this cycle's results and
			// do not re-arm; the forced re-cycle Refresh queued runs next.
			return
		}

		now := time.Now()
		daemonView := e.foldDaemonView(perMachine, now)

		if replyCount > 0 {
			e.setDaemonConnected(true)
		}

		e.applyMerge(daemonView, now)

		timer.Reset(e.cfg.DaemonPeriod())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-timer.C:
			runCycle()
		case <-e.daemonRefresh:
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

// foldDaemonView applies spec §4.1 step 2-3: records last_daemon_reply
// and prev_daemon_nodes for machines that replied this cycle, then
// folds in machines that stayed silent — fresh within STALE_WINDOW,
// stale within EVICT_WINDOW, evicted beyond it.
func (e *Engine) foldDaemonView(perMachine map[string][]DaemonViewEntry, now time.Time) []DaemonViewEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	for mid, entries := range perMachine {
		e.lastDaemonReply[mid] = now
		e.prevDaemonNodes[mid] = entries
	}

	var view []DaemonViewEntry
	for _, entries := range perMachine {
		view = append(view, entries...)
	}

	for mid, entries := range e.prevDaemonNodes {
		if _, replied := perMachine[mid]; replied {
			continue
		}

		silence := now.Sub(e.lastDaemonReply[mid])
		switch {
		case silence <= e.cfg.StaleWindow():
			for _, en := range entries {
				en.Stale = false
				view = append(view, en)
			}
		case silence <= e.cfg.EvictWindow():
			for _, en := range entries {
				en.Stale = true
				view = append(view, en)
			}
		default:
			delete(e.prevDaemonNodes, mid)
			delete(e.lastDaemonReply, mid)
		}
	}

	return view
}

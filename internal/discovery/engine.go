package discovery

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/bubbaloop/fleetd/internal/config"
	"github.com/bubbaloop/fleetd/internal/epoch"
	"github.com/bubbaloop/fleetd/internal/manifest"
	"github.com/bubbaloop/fleetd/internal/schema"
	"github.com/bubbaloop/fleetd/internal/transport"
)

// Engine is the DiscoveryEngine (spec §4.1): it drives the daemon and
// manifest poll loops, fuses their results through mergeState, and
// exposes a snapshot plus a typed event stream. The zero value is not
// usable; use New.
type Engine struct {
	cfg      config.DiscoveryConfig
	logger   *slog.Logger
	registry *schema.Registry // manifest publishes registered/unregistered as nodes come and go

	events *eventBus

	mu sync.RWMutex

	current         map[string]DiscoveredNode
	daemonConnected bool
	manifestActive  bool
	loading         bool
	lastError       string

	lastDaemonReply map[string]time.Time
	prevDaemonNodes map[string][]DaemonViewEntry
	lastDaemonView  []DaemonViewEntry

	manifests         map[string]manifest.NodeManifest
	lastManifestReply map[string]time.Time
	manifestIdleCycles int

	daemonEpoch   epoch.Token
	manifestEpoch epoch.Token

	startedAt time.Time

	daemonRefresh   chan struct{}
	manifestRefresh chan struct{}
	stop            chan struct{}

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs an Engine. registry may be nil if manifest-driven
// schema registration is not wanted (e.g. in tests exercising only
// the merge algorithm through the public API).
func New(cfg config.DiscoveryConfig, registry *schema.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:               cfg,
		logger:            logger,
		registry:          registry,
		events:            newEventBus(logger),
		current:           make(map[string]DiscoveredNode),
		lastDaemonReply:   make(map[string]time.Time),
		prevDaemonNodes:   make(map[string][]DaemonViewEntry),
		manifests:         make(map[string]manifest.NodeManifest),
		lastManifestReply: make(map[string]time.Time),
		loading:           true,
		daemonRefresh:     make(chan struct{}, 1),
		manifestRefresh:   make(chan struct{}, 1),
		stop:              make(chan struct{}),
	}
}

// Start begins both poll loops against whatever session sessionFn
// returns at the time of each cycle. Idempotent: subsequent calls are
// no-ops.
func (e *Engine) Start(ctx context.Context, sessionFn func() transport.Session) {
	e.startOnce.Do(func() {
		e.startedAt = time.Now()

		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			e.runDaemonLoop(ctx, sessionFn)
		}()
		go func() {
			defer e.wg.Done()
			e.runManifestLoop(ctx, sessionFn)
		}()

		if e.cfg.InitialConnectTimeoutMS > 0 {
			go e.watchInitialConnectTimeout()
		}
	})
}

// Stop cancels both loops, releases resources and clears caches.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	e.wg.Wait()

	e.mu.Lock()
	e.current = make(map[string]DiscoveredNode)
	e.lastDaemonReply = make(map[string]time.Time)
	e.prevDaemonNodes = make(map[string][]DaemonViewEntry)
	e.manifests = make(map[string]manifest.NodeManifest)
	e.lastManifestReply = make(map[string]time.Time)
	e.mu.Unlock()
}

// Refresh cancels the outstanding delay on both loops and forces one
// immediate cycle of each (spec §4.1 "refresh()").
func (e *Engine) Refresh() {
	e.daemonEpoch.Bump()
	e.manifestEpoch.Bump()
	select {
	case e.daemonRefresh <- struct{}{}:
	default:
	}
	select {
	case e.manifestRefresh <- struct{}{}:
	default:
	}
}

// Snapshot returns the current merged view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	nodes := make([]DiscoveredNode, 0, len(e.current))
	for _, n := range e.current {
		nodes = append(nodes, n)
	}
	sortNodes(nodes)

	return Snapshot{
		Nodes:           nodes,
		DaemonConnected: e.daemonConnected,
		ManifestActive:  e.manifestActive,
		Loading:         e.loading,
		LastError:       e.lastError,
	}
}

// OnEvent registers a listener for the typed event stream and returns
// a function that unregisters it.
func (e *Engine) OnEvent(callback func(Event)) func() {
	return e.events.on(callback)
}

func (e *Engine) watchInitialConnectTimeout() {
	timer := time.NewTimer(e.cfg.InitialConnectTimeout())
	defer timer.Stop()

	select {
	case <-e.stop:
	case <-timer.C:
		e.mu.Lock()
		if e.loading {
			e.loading = false
			e.lastError = "no data"
		}
		e.mu.Unlock()
	}
}

// applyMerge recomputes the merged node map from the current daemon
// view and manifest set, diffs it against the previous snapshot to
// emit typed events, and evicts any manifest entries mergeState
// reported as expired.
func (e *Engine) applyMerge(daemonView []DaemonViewEntry, now time.Time) {
	e.mu.Lock()
	e.lastDaemonView = daemonView
	manifestsCopy := make(map[string]manifest.NodeManifest, len(e.manifests))
	for k, v := range e.manifests {
		manifestsCopy[k] = v
	}
	lastReplyCopy := make(map[string]time.Time, len(e.lastManifestReply))
	for k, v := range e.lastManifestReply {
		lastReplyCopy[k] = v
	}
	old := e.current
	e.mu.Unlock()

	nodes, expired := mergeState(daemonView, manifestsCopy, lastReplyCopy, now, e.cfg.ManifestTTL())

	newMap := make(map[string]DiscoveredNode, len(nodes))
	for _, n := range nodes {
		newMap[nodeKey(n.MachineID, n.Name)] = n
	}

	e.mu.Lock()
	e.current = newMap
	for _, key := range expired {
		delete(e.manifests, key)
		delete(e.lastManifestReply, key)
	}
	e.mu.Unlock()

	e.diffAndEmit(old, newMap)
}

func (e *Engine) diffAndEmit(old, newMap map[string]DiscoveredNode) {
	for key, n := range newMap {
		prev, existed := old[key]
		if !existed {
			e.registerManifestPublishes(key, n)
			e.events.emit(Event{Kind: EventNodeAdded, Node: n})
			continue
		}

		staleChanged := prev.Stale != n.Stale
		switch {
		case staleChanged && n.Stale:
			e.events.emit(Event{Kind: EventNodeStale, Node: n})
		case !contentEqual(prev, n):
			e.registerManifestPublishes(key, n)
			e.events.emit(Event{Kind: EventNodeUpdated, Node: n})
		}
	}

	for key, n := range old {
		if _, still := newMap[key]; !still {
			e.unregisterManifestPublishes(key)
			e.events.emit(Event{Kind: EventNodeEvicted, Node: n})
		}
	}
}

func (e *Engine) registerManifestPublishes(key string, n DiscoveredNode) {
	if e.registry == nil || n.Manifest == nil {
		return
	}
	e.registry.RegisterManifestPublishes(key, n.Manifest.Publishes)
}

func (e *Engine) unregisterManifestPublishes(key string) {
	if e.registry == nil {
		return
	}
	e.registry.UnregisterManifestPublishes(key)
}

func (e *Engine) setDaemonConnected(connected bool) {
	e.mu.Lock()
	changed := e.daemonConnected != connected
	e.daemonConnected = connected
	if connected {
		e.loading = false
		e.lastError = ""
	}
	e.mu.Unlock()

	if changed {
		e.events.emit(Event{Kind: EventDaemonConnectedChanged, DaemonConnected: connected})
	}
}

// setManifestActive records that a manifest loop cycle brought in at
// least one new manifest. Like setDaemonConnected, the first channel to
// yield data clears the initial-connect "no data" error (spec §9 Open
// Question 2): the manifest loop and the daemon loop are independent,
// and either one alone is enough to leave the loading state.
func (e *Engine) setManifestActive() {
	e.mu.Lock()
	e.manifestActive = true
	e.loading = false
	e.lastError = ""
	e.mu.Unlock()
}

// snapshotDaemonView returns a copy of the daemon view last computed by
// the daemon loop, used by the manifest loop to re-merge against fresh
// manifest data without waiting for the next daemon cycle.
func (e *Engine) snapshotDaemonView() []DaemonViewEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]DaemonViewEntry, len(e.lastDaemonView))
	copy(out, e.lastDaemonView)
	return out
}

// contentEqual compares two DiscoveredNodes ignoring Stale and
// LastSeenMS, which churn every cycle regardless of meaningful change.
func contentEqual(a, b DiscoveredNode) bool {
	a.Stale, b.Stale = false, false
	a.LastSeenMS, b.LastSeenMS = 0, 0
	return reflect.DeepEqual(a, b)
}

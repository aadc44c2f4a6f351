// Package subscription implements the SubscriptionMux (spec §4.2): it
// owns every transport-level subscription, deduplicates them across
// many listeners by (endpoint_id, topic), fans out delivered samples
// in arrival order, and tracks per-topic rate statistics.
package subscription

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bubbaloop/fleetd/internal/transport"
)

// DefaultEndpoint is the implicit endpoint bound to SetSession (spec
// §4.2 "Endpoint default is implicit").
const DefaultEndpoint = "default"

type subKey struct {
	endpointID string
	topic      string
}

type listenerEntry struct {
	id       string
	callback func(transport.Sample)
}

// subscription is one live (endpoint, topic) registration: at most one
// transport subscriber, fanned out to every interested listener.
type subscription struct {
	topic      string
	endpointID string
	handle     transport.SubscriberHandle
	listeners  []listenerEntry
	rate       rateEstimator
	stats      TopicStats
}

// monitorSub is a mass subscriber declared by StartMonitoring: it
// updates rate statistics but never reaches an application callback
// (spec §4.2 "monitoring subscribers do not deliver payloads").
type monitorSub struct {
	topic  string
	handle transport.SubscriberHandle
	rate   rateEstimator
	stats  TopicStats
}

// Mux is the SubscriptionMux. The zero value is not usable; use New.
type Mux struct {
	logger *slog.Logger

	mu        sync.Mutex
	session   transport.Session
	endpoints map[string]struct{}
	subs      map[subKey]*subscription
	monitors  map[subKey]*monitorSub
}

// New constructs an empty Mux with the implicit default endpoint
// registered.
func New(logger *slog.Logger) *Mux {
	return &Mux{
		logger:    logger,
		endpoints: map[string]struct{}{DefaultEndpoint: {}},
		subs:      make(map[subKey]*subscription),
		monitors:  make(map[subKey]*monitorSub),
	}
}

func resolveEndpoint(endpointID string) string {
	if endpointID == "" {
		return DefaultEndpoint
	}
	return endpointID
}

// AddEndpoint registers a named endpoint for later use with Subscribe.
func (m *Mux) AddEndpoint(id string) error {
	if id == "" {
		return fmt.Errorf("subscription: endpoint id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[id] = struct{}{}
	return nil
}

// RemoveEndpoint retracts every subscription and monitor owned by id
// and forgets it. The implicit default endpoint cannot be removed.
func (m *Mux) RemoveEndpoint(id string) {
	if id == "" || id == DefaultEndpoint {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, sub := range m.subs {
		if key.endpointID == id {
			m.closeSubLocked(sub)
			delete(m.subs, key)
		}
	}
	for key, mon := range m.monitors {
		if key.endpointID == id {
			m.closeMonitorLocked(mon)
			delete(m.monitors, key)
		}
	}
	delete(m.endpoints, id)
}

// SetSession injects the transport session (or drops it on nil). On
// drop, every transport-level subscriber is retracted but the listener
// registry is preserved; on re-injection, every previously active
// (endpoint, topic) is re-declared and its rate counters reset (spec
// §4.2 "Reconnect discipline").
func (m *Mux) SetSession(session transport.Session) {
	m.mu.Lock()
	prevWasNil := m.session == nil
	m.session = session
	subsToRedeclare := make([]*subscription, 0, len(m.subs))
	monitorsToRedeclare := make([]*monitorSub, 0, len(m.monitors))

	if session == nil {
		for _, sub := range m.subs {
			m.retractTransportLocked(sub)
		}
		for _, mon := range m.monitors {
			m.retractMonitorTransportLocked(mon)
		}
		m.mu.Unlock()
		return
	}

	if prevWasNil {
		for _, sub := range m.subs {
			subsToRedeclare = append(subsToRedeclare, sub)
		}
		for _, mon := range m.monitors {
			monitorsToRedeclare = append(monitorsToRedeclare, mon)
		}
	}
	m.mu.Unlock()

	for _, sub := range subsToRedeclare {
		m.redeclareSub(sub, session)
	}
	for _, mon := range monitorsToRedeclare {
		m.redeclareMonitor(mon, session)
	}
}

func (m *Mux) retractTransportLocked(sub *subscription) {
	if sub.handle != nil {
		if err := sub.handle.Close(); err != nil {
			m.logger.Warn("subscription: failed to retract subscriber", "topic", sub.topic, "error", err)
		}
		sub.handle = nil
	}
}

func (m *Mux) retractMonitorTransportLocked(mon *monitorSub) {
	if mon.handle != nil {
		if err := mon.handle.Close(); err != nil {
			m.logger.Warn("subscription: failed to retract monitor", "topic", mon.topic, "error", err)
		}
		mon.handle = nil
	}
}

func (m *Mux) redeclareSub(sub *subscription, session transport.Session) {
	handle, err := session.DeclareSubscriber(sub.topic, func(s transport.Sample) { m.deliver(sub, s) })
	if err != nil {
		m.logger.Warn("subscription: failed to re-declare subscriber", "topic", sub.topic, "error", err)
		return
	}

	m.mu.Lock()
	sub.handle = handle
	sub.rate = rateEstimator{}
	sub.stats = TopicStats{Topic: sub.topic}
	m.mu.Unlock()
}

func (m *Mux) redeclareMonitor(mon *monitorSub, session transport.Session) {
	handle, err := session.DeclareSubscriber(mon.topic, func(s transport.Sample) { m.deliverMonitor(mon, s) })
	if err != nil {
		m.logger.Warn("subscription: failed to re-declare monitor", "topic", mon.topic, "error", err)
		return
	}

	m.mu.Lock()
	mon.handle = handle
	mon.rate = rateEstimator{}
	mon.stats = TopicStats{Topic: mon.topic}
	m.mu.Unlock()
}

func (m *Mux) closeSubLocked(sub *subscription) {
	if sub.handle != nil {
		_ = sub.handle.Close()
	}
}

func (m *Mux) closeMonitorLocked(mon *monitorSub) {
	if mon.handle != nil {
		_ = mon.handle.Close()
	}
}

// Destroy retracts every subscriber and monitor and clears all state
// (spec invariant 5, "no lost unsubscribes on teardown").
func (m *Mux) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		m.closeSubLocked(sub)
	}
	for _, mon := range m.monitors {
		m.closeMonitorLocked(mon)
	}
	m.subs = make(map[subKey]*subscription)
	m.monitors = make(map[subKey]*monitorSub)
	m.session = nil
}

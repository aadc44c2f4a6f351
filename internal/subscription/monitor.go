package subscription

import "github.com/bubbaloop/fleetd/internal/transport"

// StartMonitoring declares a mass subscriber for each of topics at
// endpointID (DefaultEndpoint if empty), separate from consumer-driven
// Subscribe calls — used for dashboard-wide rate display (spec §4.2).
// Monitoring subscribers update TopicStats but never reach an
// application callback. Declaring a topic that is already monitored is
// a no-op.
func (m *Mux) StartMonitoring(endpointID string, topics []string) {
	endpointID = resolveEndpoint(endpointID)

	m.mu.Lock()
	session := m.session
	var toDeclare []*monitorSub
	for _, topic := range topics {
		key := subKey{endpointID: endpointID, topic: topic}
		if _, exists := m.monitors[key]; exists {
			continue
		}
		mon := &monitorSub{topic: topic, stats: TopicStats{Topic: topic}}
		m.monitors[key] = mon
		if session != nil {
			toDeclare = append(toDeclare, mon)
		}
	}
	m.mu.Unlock()

	for _, mon := range toDeclare {
		m.redeclareMonitor(mon, session)
	}
}

// StopMonitoring retracts every monitoring subscriber at endpointID
// (DefaultEndpoint if empty).
func (m *Mux) StopMonitoring(endpointID string) {
	endpointID = resolveEndpoint(endpointID)

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, mon := range m.monitors {
		if key.endpointID != endpointID {
			continue
		}
		m.closeMonitorLocked(mon)
		delete(m.monitors, key)
	}
}

// deliverMonitor updates mon's statistics only; per spec §4.2,
// monitoring subscribers never invoke an application callback.
func (m *Mux) deliverMonitor(mon *monitorSub, sample transport.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon.stats.MessageCount++
	mon.stats.BytesTotal += uint64(len(sample.Payload))
	mon.stats.LastSampleTS = sample.ArrivedAt
	mon.stats.RateHz = mon.rate.record(sample.ArrivedAt)
}

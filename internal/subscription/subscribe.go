package subscription

import (
	"fmt"

	"github.com/bubbaloop/fleetd/internal/transport"
	"github.com/google/uuid"
)

// Subscribe registers interest in topic at endpointID (DefaultEndpoint
// if empty) and returns an opaque listener id. The first subscriber
// for a given (endpoint, topic) declares the transport-level
// subscriber; subsequent ones share it (spec invariant 3).
func (m *Mux) Subscribe(topic string, callback func(transport.Sample), endpointID string) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("subscription: topic must not be empty")
	}
	if callback == nil {
		return "", fmt.Errorf("subscription: callback must not be nil")
	}

	endpointID = resolveEndpoint(endpointID)
	key := subKey{endpointID: endpointID, topic: topic}
	listenerID := uuid.NewString()

	m.mu.Lock()
	sub, exists := m.subs[key]
	if !exists {
		sub = &subscription{topic: topic, endpointID: endpointID, stats: TopicStats{Topic: topic}}
		m.subs[key] = sub
	}
	sub.listeners = append(sub.listeners, listenerEntry{id: listenerID, callback: callback})
	session := m.session
	needsDeclare := !exists && session != nil
	m.mu.Unlock()

	if needsDeclare {
		handle, err := session.DeclareSubscriber(topic, func(s transport.Sample) { m.deliver(sub, s) })
		if err != nil {
			m.logger.Warn("subscription: failed to declare subscriber", "topic", topic, "error", err)
		} else {
			m.mu.Lock()
			sub.handle = handle
			m.mu.Unlock()
		}
	}

	return listenerID, nil
}

// Unsubscribe removes listenerID's interest in topic. A listener id
// already removed is a no-op (spec §8 invariant 4). When the last
// listener is removed, the transport subscriber is retracted.
func (m *Mux) Unsubscribe(topic, listenerID, endpointID string) {
	endpointID = resolveEndpoint(endpointID)
	key := subKey{endpointID: endpointID, topic: topic}

	m.mu.Lock()
	sub, exists := m.subs[key]
	if !exists {
		m.mu.Unlock()
		return
	}

	remaining := sub.listeners[:0]
	found := false
	for _, l := range sub.listeners {
		if l.id == listenerID {
			found = true
			continue
		}
		remaining = append(remaining, l)
	}
	sub.listeners = remaining

	if !found {
		m.mu.Unlock()
		return
	}

	if len(sub.listeners) == 0 {
		delete(m.subs, key)
		handle := sub.handle
		m.mu.Unlock()
		if handle != nil {
			if err := handle.Close(); err != nil {
				m.logger.Warn("subscription: failed to retract subscriber", "topic", topic, "error", err)
			}
		}
		return
	}
	m.mu.Unlock()
}

// deliver is the transport callback shared by every listener of sub.
// Stats update before fan-out (spec §4.2 invariants); listeners are
// invoked in registration order, and a panicking listener never blocks
// the others.
func (m *Mux) deliver(sub *subscription, sample transport.Sample) {
	m.mu.Lock()
	sub.stats.MessageCount++
	sub.stats.BytesTotal += uint64(len(sample.Payload))
	sub.stats.LastSampleTS = sample.ArrivedAt
	sub.stats.RateHz = sub.rate.record(sample.ArrivedAt)
	listeners := make([]listenerEntry, len(sub.listeners))
	copy(listeners, sub.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		m.safeInvoke(l.callback, sample, sub.topic)
	}
}

func (m *Mux) safeInvoke(cb func(transport.Sample), sample transport.Sample, topic string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("subscription: listener panicked", "topic", topic, "recover", r)
		}
	}()
	cb(sample)
}

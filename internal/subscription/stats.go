package subscription

import "time"

// TopicStats is the per-subscription observable counter (spec §3).
type TopicStats struct {
	Topic        string
	MessageCount uint64
	LastSampleTS time.Time
	RateHz       float64
	BytesTotal   uint64
}

// rateEstimatorCapacity is K in spec §4.2's "Rate estimation": the
// ring buffer holds the last K arrival timestamps.
const rateEstimatorCapacity = 32

// rateEstimator is a ring buffer of the last K arrival timestamps.
// Once full, rate_hz = (K-1)/(t_last-t_first); before that, it's a
// linear estimate over however many samples have been observed (spec
// §4.2).
type rateEstimator struct {
	buf  [rateEstimatorCapacity]time.Time
	n    int
	next int
}

// record appends t and returns the updated rate estimate in Hz.
func (r *rateEstimator) record(t time.Time) float64 {
	r.buf[r.next] = t
	r.next = (r.next + 1) % rateEstimatorCapacity
	if r.n < rateEstimatorCapacity {
		r.n++
	}

	if r.n < 2 {
		return 0
	}

	var first time.Time
	if r.n < rateEstimatorCapacity {
		first = r.buf[0]
	} else {
		first = r.buf[r.next] // oldest entry, about to be overwritten next
	}

	elapsed := t.Sub(first).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(r.n-1) / elapsed
}

// Stats returns topic's statistics at endpointID, or false if no such
// subscription exists.
func (m *Mux) Stats(topic, endpointID string) (TopicStats, bool) {
	endpointID = resolveEndpoint(endpointID)
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[subKey{endpointID: endpointID, topic: topic}]
	if !ok {
		return TopicStats{}, false
	}
	return sub.stats, true
}

// AllStats returns statistics keyed by topic, across all endpoints:
// every active subscription's, plus every monitored topic's that has
// no consumer subscription of its own.
func (m *Mux) AllStats() map[string]TopicStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]TopicStats, len(m.subs)+len(m.monitors))
	for key, sub := range m.subs {
		out[key.topic] = sub.stats
	}
	for key, mon := range m.monitors {
		if _, ok := out[key.topic]; !ok {
			out[key.topic] = mon.stats
		}
	}
	return out
}

// ActiveTopics returns the distinct topics with at least one listener
// at endpointID (DefaultEndpoint if empty).
func (m *Mux) ActiveTopics(endpointID string) []string {
	endpointID = resolveEndpoint(endpointID)

	m.mu.Lock()
	defer m.mu.Unlock()

	var topics []string
	for key := range m.subs {
		if key.endpointID == endpointID {
			topics = append(topics, key.topic)
		}
	}
	return topics
}

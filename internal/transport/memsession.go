package transport

import (
	"context"
	"sync"
	"time"

	"github.com/bubbaloop/fleetd/internal/topicmatch"
)

// MemSession is an in-process Session used by tests and local demos: Get
// is answered from a static reply table, subscriptions are fanned out
// from Publish calls made directly against the session. It exists so the
// rest of the coordinator can be exercised without a live websocket peer.
type MemSession struct {
	mu          sync.Mutex
	replies     map[string][]Reply
	subscribers map[string][]*memSubscriber
	closed      bool
}

type memSubscriber struct {
	pattern  string
	callback func(Sample)
}

// NewMemSession returns an empty in-memory session.
func NewMemSession() *MemSession {
	return &MemSession{
		replies:     make(map[string][]Reply),
		subscribers: make(map[string][]*memSubscriber),
	}
}

// SetReplies configures what Get(key, ...) returns.
func (m *MemSession) SetReplies(key string, replies []Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[key] = replies
}

// Publish delivers payload on key to every subscriber whose declared
// pattern matches key. Subscribers declared on the same key are called
// in registration order; the order across different declared keys is
// not defined.
func (m *MemSession) Publish(key string, payload []byte) {
	m.mu.Lock()
	var targets []*memSubscriber
	for _, subs := range m.subscribers {
		for _, s := range subs {
			if topicmatch.Matches(s.pattern, key) || s.pattern == key {
				targets = append(targets, s)
			}
		}
	}
	m.mu.Unlock()

	sample := Sample{Key: key, Payload: payload, ArrivedAt: time.Now()}
	for _, s := range targets {
		s.callback(sample)
	}
}

func (m *MemSession) Get(ctx context.Context, key string, timeout time.Duration) (<-chan Reply, error) {
	m.mu.Lock()
	replies := append([]Reply(nil), m.replies[key]...)
	m.mu.Unlock()

	ch := make(chan Reply, len(replies))
	for _, r := range replies {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func (m *MemSession) DeclareSubscriber(key string, callback func(Sample)) (SubscriberHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memSubscriber{pattern: key, callback: callback}
	m.subscribers[key] = append(m.subscribers[key], sub)

	return &memSubscriberHandle{session: m, key: key, sub: sub}, nil
}

func (m *MemSession) DeclarePublisher(key string) (PublisherHandle, error) {
	return &memPublisherHandle{session: m, key: key}, nil
}

func (m *MemSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subscribers = make(map[string][]*memSubscriber)
	return nil
}

type memSubscriberHandle struct {
	session *MemSession
	key     string
	sub     *memSubscriber
}

func (h *memSubscriberHandle) Close() error {
	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	subs := h.session.subscribers[h.key]
	for i, s := range subs {
		if s == h.sub {
			h.session.subscribers[h.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

type memPublisherHandle struct {
	session *MemSession
	key     string
}

func (h *memPublisherHandle) Put(ctx context.Context, payload []byte) error {
	h.session.Publish(h.key, payload)
	return nil
}

func (h *memPublisherHandle) Close() error { return nil }

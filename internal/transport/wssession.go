package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bubbaloop/fleetd/internal/topicmatch"
)

// frame is the wire envelope for every message exchanged over the
// websocket connection. It plays the role Zenoh's native framing would
// play in production; request/reply correlation happens on ID.
type frame struct {
	Type    string          `json:"type"` // "get" | "reply" | "reply_done" | "subscribe" | "unsubscribe" | "sample" | "put"
	ID      string          `json:"id,omitempty"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSession is a Session backed by a single gorilla/websocket connection,
// adapted from the teacher's discovery.Hub client-registry/broadcast
// shape: one read pump dispatches inbound frames to either a pending
// query's reply channel or a matching subscriber callback, and a
// mutex-guarded writer serializes outbound frames.
type WSSession struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan Reply
	subscribers map[string]map[string]func(Sample) // key -> subID -> callback

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to endpoint and returns a ready Session.
func Dial(endpoint string, logger *slog.Logger) (*WSSession, error) {
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}

	s := &WSSession{
		conn:        conn,
		logger:      logger,
		pending:     make(map[string]chan Reply),
		subscribers: make(map[string]map[string]func(Sample)),
		closed:      make(chan struct{}),
	}
	go s.readPump()
	return s, nil
}

func (s *WSSession) readPump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Warn("transport: read pump exiting", "error", err)
			s.dropPending()
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("transport: malformed frame, dropping", "error", err)
			continue
		}

		switch f.Type {
		case "reply":
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			s.mu.Unlock()
			if ok {
				select {
				case ch <- Reply{Key: f.Key, Payload: f.Payload}:
				default:
				}
			}
		case "reply_done":
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ok {
				close(ch)
			}
		case "sample":
			s.dispatchSample(f.Key, f.Payload)
		}
	}
}

func (s *WSSession) dispatchSample(key string, payload []byte) {
	s.mu.Lock()
	var callbacks []func(Sample)
	for pattern, subs := range s.subscribers {
		if pattern == key || matchesPattern(pattern, key) {
			for _, cb := range subs {
				callbacks = append(callbacks, cb)
			}
		}
	}
	s.mu.Unlock()

	sample := Sample{Key: key, Payload: payload, ArrivedAt: time.Now()}
	for _, cb := range callbacks {
		safeInvoke(s.logger, cb, sample)
	}
}

// safeInvoke runs cb and recovers any panic, per spec §4.2's "if any
// listener callback throws, the mux logs and continues" requirement
// extended down to the transport's own dispatch loop.
func safeInvoke(logger *slog.Logger, cb func(Sample), sample Sample) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("transport: subscriber callback panicked", "recovered", r, "key", sample.Key)
		}
	}()
	cb(sample)
}

func (s *WSSession) dropPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

func (s *WSSession) Get(ctx context.Context, key string, timeout time.Duration) (<-chan Reply, error) {
	id := uuid.NewString()
	ch := make(chan Reply, 16)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.send(frame{Type: "get", ID: id, Key: key}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	out := make(chan Reply, 16)
	go func() {
		defer close(out)
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		for {
			select {
			case r, ok := <-ch:
				if !ok {
					return
				}
				out <- r
			case <-deadline.C:
				s.mu.Lock()
				delete(s.pending, id)
				s.mu.Unlock()
				return
			case <-ctx.Done():
				s.mu.Lock()
				delete(s.pending, id)
				s.mu.Unlock()
				return
			}
		}
	}()
	return out, nil
}

func (s *WSSession) DeclareSubscriber(key string, callback func(Sample)) (SubscriberHandle, error) {
	subID := uuid.NewString()

	s.mu.Lock()
	if s.subscribers[key] == nil {
		s.subscribers[key] = make(map[string]func(Sample))
	}
	s.subscribers[key][subID] = callback
	s.mu.Unlock()

	if err := s.send(frame{Type: "subscribe", ID: subID, Key: key}); err != nil {
		return nil, err
	}

	return &wsSubscriberHandle{session: s, key: key, subID: subID}, nil
}

func (s *WSSession) DeclarePublisher(key string) (PublisherHandle, error) {
	return &wsPublisherHandle{session: s, key: key}, nil
}

func (s *WSSession) send(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

type wsSubscriberHandle struct {
	session *WSSession
	key     string
	subID   string
}

func (h *wsSubscriberHandle) Close() error {
	h.session.mu.Lock()
	if subs := h.session.subscribers[h.key]; subs != nil {
		delete(subs, h.subID)
		if len(subs) == 0 {
			delete(h.session.subscribers, h.key)
		}
	}
	h.session.mu.Unlock()

	return h.session.send(frame{Type: "unsubscribe", ID: h.subID, Key: h.key})
}

type wsPublisherHandle struct {
	session *WSSession
	key     string
}

func (h *wsPublisherHandle) Put(ctx context.Context, payload []byte) error {
	return h.session.send(frame{Type: "put", Key: h.key, Payload: payload})
}

func (h *wsPublisherHandle) Close() error { return nil }

// matchesPattern reports whether a sample's concrete key matches a
// declared subscriber key, which may use the "*"/"**" wildcards.
func matchesPattern(pattern, key string) bool {
	return topicmatch.Matches(pattern, key)
}

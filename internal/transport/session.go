// Package transport abstracts the pub/sub session the coordinator runs
// on top of (Zenoh in production). Per spec §6 the transport is an
// external collaborator; this package defines the narrow contract the
// rest of the coordinator depends on plus one concrete implementation
// that frames the contract over a websocket connection.
package transport

import (
	"context"
	"time"
)

// Reply is one reply to a Get query.
type Reply struct {
	Key     string
	Payload []byte
}

// Sample is one delivered message on a declared subscription.
type Sample struct {
	Key       string
	Payload   []byte
	ArrivedAt time.Time
}

// SubscriberHandle is returned by DeclareSubscriber; disposing it
// retracts the subscription (spec invariant 5, "no lost unsubscribes").
type SubscriberHandle interface {
	Close() error
}

// PublisherHandle is returned by DeclarePublisher.
type PublisherHandle interface {
	Put(ctx context.Context, payload []byte) error
	Close() error
}

// Session is the transport contract every component depends on. All
// three coordinator components (discovery, subscription mux, schema
// registry) must tolerate a nil *Session value by becoming no-ops,
// per spec §5 "Shared resources".
type Session interface {
	// Get queries key and returns a channel of replies that is closed
	// when the query completes or timeout elapses, whichever is first.
	Get(ctx context.Context, key string, timeout time.Duration) (<-chan Reply, error)

	// DeclareSubscriber registers callback to be invoked per delivered
	// sample on key (which may itself be a wildcard pattern).
	DeclareSubscriber(key string, callback func(Sample)) (SubscriberHandle, error)

	// DeclarePublisher returns a handle for publishing control messages.
	DeclarePublisher(key string) (PublisherHandle, error)

	// Close tears down the session and every subscriber/publisher it
	// declared.
	Close() error
}

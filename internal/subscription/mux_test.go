package subscription

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bubbaloop/fleetd/internal/transport"
)

func testMux(t *testing.T) *Mux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger)
}

// TestSubscribeDeduplicatesTransportSubscriber is spec §8 scenario C.
func TestSubscribeDeduplicatesTransportSubscriber(t *testing.T) {
	m := testMux(t)
	session := transport.NewMemSession()
	m.SetSession(session)

	topic := "bubbaloop/local/m1/rtsp-camera/frame"

	var order []string
	id1, err := m.Subscribe(topic, func(s transport.Sample) { order = append(order, "cb1") }, "")
	if err != nil {
		t.Fatalf("Subscribe L1: %v", err)
	}
	id2, err := m.Subscribe(topic, func(s transport.Sample) { order = append(order, "cb2") }, "")
	if err != nil {
		t.Fatalf("Subscribe L2: %v", err)
	}

	topics := m.ActiveTopics("")
	if len(topics) != 1 || topics[0] != topic {
		t.Fatalf("ActiveTopics = %v, want [%s]", topics, topic)
	}

	session.Publish(topic, []byte("frame-bytes"))

	if len(order) != 2 || order[0] != "cb1" || order[1] != "cb2" {
		t.Fatalf("delivery order = %v, want [cb1 cb2]", order)
	}

	stats, ok := m.Stats(topic, "")
	if !ok || stats.MessageCount != 1 {
		t.Fatalf("stats = %+v, ok=%v", stats, ok)
	}

	m.Unsubscribe(topic, id1, "")
	if _, ok := m.Stats(topic, ""); !ok {
		t.Fatalf("subscriber must remain after first unsubscribe")
	}

	m.Unsubscribe(topic, id2, "")
	if _, ok := m.Stats(topic, ""); ok {
		t.Fatalf("stats must be gone after last listener unsubscribes")
	}
}

func TestUnsubscribeUnknownIDIsNoOp(t *testing.T) {
	m := testMux(t)
	session := transport.NewMemSession()
	m.SetSession(session)

	topic := "bubbaloop/local/m1/n1/frame"
	id, err := m.Subscribe(topic, func(transport.Sample) {}, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.Unsubscribe(topic, "not-a-real-id", "")
	if _, ok := m.Stats(topic, ""); !ok {
		t.Fatalf("subscription must survive an unsubscribe with an unknown id")
	}

	m.Unsubscribe(topic, id, "")
	m.Unsubscribe(topic, id, "") // second unsubscribe of the same id is a no-op
	if _, ok := m.Stats(topic, ""); ok {
		t.Fatalf("expected subscription gone")
	}
}

func TestSetSessionReplaysActiveSubscriptions(t *testing.T) {
	m := testMux(t)
	first := transport.NewMemSession()
	m.SetSession(first)

	topic := "bubbaloop/local/m1/n1/frame"
	var received int
	if _, err := m.Subscribe(topic, func(transport.Sample) { received++ }, ""); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.SetSession(nil)
	m.SetSession(nil) // dropping twice must not panic

	second := transport.NewMemSession()
	m.SetSession(second)

	second.Publish(topic, []byte("x"))
	if received != 1 {
		t.Fatalf("received = %d, want 1 after reconnect replay", received)
	}

	// The old session's Publish must no longer reach the listener.
	first.Publish(topic, []byte("stale"))
	if received != 1 {
		t.Fatalf("received = %d, want unchanged 1 after old session publish", received)
	}
}

func TestStartMonitoringDoesNotInvokeApplicationCallback(t *testing.T) {
	m := testMux(t)
	session := transport.NewMemSession()
	m.SetSession(session)

	topic := "bubbaloop/local/m1/n1/health"
	invoked := false
	if _, err := m.Subscribe("bubbaloop/local/m1/n1/frame", func(transport.Sample) { invoked = true }, ""); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.StartMonitoring("", []string{topic})
	session.Publish(topic, []byte("ok"))

	if invoked {
		t.Fatalf("monitoring subscriber must not reach an application callback")
	}

	m.StopMonitoring("")
}

func TestRateEstimatorLinearBeforeFull(t *testing.T) {
	var r rateEstimator
	base := time.Now()

	if rate := r.record(base); rate != 0 {
		t.Fatalf("first sample rate = %v, want 0", rate)
	}
	rate := r.record(base.Add(time.Second))
	if rate != 1 {
		t.Fatalf("second sample rate = %v, want 1hz", rate)
	}
}

func TestRateEstimatorWindowedOnceFull(t *testing.T) {
	var r rateEstimator
	base := time.Now()
	for i := 0; i < rateEstimatorCapacity; i++ {
		r.record(base.Add(time.Duration(i) * time.Second))
	}
	// K-1 intervals of 1s each spanning K-1 seconds -> exactly 1hz.
	if rate := r.record(base.Add(time.Duration(rateEstimatorCapacity) * time.Second)); rate != 1 {
		t.Fatalf("windowed rate = %v, want 1hz", rate)
	}
}

func TestDestroyRetractsEverything(t *testing.T) {
	m := testMux(t)
	session := transport.NewMemSession()
	m.SetSession(session)

	topic := "bubbaloop/local/m1/n1/frame"
	if _, err := m.Subscribe(topic, func(transport.Sample) {}, ""); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.Destroy()

	if _, ok := m.Stats(topic, ""); ok {
		t.Fatalf("expected no stats after Destroy")
	}
	if topics := m.ActiveTopics(""); len(topics) != 0 {
		t.Fatalf("ActiveTopics after Destroy = %v, want empty", topics)
	}
}

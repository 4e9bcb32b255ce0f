package relay

import (
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
)

// fakeSource feeds packets from a channel and counts upstream reads, so tests
// can verify there is exactly one read per packet no matter how many
// subscribers exist.
type fakeSource struct {
	ready atomic.Bool
	ch    chan *rtp.Packet
	reads atomic.Int64
}

func newFakeSource(ready bool) *fakeSource {
	s := &fakeSource{ch: make(chan *rtp.Packet, 256)}
	s.ready.Store(ready)
	return s
}

func (s *fakeSource) Ready() bool {
	return s.ready.Load()
}

func (s *fakeSource) ReadPacket() (*rtp.Packet, error) {
	pkt, ok := <-s.ch
	if !ok {
		return nil, errors.New("source closed")
	}
	s.reads.Add(1)
	return pkt, nil
}

func (s *fakeSource) push(seq uint16) {
	s.ch <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func recvOne(t *testing.T, sub *Subscription) *rtp.Packet {
	t.Helper()
	select {
	case pkt, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func TestSubscribe_rejected_while_not_ready(t *testing.T) {
	src := newFakeSource(false)
	out := NewOutput(src, testLogger())
	defer close(src.ch)

	if _, err := out.Subscribe(); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestFanout_every_subscriber_gets_every_packet(t *testing.T) {
	src := newFakeSource(true)
	out := NewOutput(src, testLogger())
	defer close(src.ch)

	subs := make([]*Subscription, 3)
	for i := range subs {
		sub, err := out.Subscribe()
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		subs[i] = sub
	}

	const n = 10
	for i := 0; i < n; i++ {
		src.push(uint16(i))
	}

	for si, sub := range subs {
		for i := 0; i < n; i++ {
			pkt := recvOne(t, sub)
			if pkt.SequenceNumber != uint16(i) {
				t.Fatalf("subscriber %d: packet %d has seq %d", si, i, pkt.SequenceNumber)
			}
		}
	}

	// The single upstream loop read each packet exactly once.
	if got := src.reads.Load(); got != n {
		t.Errorf("expected %d upstream reads, got %d", n, got)
	}
}

func TestSingle_upstream_loop_with_zero_subscribers(t *testing.T) {
	src := newFakeSource(true)
	out := NewOutput(src, testLogger())
	defer close(src.ch)

	// No subscribers: packets are still drained by the one upstream loop.
	for i := 0; i < 5; i++ {
		src.push(uint16(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for src.reads.Load() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("upstream loop drained only %d packets", src.reads.Load())
		}
		time.Sleep(time.Millisecond)
	}
	if out.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", out.SubscriberCount())
	}
}

func TestSlow_subscriber_drops_oldest_without_blocking_others(t *testing.T) {
	src := newFakeSource(true)
	out := NewOutput(src, testLogger())
	defer close(src.ch)

	slow, err := out.Subscribe()
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	fast, err := out.Subscribe()
	if err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}

	// Overflow the slow subscriber's queue while the fast one drains.
	total := subscriberBuffer + 16
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			pkt := recvOne(t, fast)
			if pkt.SequenceNumber != uint16(i) {
				t.Errorf("fast subscriber: packet %d has seq %d", i, pkt.SequenceNumber)
				return
			}
		}
	}()
	for i := 0; i < total; i++ {
		src.push(uint16(i))
	}
	<-done

	// The slow queue is bounded and its oldest packets were evicted.
	if len(slow.ch) > subscriberBuffer {
		t.Errorf("slow queue exceeded bound: %d", len(slow.ch))
	}
	first := recvOne(t, slow)
	if first.SequenceNumber == 0 {
		t.Error("expected the oldest packet to have been dropped for the slow subscriber")
	}
}

func TestUnsubscribe_removes_one_subscriber_only(t *testing.T) {
	src := newFakeSource(true)
	out := NewOutput(src, testLogger())
	defer close(src.ch)

	a, _ := out.Subscribe()
	b, _ := out.Subscribe()

	a.Close()
	a.Close() // idempotent

	if out.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", out.SubscriberCount())
	}
	if _, ok := <-a.C; ok {
		t.Error("expected closed channel for removed subscription")
	}

	src.push(42)
	if pkt := recvOne(t, b); pkt.SequenceNumber != 42 {
		t.Errorf("remaining subscriber missed delivery, got seq %d", pkt.SequenceNumber)
	}
}

func TestOutput_shutdown_on_source_error(t *testing.T) {
	src := newFakeSource(true)
	out := NewOutput(src, testLogger())

	sub, err := out.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	close(src.ch) // source is permanently done

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected channel close, got packet")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed on source shutdown")
	}

	if _, err := out.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
}

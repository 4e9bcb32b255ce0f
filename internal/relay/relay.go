// Package relay fans one upstream packet source out to many independent
// subscribers, so a single decode serves every viewer. Each track gets
// exactly one upstream read loop regardless of subscriber count.
package relay

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
)

var (
	// ErrNotReady is returned by Subscribe while the upstream source has not
	// produced any media yet.
	ErrNotReady = errors.New("relay: source not ready")

	// ErrClosed is returned by Subscribe after the output has shut down.
	ErrClosed = errors.New("relay: output closed")
)

// subscriberBuffer bounds each subscriber's delivery queue. On overflow the
// oldest packet is dropped: live viewers want the freshest media, and the
// upstream loop must never block on a slow subscriber.
const subscriberBuffer = 128

// PacketSource is the upstream side of an Output: a blocking producer of RTP
// packets for one track. ReadPacket returns an error only when the source is
// permanently done (socket closed).
type PacketSource interface {
	Ready() bool
	ReadPacket() (*rtp.Packet, error)
}

// Subscription delivers every packet the upstream loop reads from the moment
// Subscribe returns; there is no backfill. C is closed when the subscription
// is removed or the output shuts down.
type Subscription struct {
	C <-chan *rtp.Packet

	ch  chan *rtp.Packet
	out *Output
}

// Close removes this subscription from its output. Safe to call more than
// once; delivery to other subscribers is unaffected.
func (s *Subscription) Close() {
	s.out.unsubscribe(s)
}

// Output owns the single upstream read loop for one track and the set of
// subscribers it feeds.
type Output struct {
	source PacketSource
	log    *slog.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewOutput wraps source and immediately starts the upstream read loop. The
// loop is shared by all future subscribers; packets read while nobody is
// subscribed are discarded, which keeps the loopback socket drained and makes
// first-subscriber latency flat.
func NewOutput(source PacketSource, log *slog.Logger) *Output {
	o := &Output{
		source: source,
		log:    log,
		subs:   make(map[*Subscription]struct{}),
	}
	go o.run()
	return o
}

func (o *Output) run() {
	for {
		pkt, err := o.source.ReadPacket()
		if err != nil {
			o.log.Debug("upstream read loop finished", slog.String("error", err.Error()))
			o.shutdown()
			return
		}
		o.broadcast(pkt)
	}
}

func (o *Output) broadcast(pkt *rtp.Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for sub := range o.subs {
		select {
		case sub.ch <- pkt:
		default:
			// Full queue: drop the oldest packet, then deliver.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- pkt:
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber. It fails with ErrNotReady until the
// source has produced media, and with ErrClosed after shutdown.
func (o *Output) Subscribe() (*Subscription, error) {
	if !o.source.Ready() {
		return nil, ErrNotReady
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{ch: make(chan *rtp.Packet, subscriberBuffer), out: o}
	sub.C = sub.ch
	o.subs[sub] = struct{}{}
	return sub, nil
}

func (o *Output) unsubscribe(sub *Subscription) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.subs[sub]; ok {
		delete(o.subs, sub)
		close(sub.ch)
	}
}

func (o *Output) shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for sub := range o.subs {
		delete(o.subs, sub)
		close(sub.ch)
	}
}

// SubscriberCount returns the current number of subscribers.
func (o *Output) SubscriberCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// Relay groups the per-track outputs of one media source.
type Relay struct {
	Video *Output
	Audio *Output
}

// New builds a Relay with one output per track. Both upstream loops start
// eagerly.
func New(video, audio PacketSource, log *slog.Logger) *Relay {
	return &Relay{
		Video: NewOutput(video, log.With("track", "video")),
		Audio: NewOutput(audio, log.With("track", "audio")),
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"webrtc-streamer/internal/platform/metrics"
	"webrtc-streamer/internal/relay"
)

// ErrNegotiation wraps any failure during the offer/answer handshake. The
// caller surfaces it as a request failure; there is no retry.
var ErrNegotiation = errors.New("session: negotiation failed")

// Manager drives each viewer's session from offer receipt through teardown.
// It owns the active-session registry and subscribes every session to the
// relay outputs, so one upstream decode serves all viewers.
type Manager struct {
	relay   *relay.Relay
	reg     *Registry
	log     *slog.Logger
	metrics *metrics.Metrics
	api     *webrtc.API
}

// NewManager returns a Manager serving media from the given relay. Metrics
// may be nil to disable metric recording (e.g. in tests).
func NewManager(r *relay.Relay, log *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("session: register codecs: %w", err)
	}
	return &Manager{
		relay:   r,
		reg:     NewRegistry(),
		log:     log,
		metrics: m,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(engine)),
	}, nil
}

// ActiveCount returns the number of sessions that have not reached a
// terminal state.
func (m *Manager) ActiveCount() int {
	return m.reg.Count()
}

// HandleOffer runs the full negotiation for one viewer offer and returns the
// local answer. Tracks are attached for whichever relay outputs are ready,
// audio before video, since some clients mis-negotiate when video is offered
// first. Attaching zero tracks is valid and produces a degraded media-less
// answer. Any failure tears the session down and is returned wrapped in
// ErrNegotiation.
func (m *Manager) HandleOffer(ctx context.Context, offer Description) (Description, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		if m.metrics != nil {
			m.metrics.IncNegotiationErrors()
		}
		return Description{}, fmt.Errorf("%w: new peer connection: %v", ErrNegotiation, err)
	}

	s := &PeerSession{ID: uuid.NewString(), pc: pc, state: StateNew}
	m.log.Info("offer received", slog.String("session_id", s.ID))

	// Register the observer before any media is attached: state changes can
	// fire while negotiation is still completing.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.onConnectionStateChange(s, state)
	})

	s.transition(StateNegotiating)

	attached := 0
	if err := m.attachIfReady(s, m.relay.Audio, webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
	}, "audio", &attached); err != nil {
		return Description{}, m.failNegotiation(s, err)
	}
	if err := m.attachIfReady(s, m.relay.Video, webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
	}, "video", &attached); err != nil {
		return Description{}, m.failNegotiation(s, err)
	}
	if attached == 0 {
		// Degraded path, not an error: the encoder may still be warming up.
		m.log.Warn("no tracks ready, answering without media",
			slog.String("session_id", s.ID))
	}

	remote := webrtc.SessionDescription{Type: webrtc.NewSDPType(offer.Type), SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return Description{}, m.failNegotiation(s, fmt.Errorf("set remote description: %w", err))
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, m.failNegotiation(s, fmt.Errorf("create answer: %w", err))
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return Description{}, m.failNegotiation(s, fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return Description{}, m.failNegotiation(s, ctx.Err())
	}

	m.reg.Add(s)
	if m.metrics != nil {
		m.metrics.IncActiveSessions()
	}

	local := pc.LocalDescription()
	m.log.Info("answer generated",
		slog.String("session_id", s.ID),
		slog.Int("tracks", attached))
	return Description{SDP: local.SDP, Type: local.Type.String()}, nil
}

// attachIfReady subscribes to the output and adds a matching local track.
// A not-ready output is skipped (degraded path, logged); any other failure
// is returned.
func (m *Manager) attachIfReady(s *PeerSession, out *relay.Output, codec webrtc.RTPCodecCapability, kind string, attached *int) error {
	sub, err := out.Subscribe()
	if errors.Is(err, relay.ErrNotReady) || errors.Is(err, relay.ErrClosed) {
		m.log.Warn("track not ready, leaving it out of the answer",
			slog.String("session_id", s.ID),
			slog.String("track", kind))
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", kind, err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codec, kind, "streamer")
	if err != nil {
		sub.Close()
		return fmt.Errorf("new %s track: %w", kind, err)
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		sub.Close()
		return fmt.Errorf("add %s track: %w", kind, err)
	}

	s.subs = append(s.subs, sub)
	*attached++
	go forward(sub, track)
	go drainRTCP(sender)
	return nil
}

// forward copies relay packets onto the session's local track until the
// subscription closes. Writes racing a closing connection are ignored.
func forward(sub *relay.Subscription, track *webrtc.TrackLocalStaticRTP) {
	for pkt := range sub.C {
		if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return
		}
	}
}

// drainRTCP consumes sender reports so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (m *Manager) onConnectionStateChange(s *PeerSession, state webrtc.PeerConnectionState) {
	m.log.Debug("connection state changed",
		slog.String("session_id", s.ID),
		slog.String("state", state.String()))

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.transition(StateConnected) {
			m.log.Info("session connected", slog.String("session_id", s.ID))
		}
	case webrtc.PeerConnectionStateFailed:
		m.cleanup(s, StateFailed)
	case webrtc.PeerConnectionStateDisconnected:
		m.cleanup(s, StateDisconnected)
	case webrtc.PeerConnectionStateClosed:
		m.cleanup(s, StateClosed)
	}
}

// failNegotiation counts the error, discards the session and wraps the cause.
// The session was never in the active set unless negotiation had completed,
// and cleanup only decrements the gauge for registered sessions.
func (m *Manager) failNegotiation(s *PeerSession, cause error) error {
	if m.metrics != nil {
		m.metrics.IncNegotiationErrors()
	}
	m.log.Error("negotiation failed",
		slog.String("session_id", s.ID),
		slog.String("error", cause.Error()))
	m.cleanup(s, StateFailed)
	return fmt.Errorf("%w: %v", ErrNegotiation, cause)
}

// cleanup tears the session down exactly once: terminal state, relay
// unsubscribe, connection close, active-set removal. The once-guard absorbs
// the observer firing repeatedly or concurrently with negotiation.
func (m *Manager) cleanup(s *PeerSession, to State) {
	s.cleanupOnce.Do(func() {
		s.transition(to)
		for _, sub := range s.subs {
			sub.Close()
		}
		_ = s.pc.Close()
		if m.reg.Remove(s.ID) && m.metrics != nil {
			m.metrics.DecActiveSessions()
		}
		m.log.Info("session terminated",
			slog.String("session_id", s.ID),
			slog.String("state", s.State().String()))
	})
}

// CloseAll closes every active session concurrently and waits for all of
// them to finish. Called on process shutdown.
func (m *Manager) CloseAll() {
	sessions := m.reg.List()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *PeerSession) {
			defer wg.Done()
			m.cleanup(s, StateClosed)
		}(s)
	}
	wg.Wait()
	if len(sessions) > 0 {
		m.log.Info("all sessions closed", slog.Int("count", len(sessions)))
	}
}

// Package ingest reads the encoder's loopback RTP transport and exposes one
// packet source per track. The sockets are owned here, not by any single
// encoder incarnation: when the supervisor relaunches the encoder, packets
// simply resume arriving on the same ports and downstream subscribers never
// notice.
package ingest

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"
)

// TrackKind identifies a media track.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

const maxDatagramSize = 1500

// Source is a single-track RTP packet source. It is not ready until the first
// packet has been parsed off the wire; until then the encoder either has not
// started or has not begun producing this track.
type Source struct {
	kind  TrackKind
	conn  *net.UDPConn
	ready atomic.Bool
	log   *slog.Logger
}

func newSource(kind TrackKind, conn *net.UDPConn, log *slog.Logger) *Source {
	return &Source{kind: kind, conn: conn, log: log}
}

// Kind returns the track kind.
func (s *Source) Kind() TrackKind {
	return s.kind
}

// Ready reports whether at least one packet has been received for this track.
func (s *Source) Ready() bool {
	return s.ready.Load()
}

// ReadPacket blocks until the next RTP packet arrives on the track's socket.
// Datagrams that do not parse as RTP are skipped. It returns an error only
// when the socket is closed.
func (s *Source) ReadPacket() (*rtp.Packet, error) {
	for {
		buf := make([]byte, maxDatagramSize)
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("ingest: read %s: %w", s.kind, err)
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.Debug("discarding malformed datagram",
				slog.String("track", string(s.kind)),
				slog.Int("size", n))
			continue
		}

		if s.ready.CompareAndSwap(false, true) {
			s.log.Info("track ready",
				slog.String("track", string(s.kind)),
				slog.Int("payload_type", int(pkt.PayloadType)),
				slog.String("addr", s.conn.LocalAddr().String()))
		}
		return pkt, nil
	}
}

// Close closes the track's socket, unblocking any pending ReadPacket.
func (s *Source) Close() error {
	return s.conn.Close()
}

// Adapter owns the per-track sources for one loopback transport.
type Adapter struct {
	video *Source
	audio *Source
}

// Open binds the loopback RTP ports the encoder writes to: video on port,
// audio on port+2.
func Open(port int, log *slog.Logger) (*Adapter, error) {
	video, err := listen(KindVideo, port, log)
	if err != nil {
		return nil, err
	}
	audio, err := listen(KindAudio, port+2, log)
	if err != nil {
		video.Close()
		return nil, err
	}
	return &Adapter{video: video, audio: audio}, nil
}

func listen(kind TrackKind, port int, log *slog.Logger) (*Source, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, fmt.Errorf("ingest: bind %s port %d: %w", kind, port, err)
	}
	return newSource(kind, conn, log), nil
}

// Video returns the video track source.
func (a *Adapter) Video() *Source {
	return a.video
}

// Audio returns the audio track source.
func (a *Adapter) Audio() *Source {
	return a.audio
}

// Close closes both track sockets.
func (a *Adapter) Close() error {
	verr := a.video.Close()
	aerr := a.audio.Close()
	if verr != nil {
		return verr
	}
	return aerr
}

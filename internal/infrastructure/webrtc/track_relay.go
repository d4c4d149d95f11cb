package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"sessioncast/internal/core/domain"
)

// RTPSource yields outbound RTP packets, typically from the capture
// pipeline. Read returns io.EOF when the source is exhausted.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// RemoteTrack is the inbound side of a relayed stream, satisfied by
// *webrtc.TrackRemote. Read returns io.EOF once the remote peer stops
// sending.
type RemoteTrack interface {
	ID() string
	Read(b []byte) (int, interceptor.Attributes, error)
}

// PumpTrack feeds packets from src into the shared local track until the
// source ends or the context is cancelled. Write errors on individual packets
// are logged by the caller's metrics path; only source errors stop the pump.
func (m *PeerManager) PumpTrack(ctx context.Context, src RTPSource, track *webrtc.TrackLocalStaticRTP) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		packet, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read outbound packet: %w", err)
		}

		if err := track.WriteRTP(packet); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				// No subscribed link yet; packets before the first viewer
				// connects are dropped, live relay has no replay.
				continue
			}
			m.logger.Warnw("failed to write outbound packet",
				"session_id", m.cfg.SessionID,
				"sequence", packet.SequenceNumber,
				"error", err,
			)
		}
	}
}

// ForwardRemoteTrack copies an inbound remote track onto a local one so it
// can be fanned out to further links. Used when this participant re-relays
// the broadcaster's stream.
func (m *PeerManager) ForwardRemoteTrack(remote RemoteTrack, local *webrtc.TrackLocalStaticRTP) {
	buf := make([]byte, 1500) // MTU size
	packet := &rtp.Packet{}

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Warnw("failed to read remote track",
					"session_id", m.cfg.SessionID,
					"track_id", remote.ID(),
					"error", err,
				)
			}
			return
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			m.logger.Warnw("failed to unmarshal relayed packet",
				"session_id", m.cfg.SessionID,
				"track_id", remote.ID(),
				"error", err,
			)
			continue
		}

		if err := local.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			m.logger.Warnw("failed to forward relayed packet",
				"session_id", m.cfg.SessionID,
				"track_id", remote.ID(),
				"error", err,
			)
		}
	}
}

// observeRTCP reads receiver reports off an inbound track and feeds round
// trip estimates to the metrics collector.
func (m *PeerManager) observeRTCP(key domain.PresenceKey, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debugw("stopped reading rtcp",
					"session_id", m.cfg.SessionID,
					"peer_key", key,
					"error", err,
				)
			}
			return
		}

		for _, packet := range packets {
			report, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, block := range report.Reports {
				if block.LastSenderReport == 0 || block.Delay == 0 {
					continue
				}
				// Delay is expressed in 1/65536 seconds.
				rtt := time.Duration(block.Delay) * time.Second / 65536
				m.metrics.ObserveLatency(rtt)
			}
		}
	}
}

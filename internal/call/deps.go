package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/media"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/peer"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/quality"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/signaling"
)

// LocalStream is the captured media of one session. *media.Stream implements
// it.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	HasVideo() bool
	Enabled(kind domain.MediaKind) bool
	SetEnabled(kind domain.MediaKind, enabled bool) bool
	Stop()
}

type MediaAcquirer interface {
	Acquire(ctx context.Context, callType domain.CallType) (LocalStream, error)
}

// PeerConn is the controller's view of a peer connection. *peer.Conn
// implements it.
type PeerConn interface {
	AddTracks(tracks []webrtc.TrackLocal) error
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	RestartICE() (webrtc.SessionDescription, error)
	DescriptionSent()
	AcceptOffer(offer webrtc.SessionDescription) error
	AcceptAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(cand webrtc.ICECandidateInit) error
	Stats() (quality.Sample, error)
	Close() error
}

type PeerFactory interface {
	NewPeer(iceServers []webrtc.ICEServer, h peer.Handlers) (PeerConn, error)
}

// Signaler sends one message to the remote peer. *signaling.Bridge
// implements it.
type Signaler interface {
	Send(ctx context.Context, m signaling.Message) error
}

// CallRecords persists call records. *callapi.Client implements it.
type CallRecords interface {
	Initiate(ctx context.Context, recipientID int64, callType domain.CallType) (*domain.CallRecord, error)
	Answer(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID, reason string) error
	End(ctx context.Context, callID string) error
}

// ICEServerSource yields the ICE servers for a new peer connection. It is
// consulted once per session so short-lived TURN credentials stay fresh.
type ICEServerSource interface {
	ICEServers() ([]webrtc.ICEServer, error)
}

// StaticICE is a fixed ICE server list.
type StaticICE []webrtc.ICEServer

func (s StaticICE) ICEServers() ([]webrtc.ICEServer, error) {
	return append([]webrtc.ICEServer(nil), s...), nil
}

type mediaAdapter struct {
	a *media.Acquirer
}

// MediaFrom adapts a media.Acquirer.
func MediaFrom(a *media.Acquirer) MediaAcquirer {
	return mediaAdapter{a: a}
}

func (m mediaAdapter) Acquire(ctx context.Context, callType domain.CallType) (LocalStream, error) {
	s, err := m.a.Acquire(ctx, callType)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type peerAdapter struct {
	m *peer.Manager
}

// PeersFrom adapts a peer.Manager.
func PeersFrom(m *peer.Manager) PeerFactory {
	return peerAdapter{m: m}
}

func (p peerAdapter) NewPeer(iceServers []webrtc.ICEServer, h peer.Handlers) (PeerConn, error) {
	c, err := p.m.NewPeer(iceServers, h)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Package peer owns the pion PeerConnection of a call: track attachment,
// offer/answer, trickle ICE ordering, remote track intake and statistics.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/quality"
)

var ErrClosed = errors.New("peer connection closed")

// RemoteStream describes a remote media stream the first time one of its
// tracks arrives.
type RemoteStream struct {
	ID   string
	Kind webrtc.RTPCodecType
}

// Handlers are invoked from pion goroutines. They must not block for long.
type Handlers struct {
	// OnLocalCandidate receives each gathered local candidate once the local
	// description it belongs to has been handed to signaling.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	// OnRemoteStream fires once per remote stream id.
	OnRemoteStream func(RemoteStream)
	// OnRemoteTrack fires for every remote track, including the first.
	OnRemoteTrack func(streamID string, kind webrtc.RTPCodecType)
	OnConnectionState func(webrtc.PeerConnectionState)
}

type Manager struct {
	api *webrtc.API
	log *slog.Logger
}

func NewManager(api *webrtc.API, logger *slog.Logger) *Manager {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{api: api, log: logger}
}

// NewPeer creates a connection using the given ICE servers. At least one
// server is expected; the caller owns the returned Conn and must Close it.
func (m *Manager) NewPeer(iceServers []webrtc.ICEServer, h Handlers) (*Conn, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &Conn{
		pc:      pc,
		h:       h,
		log:     m.log,
		streams: make(map[string]struct{}),
	}
	c.install()
	return c, nil
}

// Conn wraps one PeerConnection. Close is idempotent.
type Conn struct {
	pc  *webrtc.PeerConnection
	h   Handlers
	log *slog.Logger

	mu sync.Mutex
	// Local candidates are held until the current local description is sent.
	descSent bool
	localBuf []webrtc.ICECandidateInit
	// Remote candidates are held until a remote description is applied.
	remoteSet bool
	remoteBuf []webrtc.ICECandidateInit
	streams   map[string]struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (c *Conn) install() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.closed.Load() {
			return
		}
		ci := cand.ToJSON()

		c.mu.Lock()
		if !c.descSent {
			c.localBuf = append(c.localBuf, ci)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if c.h.OnLocalCandidate != nil {
			c.h.OnLocalCandidate(ci)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if c.closed.Load() {
			return
		}
		streamID := track.StreamID()

		c.mu.Lock()
		_, seen := c.streams[streamID]
		c.streams[streamID] = struct{}{}
		c.mu.Unlock()

		c.log.Debug("remote track", "stream_id", streamID, "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if !seen && c.h.OnRemoteStream != nil {
			c.h.OnRemoteStream(RemoteStream{ID: streamID, Kind: track.Kind()})
		}
		if c.h.OnRemoteTrack != nil {
			c.h.OnRemoteTrack(streamID, track.Kind())
		}

		// Drain so interceptors keep producing receive statistics.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("peer connection state", "state", state.String())
		if c.h.OnConnectionState != nil && !c.closed.Load() {
			c.h.OnConnectionState(state)
		}
	})
}

// AddTracks attaches local tracks. RTCP for each sender is read and
// discarded so interceptors see it.
func (c *Conn) AddTracks(tracks []webrtc.TrackLocal) error {
	if c.closed.Load() {
		return ErrClosed
	}
	for _, t := range tracks {
		sender, err := c.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// CreateOffer creates and applies a local offer. iceRestart requests fresh
// ICE credentials on an established connection.
func (c *Conn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if c.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return c.setLocal(offer)
}

// RestartICE creates a fresh offer with new ICE credentials. The caller must
// signal it like any other offer.
func (c *Conn) RestartICE() (webrtc.SessionDescription, error) {
	return c.CreateOffer(true)
}

// CreateAnswer creates and applies a local answer to the applied remote
// offer.
func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	if c.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return c.setLocal(answer)
}

func (c *Conn) setLocal(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.descSent = false
	c.mu.Unlock()

	if err := c.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	if local := c.pc.LocalDescription(); local != nil {
		return *local, nil
	}
	return desc, nil
}

// DescriptionSent marks the current local description as delivered and
// releases every candidate gathered so far, in order.
func (c *Conn) DescriptionSent() {
	c.mu.Lock()
	c.descSent = true
	buffered := c.localBuf
	c.localBuf = nil
	c.mu.Unlock()

	if c.h.OnLocalCandidate == nil || c.closed.Load() {
		return
	}
	for _, cand := range buffered {
		c.h.OnLocalCandidate(cand)
	}
}

// AcceptOffer applies a remote offer, including renegotiation offers on an
// established connection.
func (c *Conn) AcceptOffer(offer webrtc.SessionDescription) error {
	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("expected offer, got %s", offer.Type)
	}
	return c.setRemote(offer)
}

func (c *Conn) AcceptAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s", answer.Type)
	}
	return c.setRemote(answer)
}

func (c *Conn) setRemote(desc webrtc.SessionDescription) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.remoteBuf
	c.remoteBuf = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Debug("drop buffered remote candidate", "err", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies a trickled remote candidate, queueing it when no
// remote description has been applied yet.
func (c *Conn) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if cand.Candidate == "" {
		// End-of-candidates marker.
		return nil
	}

	c.mu.Lock()
	if !c.remoteSet {
		c.remoteBuf = append(c.remoteBuf, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

// Stats aggregates cumulative RTP counters across all inbound and outbound
// streams.
func (c *Conn) Stats() (quality.Sample, error) {
	if c.closed.Load() {
		return quality.Sample{}, ErrClosed
	}
	var s quality.Sample
	for _, st := range c.pc.GetStats() {
		switch v := st.(type) {
		case webrtc.InboundRTPStreamStats:
			addInbound(&s, v)
		case *webrtc.InboundRTPStreamStats:
			addInbound(&s, *v)
		case webrtc.OutboundRTPStreamStats:
			s.BytesSent += v.BytesSent
		case *webrtc.OutboundRTPStreamStats:
			s.BytesSent += v.BytesSent
		}
	}
	return s, nil
}

func addInbound(s *quality.Sample, v webrtc.InboundRTPStreamStats) {
	s.BytesReceived += v.BytesReceived
	s.PacketsReceived += uint64(v.PacketsReceived)
	s.PacketsLost += int64(v.PacketsLost)
}

func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		c.localBuf = nil
		c.remoteBuf = nil
		c.mu.Unlock()
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}

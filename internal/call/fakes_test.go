package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/clock"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/metrics"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/peer"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/quality"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/signaling"
)

type fakeStream struct {
	mu      sync.Mutex
	video   bool
	enabled map[domain.MediaKind]bool
	stops   int
}

func newFakeStream(video bool) *fakeStream {
	en := map[domain.MediaKind]bool{domain.MediaAudio: true}
	if video {
		en[domain.MediaVideo] = true
	}
	return &fakeStream{video: video, enabled: en}
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }
func (s *fakeStream) HasVideo() bool              { return s.video }

func (s *fakeStream) Enabled(kind domain.MediaKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

func (s *fakeStream) SetEnabled(kind domain.MediaKind, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enabled[kind]; !ok {
		return false
	}
	s.enabled[kind] = enabled
	return true
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *fakeStream) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	before  func()
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(ctx context.Context, callType domain.CallType) (LocalStream, error) {
	m.mu.Lock()
	before, err := m.before, m.err
	m.mu.Unlock()
	if before != nil {
		before()
	}
	if err != nil {
		return nil, err
	}
	s := newFakeStream(callType.HasVideo())
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) last(t *testing.T) *fakeStream {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.streams, "no stream acquired")
	return m.streams[len(m.streams)-1]
}

type fakePC struct {
	mu         sync.Mutex
	h          peer.Handlers
	closes     int
	restarts   int
	offersIn   int
	answersIn  int
	remoteCand []webrtc.ICECandidateInit
	sample     quality.Sample
	acceptErr  error
}

func (p *fakePC) AddTracks([]webrtc.TrackLocal) error { return nil }

func (p *fakePC) CreateOffer(bool) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePC) RestartICE() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.restarts++
	p.mu.Unlock()
	return p.CreateOffer(true)
}

func (p *fakePC) DescriptionSent() {}

func (p *fakePC) AcceptOffer(webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offersIn++
	return p.acceptErr
}

func (p *fakePC) AcceptAnswer(webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answersIn++
	return nil
}

func (p *fakePC) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteCand = append(p.remoteCand, ci)
	return nil
}

func (p *fakePC) Stats() (quality.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample, nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePC) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePC) setSample(s quality.Sample) {
	p.mu.Lock()
	p.sample = s
	p.mu.Unlock()
}

func (p *fakePC) connState(state webrtc.PeerConnectionState) {
	p.h.OnConnectionState(state)
}

type fakePeers struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakePeers) NewPeer(_ []webrtc.ICEServer, h peer.Handlers) (PeerConn, error) {
	pc := &fakePC{h: h}
	f.mu.Lock()
	f.pcs = append(f.pcs, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakePeers) last(t *testing.T) *fakePC {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.pcs, "no peer connection created")
	return f.pcs[len(f.pcs)-1]
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []signaling.Message
	err  error
}

func (f *fakeSignaler) Send(_ context.Context, m signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSignaler) ofType(t signaling.MessageType) []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeRecords struct {
	mu          sync.Mutex
	initiateID  string
	initiateErr error
	answerErr   error
	endErr      error
	calls       []string
}

func (f *fakeRecords) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakeRecords) Initiate(_ context.Context, recipientID int64, callType domain.CallType) (*domain.CallRecord, error) {
	f.record("initiate")
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &domain.CallRecord{CallID: f.initiateID, CallType: callType, Status: domain.StatusInitiated}, nil
}

func (f *fakeRecords) Answer(context.Context, string) error {
	f.record("answer")
	return f.answerErr
}

func (f *fakeRecords) Reject(context.Context, string, string) error {
	f.record("reject")
	return nil
}

func (f *fakeRecords) End(context.Context, string) error {
	f.record("end")
	return f.endErr
}

func (f *fakeRecords) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var errBoom = errors.New("boom")

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type harness struct {
	ctrl    *Controller
	media   *fakeMedia
	peers   *fakePeers
	sig     *fakeSignaler
	records *fakeRecords
	clock   *clock.Manual
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		media:   &fakeMedia{},
		peers:   &fakePeers{},
		sig:     &fakeSignaler{},
		records: &fakeRecords{initiateID: "c-1"},
		clock:   clock.NewManual(epoch),
		metrics: metrics.New(),
	}
	cfg := Config{Self: domain.User{ID: 1, Name: "Ada"}, ICERestart: true}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := New(cfg, Deps{
		Media:     h.media,
		Peers:     h.peers,
		Signaling: h.sig,
		Records:   h.records,
		Clock:     h.clock,
		Metrics:   h.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	h.ctrl = ctrl
	return h
}

// incoming delivers an offer for a video call from user 2 and returns the
// peer connection created for it.
func (h *harness) incoming(t *testing.T, callID string) *fakePC {
	t.Helper()
	h.ctrl.HandleOffer(signaling.NewOffer(
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
		domain.CallTypeVideo, callID, &domain.User{ID: 2, Name: "Bob"},
	))
	return h.peers.last(t)
}

func peerStream(id string) peer.RemoteStream {
	return peer.RemoteStream{ID: id, Kind: webrtc.RTPCodecTypeVideo}
}

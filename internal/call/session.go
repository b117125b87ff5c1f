package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/clock"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/peer"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/quality"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/signaling"
)

// session owns every resource of one call. All fields are guarded by the
// controller mutex.
type session struct {
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	log       *slog.Logger
	direction Direction
	callType  domain.CallType
	status    domain.CallStatus
	record    *domain.CallRecord
	// localID is set when the call id was generated here because the record
	// API did not assign one.
	localID bool

	pc           PeerConn
	stream       LocalStream
	pendingCands []webrtc.ICECandidateInit
	offerApplied bool

	// answering is set once the user accepted an incoming call; negotiated
	// once the local answer or offer is on the wire.
	answering  bool
	negotiated bool
	// recordAnswerPending is set when the user answered before the call id
	// was known.
	recordAnswerPending bool

	connected   bool
	failures    int
	lastQuality domain.Quality

	answeredAt time.Time
	duration   clock.Stopper
	monitor    *quality.Monitor
	recovery   clock.Stopper

	torn bool
}

// matches reports whether a message for callID belongs to s. An empty id on
// either side matches; offers can precede the record API.
func (s *session) matches(callID string) bool {
	return callID == "" || s.record.CallID == "" || s.record.CallID == callID
}

// sameCall reports whether an offer belongs to this session. Ids decide when
// both sides have one; otherwise the caller must be the one already known.
func (s *session) sameCall(callID string, caller *domain.User) bool {
	if callID != "" && s.record.CallID != "" {
		return callID == s.record.CallID
	}
	return caller != nil && caller.ID != 0 && s.record.Caller != nil && s.record.Caller.ID == caller.ID
}

// otherCaller reports whether an offer names a caller different from the one
// this session already knows.
func (s *session) otherCaller(caller *domain.User) bool {
	return caller != nil && caller.ID != 0 && s.record.Caller != nil && s.record.Caller.ID != 0 && s.record.Caller.ID != caller.ID
}

// adoptCallIDLocked fills in the call id once the server assigns it. It
// reports whether an answer still has to be recorded under that id.
func (s *session) adoptCallIDLocked(callID string) bool {
	if callID == "" || s.record.CallID != "" {
		return false
	}
	s.record.CallID = callID
	if s.recordAnswerPending {
		s.recordAnswerPending = false
		return true
	}
	return false
}

func (c *Controller) newSessionLocked(dir Direction, rec *domain.CallRecord) *session {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gen:         c.gen,
		ctx:         ctx,
		cancel:      cancel,
		log:         c.log.With("generation", c.gen, "direction", string(dir)),
		direction:   dir,
		callType:    rec.CallType,
		status:      rec.Status,
		record:      rec,
		lastQuality: domain.QualityUnknown,
	}
	c.sess = s

	last := c.st.LastCall
	c.st = idleState()
	c.st.LastCall = last
	c.st.Generation = s.gen
	c.st.Status = s.status
	c.st.CurrentCall = rec.Clone()
	c.st.IsOutgoingCall = dir == Outgoing
	c.st.IsIncomingCall = dir == Incoming
	return s
}

func (c *Controller) startIncomingLocked(rec *domain.CallRecord) *session {
	rec.Status = domain.StatusRinging
	if rec.Callee == nil && c.cfg.Self.ID != 0 {
		self := c.cfg.Self
		rec.Callee = &self
	}
	if rec.InitiatedAt == nil {
		now := c.clock.Now()
		rec.InitiatedAt = &now
	}
	s := c.newSessionLocked(Incoming, rec)
	c.metrics.CallStarted(string(Incoming), string(rec.CallType))
	s.log.Info("incoming call", "call_id", rec.CallID, "call_type", string(rec.CallType))
	return s
}

func (c *Controller) currentLocked(s *session) bool {
	return s != nil && !s.torn && c.sess == s
}

func (c *Controller) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(s)
}

// endLocked moves s to a terminal status and detaches it. It returns the
// release function for the peer and the stream, to be called without the
// lock, or nil when s was already torn down.
func (c *Controller) endLocked(s *session, status domain.CallStatus, reason string) func() {
	if s == nil || s.torn {
		return nil
	}
	s.torn = true
	s.status = status
	if c.sess == s {
		c.sess = nil
	}
	s.cancel()
	if s.duration != nil {
		s.duration.Stop()
		s.duration = nil
	}
	if s.recovery != nil {
		s.recovery.Stop()
		s.recovery = nil
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}

	now := c.clock.Now()
	s.record.Status = status
	s.record.EndedAt = &now

	var answeredFor float64
	if !s.answeredAt.IsZero() {
		answeredFor = now.Sub(s.answeredAt).Seconds()
	}
	c.metrics.CallEnded(string(status), reason, answeredFor)

	summary := &CallSummary{
		CallID:    s.record.CallID,
		CallType:  s.callType,
		Direction: s.direction,
		Status:    status,
		Reason:    reason,
		Duration:  c.st.Duration,
		EndedAt:   now,
	}
	errInfo := c.st.Error
	c.st = idleState()
	c.st.Error = errInfo
	c.st.LastCall = summary
	c.st.Generation = s.gen

	s.log.Info("call ended", "call_id", s.record.CallID, "status", string(status), "reason", reason)

	pc, stream := s.pc, s.stream
	s.pc, s.stream = nil, nil
	s.pendingCands = nil
	return func() {
		if stream != nil {
			stream.Stop()
		}
		if pc != nil {
			if err := pc.Close(); err != nil {
				s.log.Debug("close peer connection", "err", err)
			}
		}
	}
}

func (c *Controller) setErrorLocked(err error) {
	info := Classify(err)
	c.st.Error = info
	if info != nil {
		c.metrics.Error(string(info.Kind))
	}
}

// bind derives a context that is cancelled with either ctx or the session.
func (c *Controller) bind(ctx context.Context, s *session) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// abort ends s after a failed step of an operation, records err, and
// optionally tells the remote peer.
func (c *Controller) abort(s *session, err error, reason string, notify bool) error {
	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return ErrCallAborted
	}
	s.log.Warn("call failed", "call_id", s.record.CallID, "reason", reason, "err", err)
	c.setErrorLocked(err)
	callID := s.record.CallID
	release := c.endLocked(s, domain.StatusEnded, reason)
	snap := c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)
	release()
	if notify {
		c.notifyPeer(context.Background(), callID, domain.StatusEnded, reason)
	}
	return err
}

// warn records a non-fatal error without ending the session.
func (c *Controller) warn(err error) {
	c.mu.Lock()
	c.setErrorLocked(err)
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) markAnsweredLocked(s *session) bool {
	if !s.status.CanTransition(domain.StatusAnswered) {
		return false
	}
	now := c.clock.Now()
	s.status = domain.StatusAnswered
	s.answeredAt = now
	s.record.Status = domain.StatusAnswered
	s.record.AnsweredAt = &now

	c.st.Status = domain.StatusAnswered
	c.st.IsCallActive = true
	c.st.IsIncomingCall = false
	c.st.IsOutgoingCall = false
	c.st.IsLoading = false
	c.st.Duration = 0
	c.st.CurrentCall = s.record.Clone()

	s.duration = c.clock.Every(c.cfg.DurationTick, func() { c.tick(s) })
	s.log.Info("call answered", "call_id", s.record.CallID)
	return true
}

func (c *Controller) tick(s *session) {
	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return
	}
	c.st.Duration++
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// openPeer creates the session's peer connection and applies candidates
// that arrived before it existed.
func (c *Controller) openPeer(s *session) (PeerConn, error) {
	servers, err := c.ice.ICEServers()
	if err != nil {
		return nil, &NegotiationError{Op: "ice_servers", Err: err}
	}
	pc, err := c.peers.NewPeer(servers, c.handlersFor(s))
	if err != nil {
		return nil, &NegotiationError{Op: "new_peer", Err: err}
	}

	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		_ = pc.Close()
		return nil, ErrCallAborted
	}
	s.pc = pc
	pending := s.pendingCands
	s.pendingCands = nil
	c.mu.Unlock()

	for _, ci := range pending {
		if err := pc.AddRemoteCandidate(ci); err != nil {
			s.log.Debug("drop early remote candidate", "err", err)
		}
	}
	return pc, nil
}

func (c *Controller) handlersFor(s *session) peer.Handlers {
	return peer.Handlers{
		OnLocalCandidate: func(ci webrtc.ICECandidateInit) {
			c.sendForSession(s, func(callID string) signaling.Message {
				return signaling.NewICECandidate(ci, callID)
			})
		},
		OnRemoteStream:    func(rs peer.RemoteStream) { c.onRemoteStream(s, rs) },
		OnConnectionState: func(state webrtc.PeerConnectionState) { c.onConnectionState(s, state) },
	}
}

// acquire captures local media for s and attaches it to the session.
func (c *Controller) acquire(ctx context.Context, s *session) (LocalStream, error) {
	actx, done := c.bind(ctx, s)
	stream, err := c.media.Acquire(actx, s.callType)
	done()
	if err != nil {
		if !c.isCurrent(s) {
			return nil, ErrCallAborted
		}
		return nil, err
	}

	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		stream.Stop()
		return nil, ErrCallAborted
	}
	s.stream = stream
	c.st.HasLocalStream = true
	c.st.IsMuted = !stream.Enabled(domain.MediaAudio)
	c.st.IsVideoEnabled = stream.HasVideo() && stream.Enabled(domain.MediaVideo)
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
	return stream, nil
}

func (c *Controller) onRemoteStream(s *session, rs peer.RemoteStream) {
	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return
	}
	c.st.HasRemoteStream = true
	c.st.RemoteStreamID = rs.ID
	c.st.RemoteAudioEnabled = true
	c.st.RemoteVideoEnabled = s.callType.HasVideo()
	snap := c.changedLocked()
	c.mu.Unlock()
	s.log.Info("remote stream", "stream_id", rs.ID)
	c.publish(snap)
}

func (c *Controller) onConnectionState(s *session, state webrtc.PeerConnectionState) {
	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return
	}
	s.log.Debug("connection state", "call_id", s.record.CallID, "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.connected = true
		if s.recovery != nil {
			s.recovery.Stop()
			s.recovery = nil
		}
		recovered := s.failures > 0
		if recovered {
			c.st.ConnectionQuality = s.lastQuality
			if c.st.Error != nil && c.st.Error.Kind == KindPeerConnection {
				c.st.Error = nil
			}
			s.log.Info("connection recovered", "call_id", s.record.CallID, "failures", s.failures)
		}
		if s.monitor == nil && s.pc != nil {
			s.monitor = quality.NewMonitor(quality.MonitorConfig{
				Interval:   c.cfg.QualityInterval,
				Thresholds: c.cfg.Thresholds,
				Clock:      c.clock,
				Logger:     s.log,
			}, s.pc, func(r quality.Report) { c.onQualityReport(s, r) })
			s.monitor.Start()
		}
		mon := s.monitor
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
		if recovered && mon != nil {
			mon.SampleNow()
		}

	case webrtc.PeerConnectionStateFailed:
		s.connected = false
		s.failures++
		c.st.ConnectionQuality = domain.QualityPoor
		c.setErrorLocked(&PeerConnectionFailure{State: state, Failures: s.failures})
		s.log.Warn("connection failed", "call_id", s.record.CallID, "failures", s.failures)

		if s.failures >= c.cfg.MaxFailures {
			callID := s.record.CallID
			release := c.endLocked(s, domain.StatusEnded, "connection_failed")
			snap := c.changedLocked()
			c.mu.Unlock()
			c.publish(snap)
			release()
			c.notifyPeer(context.Background(), callID, domain.StatusEnded, "connection_failed")
			return
		}
		if s.recovery == nil && c.cfg.RecoveryWindow > 0 {
			s.recovery = c.clock.AfterFunc(c.cfg.RecoveryWindow, func() { c.onRecoveryTimeout(s) })
		}
		restart := c.cfg.ICERestart && s.direction == Outgoing && s.pc != nil
		pc := s.pc
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
		if restart {
			c.restartICE(s, pc)
		}

	case webrtc.PeerConnectionStateDisconnected:
		s.connected = false
		c.mu.Unlock()

	default:
		c.mu.Unlock()
	}
}

func (c *Controller) onRecoveryTimeout(s *session) {
	c.mu.Lock()
	if !c.currentLocked(s) || s.connected {
		c.mu.Unlock()
		return
	}
	s.recovery = nil
	callID := s.record.CallID
	s.log.Warn("connection did not recover", "call_id", callID, "window", c.cfg.RecoveryWindow)
	release := c.endLocked(s, domain.StatusEnded, "connection_failed")
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
	release()
	c.notifyPeer(context.Background(), callID, domain.StatusEnded, "connection_failed")
}

func (c *Controller) restartICE(s *session, pc PeerConn) {
	offer, err := pc.RestartICE()
	if err != nil {
		s.log.Warn("ice restart failed", "err", err)
		return
	}
	c.metrics.ICERestart()

	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return
	}
	callID := s.record.CallID
	callType := s.callType
	ctx := s.ctx
	c.mu.Unlock()

	self := c.cfg.Self
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	if err := c.sig.Send(sctx, signaling.NewOffer(offer, callType, callID, &self)); err != nil {
		s.log.Warn("send ice restart offer", "err", err)
		return
	}
	pc.DescriptionSent()
}

func (c *Controller) onQualityReport(s *session, r quality.Report) {
	c.mu.Lock()
	if !c.currentLocked(s) || !s.connected {
		c.mu.Unlock()
		return
	}
	s.lastQuality = r.Quality
	info := r.NetworkInfo()
	c.st.ConnectionQuality = r.Quality
	c.st.NetworkInfo = &info
	snap := c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)
	c.metrics.Quality(int(r.Quality.Score()), r.LossRatio)
	c.sendForSession(s, func(string) signaling.Message {
		return signaling.NewCallQuality(r.Quality, info)
	})
}

// sendForSession sends a best-effort message built with the session's
// current call id. Failures are logged only.
func (c *Controller) sendForSession(s *session, build func(callID string) signaling.Message) {
	c.mu.Lock()
	if s.torn {
		c.mu.Unlock()
		return
	}
	callID := s.record.CallID
	ctx := s.ctx
	c.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	m := build(callID)
	if err := c.sig.Send(sctx, m); err != nil {
		s.log.Warn("signaling send failed", "type", string(m.Type), "err", err)
		c.metrics.Error(string(KindSignaling))
	}
}

// notifyPeer tells the remote side about a terminal status. It is used after
// the session is gone, so it does not use the session context.
func (c *Controller) notifyPeer(ctx context.Context, callID string, status domain.CallStatus, reason string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SendTimeout)
	defer cancel()
	if err := c.sig.Send(sctx, signaling.NewCallStatus(status, callID, reason)); err != nil {
		c.log.Warn("signaling send failed", "type", string(signaling.TypeCallStatus), "call_id", callID, "err", err)
	}
}

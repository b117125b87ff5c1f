package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/signaling"
)

var _ signaling.Handler = (*Controller)(nil)

func (c *Controller) HandleIncomingCall(m signaling.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	s := c.sess
	if s == nil {
		rec := &domain.CallRecord{
			CallID:   m.CallID,
			CallType: m.CallType,
			Caller:   &domain.User{ID: m.CallerID, Name: m.CallerName},
		}
		if m.Caller != nil {
			rec.Caller = m.Caller
		}
		c.startIncomingLocked(rec)
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
		return
	}
	caller := &domain.User{ID: m.CallerID, Name: m.CallerName}
	if s.direction == Incoming && s.matches(m.CallID) && !s.otherCaller(caller) {
		pending := s.adoptCallIDLocked(m.CallID)
		if s.record.Caller == nil || s.record.Caller.ID == 0 {
			s.record.Caller = caller
		}
		c.st.CurrentCall = s.record.Clone()
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
		if pending {
			_ = c.recordAnswer(context.Background(), s, m.CallID)
		}
		return
	}
	c.mu.Unlock()
	c.declineBusy(m.CallID)
}

func (c *Controller) HandleOffer(m signaling.Message) {
	if m.Offer == nil {
		return
	}
	desc, err := m.Offer.ToPion()
	if err != nil {
		c.log.Warn("dropping offer", "err", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	s := c.sess
	switch {
	case s == nil:
		rec := &domain.CallRecord{
			CallID:   m.CallID,
			CallType: m.CallType,
			Caller:   m.Caller,
		}
		s = c.startIncomingLocked(rec)
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
		c.acceptIncomingOffer(s, desc)

	case s.direction == Incoming && s.pc == nil && s.matches(m.CallID) && !s.otherCaller(m.Caller):
		pending := s.adoptCallIDLocked(m.CallID)
		if s.record.Caller == nil && m.Caller != nil {
			s.record.Caller = m.Caller
		}
		if s.callType != m.CallType {
			s.log.Warn("offer call type differs from announcement", "announced", string(s.callType), "offer", string(m.CallType))
		}
		c.st.CurrentCall = s.record.Clone()
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
		if pending {
			_ = c.recordAnswer(context.Background(), s, m.CallID)
		}
		c.acceptIncomingOffer(s, desc)

	// Renegotiation always carries the call id.
	case s.direction == Incoming && s.status == domain.StatusAnswered && m.CallID != "" && s.sameCall(m.CallID, m.Caller):
		pc := s.pc
		c.mu.Unlock()
		c.renegotiate(s, pc, desc)

	case s.direction == Incoming && s.status != domain.StatusAnswered && s.sameCall(m.CallID, m.Caller):
		c.mu.Unlock()
		s.log.Debug("ignoring duplicate offer", "call_id", m.CallID)

	case s.direction == Outgoing && s.matches(m.CallID) && m.CallID != "":
		c.mu.Unlock()
		s.log.Warn("ignoring offer for own outgoing call", "call_id", m.CallID)

	default:
		c.mu.Unlock()
		c.declineBusy(m.CallID)
	}
}

func (c *Controller) acceptIncomingOffer(s *session, desc webrtc.SessionDescription) {
	pc, err := c.openPeer(s)
	if err != nil {
		_ = c.abort(s, err, "negotiation_error", true)
		return
	}
	if err := pc.AcceptOffer(desc); err != nil {
		_ = c.abort(s, &NegotiationError{Op: "accept_offer", Err: err}, "negotiation_error", true)
		return
	}

	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return
	}
	s.offerApplied = true
	ctx := s.ctx
	c.mu.Unlock()

	if err := c.completeAnswer(ctx, s); err != nil {
		s.log.Debug("answer after offer", "err", err)
	}
}

// renegotiate answers a new offer on an established call, such as an ICE
// restart. Failures are reported without ending the call.
func (c *Controller) renegotiate(s *session, pc PeerConn, desc webrtc.SessionDescription) {
	err := pc.AcceptOffer(desc)
	if err != nil {
		c.warn(&NegotiationError{Op: "accept_offer", Err: err})
		return
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		c.warn(&NegotiationError{Op: "create_answer", Err: err})
		return
	}
	c.sendForSession(s, func(callID string) signaling.Message {
		return signaling.NewAnswer(answer, callID)
	})
	pc.DescriptionSent()
	s.log.Info("renegotiated")
}

func (c *Controller) HandleAnswer(m signaling.Message) {
	if m.Answer == nil {
		return
	}
	desc, err := m.Answer.ToPion()
	if err != nil {
		c.log.Warn("dropping answer", "err", err)
		return
	}

	c.mu.Lock()
	s := c.sess
	if s == nil || s.direction != Outgoing || s.pc == nil || !s.matches(m.CallID) {
		c.mu.Unlock()
		c.log.Debug("ignoring answer without outgoing call", "call_id", m.CallID)
		return
	}
	pc := s.pc
	established := s.status == domain.StatusAnswered
	c.mu.Unlock()

	if err := pc.AcceptAnswer(desc); err != nil {
		if established {
			c.warn(&NegotiationError{Op: "accept_answer", Err: err})
			return
		}
		_ = c.abort(s, &NegotiationError{Op: "accept_answer", Err: err}, "negotiation_error", true)
		return
	}

	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return
	}
	if s.record.CallID == "" && m.CallID != "" {
		s.record.CallID = m.CallID
	}
	changed := c.markAnsweredLocked(s)
	var snap State
	if changed {
		snap = c.changedLocked()
	}
	c.mu.Unlock()
	if changed {
		c.publish(snap)
	}
}

func (c *Controller) HandleICECandidate(m signaling.Message) {
	if m.Candidate == nil {
		return
	}
	ci := m.Candidate.ToPion()

	c.mu.Lock()
	s := c.sess
	if s == nil || !s.matches(m.CallID) {
		c.mu.Unlock()
		return
	}
	if s.pc == nil {
		s.pendingCands = append(s.pendingCands, ci)
		c.mu.Unlock()
		return
	}
	pc := s.pc
	c.mu.Unlock()

	if err := pc.AddRemoteCandidate(ci); err != nil {
		s.log.Debug("add remote candidate", "err", err)
	}
}

func (c *Controller) HandleCallStatus(m signaling.Message) {
	c.mu.Lock()
	s := c.sess
	if s == nil || !s.matches(m.CallID) {
		c.mu.Unlock()
		return
	}

	switch {
	case m.Status.Terminal():
		reason := m.Reason
		if reason == "" {
			reason = "remote"
		}
		release := c.endLocked(s, m.Status, reason)
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
		release()

	case m.Status == domain.StatusAnswered:
		if s.direction != Outgoing || !c.markAnsweredLocked(s) {
			c.mu.Unlock()
			return
		}
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)

	default:
		if !s.status.CanTransition(m.Status) {
			c.mu.Unlock()
			return
		}
		s.status = m.Status
		s.record.Status = m.Status
		c.st.Status = m.Status
		c.st.CurrentCall = s.record.Clone()
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
	}
}

func (c *Controller) HandleCallQuality(m signaling.Message) {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return
	}
	c.st.RemoteQuality = m.ConnectionQuality
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) HandleToggleMedia(m signaling.Message) {
	c.mu.Lock()
	if c.sess == nil || m.Enabled == nil {
		c.mu.Unlock()
		return
	}
	switch m.MediaType {
	case domain.MediaAudio:
		c.st.RemoteAudioEnabled = *m.Enabled
	case domain.MediaVideo:
		c.st.RemoteVideoEnabled = *m.Enabled
	}
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) HandleCallState(m signaling.Message) {
	rec := m.Call
	if rec == nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	s := c.sess
	if s == nil {
		ringing := rec.Status == domain.StatusRinging || rec.Status == domain.StatusInitiated
		fromOther := rec.Caller != nil && rec.Caller.ID != c.cfg.Self.ID
		if !ringing || !fromOther || rec.CallType == "" {
			c.mu.Unlock()
			return
		}
		c.startIncomingLocked(rec.Clone())
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
		return
	}
	if !s.matches(rec.CallID) {
		c.mu.Unlock()
		return
	}

	pending := s.adoptCallIDLocked(rec.CallID)
	if s.record.Caller == nil && rec.Caller != nil {
		u := *rec.Caller
		s.record.Caller = &u
	}
	if s.record.Callee == nil && rec.Callee != nil {
		u := *rec.Callee
		s.record.Callee = &u
	}
	if len(s.record.Participants) == 0 && len(rec.Participants) > 0 {
		s.record.Participants = append([]int64(nil), rec.Participants...)
	}

	switch {
	case rec.Status.Terminal():
		// An answer the server never heard of is moot once the call is over.
		release := c.endLocked(s, rec.Status, "remote")
		snap := c.changedLocked()
		c.mu.Unlock()
		c.publish(snap)
		release()
		return
	case rec.Status == domain.StatusAnswered:
		if s.direction == Outgoing {
			c.markAnsweredLocked(s)
		}
	case rec.Status != "" && s.status.CanTransition(rec.Status):
		s.status = rec.Status
		s.record.Status = rec.Status
		c.st.Status = rec.Status
	}
	c.st.CurrentCall = s.record.Clone()
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
	if pending {
		_ = c.recordAnswer(context.Background(), s, rec.CallID)
	}
}

// declineBusy answers a call that arrives while another session is active.
func (c *Controller) declineBusy(callID string) {
	c.log.Info("declining call while busy", "call_id", callID)
	c.notifyPeer(context.Background(), callID, domain.StatusDeclined, "busy")
}

// Package call runs one-to-one WebRTC calls. A Controller owns at most one
// session at a time and drives it through signaling, the call record API,
// local media and the peer connection, publishing a State snapshot after
// every change.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/clock"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/config"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/metrics"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/quality"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/signaling"
)

const (
	DefaultDurationTick   = time.Second
	DefaultMaxFailures    = 3
	DefaultRecoveryWindow = 15 * time.Second
	DefaultSendTimeout    = 5 * time.Second
)

type Config struct {
	Self domain.User

	DurationTick    time.Duration
	QualityInterval time.Duration
	Thresholds      quality.Thresholds

	// MaxFailures is the number of failed connection states tolerated before
	// the call is ended. RecoveryWindow bounds how long a failed connection
	// may take to come back.
	MaxFailures    int
	RecoveryWindow time.Duration
	ICERestart     bool

	SendTimeout time.Duration
}

// ConfigFrom extracts the controller settings from the process config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Self: domain.User{
			ID:       cfg.SelfUserID,
			Name:     cfg.SelfName,
			Username: cfg.SelfUsername,
		},
		DurationTick:    cfg.DurationTick,
		QualityInterval: cfg.QualityInterval,
		Thresholds: quality.Thresholds{
			ExcellentBelow: cfg.QualityExcellentBelow,
			PoorAbove:      cfg.QualityPoorAbove,
		},
		MaxFailures:    cfg.MaxFailures,
		RecoveryWindow: cfg.RecoveryWindow,
		ICERestart:     cfg.ICERestart,
		SendTimeout:    cfg.SignalingWriteTimeout,
	}
}

type Deps struct {
	Media     MediaAcquirer
	Peers     PeerFactory
	Signaling Signaler
	Records   CallRecords
	// ICE defaults to an empty server list.
	ICE     ICEServerSource
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Controller struct {
	cfg     Config
	media   MediaAcquirer
	peers   PeerFactory
	sig     Signaler
	records CallRecords
	ice     ICEServerSource
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *slog.Logger

	// mu guards the state and the session. Nothing that touches pion, media
	// or the network runs while it is held.
	mu     sync.Mutex
	st     State
	sess   *session
	gen    uint64
	closed bool

	// deliverMu serializes observer callbacks so versions arrive in order.
	deliverMu sync.Mutex
	delivered uint64

	obsMu     sync.Mutex
	observers map[int]func(State)
	nextObs   int
}

func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Media == nil || deps.Peers == nil || deps.Signaling == nil || deps.Records == nil {
		return nil, errors.New("call: media, peers, signaling and records are required")
	}
	if cfg.DurationTick <= 0 {
		cfg.DurationTick = DefaultDurationTick
	}
	if cfg.QualityInterval <= 0 {
		cfg.QualityInterval = quality.DefaultInterval
	}
	if cfg.Thresholds == (quality.Thresholds{}) {
		cfg.Thresholds = quality.DefaultThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("call: %w", err)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	// A negative recovery window disables the deadline.
	if cfg.RecoveryWindow == 0 {
		cfg.RecoveryWindow = DefaultRecoveryWindow
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if deps.ICE == nil {
		deps.ICE = StaticICE(nil)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Controller{
		cfg:       cfg,
		media:     deps.Media,
		peers:     deps.Peers,
		sig:       deps.Signaling,
		records:   deps.Records,
		ice:       deps.ICE,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		st:        idleState(),
		observers: make(map[int]func(State)),
	}, nil
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.clone()
}

// OnStateChange registers fn for every later snapshot. fn runs synchronously
// on the goroutine that made the change and must not block.
func (c *Controller) OnStateChange(fn func(State)) (unsubscribe func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			delete(c.observers, id)
			c.obsMu.Unlock()
		})
	}
}

func (c *Controller) changedLocked() State {
	c.st.Version++
	return c.st.clone()
}

func (c *Controller) publish(snap State) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if snap.Version <= c.delivered {
		return
	}
	c.delivered = snap.Version

	c.obsMu.Lock()
	fns := make([]func(State), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// InitiateCall places a call to targetUserID. It returns once the offer is
// sent and the call record exists; the call becomes active when the callee
// answers.
func (c *Controller) InitiateCall(ctx context.Context, targetUserID int64, callType domain.CallType) error {
	if _, err := domain.ParseCallType(string(callType)); err != nil {
		return err
	}
	if targetUserID <= 0 {
		return fmt.Errorf("invalid target user id %d", targetUserID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sess != nil {
		c.mu.Unlock()
		return ErrSessionActive
	}
	now := c.clock.Now()
	self := c.cfg.Self
	rec := &domain.CallRecord{
		CallType:     callType,
		Status:       domain.StatusInitiated,
		InitiatedAt:  &now,
		Caller:       &self,
		Callee:       &domain.User{ID: targetUserID},
		Participants: []int64{self.ID, targetUserID},
	}
	s := c.newSessionLocked(Outgoing, rec)
	c.st.IsLoading = true
	snap := c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)
	c.metrics.CallStarted(string(Outgoing), string(callType))
	s.log.Info("initiating call", "target", targetUserID, "call_type", string(callType))

	stream, err := c.acquire(ctx, s)
	if err != nil {
		return c.abort(s, err, "media_error", false)
	}
	pc, err := c.openPeer(s)
	if err != nil {
		return c.abort(s, err, "negotiation_error", false)
	}
	if err := pc.AddTracks(stream.Tracks()); err != nil {
		return c.abort(s, &NegotiationError{Op: "add_tracks", Err: err}, "negotiation_error", false)
	}
	offer, err := pc.CreateOffer(false)
	if err != nil {
		return c.abort(s, &NegotiationError{Op: "create_offer", Err: err}, "negotiation_error", false)
	}

	sctx, done := c.bind(ctx, s)
	err = c.sig.Send(sctx, signaling.NewOffer(offer, callType, "", &self))
	done()
	if err != nil {
		return c.abort(s, err, "signaling_error", false)
	}
	pc.DescriptionSent()

	c.mu.Lock()
	if c.currentLocked(s) {
		s.negotiated = true
	}
	c.mu.Unlock()

	rctx, done := c.bind(ctx, s)
	created, err := c.records.Initiate(rctx, targetUserID, callType)
	done()
	if err != nil {
		if !c.isCurrent(s) {
			return ErrCallAborted
		}
		return c.abort(s, &RemoteRecordError{Op: "initiate", Err: err}, "remote_record", true)
	}

	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return ErrCallAborted
	}
	if created != nil && created.CallID != "" {
		s.record.CallID = created.CallID
		if created.Caller != nil {
			s.record.Caller = created.Caller
		}
		if created.Callee != nil {
			s.record.Callee = created.Callee
		}
		if len(created.Participants) > 0 {
			s.record.Participants = append([]int64(nil), created.Participants...)
		}
	} else if s.record.CallID == "" {
		s.record.CallID = uuid.NewString()
		s.localID = true
	}
	if s.status.CanTransition(domain.StatusRinging) {
		s.status = domain.StatusRinging
		s.record.Status = domain.StatusRinging
		c.st.Status = domain.StatusRinging
	}
	c.st.IsLoading = false
	c.st.CurrentCall = s.record.Clone()
	announce := s.record.Clone()
	localID := s.localID
	snap = c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)
	s.log.Info("call ringing", "call_id", announce.CallID, "local_id", localID)
	if !localID {
		c.sendForSession(s, func(string) signaling.Message { return signaling.NewCallState(announce) })
	}
	return nil
}

// AnswerCall accepts the pending incoming call. callID may be empty to answer
// whatever call is ringing.
func (c *Controller) AnswerCall(ctx context.Context, callID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	s := c.sess
	if s == nil || s.direction != Incoming || s.status != domain.StatusRinging || s.answering {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	if !s.matches(callID) {
		c.mu.Unlock()
		return ErrUnknownCall
	}
	s.answering = true
	id := s.record.CallID
	if id == "" {
		id = callID
	}
	s.recordAnswerPending = id == ""
	c.st.IsLoading = true
	c.st.Error = nil
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
	s.log.Info("answering call", "call_id", id)

	if id != "" {
		if err := c.recordAnswer(ctx, s, id); err != nil {
			return err
		}
	}

	if _, err := c.acquire(ctx, s); err != nil {
		if errors.Is(err, ErrCallAborted) {
			return err
		}
		return c.abort(s, err, "media_error", true)
	}
	return c.completeAnswer(ctx, s)
}

// recordAnswer tells the record API the call was answered. Failures are
// warnings; only a superseded session is reported to the caller.
func (c *Controller) recordAnswer(ctx context.Context, s *session, id string) error {
	rctx, done := c.bind(ctx, s)
	err := c.records.Answer(rctx, id)
	done()
	if err == nil {
		return nil
	}
	if !c.isCurrent(s) {
		return ErrCallAborted
	}
	s.log.Warn("record answer failed", "call_id", id, "err", err)
	c.warn(&RemoteRecordError{Op: "answer", Err: err})
	return nil
}

// completeAnswer sends the local answer once the user accepted, media is
// attached and the remote offer is applied. Whichever of AnswerCall and the
// offer handler gets there last does the work.
func (c *Controller) completeAnswer(ctx context.Context, s *session) error {
	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return ErrCallAborted
	}
	if !s.answering || s.negotiated || s.pc == nil || s.stream == nil || !s.offerApplied {
		c.mu.Unlock()
		return nil
	}
	s.negotiated = true
	pc, stream := s.pc, s.stream
	c.mu.Unlock()

	if err := pc.AddTracks(stream.Tracks()); err != nil {
		return c.abort(s, &NegotiationError{Op: "add_tracks", Err: err}, "negotiation_error", true)
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		return c.abort(s, &NegotiationError{Op: "create_answer", Err: err}, "negotiation_error", true)
	}

	c.mu.Lock()
	callID := s.record.CallID
	c.mu.Unlock()

	sctx, done := c.bind(ctx, s)
	err = c.sig.Send(sctx, signaling.NewAnswer(answer, callID))
	done()
	if err != nil {
		return c.abort(s, err, "signaling_error", true)
	}
	pc.DescriptionSent()

	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return ErrCallAborted
	}
	c.markAnsweredLocked(s)
	c.st.IsLoading = false
	snap := c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)
	c.sendForSession(s, func(id string) signaling.Message {
		return signaling.NewCallStatus(domain.StatusAnswered, id, "")
	})
	return nil
}

// RejectCall declines the ringing incoming call.
func (c *Controller) RejectCall(ctx context.Context, callID string) error {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.direction != Incoming || s.status != domain.StatusRinging {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	if !s.matches(callID) {
		c.mu.Unlock()
		return ErrUnknownCall
	}
	id := s.record.CallID
	if id == "" {
		id = callID
	}
	release := c.endLocked(s, domain.StatusRejected, "local")
	snap := c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)
	release()
	c.notifyPeer(ctx, id, domain.StatusRejected, "")

	if id == "" {
		return nil
	}
	if err := c.records.Reject(ctx, id, ""); err != nil {
		rerr := &RemoteRecordError{Op: "reject", Err: err}
		c.log.Warn("record reject failed", "call_id", id, "err", err)
		c.warn(rerr)
		return rerr
	}
	return nil
}

// EndCall hangs up. It always releases local resources first; a failure to
// update the call record is returned afterwards. Without a session it does
// nothing.
func (c *Controller) EndCall(ctx context.Context, callID string) error {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	if !s.matches(callID) {
		c.mu.Unlock()
		return ErrUnknownCall
	}
	id := s.record.CallID
	skipRecord := s.localID || id == ""
	release := c.endLocked(s, domain.StatusEnded, "local")
	snap := c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)
	release()
	c.notifyPeer(ctx, id, domain.StatusEnded, "")

	if skipRecord {
		return nil
	}
	if err := c.records.End(ctx, id); err != nil {
		rerr := &RemoteRecordError{Op: "end", Err: err}
		c.log.Warn("record end failed", "call_id", id, "err", err)
		c.warn(rerr)
		return rerr
	}
	return nil
}

// ToggleMute flips the local audio track and reports whether audio is now
// muted. Without local media it does nothing.
func (c *Controller) ToggleMute() bool {
	muted, _ := c.toggle(domain.MediaAudio)
	return muted
}

// ToggleVideo flips the local video track and reports whether video is now
// enabled. Audio-only calls are left alone.
func (c *Controller) ToggleVideo() bool {
	_, video := c.toggle(domain.MediaVideo)
	return video
}

func (c *Controller) toggle(kind domain.MediaKind) (muted, video bool) {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.stream == nil || (kind == domain.MediaVideo && !s.stream.HasVideo()) {
		muted, video = c.st.IsMuted, c.st.IsVideoEnabled
		c.mu.Unlock()
		return muted, video
	}
	stream := s.stream
	c.mu.Unlock()

	enabled := !stream.Enabled(kind)
	stream.SetEnabled(kind, enabled)

	c.mu.Lock()
	if !c.currentLocked(s) {
		c.mu.Unlock()
		return !enabled && kind == domain.MediaAudio, enabled && kind == domain.MediaVideo
	}
	switch kind {
	case domain.MediaAudio:
		c.st.IsMuted = !enabled
	case domain.MediaVideo:
		c.st.IsVideoEnabled = enabled
	}
	muted, video = c.st.IsMuted, c.st.IsVideoEnabled
	snap := c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)
	s.log.Debug("toggled local media", "kind", string(kind), "enabled", enabled)
	c.sendForSession(s, func(string) signaling.Message {
		return signaling.NewToggleMedia(kind, enabled)
	})
	return muted, video
}

// UpdateCallQuality forwards a quality report to the remote peer. It does
// not change local state.
func (c *Controller) UpdateCallQuality(ctx context.Context, q domain.Quality, info domain.NetworkInfo) error {
	if _, err := domain.ParseQuality(string(q)); err != nil {
		return err
	}
	return c.sig.Send(ctx, signaling.NewCallQuality(q, info))
}

// DismissError clears the error shown in State.
func (c *Controller) DismissError() {
	c.mu.Lock()
	if c.st.Error == nil {
		c.mu.Unlock()
		return
	}
	c.st.Error = nil
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// Close tears down any session without touching the call record API. Later
// operations return ErrClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	id := s.record.CallID
	release := c.endLocked(s, domain.StatusEnded, "closed")
	snap := c.changedLocked()
	c.mu.Unlock()

	c.publish(snap)
	release()
	c.notifyPeer(context.Background(), id, domain.StatusEnded, "")
	return nil
}

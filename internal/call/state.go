package call

import (
	"time"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// State is an immutable snapshot of the controller. Version increases with
// every change; Generation identifies the session it describes.
type State struct {
	Status         domain.CallStatus  `json:"status"`
	IsCallActive   bool               `json:"is_call_active"`
	IsIncomingCall bool               `json:"is_incoming_call"`
	IsOutgoingCall bool               `json:"is_outgoing_call"`
	CurrentCall    *domain.CallRecord `json:"current_call,omitempty"`

	HasLocalStream  bool   `json:"has_local_stream"`
	HasRemoteStream bool   `json:"has_remote_stream"`
	RemoteStreamID  string `json:"remote_stream_id,omitempty"`

	IsMuted            bool `json:"is_muted"`
	IsVideoEnabled     bool `json:"is_video_enabled"`
	RemoteAudioEnabled bool `json:"remote_audio_enabled"`
	RemoteVideoEnabled bool `json:"remote_video_enabled"`

	ConnectionQuality domain.Quality      `json:"connection_quality"`
	NetworkInfo       *domain.NetworkInfo `json:"network_info,omitempty"`
	RemoteQuality     domain.Quality      `json:"remote_quality"`

	// Duration counts duration ticks since the call was answered.
	Duration  int        `json:"duration"`
	IsLoading bool       `json:"is_loading"`
	Error     *ErrorInfo `json:"error,omitempty"`

	LastCall *CallSummary `json:"last_call,omitempty"`

	Generation uint64 `json:"generation"`
	Version    uint64 `json:"version"`
}

// CallSummary describes the most recently terminated session.
type CallSummary struct {
	CallID    string            `json:"call_id,omitempty"`
	CallType  domain.CallType   `json:"call_type"`
	Direction Direction         `json:"direction"`
	Status    domain.CallStatus `json:"status"`
	Reason    string            `json:"reason"`
	Duration  int               `json:"duration"`
	EndedAt   time.Time         `json:"ended_at"`
}

func idleState() State {
	return State{
		Status:            domain.StatusIdle,
		ConnectionQuality: domain.QualityUnknown,
		RemoteQuality:     domain.QualityUnknown,
	}
}

func (s State) clone() State {
	out := s
	out.CurrentCall = s.CurrentCall.Clone()
	if s.NetworkInfo != nil {
		ni := *s.NetworkInfo
		out.NetworkInfo = &ni
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.LastCall != nil {
		lc := *s.LastCall
		out.LastCall = &lc
	}
	return out
}

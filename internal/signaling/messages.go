package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
)

type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice_candidate"
	TypeCallStatus   MessageType = "call_status"
	TypeCallQuality  MessageType = "call_quality"
	TypeToggleMedia  MessageType = "toggle_media"
	TypeCallState    MessageType = "call_state"
	TypeIncomingCall MessageType = "incoming_call"

	// Server-originated shorthands for a call_status change. Dispatch folds them
	// into call_status.
	TypeCallAnswered MessageType = "call_answered"
	TypeCallRejected MessageType = "call_rejected"
	TypeCallEnded    MessageType = "call_ended"
)

// Error reports a malformed or unexpected inbound message, or a failed send.
type Error struct {
	Op   string
	Type MessageType
	Err  error
}

func (e *Error) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("signaling %s %s: %v", e.Op, e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) *SDP {
	return &SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate uses the browser's RTCIceCandidateInit field names.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(ci webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the union of every signaling variant. Only the fields relevant
// to Type are set.
type Message struct {
	Type MessageType `json:"type"`

	Offer    *SDP            `json:"offer,omitempty"`
	Answer   *SDP            `json:"answer,omitempty"`
	CallType domain.CallType `json:"call_type,omitempty"`
	CallID   string          `json:"call_id,omitempty"`
	Caller   *domain.User    `json:"caller,omitempty"`

	Candidate *Candidate `json:"candidate,omitempty"`

	Status domain.CallStatus `json:"status,omitempty"`
	Reason string            `json:"reason,omitempty"`

	ConnectionQuality domain.Quality     `json:"connection_quality,omitempty"`
	NetworkInfo       *domain.NetworkInfo `json:"network_info,omitempty"`

	MediaType domain.MediaKind `json:"media_type,omitempty"`
	Enabled   *bool            `json:"enabled,omitempty"`

	Call *domain.CallRecord `json:"call,omitempty"`

	CallerID   int64  `json:"caller_id,omitempty"`
	CallerName string `json:"caller_name,omitempty"`
}

func NewOffer(desc webrtc.SessionDescription, callType domain.CallType, callID string, caller *domain.User) Message {
	return Message{Type: TypeOffer, Offer: SDPFromPion(desc), CallType: callType, CallID: callID, Caller: caller}
}

func NewAnswer(desc webrtc.SessionDescription, callID string) Message {
	return Message{Type: TypeAnswer, Answer: SDPFromPion(desc), CallID: callID}
}

func NewICECandidate(ci webrtc.ICECandidateInit, callID string) Message {
	return Message{Type: TypeICECandidate, Candidate: CandidateFromPion(ci), CallID: callID}
}

func NewCallStatus(status domain.CallStatus, callID, reason string) Message {
	return Message{Type: TypeCallStatus, Status: status, CallID: callID, Reason: reason}
}

func NewCallQuality(q domain.Quality, info domain.NetworkInfo) Message {
	return Message{Type: TypeCallQuality, ConnectionQuality: q, NetworkInfo: &info}
}

func NewToggleMedia(kind domain.MediaKind, enabled bool) Message {
	return Message{Type: TypeToggleMedia, MediaType: kind, Enabled: &enabled}
}

func NewCallState(rec *domain.CallRecord) Message {
	return Message{Type: TypeCallState, Call: rec.Clone()}
}

// Parse decodes and validates one inbound message. Unknown fields are
// ignored; the relay server adds routing metadata of its own.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &Error{Op: "parse", Err: err}
	}
	if err := m.normalize(); err != nil {
		return Message{}, &Error{Op: "parse", Type: m.Type, Err: err}
	}
	return m, nil
}

// Validate checks an outbound message before it is encoded.
func (m Message) Validate() error {
	return m.normalize()
}

// normalize validates m in place, canonicalising enum fields.
func (m *Message) normalize() error {
	var err error
	switch m.Type {
	case TypeOffer:
		if err := checkSDP(m.Offer, "offer"); err != nil {
			return err
		}
		if m.CallType, err = domain.ParseCallType(string(m.CallType)); err != nil {
			return err
		}
	case TypeAnswer:
		if err := checkSDP(m.Answer, "answer"); err != nil {
			return err
		}
	case TypeICECandidate:
		// An empty candidate string is the end-of-candidates marker.
		if m.Candidate == nil {
			return errors.New("missing candidate")
		}
	case TypeCallStatus:
		if m.Status, err = domain.ParseCallStatus(string(m.Status)); err != nil {
			return err
		}
	case TypeCallQuality:
		if m.ConnectionQuality, err = domain.ParseQuality(string(m.ConnectionQuality)); err != nil {
			return err
		}
	case TypeToggleMedia:
		if m.MediaType, err = domain.ParseMediaKind(string(m.MediaType)); err != nil {
			return err
		}
		if m.Enabled == nil {
			return errors.New("missing enabled")
		}
	case TypeCallState:
		if m.Call == nil || strings.TrimSpace(m.Call.CallID) == "" {
			return errors.New("missing call")
		}
		if m.Call.CallType != "" {
			if m.Call.CallType, err = domain.ParseCallType(string(m.Call.CallType)); err != nil {
				return err
			}
		}
		if m.Call.Status != "" {
			if m.Call.Status, err = domain.ParseCallStatus(string(m.Call.Status)); err != nil {
				return err
			}
		}
	case TypeIncomingCall:
		if strings.TrimSpace(m.CallID) == "" {
			return errors.New("missing call_id")
		}
		if m.CallType, err = domain.ParseCallType(string(m.CallType)); err != nil {
			return err
		}
	case TypeCallAnswered, TypeCallRejected, TypeCallEnded:
		if strings.TrimSpace(m.CallID) == "" {
			return errors.New("missing call_id")
		}
	case "":
		return errors.New("missing type")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func checkSDP(s *SDP, want string) error {
	if s == nil {
		return fmt.Errorf("missing %s", want)
	}
	if s.Type != want {
		return fmt.Errorf("%s has sdp type %q", want, s.Type)
	}
	if s.SDP == "" {
		return fmt.Errorf("%s has empty sdp", want)
	}
	return nil
}

// statusShorthand maps the server shorthands onto the status they announce.
func statusShorthand(t MessageType) (domain.CallStatus, bool) {
	switch t {
	case TypeCallAnswered:
		return domain.StatusAnswered, true
	case TypeCallRejected:
		return domain.StatusRejected, true
	case TypeCallEnded:
		return domain.StatusEnded, true
	default:
		return "", false
	}
}

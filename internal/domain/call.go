package domain

import (
	"fmt"
	"strings"
	"time"
)

// CallType is fixed for the lifetime of a call.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func ParseCallType(raw string) (CallType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(CallTypeAudio):
		return CallTypeAudio, nil
	case string(CallTypeVideo):
		return CallTypeVideo, nil
	default:
		return "", fmt.Errorf("invalid call type %q (expected audio or video)", raw)
	}
}

func (t CallType) HasVideo() bool {
	return t == CallTypeVideo
}

// CallStatus is the lifecycle status of a call. StatusIdle is only ever
// reported by the controller when there is no session.
type CallStatus string

const (
	StatusIdle      CallStatus = "idle"
	StatusInitiated CallStatus = "initiated"
	StatusRinging   CallStatus = "ringing"
	StatusAnswered  CallStatus = "answered"
	StatusEnded     CallStatus = "ended"
	StatusRejected  CallStatus = "rejected"
	StatusDeclined  CallStatus = "declined"
)

func ParseCallStatus(raw string) (CallStatus, error) {
	s := CallStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusInitiated, StatusRinging, StatusAnswered, StatusEnded, StatusRejected, StatusDeclined:
		return s, nil
	default:
		return "", fmt.Errorf("invalid call status %q", raw)
	}
}

func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusDeclined:
		return true
	default:
		return false
	}
}

// rank orders statuses so transitions can be checked for monotonicity.
// Terminal statuses share the highest rank.
func (s CallStatus) rank() int {
	switch s {
	case StatusIdle:
		return 0
	case StatusInitiated:
		return 1
	case StatusRinging:
		return 2
	case StatusAnswered:
		return 3
	case StatusEnded, StatusRejected, StatusDeclined:
		return 4
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next keeps the status
// monotonic. A terminal status never transitions again.
func (s CallStatus) CanTransition(next CallStatus) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// User identifies a call participant.
type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
}

// CallRecord mirrors the call entity kept by the REST collaborator and
// carried in call_state signals.
type CallRecord struct {
	CallID       string     `json:"call_id"`
	CallType     CallType   `json:"call_type"`
	Status       CallStatus `json:"status"`
	InitiatedAt  *time.Time `json:"initiated_at,omitempty"`
	AnsweredAt   *time.Time `json:"answered_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Caller       *User      `json:"caller,omitempty"`
	Callee       *User      `json:"callee,omitempty"`
	Participants []int64    `json:"participants,omitempty"`
}

// Clone returns a deep copy so snapshots handed to observers never alias
// controller state.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.InitiatedAt = cloneTime(r.InitiatedAt)
	out.AnsweredAt = cloneTime(r.AnsweredAt)
	out.EndedAt = cloneTime(r.EndedAt)
	if r.Caller != nil {
		c := *r.Caller
		out.Caller = &c
	}
	if r.Callee != nil {
		c := *r.Callee
		out.Callee = &c
	}
	if r.Participants != nil {
		out.Participants = append([]int64(nil), r.Participants...)
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

package call

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/callapi"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/media"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/signaling"
)

var (
	ErrSessionActive  = errors.New("a call is already in progress")
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrCallAborted    = errors.New("call ended while the operation was in flight")
	ErrUnknownCall    = errors.New("call id does not match the current call")
	ErrClosed         = errors.New("call controller closed")
)

// PeerConnectionFailure reports an ICE or DTLS failure. It is recoverable
// until the failure policy gives up on the session.
type PeerConnectionFailure struct {
	State    webrtc.PeerConnectionState
	Failures int
}

func (e *PeerConnectionFailure) Error() string {
	return fmt.Sprintf("peer connection %s (failure %d)", e.State, e.Failures)
}

// RemoteRecordError is a failed call to the call record API.
type RemoteRecordError struct {
	Op  string
	Err error
}

func (e *RemoteRecordError) Error() string {
	return fmt.Sprintf("call record %s: %v", e.Op, e.Err)
}

func (e *RemoteRecordError) Unwrap() error { return e.Err }

// NegotiationError is a failure to create or apply a session description.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

type ErrorKind string

const (
	KindMediaAccess    ErrorKind = "media_access"
	KindSignaling      ErrorKind = "signaling"
	KindPeerConnection ErrorKind = "peer_connection"
	KindRemoteRecord   ErrorKind = "remote_record"
	KindNegotiation    ErrorKind = "negotiation"
	KindInternal       ErrorKind = "internal"
)

// ErrorInfo is the classified error exposed in State.
type ErrorInfo struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// Classify maps an error onto the kind shown to the user.
func Classify(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: KindInternal, Message: err.Error()}

	var (
		accessErr *media.AccessError
		peerErr   *PeerConnectionFailure
		recordErr *RemoteRecordError
		negErr    *NegotiationError
		sigErr    *signaling.Error
	)
	switch {
	case errors.As(err, &accessErr):
		info.Kind = KindMediaAccess
		info.Recoverable = true
	case errors.As(err, &peerErr):
		info.Kind = KindPeerConnection
		info.Recoverable = true
	case errors.As(err, &recordErr):
		info.Kind = KindRemoteRecord
		info.Recoverable = !errors.Is(err, callapi.ErrUnauthorized)
	case errors.As(err, &negErr):
		info.Kind = KindNegotiation
	case errors.As(err, &sigErr):
		info.Kind = KindSignaling
	}
	return info
}

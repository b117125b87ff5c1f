package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/metrics"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/ratelimit"
)

var (
	ErrNotConnected    = errors.New("signaling transport not connected")
	ErrRateLimited     = errors.New("inbound signaling rate limit exceeded")
	ErrMessageTooLarge = errors.New("signaling message too large")
)

// Transport delivers one encoded message to the peer's signaling channel.
type Transport interface {
	Send(ctx context.Context, data []byte) error
}

// Handler receives validated inbound messages, one method per variant.
// call_answered, call_rejected and call_ended arrive as HandleCallStatus.
type Handler interface {
	HandleOffer(Message)
	HandleAnswer(Message)
	HandleICECandidate(Message)
	HandleCallStatus(Message)
	HandleCallQuality(Message)
	HandleToggleMedia(Message)
	HandleCallState(Message)
	HandleIncomingCall(Message)
}

type BridgeConfig struct {
	// MaxMessagesPerSecond bounds inbound dispatch; <= 0 disables the limit.
	MaxMessagesPerSecond int
	// MaxMessageBytes bounds a single inbound message; <= 0 disables the check.
	MaxMessageBytes int64
	Clock           ratelimit.Clock
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type Bridge struct {
	transport Transport
	limiter   *ratelimit.TokenBucket
	maxBytes  int64
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func NewBridge(t Transport, cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		transport: t,
		limiter:   ratelimit.NewPerSecond(cfg.Clock, cfg.MaxMessagesPerSecond),
		maxBytes:  cfg.MaxMessageBytes,
		metrics:   cfg.Metrics,
		log:       logger,
	}
}

// Send validates, encodes and writes m. There is no retry or buffering; a
// transport failure is returned as *Error.
func (b *Bridge) Send(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return &Error{Op: "send", Type: m.Type, Err: err}
	}
	if b.transport == nil {
		return &Error{Op: "send", Type: m.Type, Err: ErrNotConnected}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return &Error{Op: "send", Type: m.Type, Err: err}
	}
	if err := b.transport.Send(ctx, data); err != nil {
		return &Error{Op: "send", Type: m.Type, Err: err}
	}
	b.metrics.SignalingMessage("out", string(m.Type))
	return nil
}

// Dispatch parses data and invokes the matching Handler method. Dropped and
// malformed messages are logged and counted; the returned error is for
// callers that want to observe them.
func (b *Bridge) Dispatch(data []byte, h Handler) error {
	if !b.limiter.Allow(1) {
		b.metrics.SignalingDropped(metrics.DropReasonRateLimited)
		b.log.Warn("dropping inbound signaling message", "reason", metrics.DropReasonRateLimited)
		return &Error{Op: "dispatch", Err: ErrRateLimited}
	}
	if b.maxBytes > 0 && int64(len(data)) > b.maxBytes {
		b.metrics.SignalingDropped(metrics.DropReasonMalformed)
		b.log.Warn("dropping inbound signaling message", "reason", "too_large", "bytes", len(data))
		return &Error{Op: "dispatch", Err: ErrMessageTooLarge}
	}

	m, err := Parse(data)
	if err != nil {
		b.metrics.SignalingDropped(metrics.DropReasonMalformed)
		b.log.Warn("ignoring malformed signaling message", "err", err)
		return err
	}
	b.metrics.SignalingMessage("in", string(m.Type))

	if status, ok := statusShorthand(m.Type); ok {
		m.Type = TypeCallStatus
		m.Status = status
	}

	switch m.Type {
	case TypeOffer:
		h.HandleOffer(m)
	case TypeAnswer:
		h.HandleAnswer(m)
	case TypeICECandidate:
		h.HandleICECandidate(m)
	case TypeCallStatus:
		h.HandleCallStatus(m)
	case TypeCallQuality:
		h.HandleCallQuality(m)
	case TypeToggleMedia:
		h.HandleToggleMedia(m)
	case TypeCallState:
		h.HandleCallState(m)
	case TypeIncomingCall:
		h.HandleIncomingCall(m)
	default:
		// Parse rejects every other type.
		return &Error{Op: "dispatch", Type: m.Type, Err: fmt.Errorf("no handler")}
	}
	return nil
}

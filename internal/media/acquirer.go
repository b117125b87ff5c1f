// Package media acquires local capture sources and exposes them as a
// controllable stream of pion sample tracks.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
)

var (
	ErrNoDevice         = errors.New("no capture device")
	ErrPermissionDenied = errors.New("capture permission denied")
)

// AccessError reports that a capture device could not be opened. It is a
// user-actionable failure and is never retried.
type AccessError struct {
	Kind domain.MediaKind
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("media access (%s): %v", e.Kind, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// VideoConstraints is the requested capture resolution.
type VideoConstraints struct {
	Width  int
	Height int
}

// BaselineVideo is the fixed resolution requested for video calls.
var BaselineVideo = VideoConstraints{Width: 640, Height: 480}

// Source yields encoded media samples in presentation order. NextSample
// returns io.EOF once the source is exhausted.
type Source interface {
	Codec() webrtc.RTPCodecCapability
	NextSample() (pionmedia.Sample, error)
	Close() error
}

// Devices opens capture sources.
type Devices interface {
	OpenAudio(ctx context.Context) (Source, error)
	OpenVideo(ctx context.Context, c VideoConstraints) (Source, error)
}

type Acquirer struct {
	devices Devices
	video   VideoConstraints
	log     *slog.Logger
}

func NewAcquirer(devices Devices, video VideoConstraints, logger *slog.Logger) *Acquirer {
	if logger == nil {
		logger = slog.Default()
	}
	if video.Width <= 0 || video.Height <= 0 {
		video = BaselineVideo
	}
	return &Acquirer{devices: devices, video: video, log: logger}
}

// Acquire opens audio, plus video for video calls, and starts pumping samples.
// On any failure every source already opened is closed and an *AccessError is
// returned.
func (a *Acquirer) Acquire(ctx context.Context, callType domain.CallType) (*Stream, error) {
	if a.devices == nil {
		return nil, &AccessError{Kind: domain.MediaAudio, Err: ErrNoDevice}
	}

	audio, err := a.devices.OpenAudio(ctx)
	if err != nil {
		return nil, asAccessError(domain.MediaAudio, err)
	}

	var video Source
	if callType.HasVideo() {
		video, err = a.devices.OpenVideo(ctx, a.video)
		if err != nil {
			_ = audio.Close()
			return nil, asAccessError(domain.MediaVideo, err)
		}
	}

	if err := ctx.Err(); err != nil {
		_ = audio.Close()
		if video != nil {
			_ = video.Close()
		}
		return nil, err
	}

	stream, err := newStream(audio, video, a.log)
	if err != nil {
		return nil, err
	}
	a.log.Debug("local media acquired", "stream_id", stream.ID(), "call_type", callType)
	return stream, nil
}

func asAccessError(kind domain.MediaKind, err error) error {
	var ae *AccessError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &AccessError{Kind: kind, Err: err}
}

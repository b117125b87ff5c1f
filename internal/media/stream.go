package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
)

// Stream is a live local capture handle. It owns its sources and must be
// stopped exactly once; Stop is idempotent.
type Stream struct {
	id     string
	tracks map[domain.MediaKind]*Track

	stopOnce sync.Once
	stopped  atomic.Bool
}

func newStream(audio, video Source, logger *slog.Logger) (*Stream, error) {
	s := &Stream{
		id:     uuid.NewString(),
		tracks: make(map[domain.MediaKind]*Track, 2),
	}

	sources := []struct {
		kind domain.MediaKind
		src  Source
	}{{domain.MediaAudio, audio}, {domain.MediaVideo, video}}

	for _, e := range sources {
		if e.src == nil {
			continue
		}
		t, err := newTrack(e.kind, e.src, s.id, logger)
		if err != nil {
			for _, tr := range s.tracks {
				tr.stop()
			}
			for _, rest := range sources {
				if rest.src != nil && s.tracks[rest.kind] == nil {
					_ = rest.src.Close()
				}
			}
			return nil, err
		}
		s.tracks[e.kind] = t
	}
	for _, t := range s.tracks {
		go t.pump()
	}
	return s, nil
}

func (s *Stream) ID() string { return s.id }

// Tracks returns the pion tracks in a stable order: audio first.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, k := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		if t := s.tracks[k]; t != nil {
			out = append(out, t.local)
		}
	}
	return out
}

func (s *Stream) Track(kind domain.MediaKind) *Track {
	return s.tracks[kind]
}

func (s *Stream) HasVideo() bool {
	return s.tracks[domain.MediaVideo] != nil
}

// Enabled reports the kind's enabled flag; a missing track reads as false.
func (s *Stream) Enabled(kind domain.MediaKind) bool {
	t := s.tracks[kind]
	return t != nil && t.Enabled()
}

// SetEnabled flips the kind's enabled flag and reports whether such a track
// exists.
func (s *Stream) SetEnabled(kind domain.MediaKind, enabled bool) bool {
	t := s.tracks[kind]
	if t == nil {
		return false
	}
	t.SetEnabled(enabled)
	return true
}

func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		for _, t := range s.tracks {
			t.stop()
		}
	})
}

func (s *Stream) Stopped() bool { return s.stopped.Load() }

// Track pumps one source into a pion sample track. Samples are dropped while
// the track is disabled so the source keeps its pace.
type Track struct {
	kind    domain.MediaKind
	local   *webrtc.TrackLocalStaticSample
	src     Source
	log     *slog.Logger
	enabled atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
}

func newTrack(kind domain.MediaKind, src Source, streamID string, logger *slog.Logger) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(src.Codec(), fmt.Sprintf("%s-%s", kind, streamID), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &Track{
		kind:  kind,
		local: local,
		src:   src,
		log:   logger,
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Kind() domain.MediaKind { return t.kind }

func (t *Track) Local() *webrtc.TrackLocalStaticSample { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

func (t *Track) stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		_ = t.src.Close()
	})
}

func (t *Track) pump() {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		select {
		case <-t.done:
			return
		default:
		}

		sample, err := t.src.NextSample()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, ErrSourceClosed) {
				t.log.Warn("local media source failed", "kind", t.kind, "err", err)
			}
			return
		}
		if t.enabled.Load() {
			if err := t.local.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				t.log.Debug("write local sample failed", "kind", t.kind, "err", err)
			}
		}

		wait := sample.Duration
		if wait <= 0 {
			continue
		}
		timer.Reset(wait)
		select {
		case <-t.done:
			return
		case <-timer.C:
		}
	}
}

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

var ErrSourceClosed = errors.New("media source closed")

const (
	opusClockRate  = 48000
	videoClockRate = 90000
	opusFrame      = 20 * time.Millisecond
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2}

// FileDevices plays pre-encoded files as capture devices: Ogg/Opus for the
// microphone and IVF (VP8, VP9 or AV1) for the camera. Without an audio file
// it captures Opus silence; without a video file there is no camera.
type FileDevices struct {
	AudioPath string
	VideoPath string
	// Loop restarts a file from the beginning when it is exhausted.
	Loop bool
}

func (d FileDevices) OpenAudio(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.AudioPath == "" {
		return NewSilenceSource(), nil
	}
	return openFileSource(d.AudioPath, d.Loop, newOggDecoder)
}

func (d FileDevices) OpenVideo(ctx context.Context, c VideoConstraints) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.VideoPath == "" {
		return nil, ErrNoDevice
	}
	return openFileSource(d.VideoPath, d.Loop, newIVFDecoder)
}

// SilenceSource produces 20ms Opus silence frames forever.
type SilenceSource struct {
	mu     sync.Mutex
	closed bool
}

func NewSilenceSource() *SilenceSource { return &SilenceSource{} }

func (s *SilenceSource) Codec() webrtc.RTPCodecCapability { return opusCodec }

func (s *SilenceSource) NextSample() (pionmedia.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pionmedia.Sample{}, ErrSourceClosed
	}
	return pionmedia.Sample{Data: append([]byte(nil), opusSilence...), Duration: opusFrame}, nil
}

func (s *SilenceSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// decoder reads samples from one pass over a container.
type decoder interface {
	codec() webrtc.RTPCodecCapability
	next() (pionmedia.Sample, error)
}

type decoderFactory func(r io.Reader) (decoder, error)

type fileSource struct {
	mu      sync.Mutex
	f       *os.File
	loop    bool
	factory decoderFactory
	dec     decoder
	closed  bool
}

func openFileSource(path string, loop bool, factory decoderFactory) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDevice, path)
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, err
	}
	dec, err := factory(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &fileSource{f: f, loop: loop, factory: factory, dec: dec}, nil
}

func (s *fileSource) Codec() webrtc.RTPCodecCapability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec.codec()
}

func (s *fileSource) NextSample() (pionmedia.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pionmedia.Sample{}, ErrSourceClosed
	}
	sample, err := s.dec.next()
	if !errors.Is(err, io.EOF) || !s.loop {
		return sample, err
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return pionmedia.Sample{}, err
	}
	dec, err := s.factory(s.f)
	if err != nil {
		return pionmedia.Sample{}, err
	}
	s.dec = dec
	return s.dec.next()
}

func (s *fileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

type oggDecoder struct {
	r           *oggreader.OggReader
	lastGranule uint64
}

func newOggDecoder(r io.Reader) (decoder, error) {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return nil, err
	}
	return &oggDecoder{r: ogg}, nil
}

func (d *oggDecoder) codec() webrtc.RTPCodecCapability { return opusCodec }

func (d *oggDecoder) next() (pionmedia.Sample, error) {
	page, header, err := d.r.ParseNextPage()
	if err != nil {
		return pionmedia.Sample{}, err
	}
	var samples uint64
	if header.GranulePosition > d.lastGranule {
		samples = header.GranulePosition - d.lastGranule
	}
	d.lastGranule = header.GranulePosition
	return pionmedia.Sample{
		Data:     page,
		Duration: time.Duration(samples) * time.Second / opusClockRate,
	}, nil
}

type ivfDecoder struct {
	r     *ivfreader.IVFReader
	cap   webrtc.RTPCodecCapability
	frame time.Duration
}

func newIVFDecoder(r io.Reader) (decoder, error) {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return nil, err
	}
	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		return nil, fmt.Errorf("unsupported ivf fourcc %q", header.FourCC)
	}
	frame := 33 * time.Millisecond
	if header.TimebaseDenominator != 0 {
		frame = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}
	return &ivfDecoder{
		r:     ivf,
		cap:   webrtc.RTPCodecCapability{MimeType: mime, ClockRate: videoClockRate},
		frame: frame,
	}, nil
}

func (d *ivfDecoder) codec() webrtc.RTPCodecCapability { return d.cap }

func (d *ivfDecoder) next() (pionmedia.Sample, error) {
	frame, _, err := d.r.ParseNextFrame()
	if err != nil {
		return pionmedia.Sample{}, err
	}
	return pionmedia.Sample{Data: frame, Duration: d.frame}, nil
}

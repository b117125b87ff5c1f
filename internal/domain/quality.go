package domain

import (
	"fmt"
	"strings"
)

// Quality is a coarse connection quality label.
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
)

func ParseQuality(raw string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(raw)))
	switch q {
	case QualityUnknown, QualityExcellent, QualityGood, QualityPoor:
		return q, nil
	default:
		return "", fmt.Errorf("invalid connection quality %q", raw)
	}
}

// Score maps a label onto a gauge value (0 unknown .. 3 excellent).
func (q Quality) Score() float64 {
	switch q {
	case QualityExcellent:
		return 3
	case QualityGood:
		return 2
	case QualityPoor:
		return 1
	default:
		return 0
	}
}

// NetworkInfo is the raw counter payload of a call_quality report.
type NetworkInfo struct {
	BytesReceived   uint64  `json:"bytes_received"`
	BytesSent       uint64  `json:"bytes_sent"`
	PacketsLost     int64   `json:"packets_lost"`
	PacketsReceived uint64  `json:"packets_received,omitempty"`
	LossRate        float64 `json:"loss_rate"`
}

// MediaKind names a local media track kind as used by toggle_media.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func ParseMediaKind(raw string) (MediaKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MediaAudio):
		return MediaAudio, nil
	case string(MediaVideo):
		return MediaVideo, nil
	default:
		return "", fmt.Errorf("invalid media type %q (expected audio or video)", raw)
	}
}

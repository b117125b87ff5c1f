// Package quality derives a coarse connection quality label from transport
// statistics and samples it periodically while a call is connected.
package quality

import (
	"fmt"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
)

const (
	DefaultExcellentBelow = 0.01
	DefaultPoorAbove      = 0.05
)

// Thresholds are loss ratios: a ratio strictly below ExcellentBelow is
// excellent, strictly above PoorAbove is poor, anything else is good.
type Thresholds struct {
	ExcellentBelow float64
	PoorAbove      float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{ExcellentBelow: DefaultExcellentBelow, PoorAbove: DefaultPoorAbove}
}

func (t Thresholds) Validate() error {
	if t.ExcellentBelow < 0 || t.PoorAbove > 1 {
		return fmt.Errorf("quality thresholds must be within [0,1]")
	}
	if t.ExcellentBelow > t.PoorAbove {
		return fmt.Errorf("excellent threshold %.4f must not exceed poor threshold %.4f", t.ExcellentBelow, t.PoorAbove)
	}
	return nil
}

// Sample is a cumulative snapshot of RTP counters across all streams of a
// connection.
type Sample struct {
	BytesReceived   uint64
	BytesSent       uint64
	PacketsReceived uint64
	PacketsLost     int64
}

// LossRatio is lost/(received+lost). With no packets observed it is 0.
func (s Sample) LossRatio() float64 {
	lost := s.PacketsLost
	if lost < 0 {
		// RTCP reports cumulative loss as signed; duplicates can drive it negative.
		lost = 0
	}
	total := float64(s.PacketsReceived) + float64(lost)
	if total == 0 {
		return 0
	}
	return float64(lost) / total
}

// Report is one classified sample.
type Report struct {
	Quality   domain.Quality
	Sample    Sample
	LossRatio float64
	// Observed is false when no packets have been counted yet; the label is
	// then good rather than excellent.
	Observed bool
}

func (r Report) NetworkInfo() domain.NetworkInfo {
	return domain.NetworkInfo{
		BytesReceived:   r.Sample.BytesReceived,
		BytesSent:       r.Sample.BytesSent,
		PacketsLost:     r.Sample.PacketsLost,
		PacketsReceived: r.Sample.PacketsReceived,
		LossRate:        r.LossRatio,
	}
}

func Classify(s Sample, t Thresholds) Report {
	ratio := s.LossRatio()
	observed := s.PacketsReceived > 0 || s.PacketsLost > 0
	r := Report{Sample: s, LossRatio: ratio, Observed: observed}
	switch {
	case !observed:
		r.Quality = domain.QualityGood
	case ratio < t.ExcellentBelow:
		r.Quality = domain.QualityExcellent
	case ratio > t.PoorAbove:
		r.Quality = domain.QualityPoor
	default:
		r.Quality = domain.QualityGood
	}
	return r
}

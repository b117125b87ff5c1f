package quality

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/clock"
)

const DefaultInterval = 5 * time.Second

type StatsSource interface {
	Stats() (Sample, error)
}

type MonitorConfig struct {
	Interval   time.Duration
	Thresholds Thresholds
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Monitor samples a StatsSource on every tick and hands the classified report
// to onReport. It owns nothing but its schedule.
type Monitor struct {
	cfg      MonitorConfig
	src      StatsSource
	onReport func(Report)

	mu      sync.Mutex
	ticker  clock.Stopper
	stopped bool
}

func NewMonitor(cfg MonitorConfig, src StatsSource, onReport func(Report)) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{cfg: cfg, src: src, onReport: onReport}
}

// Start begins sampling. Calling Start on a running monitor is a no-op; a
// stopped monitor cannot be restarted.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.ticker != nil {
		return
	}
	m.ticker = m.cfg.Clock.Every(m.cfg.Interval, m.tick)
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticker != nil && !m.stopped
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	t := m.ticker
	m.ticker = nil
	m.stopped = true
	m.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// SampleNow takes one sample outside the schedule, for example right after the
// connection recovers.
func (m *Monitor) SampleNow() { m.tick() }

func (m *Monitor) tick() {
	m.mu.Lock()
	live := !m.stopped
	m.mu.Unlock()
	if !live {
		return
	}

	sample, err := m.src.Stats()
	if err != nil {
		m.cfg.Logger.Debug("quality sample failed", "err", err)
		return
	}
	report := Classify(sample, m.cfg.Thresholds)
	if m.onReport != nil {
		m.onReport(report)
	}
}

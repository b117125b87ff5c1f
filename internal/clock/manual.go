package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Callbacks due
// within an Advance run synchronously on the caller's goroutine, in deadline
// order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	events map[uint64]*manualEvent
}

type manualEvent struct {
	id       uint64
	at       time.Time
	interval time.Duration
	fn       func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, events: make(map[uint64]*manualEvent)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(interval time.Duration, fn func()) Stopper {
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return m.schedule(interval, interval, fn)
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Stopper {
	return m.schedule(d, 0, fn)
}

func (m *Manual) schedule(d, interval time.Duration, fn func()) Stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ev := &manualEvent{id: m.seq, at: m.now.Add(d), interval: interval, fn: fn}
	m.events[ev.id] = ev
	return manualStopper{m: m, id: ev.id}
}

// Pending returns the number of live schedules. Tests use it to assert that
// timers were cancelled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Advance moves the clock forward by d, firing every callback that falls due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		ev := m.nextDueLocked(target)
		if ev == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = ev.at
		if ev.interval > 0 {
			ev.at = ev.at.Add(ev.interval)
		} else {
			delete(m.events, ev.id)
		}
		fn := ev.fn
		m.mu.Unlock()

		fn()
	}
}

func (m *Manual) nextDueLocked(target time.Time) *manualEvent {
	due := make([]*manualEvent, 0, len(m.events))
	for _, ev := range m.events {
		if !ev.at.After(target) {
			due = append(due, ev)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

type manualStopper struct {
	m  *Manual
	id uint64
}

func (s manualStopper) Stop() {
	s.m.mu.Lock()
	delete(s.m.events, s.id)
	s.m.mu.Unlock()
}

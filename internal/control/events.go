package control

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/call"
)

const (
	defaultEventWriteTimeout = 5 * time.Second
	defaultEventPingInterval = 30 * time.Second
	eventReadLimit           = 4 * 1024
)

// snapshotSlot holds the newest undelivered state. Slow subscribers skip
// intermediate snapshots instead of queueing them.
type snapshotSlot struct {
	mu     sync.Mutex
	latest *call.State
	notify chan struct{}
}

func newSnapshotSlot() *snapshotSlot {
	return &snapshotSlot{notify: make(chan struct{}, 1)}
}

func (s *snapshotSlot) put(st call.State) {
	s.mu.Lock()
	if s.latest == nil || st.Version > s.latest.Version {
		s.latest = &st
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *snapshotSlot) take() (call.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return call.State{}, false
	}
	st := *s.latest
	s.latest = nil
	return st, true
}

// events streams state snapshots as JSON text frames, starting with the
// current state. Client frames are read and discarded; closing the socket ends
// the stream.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: h.cfg.CheckOrigin}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	slot := newSnapshotSlot()
	slot.put(h.ctrl.State())
	unsubscribe := h.ctrl.OnStateChange(slot.put)
	defer unsubscribe()

	h.log.Debug("events subscriber connected", "remote_addr", r.RemoteAddr)

	done := make(chan struct{})
	conn.SetReadLimit(eventReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	var (
		sent    bool
		lastVer uint64
	)
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-slot.notify:
			st, ok := slot.take()
			if !ok || (sent && st.Version <= lastVer) {
				continue
			}
			sent, lastVer = true, st.Version
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteJSON(st); err != nil {
				h.log.Debug("events subscriber write failed", "err", err)
				return
			}
		}
	}
}

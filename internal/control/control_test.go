package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/call"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/media"
)

type fakeController struct {
	mu        sync.Mutex
	st        call.State
	observers map[int]func(call.State)
	next      int

	err       error
	initiated []int64
	callType  domain.CallType
	answered  []string
	quality   domain.Quality
	dismissed int
}

func newFakeController() *fakeController {
	return &fakeController{
		st:        call.State{Status: domain.StatusIdle, ConnectionQuality: domain.QualityUnknown, Version: 1},
		observers: map[int]func(call.State){},
	}
}

func (f *fakeController) State() call.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeController) OnStateChange(fn func(call.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.observers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.observers, id)
	}
}

func (f *fakeController) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

// update mutates the state and notifies observers outside the lock.
func (f *fakeController) update(mut func(*call.State)) {
	f.mu.Lock()
	mut(&f.st)
	f.st.Version++
	st := f.st
	var fns []func(call.State)
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (f *fakeController) InitiateCall(_ context.Context, target int64, ct domain.CallType) error {
	if f.err != nil {
		return f.err
	}
	f.initiated = append(f.initiated, target)
	f.callType = ct
	f.update(func(s *call.State) {
		s.Status = domain.StatusInitiated
		s.IsOutgoingCall = true
		s.IsLoading = true
	})
	return nil
}

func (f *fakeController) AnswerCall(_ context.Context, callID string) error {
	if f.err != nil {
		return f.err
	}
	f.answered = append(f.answered, callID)
	f.update(func(s *call.State) {
		s.Status = domain.StatusAnswered
		s.IsCallActive = true
	})
	return nil
}

func (f *fakeController) RejectCall(context.Context, string) error { return f.err }
func (f *fakeController) EndCall(context.Context, string) error    { return f.err }

func (f *fakeController) ToggleMute() bool {
	var muted bool
	f.update(func(s *call.State) { s.IsMuted = !s.IsMuted; muted = s.IsMuted })
	return muted
}

func (f *fakeController) ToggleVideo() bool {
	var on bool
	f.update(func(s *call.State) { s.IsVideoEnabled = !s.IsVideoEnabled; on = s.IsVideoEnabled })
	return on
}

func (f *fakeController) UpdateCallQuality(_ context.Context, q domain.Quality, _ domain.NetworkInfo) error {
	f.quality = q
	return f.err
}

func (f *fakeController) DismissError() { f.dismissed++ }

func newTestServer(t *testing.T, ctrl Controller, cfg Config) *httptest.Server {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := http.NewServeMux()
	New(ctrl, cfg).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestGetState(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl, Config{})

	resp, err := http.Get(ts.URL + "/call")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st call.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, domain.StatusIdle, st.Status)
}

func TestInitiate(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl, Config{})

	code, body := post(t, ts, "/call/initiate", `{"target_user_id":42,"call_type":"video"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "initiated", body["status"])
	assert.Equal(t, true, body["is_outgoing_call"])
	assert.Equal(t, []int64{42}, ctrl.initiated)
	assert.Equal(t, domain.CallTypeVideo, ctrl.callType)
}

func TestInitiate_BadRequests(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl, Config{MaxBodyBytes: 64})

	for name, body := range map[string]string{
		"bad call type": `{"target_user_id":42,"call_type":"hologram"}`,
		"no target":     `{"call_type":"audio"}`,
		"bad json":      `{"target_user_id":`,
	} {
		code, _ := post(t, ts, "/call/initiate", body)
		assert.Equal(t, http.StatusBadRequest, code, name)
	}

	code, _ := post(t, ts, "/call/initiate", `{"call_type":"audio","pad":"`+strings.Repeat("x", 128)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	assert.Empty(t, ctrl.initiated)
}

func TestAnswer_EmptyBodyAnswersCurrentCall(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl, Config{})

	code, body := post(t, ts, "/call/answer", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_call_active"])
	assert.Equal(t, []string{""}, ctrl.answered)

	code, _ = post(t, ts, "/call/answer", `{"call_id":"c-9"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"", "c-9"}, ctrl.answered)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
		kind call.ErrorKind
	}{
		{call.ErrSessionActive, http.StatusConflict, call.KindInternal},
		{call.ErrNoIncomingCall, http.StatusConflict, call.KindInternal},
		{call.ErrCallAborted, http.StatusConflict, call.KindInternal},
		{call.ErrUnknownCall, http.StatusNotFound, call.KindInternal},
		{call.ErrClosed, http.StatusServiceUnavailable, call.KindInternal},
		{&media.AccessError{Kind: "audio", Err: media.ErrPermissionDenied}, http.StatusUnprocessableEntity, call.KindMediaAccess},
		{&call.RemoteRecordError{Op: "initiate", Err: fmt.Errorf("boom")}, http.StatusBadGateway, call.KindRemoteRecord},
		{fmt.Errorf("boom"), http.StatusInternalServerError, call.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.err = tc.err
			ts := newTestServer(t, ctrl, Config{})

			resp, err := http.Post(ts.URL+"/call/answer", "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)

			var out errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			require.NotNil(t, out.Error)
			assert.Equal(t, tc.kind, out.Error.Kind)
			assert.Equal(t, domain.StatusIdle, out.State.Status)
		})
	}
}

func TestToggles(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl, Config{})

	_, body := post(t, ts, "/call/mute", "")
	assert.Equal(t, true, body["is_muted"])
	_, body = post(t, ts, "/call/mute", "")
	assert.Equal(t, false, body["is_muted"])

	_, body = post(t, ts, "/call/video", "")
	assert.Equal(t, true, body["is_video_enabled"])
}

func TestQualityAndDismiss(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl, Config{})

	code, _ := post(t, ts, "/call/quality", `{"connection_quality":"good","network_info":{"packets_lost":3,"loss_rate":0.03}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.QualityGood, ctrl.quality)

	code, _ = post(t, ts, "/call/quality", `{"connection_quality":"superb"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = post(t, ts, "/call/dismiss", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, ctrl.dismissed)
}

func TestGuardWrapsRoutes(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl, Config{Guard: func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != "k" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}})

	resp, err := http.Get(ts.URL + "/call")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/call/initiate", bytes.NewReader([]byte(`{"target_user_id":2,"call_type":"audio"}`)))
	req.Header.Set("X-API-Key", "k")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{2}, ctrl.initiated)
}

func dialEvents(t *testing.T, ts *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/call/events"
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func readState(t *testing.T, c *websocket.Conn) call.State {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	var st call.State
	require.NoError(t, c.ReadJSON(&st))
	return st
}

func TestEvents_StreamsCurrentThenChanges(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl, Config{})

	c, _, err := dialEvents(t, ts, nil)
	require.NoError(t, err)
	defer c.Close()

	first := readState(t, c)
	assert.Equal(t, domain.StatusIdle, first.Status)

	require.Eventually(t, func() bool { return ctrl.subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	ctrl.ToggleMute()

	next := readState(t, c)
	assert.True(t, next.IsMuted)
	assert.Greater(t, next.Version, first.Version)
}

func TestEvents_UnsubscribesOnClose(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl, Config{})

	c, _, err := dialEvents(t, ts, nil)
	require.NoError(t, err)
	readState(t, c)
	require.Eventually(t, func() bool { return ctrl.subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return ctrl.subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestEvents_RejectsDisallowedOrigin(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl, Config{CheckOrigin: func(r *http.Request) bool {
		return r.Header.Get("Origin") == "https://app.example.com"
	}})

	_, resp, err := dialEvents(t, ts, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	c, _, err := dialEvents(t, ts, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	defer c.Close()
	readState(t, c)
}

func TestSnapshotSlot_KeepsNewest(t *testing.T) {
	s := newSnapshotSlot()
	s.put(call.State{Version: 3})
	s.put(call.State{Version: 2})
	s.put(call.State{Version: 5})

	st, ok := s.take()
	require.True(t, ok)
	assert.Equal(t, uint64(5), st.Version)
	_, ok = s.take()
	assert.False(t, ok)
	assert.Len(t, s.notify, 1)
}

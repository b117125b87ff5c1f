package callapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/config"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
)

var testPaths = config.APIPaths{
	Initiate: config.DefaultAPIInitiatePath,
	Answer:   config.DefaultAPIAnswerPath,
	Reject:   config.DefaultAPIRejectPath,
	End:      config.DefaultAPIEndPath,
}

type captured struct {
	path string
	auth string
	body map[string]any
}

func newServer(t *testing.T, status int, respBody string, got *captured) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newClient(ts *httptest.Server, scheme string) *Client {
	return New(Config{BaseURL: ts.URL + "/", Token: "tok", AuthScheme: scheme, Paths: testPaths, Timeout: time.Second})
}

func TestInitiate_SendsRecipientAndCallType(t *testing.T) {
	var got captured
	ts := newServer(t, http.StatusCreated, `{"call_id":"abc","call_type":"video","status":"initiated"}`, &got)

	rec, err := newClient(ts, "").Initiate(t.Context(), 42, domain.CallTypeVideo)
	require.NoError(t, err)

	assert.Equal(t, "/api/messaging/calls/initiate/", got.path)
	assert.Equal(t, "Token tok", got.auth)
	assert.Equal(t, float64(42), got.body["recipient_id"])
	assert.Equal(t, "video", got.body["call_type"])
	assert.Equal(t, "abc", rec.CallID)
	assert.Equal(t, domain.CallTypeVideo, rec.CallType)
	assert.Equal(t, domain.StatusInitiated, rec.Status)
}

func TestInitiate_AcceptsNumericIDAndNestedCall(t *testing.T) {
	var got captured
	ts := newServer(t, http.StatusOK, `{"id":17}`, &got)
	rec, err := newClient(ts, "Bearer").Initiate(t.Context(), 1, domain.CallTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, "17", rec.CallID)
	assert.Equal(t, domain.CallTypeAudio, rec.CallType)
	assert.Equal(t, "Bearer tok", got.auth)

	ts2 := newServer(t, http.StatusOK, `{"call":{"call_id":"n1","call_type":"audio","status":"ringing"}}`, &got)
	rec, err = newClient(ts2, "").Initiate(t.Context(), 1, domain.CallTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, "n1", rec.CallID)
	assert.Equal(t, domain.StatusRinging, rec.Status)
}

func TestInitiate_EmptyBody(t *testing.T) {
	var got captured
	ts := newServer(t, http.StatusNoContent, "", &got)
	rec, err := newClient(ts, "").Initiate(t.Context(), 1, domain.CallTypeAudio)
	require.NoError(t, err)
	assert.Empty(t, rec.CallID)
	assert.Equal(t, domain.StatusInitiated, rec.Status)
}

func TestCallIDEndpoints(t *testing.T) {
	cases := []struct {
		name string
		call func(c *Client) error
		path string
	}{
		{"answer", func(c *Client) error { return c.Answer(t.Context(), "c1") }, "/api/accounts/calls/answer/"},
		{"reject", func(c *Client) error { return c.Reject(t.Context(), "c1", "busy") }, "/api/accounts/calls/reject/"},
		{"end", func(c *Client) error { return c.End(t.Context(), "c1") }, "/api/accounts/calls/end/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got captured
			ts := newServer(t, http.StatusOK, `{}`, &got)
			require.NoError(t, tc.call(newClient(ts, "")))
			assert.Equal(t, tc.path, got.path)
			assert.Equal(t, "c1", got.body["call_id"])
		})
	}
}

func TestUnauthorized(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		var got captured
		ts := newServer(t, status, `{"detail":"Invalid token."}`, &got)
		err := newClient(ts, "").End(t.Context(), "c1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnauthorized), "status %d: %v", status, err)

		var apiErr *Error
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, status, apiErr.StatusCode)
		assert.Equal(t, "end", apiErr.Op)
	}
}

func TestServerError(t *testing.T) {
	var got captured
	ts := newServer(t, http.StatusInternalServerError, "boom", &got)
	_, err := newClient(ts, "").Initiate(t.Context(), 1, domain.CallTypeAudio)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Body)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}

func TestNoTokenSendsNoAuthorization(t *testing.T) {
	var got captured
	ts := newServer(t, http.StatusOK, `{}`, &got)
	c := New(Config{BaseURL: ts.URL, Paths: testPaths})
	require.NoError(t, c.Answer(t.Context(), "c1"))
	assert.Empty(t, got.auth)
	assert.Empty(t, c.Authorization())
}

func TestContextCancelled(t *testing.T) {
	var got captured
	ts := newServer(t, http.StatusOK, `{}`, &got)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := newClient(ts, "").End(ctx, "c1")
	require.Error(t, err)
}

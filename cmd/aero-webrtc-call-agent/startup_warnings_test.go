package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	logger := slog.New(&recordingHandler{mu: mu, records: records})
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedLog(nil), *records...)
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recordingHandler{mu: h.mu, records: h.records, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

// quietConfig triggers no warnings.
func quietConfig() config.Config {
	return config.Config{
		Mode:            config.ModeProd,
		ControlAuthMode: config.AuthModeAPIKey,
		APIKey:          "k",
		SignalingURL:    "wss://signal.example.com/ws",
		APIBaseURL:      "https://api.example.com",
		APIToken:        "tok",
		SelfUserID:      1,
		ICEServers: []webrtc.ICEServer{{
			URLs:       []string{"turns:turn.example.com:5349"},
			Username:   "u",
			Credential: "c",
		}},
	}
}

func TestStartupWarnings_QuietConfig(t *testing.T) {
	logger, records := newRecordingLogger()
	logStartupWarnings(logger, quietConfig())
	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}

func TestStartupWarnings(t *testing.T) {
	cases := []struct {
		code   string
		mutate func(*config.Config)
	}{
		{"no_turn_server", func(c *config.Config) {
			c.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
		}},
		{"signaling_disabled", func(c *config.Config) { c.SignalingURL = "" }},
		{"call_records_disabled", func(c *config.Config) { c.APIBaseURL = "" }},
		{"api_token_missing", func(c *config.Config) { c.APIToken = "" }},
		{"token_over_plaintext", func(c *config.Config) { c.APIBaseURL = "http://api.example.com" }},
		{"token_over_plaintext", func(c *config.Config) { c.SignalingURL = "ws://signal.example.com/ws" }},
		{"self_user_id_unset", func(c *config.Config) { c.SelfUserID = 0 }},
		{"control_auth_none_in_prod", func(c *config.Config) { c.ControlAuthMode = config.AuthModeNone }},
		{"allowed_origins_wildcard", func(c *config.Config) { c.AllowedOrigins = []string{"*"} }},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			logger, records := newRecordingLogger()
			cfg := quietConfig()
			tc.mutate(&cfg)

			logStartupWarnings(logger, cfg)

			codes := warningCodes(records())
			if _, ok := codes[tc.code]; !ok {
				t.Fatalf("expected warning_code=%s, got %#v", tc.code, codes)
			}
			if codes[tc.code].attrs["mode"] != config.ModeProd {
				t.Fatalf("mode attr = %#v, want %q", codes[tc.code].attrs["mode"], config.ModeProd)
			}
		})
	}
}

func TestStartupWarnings_ControlAuthNoneIsQuietInDev(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := quietConfig()
	cfg.Mode = config.ModeDev
	cfg.ControlAuthMode = config.AuthModeNone

	logStartupWarnings(logger, cfg)

	if _, ok := warningCodes(records())["control_auth_none_in_prod"]; ok {
		t.Fatalf("unexpected control_auth_none_in_prod warning in dev mode")
	}
}

func TestStartupWarnings_TURNRESTCountsAsTURN(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := quietConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}}}
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "aero"}

	logStartupWarnings(logger, cfg)

	if _, ok := warningCodes(records())["no_turn_server"]; ok {
		t.Fatalf("unexpected no_turn_server warning with TURN REST enabled")
	}
}

func TestICESource_TURNRESTInjectsCredentials(t *testing.T) {
	cfg := quietConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "aero"}

	src, err := iceSource(cfg)
	if err != nil {
		t.Fatalf("iceSource: %v", err)
	}
	servers, err := src.ICEServers()
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%d, want 2", len(servers))
	}
	if servers[1].Username == "" || servers[1].Credential == nil {
		t.Fatalf("TURN entry missing credentials: %+v", servers[1])
	}
}

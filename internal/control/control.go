// Package control exposes the call controller over HTTP: JSON commands under
// /call and a WebSocket stream of state snapshots at /call/events.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/call"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/httpserver"
)

const (
	defaultMaxBodyBytes   = 16 * 1024
	defaultCommandTimeout = 30 * time.Second
)

// Controller is the part of *call.Controller the control surface drives.
type Controller interface {
	State() call.State
	OnStateChange(fn func(call.State)) (unsubscribe func())
	InitiateCall(ctx context.Context, targetUserID int64, callType domain.CallType) error
	AnswerCall(ctx context.Context, callID string) error
	RejectCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID string) error
	ToggleMute() bool
	ToggleVideo() bool
	UpdateCallQuality(ctx context.Context, q domain.Quality, info domain.NetworkInfo) error
	DismissError()
}

type Config struct {
	// Guard wraps every route, typically httpserver.Server.WithOriginPolicy.
	Guard func(http.HandlerFunc) http.HandlerFunc
	// CheckOrigin is used for the events WebSocket upgrade.
	CheckOrigin func(*http.Request) bool

	MaxBodyBytes   int64
	CommandTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration

	Logger *slog.Logger
}

type Handler struct {
	ctrl Controller
	cfg  Config
	log  *slog.Logger
}

func New(ctrl Controller, cfg Config) *Handler {
	if cfg.Guard == nil {
		cfg.Guard = func(h http.HandlerFunc) http.HandlerFunc { return h }
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultEventWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultEventPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{ctrl: ctrl, cfg: cfg, log: cfg.Logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	g := h.cfg.Guard
	mux.HandleFunc("GET /call", g(h.getState))
	mux.HandleFunc("POST /call/initiate", g(h.initiate))
	mux.HandleFunc("POST /call/answer", g(h.withCallID(h.ctrl.AnswerCall)))
	mux.HandleFunc("POST /call/reject", g(h.withCallID(h.ctrl.RejectCall)))
	mux.HandleFunc("POST /call/end", g(h.withCallID(h.ctrl.EndCall)))
	mux.HandleFunc("POST /call/mute", g(h.mute))
	mux.HandleFunc("POST /call/video", g(h.video))
	mux.HandleFunc("POST /call/quality", g(h.quality))
	mux.HandleFunc("POST /call/dismiss", g(h.dismiss))
	mux.HandleFunc("GET /call/events", g(h.events))
	// Preflights are answered by the guard.
	mux.HandleFunc("OPTIONS /call/", g(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

type initiateRequest struct {
	TargetUserID int64  `json:"target_user_id"`
	CallType     string `json:"call_type"`
}

type callIDRequest struct {
	CallID string `json:"call_id"`
}

type qualityRequest struct {
	ConnectionQuality string             `json:"connection_quality"`
	NetworkInfo       domain.NetworkInfo `json:"network_info"`
}

type errorResponse struct {
	Error *call.ErrorInfo `json:"error"`
	State call.State      `json:"state"`
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, h.ctrl.State())
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !h.decode(w, r, &req) {
		return
	}
	callType, err := domain.ParseCallType(req.CallType)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	if req.TargetUserID <= 0 {
		h.badRequest(w, fmt.Errorf("target_user_id must be positive"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.CommandTimeout)
	defer cancel()
	h.respond(w, h.ctrl.InitiateCall(ctx, req.TargetUserID, callType))
}

func (h *Handler) withCallID(op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callIDRequest
		if !h.decode(w, r, &req) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.CommandTimeout)
		defer cancel()
		h.respond(w, op(ctx, req.CallID))
	}
}

func (h *Handler) mute(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ToggleMute()
	h.respond(w, nil)
}

func (h *Handler) video(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ToggleVideo()
	h.respond(w, nil)
}

func (h *Handler) quality(w http.ResponseWriter, r *http.Request) {
	var req qualityRequest
	if !h.decode(w, r, &req) {
		return
	}
	q, err := domain.ParseQuality(req.ConnectionQuality)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.CommandTimeout)
	defer cancel()
	h.respond(w, h.ctrl.UpdateCallQuality(ctx, q, req.NetworkInfo))
}

func (h *Handler) dismiss(w http.ResponseWriter, r *http.Request) {
	h.ctrl.DismissError()
	h.respond(w, nil)
}

// decode reads an optional JSON body into v. An empty body leaves v zero.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httpserver.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
		return false
	}
	h.badRequest(w, fmt.Errorf("invalid json: %w", err))
	return false
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
}

// respond writes the state after a command, or the classified error with the
// state it left behind.
func (h *Handler) respond(w http.ResponseWriter, err error) {
	st := h.ctrl.State()
	if err == nil {
		httpserver.WriteJSON(w, http.StatusOK, st)
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn("call command failed", "status", status, "err", err)
	}
	httpserver.WriteJSON(w, status, errorResponse{Error: call.Classify(err), State: st})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrSessionActive),
		errors.Is(err, call.ErrNoIncomingCall),
		errors.Is(err, call.ErrCallAborted):
		return http.StatusConflict
	case errors.Is(err, call.ErrUnknownCall):
		return http.StatusNotFound
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch call.Classify(err).Kind {
	case call.KindMediaAccess:
		return http.StatusUnprocessableEntity
	case call.KindRemoteRecord, call.KindSignaling:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

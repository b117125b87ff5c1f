package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/auth"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/call"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/callapi"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/clock"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/config"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/control"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/httpserver"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/media"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/metrics"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/peer"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/signaling"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

var errSignalingDisabled = errors.New("signaling is not configured")

// offlineTransport stands in for the signaling socket when no URL is set.
type offlineTransport struct{}

func (offlineTransport) Send(context.Context, []byte) error { return errSignalingDisabled }

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	// No ICE sockets exist until the first call creates a peer connection.
	api, err := peer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-webrtc-call-agent",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"self_user_id", cfg.SelfUserID,
		"signaling_url_set", cfg.SignalingURL != "",
		"signaling_host", safeURLHost(cfg.SignalingURL),
		"api_host", safeURLHost(cfg.APIBaseURL),
		"control_auth_mode", cfg.ControlAuthMode,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"ice_restart", cfg.ICERestart,
	)

	logStartupWarnings(logger, cfg)

	ice, err := iceSource(cfg)
	if err != nil {
		logger.Error("failed to configure TURN REST credentials", "err", err)
		os.Exit(2)
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure control auth", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	records := callapi.New(callapi.ConfigFrom(cfg))

	// The inbound path needs the bridge and controller, which in turn need the
	// socket; messages only arrive once Run starts below.
	var (
		bridge *signaling.Bridge
		ctrl   *call.Controller
		ws     *signaling.WSClient
	)
	var transport signaling.Transport = offlineTransport{}
	if cfg.SignalingURL != "" {
		ws = signaling.NewWSClient(signaling.WSConfig{
			URL:             cfg.SignalingURL,
			Authorization:   records.Authorization(),
			WriteTimeout:    cfg.SignalingWriteTimeout,
			PingInterval:    cfg.SignalingPingInterval,
			ReconnectMax:    cfg.SignalingReconnectMax,
			MaxMessageBytes: cfg.MaxSignalingMessageBytes,
			Metrics:         m,
			Logger:          logger,
		}, func(data []byte) {
			if err := bridge.Dispatch(data, ctrl); err != nil {
				logger.Debug("inbound signaling message dropped", "err", err)
			}
		})
		transport = ws
	}
	bridge = signaling.NewBridge(transport, signaling.BridgeConfig{
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		Metrics:              m,
		Logger:               logger,
	})

	devices := media.FileDevices{
		AudioPath: cfg.MediaAudioFile,
		VideoPath: cfg.MediaVideoFile,
		Loop:      cfg.MediaLoop,
	}
	ctrl, err = call.New(call.ConfigFrom(cfg), call.Deps{
		Media:     call.MediaFrom(media.NewAcquirer(devices, media.BaselineVideo, logger)),
		Peers:     call.PeersFrom(peer.NewManager(api, logger)),
		Signaling: bridge,
		Records:   records,
		ICE:       ice,
		Clock:     clock.Real{},
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to construct call controller", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Options{
		Ready: func() error {
			if ws != nil && !ws.Connected() {
				return errors.New("signaling disconnected")
			}
			return nil
		},
		ICEServers: ice.ICEServers,
		Metrics:    m.Handler(),
	})

	requireAuth := auth.Middleware(cfg.ControlAuthMode, verifier, logger)
	control.New(ctrl, control.Config{
		Guard: func(next http.HandlerFunc) http.HandlerFunc {
			return srv.WithOriginPolicy(requireAuth(next))
		},
		CheckOrigin:  srv.OriginAllowed,
		WriteTimeout: cfg.SignalingWriteTimeout,
		Logger:       logger,
	}).Register(srv.Mux())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ws != nil {
		go func() {
			if err := ws.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("signaling client stopped", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	closeCall := func() {
		if err := ctrl.Close(); err != nil {
			logger.Warn("call controller close failed", "err", err)
		}
		if ws != nil {
			_ = ws.Close()
		}
	}

	select {
	case err := <-errCh:
		closeCall()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hang up first so the peer hears call_status ended before the socket goes.
	closeCall()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// iceSource picks the per-call ICE server source: fresh TURN REST
// credentials when a shared secret is configured, the static list otherwise.
func iceSource(cfg config.Config) (*turnrest.Provider, error) {
	if !cfg.TURNREST.Enabled() {
		return turnrest.NewProvider(cfg.ICEServers, nil), nil
	}
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   cfg.TURNREST.SharedSecret,
		TTLSeconds:     cfg.TURNREST.TTLSeconds,
		UsernamePrefix: cfg.TURNREST.UsernamePrefix,
	})
	if err != nil {
		return nil, err
	}
	return turnrest.NewProvider(cfg.ICEServers, gen), nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}

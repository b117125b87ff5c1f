package main

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; falling back to default STUN",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}

	if !hasTURN(cfg) {
		logger.Warn("startup warning: no TURN server configured; calls between peers behind symmetric NATs will fail",
			"warning_code", "no_turn_server",
			"mode", cfg.Mode,
		)
	}

	if cfg.SignalingURL == "" {
		logger.Warn("startup warning: signaling URL is unset; calls cannot reach a peer",
			"warning_code", "signaling_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.APIBaseURL == "" {
		logger.Warn("startup warning: call records API base URL is unset; every call will use a local id",
			"warning_code", "call_records_disabled",
			"mode", cfg.Mode,
		)
	} else if cfg.APIToken == "" {
		logger.Warn("startup warning: call records API token is empty",
			"warning_code", "api_token_missing",
			"api_host", safeURLHost(cfg.APIBaseURL),
			"mode", cfg.Mode,
		)
	}

	if cfg.APIToken != "" {
		if insecureScheme(cfg.APIBaseURL, "http") || insecureScheme(cfg.SignalingURL, "ws") {
			logger.Warn("startup security warning: API token is sent over an unencrypted connection",
				"warning_code", "token_over_plaintext",
				"api_host", safeURLHost(cfg.APIBaseURL),
				"signaling_host", safeURLHost(cfg.SignalingURL),
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.SelfUserID <= 0 {
		logger.Warn("startup warning: self user id is unset; incoming calls cannot be told apart from our own",
			"warning_code", "self_user_id_unset",
			"self_user_id", cfg.SelfUserID,
			"mode", cfg.Mode,
		)
	}

	if cfg.ControlAuthMode == config.AuthModeNone && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: control surface auth is none while --mode=prod",
			"warning_code", "control_auth_none_in_prod",
			"control_auth_mode", cfg.ControlAuthMode,
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: allowed origins contain '*' (any site can drive the call controls)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}
}

func hasTURN(cfg config.Config) bool {
	if cfg.TURNREST.Enabled() {
		return true
	}
	for _, s := range cfg.ICEServers {
		for _, raw := range s.URLs {
			u := strings.ToLower(strings.TrimSpace(raw))
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

func insecureScheme(raw, scheme string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, scheme)
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}

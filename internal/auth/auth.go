// Package auth authenticates callers of the control surface with a static API
// key or an HS256 JWT.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/config"
)

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	// Origin, when set, pins the credential to one browser origin.
	Origin string
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.ControlAuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.ControlAuthMode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromRequest reads the credential from headers, falling back to the
// query string because browsers cannot set headers on a WebSocket upgrade.
// Both modes accept either carrier.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		switch strings.ToLower(scheme) {
		case "bearer", "apikey":
			if v := strings.TrimSpace(value); v != "" {
				return v, nil
			}
		}
	}

	q := r.URL.Query()
	primary, alias := "token", "apiKey"
	if mode == config.AuthModeAPIKey {
		primary, alias = alias, primary
	}
	if v := q.Get(primary); v != "" {
		return v, nil
	}
	if v := q.Get(alias); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

// Middleware rejects requests without a valid credential. A nil verifier lets
// every request through.
func Middleware(mode config.AuthMode, v Verifier, logger *slog.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		if v == nil {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) {
			// CORS preflights carry no credentials.
			if r.Method == http.MethodOptions {
				next(w, r)
				return
			}
			cred, err := CredentialFromRequest(mode, r)
			if err == nil {
				var p Principal
				if p, err = v.Verify(cred); err == nil {
					if p.Origin != "" && r.Header.Get("Origin") != "" && r.Header.Get("Origin") != p.Origin {
						err = ErrInvalidCredentials
					}
				}
			}
			if err != nil {
				logger.Debug("control request unauthorized", "path", r.URL.Path, "err", err)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next(w, r)
		}
	}
}

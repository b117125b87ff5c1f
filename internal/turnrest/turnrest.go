// Package turnrest mints coturn-compatible TURN REST credentials and injects
// them into the ICE server list of each call.
//
// Algorithm (draft-uberti-behave-turn-rest, as implemented by coturn):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
	newSessionID   func() string
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	// SessionID defaults to a random UUID with the dashes removed.
	SessionID func() string
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionID == nil {
		cfg.SessionID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		newSessionID:   cfg.SessionID,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("sessionID is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("sessionID must not contain ':'")
	}
	expiryUnix := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.usernamePrefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: signUsername(g.sharedSecret, username),
		ExpiryUnix: expiryUnix,
	}, nil
}

func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newSessionID())
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Provider hands out the ICE server list for one call. With a generator,
// every TURN entry gets fresh credentials; without one the configured list
// is returned as a copy.
type Provider struct {
	servers []webrtc.ICEServer
	gen     *Generator
}

func NewProvider(servers []webrtc.ICEServer, gen *Generator) *Provider {
	return &Provider{servers: servers, gen: gen}
}

// ICEServers returns the servers for a new peer connection. TURN entries
// that still lack credentials are dropped since pion refuses them.
func (p *Provider) ICEServers() ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(p.servers))
	var creds *Credentials
	for _, s := range p.servers {
		s.URLs = append([]string(nil), s.URLs...)
		if !hasTURNURL(s) {
			out = append(out, s)
			continue
		}
		if p.gen != nil {
			if creds == nil {
				c, err := p.gen.GenerateRandom()
				if err != nil {
					return nil, fmt.Errorf("turn rest credentials: %w", err)
				}
				creds = &c
			}
			s.Username = creds.Username
			s.Credential = creds.Credential
		}
		if s.Username == "" || s.Credential == nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/clock"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	// HMAC-SHA256 output size in bytes.
	hmacSHA256SigLen = 32
	// base64url-no-pad encoding length for a 32-byte HMAC:
	// - 32 bytes => 44 chars with one '=' padding
	// - without padding => 43 chars
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

type jwtVerifier struct {
	secret []byte
	clock  clock.Clock
}

func NewJWTVerifier(secret string) Verifier {
	return newJWTVerifier(secret, clock.Real{})
}

func newJWTVerifier(secret string, clk clock.Clock) jwtVerifier {
	return jwtVerifier{secret: []byte(secret), clock: clk}
}

type jwtClaims struct {
	Sub    string
	Exp    int64
	Iat    int64
	Origin *string
}

// Verify checks an HS256 token. exp, iat, and sub are required; nbf and origin
// are honoured when present.
func (v jwtVerifier) Verify(token string) (Principal, error) {
	claims, err := v.verifyClaims(token)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{Subject: claims.Sub}
	if claims.Origin != nil {
		p.Origin = *claims.Origin
	}
	return p, nil
}

func (v jwtVerifier) verifyClaims(token string) (jwtClaims, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return jwtClaims{}, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return jwtClaims{}, ErrInvalidCredentials
	}
	var header struct {
		Alg *string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil || header.Alg == nil {
		return jwtClaims{}, ErrInvalidCredentials
	}
	if *header.Alg != "HS256" {
		return jwtClaims{}, ErrUnsupportedJWT
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return jwtClaims{}, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return jwtClaims{}, ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return jwtClaims{}, ErrInvalidCredentials
	}
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return jwtClaims{}, ErrInvalidCredentials
	}
	// Exactly one JSON object.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return jwtClaims{}, ErrInvalidCredentials
	}

	now := v.clock.Now().Unix()
	timestamp := func(key string, required bool) (int64, bool, error) {
		raw, ok := claims[key]
		if !ok {
			if required {
				return 0, false, ErrInvalidCredentials
			}
			return 0, false, nil
		}
		n, err := parseUnixTimestamp(raw)
		if err != nil {
			return 0, false, ErrInvalidCredentials
		}
		return n, true, nil
	}

	expUnix, _, err := timestamp("exp", true)
	if err != nil {
		return jwtClaims{}, err
	}
	if now >= expUnix {
		return jwtClaims{}, ErrInvalidCredentials
	}
	iatUnix, _, err := timestamp("iat", true)
	if err != nil {
		return jwtClaims{}, err
	}
	if nbfUnix, ok, err := timestamp("nbf", false); err != nil {
		return jwtClaims{}, err
	} else if ok && now < nbfUnix {
		return jwtClaims{}, ErrInvalidCredentials
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return jwtClaims{}, ErrInvalidCredentials
	}

	out := jwtClaims{Sub: sub, Exp: expUnix, Iat: iatUnix}
	if raw, ok := claims["origin"]; ok {
		origin, ok := raw.(string)
		if !ok {
			return jwtClaims{}, ErrInvalidCredentials
		}
		out.Origin = &origin
	}
	return out, nil
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found {
		return "", "", "", false
	}
	if strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" || sigB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxJWTHeaderB64Len || len(payloadB64) > maxJWTPayloadB64Len {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	if !isBase64urlNoPad(headerB64, maxJWTHeaderB64Len) ||
		!isBase64urlNoPad(payloadB64, maxJWTPayloadB64Len) ||
		!isBase64urlNoPad(sigB64, hmacSHA256SigB64Len) {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

func isBase64urlNoPad(raw string, maxLen int) bool {
	if raw == "" || len(raw) > maxLen {
		return false
	}
	// Base64url without padding cannot have length mod 4 == 1.
	if len(raw)%4 == 1 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if _, ok := b64urlValue(raw[i]); !ok {
			return false
		}
	}
	// Tighten validation to canonical base64url-no-pad. Even when the length is syntactically
	// valid (mod 4 != 1), the unused bits in the final base64 quantum must be zero.
	//
	// - len % 4 == 2 => 4 unused bits (must be zero)
	// - len % 4 == 3 => 2 unused bits (must be zero)
	switch len(raw) % 4 {
	case 0:
		return true
	case 2:
		last, _ := b64urlValue(raw[len(raw)-1])
		return (last & 0x0f) == 0
	case 3:
		last, _ := b64urlValue(raw[len(raw)-1])
		return (last & 0x03) == 0
	default:
		// len%4==1 is rejected above.
		return false
	}
}

func b64urlValue(b byte) (byte, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		return b - 'A', true
	case b >= 'a' && b <= 'z':
		return b - 'a' + 26, true
	case b >= '0' && b <= '9':
		return b - '0' + 52, true
	case b == '-':
		return 62, true
	case b == '_':
		return 63, true
	default:
		return 0, false
	}
}

func parseUnixTimestamp(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	default:
		return 0, fmt.Errorf("invalid timestamp %T", v)
	}
}

// Package callapi is the client for the REST endpoints that persist call
// records: initiate, answer, reject and end.
package callapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/config"
	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/domain"
)

// ErrUnauthorized is returned for 401 and 403 responses. It is never retried.
var ErrUnauthorized = errors.New("call api: unauthorized")

// maxErrorBody bounds how much of a failed response body is kept in *Error.
const maxErrorBody = 512

// Error is a non-2xx response.
type Error struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("call api %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("call api %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

type Config struct {
	BaseURL    string
	Token      string
	AuthScheme string
	Paths      config.APIPaths
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ConfigFrom maps the agent configuration onto a client Config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		BaseURL:    cfg.APIBaseURL,
		Token:      cfg.APIToken,
		AuthScheme: cfg.APIAuthScheme,
		Paths:      cfg.APIPaths,
		Timeout:    cfg.APIRequestTimeout,
	}
}

type Client struct {
	base  string
	auth  string
	paths config.APIPaths
	http  *http.Client
	log   *slog.Logger
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scheme := cfg.AuthScheme
	if scheme == "" {
		scheme = "Token"
	}
	var auth string
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		auth = scheme + " " + tok
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		auth:  auth,
		paths: cfg.Paths,
		http:  hc,
		log:   logger.With("component", "callapi"),
	}
}

// Authorization returns the header value sent with every request, or "" when
// no token is configured.
func (c *Client) Authorization() string { return c.auth }

type initiateRequest struct {
	RecipientID int64           `json:"recipient_id"`
	CallType    domain.CallType `json:"call_type"`
}

type callIDRequest struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// initiateResponse accepts the record either at the top level or under
// "call", with the id as call_id or id.
type initiateResponse struct {
	domain.CallRecord
	ID   json.RawMessage    `json:"id,omitempty"`
	Call *domain.CallRecord `json:"call,omitempty"`
}

// Initiate registers an outgoing call. The returned record carries the call id
// when the server assigned one.
func (c *Client) Initiate(ctx context.Context, recipientID int64, callType domain.CallType) (*domain.CallRecord, error) {
	body, err := c.post(ctx, "initiate", c.paths.Initiate, initiateRequest{RecipientID: recipientID, CallType: callType})
	if err != nil {
		return nil, err
	}

	rec := &domain.CallRecord{CallType: callType, Status: domain.StatusInitiated}
	if len(bytes.TrimSpace(body)) == 0 {
		return rec, nil
	}
	var resp initiateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("call api initiate: decode response: %w", err)
	}
	switch {
	case resp.Call != nil:
		*rec = *resp.Call
	case resp.CallRecord.CallID != "":
		*rec = resp.CallRecord
	}
	if rec.CallID == "" && len(resp.ID) > 0 {
		rec.CallID = rawID(resp.ID)
	}
	if rec.CallType == "" {
		rec.CallType = callType
	}
	if rec.Status == "" {
		rec.Status = domain.StatusInitiated
	}
	return rec, nil
}

func (c *Client) Answer(ctx context.Context, callID string) error {
	_, err := c.post(ctx, "answer", c.paths.Answer, callIDRequest{CallID: callID})
	return err
}

func (c *Client) Reject(ctx context.Context, callID, reason string) error {
	_, err := c.post(ctx, "reject", c.paths.Reject, callIDRequest{CallID: callID, Reason: reason})
	return err
}

func (c *Client) End(ctx context.Context, callID string) error {
	_, err := c.post(ctx, "end", c.paths.End, callIDRequest{CallID: callID})
	return err
}

func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("call api %s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("call api %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.auth != "" {
		req.Header.Set("Authorization", c.auth)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call api %s: %w", op, err)
	}
	defer resp.Body.Close()

	c.log.Debug("call api request", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("call api %s: read response: %w", op, err)
	}
	return body, nil
}

// rawID renders a JSON string or number id as a string.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

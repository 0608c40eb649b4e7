// Package client talks to the mailotp HTTP API and maps its responses back to
// the error taxonomy the session machine understands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrValidation        = errors.New("invalid email")
	ErrDeliveryFailure   = errors.New("failed to send OTP")
	ErrNotFoundOrExpired = errors.New("OTP expired or not found")
	ErrMismatch          = errors.New("invalid OTP")
	ErrUnauthorized      = errors.New("not authorized")
	// ErrNetwork covers transport failures and responses the client cannot
	// classify.
	ErrNetwork = errors.New("network error")
)

const DefaultTimeout = 10 * time.Second

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type SendResult struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type VerifyResult struct {
	Message     string `json:"message"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// SendOTP asks the server to issue a challenge. ExpiresAt is zero when the
// server did not report one.
func (c *Client) SendOTP(ctx context.Context, email string) (*SendResult, error) {
	var res SendResult
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/send-otp", "", map[string]string{"email": email}, &res, sendStatus)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) VerifyOTP(ctx context.Context, email, code string) (*VerifyResult, error) {
	var res VerifyResult
	body := map[string]string{"email": email, "code": code}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/verify-otp", "", body, &res, verifyStatus); err != nil {
		return nil, err
	}
	return &res, nil
}

// Me returns the email bound to token.
func (c *Client) Me(ctx context.Context, token string) (string, error) {
	var res struct {
		Email string `json:"email"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/me", token, nil, &res, nil); err != nil {
		return "", err
	}
	return res.Email, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/auth/logout", token, nil, nil, nil)
}

var errorCodes = map[string]error{
	"INVALID_EMAIL":            ErrValidation,
	"DELIVERY_FAILED":          ErrDeliveryFailure,
	"OTP_NOT_FOUND_OR_EXPIRED": ErrNotFoundOrExpired,
	"INVALID_OTP":              ErrMismatch,
	"UNAUTHORIZED":             ErrUnauthorized,
}

// Status fallbacks for servers that answer with a bare {"error": "..."} body.
var (
	sendStatus = map[int]error{
		http.StatusBadRequest:          ErrValidation,
		http.StatusInternalServerError: ErrDeliveryFailure,
	}
	verifyStatus = map[int]error{
		http.StatusBadRequest:   ErrNotFoundOrExpired,
		http.StatusUnauthorized: ErrMismatch,
	}
)

func (c *Client) do(ctx context.Context, method, path, token string, in, out any, byStatus map[int]error) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
	}).Debug("API call")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: malformed response: %w", ErrNetwork, err)
		}
		return nil
	}

	return classify(resp.StatusCode, raw, byStatus)
}

func classify(status int, raw []byte, byStatus map[int]error) error {
	code, message := parseError(raw)
	if sentinel, ok := errorCodes[code]; ok {
		return sentinel
	}
	if sentinel, ok := byStatus[status]; ok {
		return sentinel
	}
	if status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return fmt.Errorf("%w: unexpected status %d: %s", ErrNetwork, status, message)
}

// parseError understands both {"error":{"code","message"}} and the flat
// {"error":"message"} shape.
func parseError(raw []byte) (code, message string) {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Error) == 0 {
		return "", ""
	}

	var detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &detail); err == nil {
		return detail.Code, detail.Message
	}

	var flat string
	if err := json.Unmarshal(envelope.Error, &flat); err == nil {
		return "", flat
	}
	return "", ""
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qcom/mailotp/internal/clock"
	"github.com/qcom/mailotp/internal/config"
	"github.com/qcom/mailotp/internal/delivery"
	"github.com/qcom/mailotp/internal/middleware"
	"github.com/qcom/mailotp/internal/repository"
	"github.com/qcom/mailotp/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC)

type staticCode string

func (c staticCode) Generate() (string, error) { return string(c), nil }

type testServer struct {
	router  http.Handler
	clock   *clock.Fake
	mu      sync.Mutex
	sent    []delivery.Message
	sendErr error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ts := &testServer{clock: clock.NewFake(t0)}
	gateway := delivery.GatewayFunc(func(_ context.Context, msg delivery.Message) error {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.sent = append(ts.sent, msg)
		return ts.sendErr
	})

	store := repository.NewMemoryChallengeStore(ts.clock, logger)
	otpService, err := service.NewOTPService(store, gateway,
		&config.OTPConfig{TTL: 30 * time.Second, RollbackOnDeliveryFailure: true},
		logger,
		service.WithClock(ts.clock),
		service.WithCodeGenerator(staticCode("123456")),
	)
	require.NoError(t, err)

	jwtService, err := service.NewJWTService(&config.JWTConfig{
		SecretKey:    "0123456789abcdef0123456789abcdef",
		AccessExpiry: 15 * time.Minute,
	}, ts.clock, logger)
	require.NoError(t, err)

	denylist := repository.NewMemoryTokenDenylist(ts.clock)
	authHandlers, err := NewAuthHandlers(otpService, jwtService, denylist, logger)
	require.NoError(t, err)

	ts.router = NewRouter(authHandlers, middleware.NewAuthMiddleware(jwtService, denylist, logger), logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestSendOTP(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		sendErr    error
		wantStatus int
		wantCode   string
	}{
		{name: "ok", path: "/api/v1/auth/send-otp", body: `{"email":"a@b.com"}`, wantStatus: http.StatusOK},
		{name: "root alias", path: "/send-otp", body: `{"email":"a@b.com"}`, wantStatus: http.StatusOK},
		{name: "malformed body", path: "/send-otp", body: `{`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "no at sign", path: "/send-otp", body: `{"email":"abc"}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_EMAIL"},
		{name: "delivery failure", path: "/send-otp", body: `{"email":"a@b.com"}`, sendErr: errors.New("down"), wantStatus: http.StatusInternalServerError, wantCode: "DELIVERY_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.sendErr = tt.sendErr

			rec := ts.do(t, http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, rec))
				return
			}

			var resp SendOTPResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "OTP sent successfully", resp.Message)
			assert.True(t, resp.ExpiresAt.Equal(t0.Add(30*time.Second)))
			assert.NotContains(t, rec.Body.String(), "123456")
		})
	}
}

func TestVerifyOTP(t *testing.T) {
	tests := []struct {
		name       string
		issue      bool
		advance    time.Duration
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "ok", issue: true, body: `{"email":"a@b.com","code":"123456"}`, wantStatus: http.StatusOK},
		{name: "otp alias", issue: true, body: `{"email":"a@b.com","otp":"123456"}`, wantStatus: http.StatusOK},
		{name: "mismatch", issue: true, body: `{"email":"a@b.com","code":"000000"}`, wantStatus: http.StatusUnauthorized, wantCode: "INVALID_OTP"},
		{name: "never issued", body: `{"email":"a@b.com","code":"123456"}`, wantStatus: http.StatusBadRequest, wantCode: "OTP_NOT_FOUND_OR_EXPIRED"},
		{name: "expired", issue: true, advance: 30 * time.Second, body: `{"email":"a@b.com","code":"123456"}`, wantStatus: http.StatusBadRequest, wantCode: "OTP_NOT_FOUND_OR_EXPIRED"},
		{name: "missing code", issue: true, body: `{"email":"a@b.com"}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "malformed body", body: `nope`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			if tt.issue {
				rec := ts.do(t, http.MethodPost, "/send-otp", `{"email":"a@b.com"}`, "")
				require.Equal(t, http.StatusOK, rec.Code)
			}
			ts.clock.Advance(tt.advance)

			rec := ts.do(t, http.MethodPost, "/api/v1/auth/verify-otp", tt.body, "")
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, rec))
				return
			}

			var resp VerifyOTPResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "OTP verified", resp.Message)
			assert.Equal(t, "Bearer", resp.TokenType)
			assert.Equal(t, int64(900), resp.ExpiresIn)
			assert.NotEmpty(t, resp.AccessToken)
		})
	}
}

func TestVerifyOTP_MissingCodeMessageNamesField(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/verify-otp", `{"email":"a@b.com"}`, "")

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error.Message, "code")
}

func TestMeAndLogout(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/send-otp", `{"email":"Alice@Example.com"}`, "").Code)
	rec := ts.do(t, http.MethodPost, "/verify-otp", `{"email":"Alice@Example.com","code":"123456"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var verified VerifyOTPResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verified))

	rec = ts.do(t, http.MethodGet, "/api/v1/me", "", verified.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var me MeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "Alice@Example.com", me.Email)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/v1/me", "", "").Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/logout", "", verified.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/me", "", verified.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

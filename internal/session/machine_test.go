package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qcom/mailotp/internal/client"
	"github.com/qcom/mailotp/internal/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC)

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeAPI struct {
	mu        sync.Mutex
	clock     *clock.Fake
	ttl       time.Duration
	noExpiry  bool
	sendErr   error
	verifyErr error
	code      string
	sends     int
	logouts   []string

	// gate, when set, blocks SendOTP until closed.
	gate chan struct{}
}

func (f *fakeAPI) SendOTP(ctx context.Context, email string) (*client.SendResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	res := &client.SendResult{Message: "OTP sent successfully"}
	if !f.noExpiry {
		res.ExpiresAt = f.clock.Now().Add(f.ttl)
	}
	return res, nil
}

func (f *fakeAPI) VerifyOTP(ctx context.Context, email, code string) (*client.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if code != f.code {
		return nil, client.ErrMismatch
	}
	return &client.VerifyResult{AccessToken: "token-for-" + email, TokenType: "Bearer", ExpiresIn: 900}, nil
}

func (f *fakeAPI) Logout(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, token)
	return nil
}

type harness struct {
	m       *Machine
	api     *fakeAPI
	clock   *clock.Fake
	storage *MemoryStorage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	api := &fakeAPI{clock: clk, ttl: 30 * time.Second, code: "123456"}
	storage := NewMemoryStorage()
	m := NewMachine(api, storage, clk, discardLogger(), Config{TickInterval: 5 * time.Millisecond})
	t.Cleanup(m.Close)
	return &harness{m: m, api: api, clock: clk, storage: storage}
}

func (h *harness) stored(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, ok, err := h.storage.Get(key)
	require.NoError(t, err)
	return v, ok
}

func TestSubmitEmail(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.m.SubmitEmail("a@b"), ErrInvalidEmail)
	assert.ErrorIs(t, h.m.SubmitEmail("a b@c.com"), ErrInvalidEmail)
	assert.Equal(t, Anonymous, h.m.State())

	require.NoError(t, h.m.SubmitEmail(" a@b.com "))
	assert.Equal(t, EmailVerified, h.m.State())

	raw, ok := h.stored(t, KeyAuthUser)
	require.True(t, ok)
	assert.JSONEq(t, `{"email":"a@b.com","isAuthenticated":false,"isEmailVerified":true}`, raw)
}

func TestLoginAndVerify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var seen []State
	h.m.OnChange(func(s Snapshot) { seen = append(seen, s.State) })

	require.NoError(t, h.m.Login(ctx, "a@b.com"))
	assert.Equal(t, OTPPending, h.m.State())
	assert.Equal(t, 30*time.Second, h.m.Remaining())

	expiry, ok := h.stored(t, KeyOTPExpiry)
	require.True(t, ok)
	assert.Equal(t, "2026-02-07T09:00:30Z", expiry)
	email, _ := h.stored(t, KeyOTPEmail)
	assert.Equal(t, "a@b.com", email)

	assert.ErrorIs(t, h.m.Verify(ctx, "000000"), client.ErrMismatch)
	assert.Equal(t, OTPPending, h.m.State())

	require.NoError(t, h.m.Verify(ctx, "123456"))
	assert.Equal(t, Authenticated, h.m.State())
	assert.Equal(t, "token-for-a@b.com", h.m.Token())
	assert.Zero(t, h.m.Remaining())

	sess := h.m.Session()
	assert.True(t, sess.IsAuthenticated)
	assert.True(t, sess.IsEmailVerified)

	_, ok = h.stored(t, KeyOTPExpiry)
	assert.False(t, ok)
	token, _ := h.stored(t, KeyAuthToken)
	assert.Equal(t, "token-for-a@b.com", token)

	assert.Equal(t, []State{EmailVerified, OTPPending, Authenticated}, seen)
}

func TestRequestCode_FallbackExpiry(t *testing.T) {
	h := newHarness(t)
	h.api.noExpiry = true

	require.NoError(t, h.m.Login(context.Background(), "a@b.com"))
	assert.Equal(t, DefaultFallbackTTL, h.m.Remaining())
}

func TestRequestCode_FailureKeepsState(t *testing.T) {
	h := newHarness(t)
	h.api.sendErr = client.ErrDeliveryFailure

	err := h.m.Login(context.Background(), "a@b.com")
	assert.ErrorIs(t, err, client.ErrDeliveryFailure)
	assert.Equal(t, EmailVerified, h.m.State())
}

func TestResend_AfterDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.sendErr = client.ErrDeliveryFailure

	assert.ErrorIs(t, h.m.Login(ctx, "a@b.com"), client.ErrDeliveryFailure)
	require.Equal(t, EmailVerified, h.m.State())

	h.api.sendErr = nil
	require.NoError(t, h.m.Resend(ctx))
	assert.Equal(t, OTPPending, h.m.State())
	assert.Equal(t, 30*time.Second, h.m.Remaining())
	assert.Equal(t, 2, h.api.sends)

	require.NoError(t, h.m.Verify(ctx, "123456"))
	assert.Equal(t, Authenticated, h.m.State())
}

func TestResend_NotAllowedWhenAnonymous(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.m.Resend(context.Background()), ErrInvalidTransition)
	assert.Zero(t, h.api.sends)
}

func TestVerify_RejectsMalformedCodeLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.m.Login(ctx, "a@b.com"))
	h.api.verifyErr = errors.New("server must not be called")

	for _, code := range []string{"", "12345", "1234567", "12a456", "12 456"} {
		assert.ErrorIs(t, h.m.Verify(ctx, code), ErrInvalidCode, "code %q", code)
	}
	assert.Equal(t, OTPPending, h.m.State())

	h.api.verifyErr = nil
	require.NoError(t, h.m.Verify(ctx, " 123456 "))
	assert.Equal(t, Authenticated, h.m.State())
}

func TestVerify_ExpiredGoesToResend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.Login(ctx, "a@b.com"))
	h.api.verifyErr = client.ErrNotFoundOrExpired

	assert.ErrorIs(t, h.m.Verify(ctx, "123456"), client.ErrNotFoundOrExpired)
	assert.Equal(t, OTPExpired, h.m.State())

	h.api.verifyErr = nil
	h.clock.Advance(40 * time.Second)
	require.NoError(t, h.m.Resend(ctx))
	assert.Equal(t, OTPPending, h.m.State())
	assert.Equal(t, 30*time.Second, h.m.Remaining())
	assert.Equal(t, 2, h.api.sends)
}

func TestVerify_NotAllowedBeforeRequest(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.m.Verify(context.Background(), "123456"), ErrInvalidTransition)
}

func TestCountdownExpires(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Login(context.Background(), "a@b.com"))

	expired := make(chan struct{})
	h.m.OnChange(func(s Snapshot) {
		if s.State == OTPExpired {
			close(expired)
		}
	})

	h.clock.Advance(30 * time.Second)

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("countdown did not expire")
	}
	assert.Equal(t, OTPExpired, h.m.State())
	assert.Zero(t, h.m.Remaining())
}

func TestCountdownTicks(t *testing.T) {
	h := newHarness(t)

	var sawAdvance atomic.Bool
	h.m.OnTick(func(d time.Duration) {
		if d == 18*time.Second {
			sawAdvance.Store(true)
		}
	})
	require.NoError(t, h.m.Login(context.Background(), "a@b.com"))
	h.clock.Advance(12 * time.Second)

	assert.Eventually(t, sawAdvance.Load, 2*time.Second, 5*time.Millisecond)
}

func TestBackCancelsCountdownAndClears(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Login(context.Background(), "a@b.com"))

	require.NoError(t, h.m.Back())
	assert.Equal(t, Anonymous, h.m.State())

	h.clock.Advance(time.Minute)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Anonymous, h.m.State())

	for _, key := range allKeys {
		_, ok := h.stored(t, key)
		assert.False(t, ok, key)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.m.Login(ctx, "a@b.com"))
	require.NoError(t, h.m.Verify(ctx, "123456"))

	require.NoError(t, h.m.Logout(ctx))
	assert.Equal(t, Anonymous, h.m.State())
	assert.Equal(t, []string{"token-for-a@b.com"}, h.api.logouts)
	_, ok := h.stored(t, KeyAuthToken)
	assert.False(t, ok)
}

func TestBusyGuardAndStaleResult(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.SubmitEmail("a@b.com"))

	h.api.gate = make(chan struct{})
	errc := make(chan error, 1)
	go func() { errc <- h.m.RequestCode(context.Background()) }()

	assert.Eventually(t, func() bool {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		return h.m.busy
	}, time.Second, time.Millisecond)
	assert.True(t, errors.Is(h.m.RequestCode(context.Background()), ErrBusy))

	require.NoError(t, h.m.Back())
	close(h.api.gate)

	assert.ErrorIs(t, <-errc, ErrStale)
	assert.Equal(t, Anonymous, h.m.State())
	_, ok := h.stored(t, KeyOTPExpiry)
	assert.False(t, ok)
}

func TestLoadResumesFromPersistedExpiry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Login(context.Background(), "a@b.com"))
	h.m.Close()

	h.clock.Advance(20 * time.Second)

	reloaded := NewMachine(h.api, h.storage, h.clock, discardLogger(), Config{TickInterval: 5 * time.Millisecond})
	t.Cleanup(reloaded.Close)
	require.NoError(t, reloaded.Load())

	assert.Equal(t, OTPPending, reloaded.State())
	assert.Equal(t, 10*time.Second, reloaded.Remaining())
	assert.Equal(t, "a@b.com", reloaded.Session().Email)

	reloaded.Resume()
	h.clock.Advance(10 * time.Second)
	assert.Eventually(t, func() bool { return reloaded.State() == OTPExpired }, 2*time.Second, 5*time.Millisecond)
}

func TestLoadStates(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   State
	}{
		{name: "empty", want: Anonymous},
		{name: "email only", values: map[string]string{
			KeyAuthUser: `{"email":"a@b.com","isAuthenticated":false,"isEmailVerified":true}`,
		}, want: EmailVerified},
		{name: "expired code", values: map[string]string{
			KeyAuthUser:  `{"email":"a@b.com","isAuthenticated":false,"isEmailVerified":true}`,
			KeyOTPExpiry: "2026-02-07T08:59:00.000Z",
			KeyOTPEmail:  "a@b.com",
		}, want: OTPExpired},
		{name: "authenticated", values: map[string]string{
			KeyAuthUser:  `{"email":"a@b.com","isAuthenticated":true,"isEmailVerified":true}`,
			KeyAuthToken: "tok",
		}, want: Authenticated},
		{name: "garbage", values: map[string]string{KeyAuthUser: `{`}, want: Anonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := NewMemoryStorage()
			for k, v := range tt.values {
				require.NoError(t, storage.Set(k, v))
			}
			clk := clock.NewFake(t0)
			m := NewMachine(&fakeAPI{clock: clk}, storage, clk, discardLogger(), Config{})
			defer m.Close()

			require.NoError(t, m.Load())
			assert.Equal(t, tt.want, m.State())
		})
	}
}

func TestAuthenticatedImpliesEmailVerified(t *testing.T) {
	sess, err := decodeAuthUser(`{"email":"a@b.com","isAuthenticated":true,"isEmailVerified":false}`)
	require.NoError(t, err)
	assert.True(t, sess.IsEmailVerified)
}

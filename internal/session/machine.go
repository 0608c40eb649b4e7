package session

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/qcom/mailotp/internal/client"
	"github.com/qcom/mailotp/internal/clock"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned when a network operation is already outstanding.
	ErrBusy = errors.New("another request is in progress")

	ErrInvalidEmail      = errors.New("please enter a valid email address")
	ErrInvalidCode       = errors.New("the code must be 6 digits")
	ErrInvalidTransition = errors.New("operation not allowed in the current state")

	// ErrStale means the session moved on (back, logout) while the request
	// was in flight, so its result was discarded.
	ErrStale = errors.New("session changed while the request was in flight")
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	codePattern  = regexp.MustCompile(`^\d{6}$`)
)

// API is the subset of the HTTP client the machine needs.
type API interface {
	SendOTP(ctx context.Context, email string) (*client.SendResult, error)
	VerifyOTP(ctx context.Context, email, code string) (*client.VerifyResult, error)
	Logout(ctx context.Context, token string) error
}

type Config struct {
	// FallbackTTL sets the local expiry when the server does not report one.
	FallbackTTL  time.Duration
	TickInterval time.Duration
}

const (
	DefaultFallbackTTL  = 30 * time.Second
	DefaultTickInterval = time.Second
)

type Machine struct {
	api     API
	storage Storage
	clock   clock.Clock
	logger  *logrus.Logger
	cfg     Config

	root       context.Context
	cancelRoot context.CancelFunc

	mu        sync.Mutex
	state     State
	session   Session
	token     string
	busy      bool
	gen       uint64
	countdown *Countdown
	onChange  []func(Snapshot)
	onTick    []func(time.Duration)
}

func NewMachine(api API, storage Storage, clk clock.Clock, logger *logrus.Logger, cfg Config) *Machine {
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = DefaultFallbackTTL
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	root, cancel := context.WithCancel(context.Background())
	return &Machine{
		api:        api,
		storage:    storage,
		clock:      clk,
		logger:     logger,
		cfg:        cfg,
		root:       root,
		cancelRoot: cancel,
	}
}

// OnChange registers fn to be called after every state transition.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// OnTick registers fn to receive the remaining time on every countdown tick.
func (m *Machine) OnTick(fn func(time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTick = append(m.onTick, fn)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Machine) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Remaining is derived from the persisted absolute expiry, never from a
// running counter.
func (m *Machine) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked()
}

func (m *Machine) remainingLocked() time.Duration {
	if m.state != OTPPending && m.state != OTPExpired {
		return 0
	}
	return max(0, m.session.OTPExpiry.Sub(m.clock.Now()))
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		State:     m.state,
		Email:     m.session.Email,
		Remaining: m.remainingLocked(),
	}
}

// Load rebuilds the state from storage. It does not start the countdown; call
// Resume for that.
func (m *Machine) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopCountdownLocked()
	m.state = Anonymous
	m.session = Session{}
	m.token = ""
	m.gen++

	raw, ok, err := m.storage.Get(KeyAuthUser)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	sess, err := decodeAuthUser(raw)
	if err != nil {
		m.logger.WithError(err).Warn("Discarding unreadable session")
		return m.storage.Delete(allKeys...)
	}
	m.session = sess

	if sess.IsAuthenticated {
		token, _, err := m.storage.Get(KeyAuthToken)
		if err != nil {
			return err
		}
		m.token = token
		m.state = Authenticated
		return nil
	}

	expRaw, hasExpiry, err := m.storage.Get(KeyOTPExpiry)
	if err != nil {
		return err
	}
	email, hasEmail, err := m.storage.Get(KeyOTPEmail)
	if err != nil {
		return err
	}
	if hasExpiry && hasEmail {
		if exp, err := time.Parse(time.RFC3339Nano, expRaw); err == nil {
			m.session.OTPExpiry = exp
			if email != "" {
				m.session.Email = email
			}
			m.state = OTPPending
			if m.remainingLocked() <= 0 {
				m.state = OTPExpired
			}
			return nil
		}
		m.logger.WithField("otp_expiry", expRaw).Warn("Ignoring malformed OTP expiry")
	}

	if sess.IsEmailVerified {
		m.state = EmailVerified
	}
	return nil
}

// Resume restarts the countdown after Load when a code is still pending.
func (m *Machine) Resume() {
	m.mu.Lock()
	if m.state != OTPPending || m.countdown != nil {
		m.mu.Unlock()
		return
	}
	if m.remainingLocked() <= 0 {
		notify := m.setStateLocked(OTPExpired)
		m.mu.Unlock()
		notify()
		return
	}
	m.startCountdownLocked()
	m.mu.Unlock()
}

// SubmitEmail applies the local format check. It makes no network call.
func (m *Machine) SubmitEmail(email string) error {
	email = strings.TrimSpace(email)

	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.state != Anonymous && m.state != EmailVerified {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	if !emailPattern.MatchString(email) {
		m.mu.Unlock()
		return ErrInvalidEmail
	}

	sess := Session{Email: email, IsEmailVerified: true}
	if err := m.persistAuthUserLocked(sess); err != nil {
		m.mu.Unlock()
		return err
	}
	m.session = sess

	notify := m.setStateLocked(EmailVerified)
	m.mu.Unlock()
	notify()
	return nil
}

// RequestCode asks the server to email a code for the submitted address.
func (m *Machine) RequestCode(ctx context.Context) error {
	return m.issue(ctx, EmailVerified)
}

// Resend re-issues a code. The previous code stops working server side.
// From EmailVerified it retries a request whose delivery failed.
func (m *Machine) Resend(ctx context.Context) error {
	return m.issue(ctx, EmailVerified, OTPPending, OTPExpired)
}

// Login is SubmitEmail followed by RequestCode.
func (m *Machine) Login(ctx context.Context, email string) error {
	if err := m.SubmitEmail(email); err != nil {
		return err
	}
	return m.RequestCode(ctx)
}

func (m *Machine) issue(ctx context.Context, from ...State) error {
	email, gen, err := m.begin(from...)
	if err != nil {
		return err
	}

	res, err := m.api.SendOTP(ctx, email)

	m.mu.Lock()
	m.busy = false
	if m.gen != gen {
		m.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}

	expiry := res.ExpiresAt
	if expiry.IsZero() {
		expiry = m.clock.Now().Add(m.cfg.FallbackTTL)
	}
	if err := m.storage.Set(KeyOTPExpiry, expiry.UTC().Format(time.RFC3339Nano)); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.storage.Set(KeyOTPEmail, email); err != nil {
		m.mu.Unlock()
		return err
	}
	m.session.OTPExpiry = expiry

	notify := m.setStateLocked(OTPPending)
	m.startCountdownLocked()
	m.mu.Unlock()
	notify()

	m.logger.WithFields(logrus.Fields{
		"email":      email,
		"expires_at": expiry.Format(time.RFC3339),
	}).Debug("Code requested")
	return nil
}

// Verify submits code. A wrong code leaves the machine pending for a retry; an
// expired or unknown challenge moves it to OTPExpired.
func (m *Machine) Verify(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if !codePattern.MatchString(code) {
		return ErrInvalidCode
	}

	email, gen, err := m.begin(OTPPending)
	if err != nil {
		return err
	}

	res, err := m.api.VerifyOTP(ctx, email, code)

	m.mu.Lock()
	m.busy = false
	if m.gen != gen {
		m.mu.Unlock()
		return ErrStale
	}
	if errors.Is(err, client.ErrNotFoundOrExpired) {
		notify := m.setStateLocked(OTPExpired)
		m.mu.Unlock()
		notify()
		return err
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}

	sess := m.session
	sess.IsEmailVerified = true
	sess.IsAuthenticated = true
	sess.OTPExpiry = time.Time{}

	if err := m.persistAuthUserLocked(sess); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.storage.Set(KeyAuthToken, res.AccessToken); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.storage.Delete(KeyOTPExpiry, KeyOTPEmail); err != nil {
		m.mu.Unlock()
		return err
	}
	m.session = sess
	m.token = res.AccessToken

	notify := m.setStateLocked(Authenticated)
	m.mu.Unlock()
	notify()
	return nil
}

// Logout revokes the access token server side when there is one, then clears
// everything. A failed revocation is logged and does not block the local reset.
func (m *Machine) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	token := m.token
	m.busy = token != ""
	m.mu.Unlock()

	if token != "" {
		if err := m.api.Logout(ctx, token); err != nil {
			m.logger.WithError(err).Warn("Server logout failed, clearing local session anyway")
		}
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
	}

	return m.Back()
}

// Back abandons the flow and returns to Anonymous from any state.
func (m *Machine) Back() error {
	m.mu.Lock()
	err := m.storage.Delete(allKeys...)
	m.session = Session{}
	m.token = ""
	notify := m.setStateLocked(Anonymous)
	m.mu.Unlock()
	notify()
	return err
}

// Close stops the countdown and waits for it to exit.
func (m *Machine) Close() {
	m.mu.Lock()
	c := m.countdown
	m.countdown = nil
	m.mu.Unlock()

	m.cancelRoot()
	if c != nil {
		<-c.Done()
	}
}

// begin marks a network operation as outstanding and returns the email and
// generation it runs against.
func (m *Machine) begin(from ...State) (string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy {
		return "", 0, ErrBusy
	}
	if !slices.Contains(from, m.state) {
		return "", 0, ErrInvalidTransition
	}
	m.busy = true
	return m.session.Email, m.gen, nil
}

func (m *Machine) persistAuthUserLocked(sess Session) error {
	raw, err := encodeAuthUser(sess)
	if err != nil {
		return err
	}
	return m.storage.Set(KeyAuthUser, raw)
}

// setStateLocked records a transition and returns a func that notifies
// listeners; call it after releasing the lock.
func (m *Machine) setStateLocked(s State) func() {
	if s != OTPPending {
		m.stopCountdownLocked()
	}
	prev := m.state
	m.state = s
	m.gen++

	m.logger.WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Debug("Session transition")

	snap := m.snapshotLocked()
	listeners := slices.Clone(m.onChange)
	return func() {
		for _, fn := range listeners {
			fn(snap)
		}
	}
}

func (m *Machine) startCountdownLocked() {
	m.stopCountdownLocked()
	gen := m.gen
	m.countdown = startCountdown(m.root, m.cfg.TickInterval, func() bool {
		return m.tick(gen)
	})
}

func (m *Machine) stopCountdownLocked() {
	if m.countdown != nil {
		m.countdown.Stop()
		m.countdown = nil
	}
}

// tick runs on the countdown goroutine. A tick from an older generation is a
// leftover from before a transition and is dropped.
func (m *Machine) tick(gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen || m.state != OTPPending {
		m.mu.Unlock()
		return false
	}

	remaining := m.remainingLocked()
	if remaining <= 0 {
		notify := m.setStateLocked(OTPExpired)
		m.mu.Unlock()
		notify()
		return false
	}

	listeners := slices.Clone(m.onTick)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(remaining)
	}
	return true
}

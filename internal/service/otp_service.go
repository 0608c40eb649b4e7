package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qcom/mailotp/internal/clock"
	"github.com/qcom/mailotp/internal/config"
	"github.com/qcom/mailotp/internal/delivery"
	"github.com/qcom/mailotp/internal/instrument"
	"github.com/qcom/mailotp/internal/models"
	"github.com/qcom/mailotp/internal/repository"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// IssueResult is what the caller learns about a new challenge. It never
// carries the code, which only travels through the delivery gateway.
type IssueResult struct {
	Email     string
	ExpiresAt time.Time
}

// OTPService issues and verifies email OTP challenges.
type OTPService struct {
	store     repository.ChallengeStore
	gateway   delivery.Gateway
	renderer  *delivery.Renderer
	clock     clock.Clock
	generator CodeGenerator
	protector CodeProtector
	emails    EmailValidator
	ttl       time.Duration
	rollback  bool
	logger    *logrus.Logger

	tracer   trace.Tracer
	issued   metric.Int64Counter
	verified metric.Int64Counter
	failures metric.Int64Counter
}

type OTPOption func(*OTPService)

func WithClock(c clock.Clock) OTPOption {
	return func(s *OTPService) { s.clock = c }
}

func WithCodeGenerator(g CodeGenerator) OTPOption {
	return func(s *OTPService) { s.generator = g }
}

func WithCodeProtector(p CodeProtector) OTPOption {
	return func(s *OTPService) { s.protector = p }
}

func WithEmailValidator(v EmailValidator) OTPOption {
	return func(s *OTPService) { s.emails = v }
}

func WithRenderer(r *delivery.Renderer) OTPOption {
	return func(s *OTPService) { s.renderer = r }
}

func WithInstrumentation(ins instrument.Instrumentation) OTPOption {
	return func(s *OTPService) {
		s.tracer = ins.Tracer("mailotp/service")
		s.initMetrics(ins.Meter("mailotp/service"))
	}
}

func NewOTPService(
	store repository.ChallengeStore,
	gateway delivery.Gateway,
	cfg *config.OTPConfig,
	logger *logrus.Logger,
	opts ...OTPOption,
) (*OTPService, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("otp ttl must be positive")
	}

	s := &OTPService{
		store:     store,
		gateway:   gateway,
		clock:     clock.New(),
		generator: RandomCodeGenerator{},
		protector: PlainProtector{},
		emails:    BasicEmailValidator{},
		ttl:       cfg.TTL,
		rollback:  cfg.RollbackOnDeliveryFailure,
		logger:    logger,
	}

	if cfg.CodeProtection == config.CodeProtectionBcrypt {
		s.protector = BcryptProtector{}
	}
	if cfg.EmailValidation == config.EmailValidationStrict {
		s.emails = NewStrictEmailValidator()
	}

	noop := instrument.NewNoop()
	s.tracer = noop.Tracer("mailotp/service")
	s.initMetrics(noop.Meter("mailotp/service"))

	for _, opt := range opts {
		opt(s)
	}

	if s.renderer == nil {
		r, err := delivery.NewRenderer(delivery.RendererConfig{})
		if err != nil {
			return nil, err
		}
		s.renderer = r
	}

	return s, nil
}

func (s *OTPService) initMetrics(m metric.Meter) {
	var err error
	if s.issued, err = m.Int64Counter("otp.issued", metric.WithDescription("Challenges issued and delivered")); err != nil {
		s.issued = metricnoop.Int64Counter{}
	}
	if s.verified, err = m.Int64Counter("otp.verified", metric.WithDescription("Challenges verified and consumed")); err != nil {
		s.verified = metricnoop.Int64Counter{}
	}
	if s.failures, err = m.Int64Counter("otp.failures", metric.WithDescription("Failed issue or verify calls by reason")); err != nil {
		s.failures = metricnoop.Int64Counter{}
	}
}

// TTL returns the validity window of new challenges.
func (s *OTPService) TTL() time.Duration {
	return s.ttl
}

func (s *OTPService) fail(ctx context.Context, span trace.Span, op, reason string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	s.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("reason", reason),
	))
}

// IssueChallenge creates or replaces the challenge for email and makes one
// delivery attempt. The code is never returned.
func (s *OTPService) IssueChallenge(ctx context.Context, email string) (*IssueResult, error) {
	ctx, span := s.tracer.Start(ctx, "IssueChallenge")
	defer span.End()

	email = strings.TrimSpace(email)
	if email == "" || !s.emails.Valid(email) {
		s.fail(ctx, span, "issue", "validation", ErrValidation)
		return nil, ErrValidation
	}

	code, err := s.generator.Generate()
	if err != nil {
		s.fail(ctx, span, "issue", "internal", err)
		return nil, fmt.Errorf("failed to generate OTP: %w", err)
	}

	msg, err := s.renderer.Render(email, code, s.ttl)
	if err != nil {
		s.fail(ctx, span, "issue", "internal", err)
		return nil, fmt.Errorf("failed to render OTP message: %w", err)
	}

	sealed, err := s.protector.Seal(code)
	if err != nil {
		s.fail(ctx, span, "issue", "internal", err)
		return nil, err
	}

	// Millisecond precision survives every store (BSON dates included), so a
	// challenge read back compares equal to the one written.
	now := s.clock.Now().Truncate(time.Millisecond)
	challenge := models.Challenge{
		Email:     email,
		Code:      sealed,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if err := s.store.Put(ctx, email, challenge); err != nil {
		s.fail(ctx, span, "issue", "internal", err)
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	if err := s.gateway.Send(ctx, msg); err != nil {
		s.logger.WithError(err).WithField("email", email).Error("Failed to deliver OTP")
		if s.rollback {
			s.rollbackChallenge(ctx, email, challenge)
		}
		s.fail(ctx, span, "issue", "delivery", err)
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}

	s.issued.Add(ctx, 1)
	s.logger.WithFields(logrus.Fields{
		"email":      email,
		"expires_at": challenge.ExpiresAt.Format(time.RFC3339),
	}).Info("OTP challenge issued")

	return &IssueResult{Email: email, ExpiresAt: challenge.ExpiresAt}, nil
}

// rollbackChallenge removes the challenge written by a failed issuance, unless
// a concurrent issuance has already replaced it.
func (s *OTPService) rollbackChallenge(ctx context.Context, email string, written models.Challenge) {
	current, err := s.store.Get(ctx, email)
	if err != nil {
		return
	}
	if current.Code != written.Code || !current.CreatedAt.Equal(written.CreatedAt) {
		return
	}
	if err := s.store.Remove(ctx, email); err != nil {
		s.logger.WithError(err).WithField("email", email).Warn("Failed to roll back undelivered challenge")
	}
}

// VerifyChallenge checks code against the live challenge for email. A match
// consumes the challenge; a mismatch leaves it in place until expiry.
func (s *OTPService) VerifyChallenge(ctx context.Context, email, code string) error {
	ctx, span := s.tracer.Start(ctx, "VerifyChallenge")
	defer span.End()

	email = strings.TrimSpace(email)

	challenge, err := s.store.Get(ctx, email)
	if errors.Is(err, repository.ErrChallengeNotFound) {
		s.fail(ctx, span, "verify", "not_found_or_expired", ErrNotFoundOrExpired)
		return ErrNotFoundOrExpired
	}
	if err != nil {
		s.fail(ctx, span, "verify", "internal", err)
		return fmt.Errorf("failed to get challenge: %w", err)
	}

	if challenge.ExpiredAt(s.clock.Now()) {
		s.fail(ctx, span, "verify", "not_found_or_expired", ErrNotFoundOrExpired)
		return ErrNotFoundOrExpired
	}

	if !s.protector.Match(challenge.Code, code) {
		s.fail(ctx, span, "verify", "mismatch", ErrMismatch)
		return ErrMismatch
	}

	if err := s.store.Remove(ctx, email); err != nil {
		s.fail(ctx, span, "verify", "internal", err)
		return fmt.Errorf("failed to consume challenge: %w", err)
	}

	s.verified.Add(ctx, 1)
	s.logger.WithField("email", email).Info("OTP challenge verified")
	return nil
}

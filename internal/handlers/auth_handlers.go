package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/qcom/mailotp/internal/middleware"
	"github.com/qcom/mailotp/internal/repository"
	"github.com/qcom/mailotp/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	otpService *service.OTPService
	jwtService *service.JWTService
	denylist   repository.TokenDenylist
	validator  *requestValidator
	logger     *logrus.Logger
}

func NewAuthHandlers(
	otpService *service.OTPService,
	jwtService *service.JWTService,
	denylist repository.TokenDenylist,
	logger *logrus.Logger,
) (*AuthHandlers, error) {
	v, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	return &AuthHandlers{
		otpService: otpService,
		jwtService: jwtService,
		denylist:   denylist,
		validator:  v,
		logger:     logger,
	}, nil
}

type SendOTPRequest struct {
	Email string `json:"email"`
}

type SendOTPResponse struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyOTPRequest accepts the code under either "code" or "otp".
type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required"`
	Code  string `json:"code" validate:"required"`
	OTP   string `json:"otp,omitempty" validate:"-"`
}

type VerifyOTPResponse struct {
	Message     string `json:"message"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type MeResponse struct {
	Email string `json:"email"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	result, err := h.otpService.IssueChallenge(r.Context(), req.Email)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, SendOTPResponse{
		Message:   "OTP sent successfully",
		ExpiresAt: result.ExpiresAt.UTC(),
	})
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		req.Code = strings.TrimSpace(req.OTP)
	}

	if msg := h.validator.Validate(req); msg != "" {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", msg)
		return
	}

	if err := h.otpService.VerifyChallenge(r.Context(), req.Email, req.Code); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	tokenPair, _, err := h.jwtService.GenerateAccessToken(req.Email)
	if err != nil {
		h.logger.WithError(err).Error("Failed to generate tokens")
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate tokens")
		return
	}

	h.respondWithJSON(w, http.StatusOK, VerifyOTPResponse{
		Message:     "OTP verified",
		AccessToken: tokenPair.AccessToken,
		TokenType:   tokenPair.TokenType,
		ExpiresIn:   tokenPair.ExpiresIn,
	})
}

// Logout revokes the presented access token. Must run behind RequireAuth.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}

	if err := h.denylist.Revoke(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		h.logger.WithError(err).Error("Failed to revoke access token")
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to log out")
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
		return
	}
	h.respondWithJSON(w, http.StatusOK, MeResponse{Email: claims.Email})
}

func Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *AuthHandlers) respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		h.respondWithError(w, http.StatusBadRequest, "INVALID_EMAIL", "Invalid email")
	case errors.Is(err, service.ErrDeliveryFailure):
		h.respondWithError(w, http.StatusInternalServerError, "DELIVERY_FAILED", "Failed to send OTP")
	case errors.Is(err, service.ErrNotFoundOrExpired):
		h.respondWithError(w, http.StatusBadRequest, "OTP_NOT_FOUND_OR_EXPIRED", "OTP expired or not found")
	case errors.Is(err, service.ErrMismatch):
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_OTP", "Invalid OTP")
	default:
		h.logger.WithError(err).Error("Unexpected service error")
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qcom/mailotp/internal/middleware"
	"github.com/sirupsen/logrus"
)

// NewRouter mounts the auth API under /api/v1 plus root-level aliases for the
// two OTP endpoints.
func NewRouter(
	authHandlers *AuthHandlers,
	authMiddleware *middleware.AuthMiddleware,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recover(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", Health).Methods("GET", "OPTIONS")
	router.HandleFunc("/send-otp", authHandlers.SendOTP).Methods("POST", "OPTIONS")
	router.HandleFunc("/verify-otp", authHandlers.VerifyOTP).Methods("POST", "OPTIONS")

	api := router.PathPrefix("/api/v1").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/send-otp", authHandlers.SendOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/verify-otp", authHandlers.VerifyOTP).Methods("POST", "OPTIONS")
	auth.Handle("/logout", authMiddleware.RequireAuth(http.HandlerFunc(authHandlers.Logout))).Methods("POST")

	protected := api.PathPrefix("/").Subrouter()
	protected.Use(authMiddleware.RequireAuth)
	protected.HandleFunc("/me", authHandlers.Me).Methods("GET")

	return router
}

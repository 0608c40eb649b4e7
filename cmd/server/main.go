package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/qcom/mailotp/internal/clock"
	"github.com/qcom/mailotp/internal/config"
	"github.com/qcom/mailotp/internal/delivery"
	"github.com/qcom/mailotp/internal/handlers"
	"github.com/qcom/mailotp/internal/instrument"
	"github.com/qcom/mailotp/internal/middleware"
	"github.com/qcom/mailotp/internal/service"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, keeping info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ins, err := instrument.New(ctx, instrument.Config{
		Enabled:          cfg.Telemetry.Enabled,
		ServiceName:      cfg.Telemetry.ServiceName,
		Environment:      cfg.Telemetry.Environment,
		OTLPEndpoint:     cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:     cfg.Telemetry.OTLPInsecure,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize telemetry")
	}

	clk := clock.New()

	stores, err := initBackends(ctx, cfg, clk, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize challenge store")
	}

	gateway, closeGateway, err := initGateway(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize delivery gateway")
	}

	renderer, err := delivery.NewRenderer(delivery.RendererConfig{
		From:     cfg.Delivery.From,
		Subject:  cfg.Delivery.Subject,
		SiteName: cfg.Delivery.SiteName,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse email templates")
	}

	// Initialize services
	jwtService, err := service.NewJWTService(&cfg.JWT, clk, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	otpService, err := service.NewOTPService(stores.store, gateway, &cfg.OTP, logger,
		service.WithClock(clk),
		service.WithRenderer(renderer),
		service.WithInstrumentation(ins),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize OTP service")
	}

	authHandlers, err := handlers.NewAuthHandlers(otpService, jwtService, stores.denylist, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize handlers")
	}

	authMiddleware := middleware.NewAuthMiddleware(jwtService, stores.denylist, logger)
	router := handlers.NewRouter(authHandlers, authMiddleware, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      middleware.CORS(cfg.Server.AllowedOrigins, router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":      cfg.Server.Port,
			"store":     cfg.Store.Backend,
			"transport": cfg.Delivery.Transport,
			"otp_ttl":   cfg.OTP.TTL.String(),
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	stores.close(shutdownCtx)
	closeGateway()
	if err := ins.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush telemetry")
	}

	logger.Info("Server exited")
}

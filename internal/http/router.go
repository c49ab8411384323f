package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tendant/mfa-vault/internal/config"
	"github.com/tendant/mfa-vault/internal/http/features/mfa"
	"github.com/tendant/mfa-vault/internal/http/middleware"
	"github.com/tendant/mfa-vault/internal/httputil"
	"github.com/tendant/mfa-vault/pkg/auth"
)

const maxRequestBodySize = 64 * 1024

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger          *slog.Logger
	MFAService      *auth.MFAService
	RecoveryService *auth.RecoveryService
	RateLimitConfig config.RateLimitConfig
}

// NewRouter creates a new HTTP router with all routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply global middleware
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequestSizeLimit(maxRequestBodySize))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	rateLimiters := middleware.CreateRateLimiters(cfg.RateLimitConfig, cfg.Logger)

	mfaHandler := mfa.NewHandler(cfg.Logger, cfg.MFAService, cfg.RecoveryService)

	// Code-accepting endpoints share the tighter limiter: every one of
	// them is a guessing surface.
	r.Group(func(r chi.Router) {
		r.Use(rateLimiters["verify"])
		r.Post("/v1/mfa/setup", mfaHandler.Setup)
		r.Post("/v1/mfa/setup/confirm", mfaHandler.Confirm)
		r.Post("/v1/mfa/verify", mfaHandler.Verify)
		r.Post("/v1/mfa/disable", mfaHandler.Disable)
		r.Post("/v1/mfa/recovery/bypass", mfaHandler.Bypass)
		r.Post("/v1/mfa/recovery/reset", mfaHandler.Reset)
	})

	r.Group(func(r chi.Router) {
		r.Use(rateLimiters["status"])
		r.Get("/v1/mfa/status", mfaHandler.Status)
	})

	return r
}

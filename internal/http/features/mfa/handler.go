package mfa

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tendant/mfa-vault/internal/httputil"
	"github.com/tendant/mfa-vault/pkg/auth"
	"github.com/tendant/mfa-vault/pkg/domain"
)

// Handler handles MFA-related HTTP requests. This service has no session
// layer of its own: the login UI in front of it authenticates users and
// passes opaque user ids through.
type Handler struct {
	logger     *slog.Logger
	mfaService *auth.MFAService
	recovery   *auth.RecoveryService
}

// NewHandler creates a new MFA handler.
func NewHandler(logger *slog.Logger, mfaService *auth.MFAService, recovery *auth.RecoveryService) *Handler {
	return &Handler{
		logger:     logger,
		mfaService: mfaService,
		recovery:   recovery,
	}
}

// SetupRequest represents the request body for MFA setup.
type SetupRequest struct {
	UserID string `json:"user_id"`
}

// SetupResponse represents the response body for MFA setup.
type SetupResponse struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

// Setup handles POST /v1/mfa/setup
func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	var req SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		httputil.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}

	setup, err := h.mfaService.SetupBegin(r.Context(), req.UserID, auth.DeviceFingerprint(r))
	if err != nil {
		h.writeError(w, req.UserID, "setup", err)
		return
	}

	httputil.JSON(w, http.StatusOK, SetupResponse{
		Secret:          setup.Secret,
		ProvisioningURI: setup.ProvisioningURI,
		BackupCodes:     setup.BackupCodes,
	})
}

// ConfirmRequest represents the request body for confirming MFA setup.
type ConfirmRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

// Confirm handles POST /v1/mfa/setup/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Code == "" {
		httputil.Error(w, http.StatusBadRequest, "user_id and code are required")
		return
	}

	if err := h.mfaService.SetupConfirm(r.Context(), req.UserID, req.Code, auth.DeviceFingerprint(r)); err != nil {
		h.writeError(w, req.UserID, "confirm", err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"message": "MFA enabled successfully"})
}

// VerifyRequest represents the request body for login verification.
type VerifyRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

// Verify handles POST /v1/mfa/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Code == "" {
		httputil.Error(w, http.StatusBadRequest, "user_id and code are required")
		return
	}

	if err := h.mfaService.VerifyLogin(r.Context(), req.UserID, req.Code, auth.DeviceFingerprint(r)); err != nil {
		h.writeError(w, req.UserID, "verify", err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"message": "verified"})
}

// DisableRequest represents the request body for disabling MFA.
type DisableRequest struct {
	UserID string `json:"user_id"`
}

// Disable handles POST /v1/mfa/disable
func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	var req DisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		httputil.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.mfaService.Disable(r.Context(), req.UserID, auth.DeviceFingerprint(r)); err != nil {
		h.writeError(w, req.UserID, "disable", err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"message": "MFA disabled"})
}

// StatusResponse represents the response body for MFA status.
type StatusResponse struct {
	HasSetup    bool       `json:"has_setup"`
	Verified    bool       `json:"verified"`
	Enabled     bool       `json:"enabled"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// Status handles GET /v1/mfa/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httputil.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}

	status := h.mfaService.Status(r.Context(), userID, auth.DeviceFingerprint(r))
	httputil.JSON(w, http.StatusOK, StatusResponse{
		HasSetup:    status.HasSetup,
		Verified:    status.Verified,
		Enabled:     status.Enabled,
		LockedUntil: status.LockedUntil,
	})
}

// BypassRequest represents the request body for issuing an emergency bypass.
type BypassRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
	TTL    string `json:"ttl"` // Go duration, e.g. "1h"; max 24h
}

// BypassResponse represents the response body for an issued bypass.
type BypassResponse struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
}

// Bypass handles POST /v1/mfa/recovery/bypass
func (h *Handler) Bypass(w http.ResponseWriter, r *http.Request) {
	var req BypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		httputil.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}
	ttl, err := time.ParseDuration(req.TTL)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "ttl must be a duration like 1h")
		return
	}

	token, err := h.recovery.IssueBypass(r.Context(), req.UserID, req.Reason, ttl)
	if err != nil {
		h.writeError(w, req.UserID, "bypass", err)
		return
	}

	httputil.JSON(w, http.StatusOK, BypassResponse{
		UserID:    token.UserID,
		ExpiresAt: token.ExpiresAt,
		Reason:    token.Reason,
	})
}

// ResetRequest represents the request body for a destructive reset. The
// caller must echo the user id in confirm; this is deliberately not
// reachable from any verification path.
type ResetRequest struct {
	UserID  string `json:"user_id"`
	Confirm string `json:"confirm"`
}

// Reset handles POST /v1/mfa/recovery/reset
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		httputil.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.recovery.Reset(r.Context(), req.UserID, req.Confirm); err != nil {
		h.writeError(w, req.UserID, "reset", err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"message": "MFA reset. User must set up again."})
}

// writeError maps domain errors onto HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, userID, op string, err error) {
	var locked *domain.LockedError
	switch {
	case errors.As(err, &locked):
		retry := int(locked.Remaining(time.Now()).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		httputil.JSON(w, http.StatusTooManyRequests, map[string]any{
			"error":        "too many failed attempts",
			"locked_until": locked.Until,
		})
	case errors.Is(err, domain.ErrInvalidMFACode), errors.Is(err, domain.ErrInvalidRecoveryCode):
		httputil.Error(w, http.StatusUnauthorized, "invalid code")
	case errors.Is(err, domain.ErrMFAAlreadyEnabled):
		httputil.Error(w, http.StatusConflict, "MFA is already enabled")
	case errors.Is(err, domain.ErrMFANotSetup):
		httputil.Error(w, http.StatusBadRequest, "MFA setup not initiated")
	case errors.Is(err, domain.ErrMFANotEnabled):
		httputil.Error(w, http.StatusBadRequest, "MFA is not enabled")
	case errors.Is(err, domain.ErrResetNotConfirmed):
		httputil.Error(w, http.StatusBadRequest, "confirm must match user_id")
	case errors.Is(err, domain.ErrBypassReasonEmpty):
		httputil.Error(w, http.StatusBadRequest, "reason is required")
	case errors.Is(err, domain.ErrBypassTTLTooLong):
		httputil.Error(w, http.StatusBadRequest, "ttl must be positive and at most 24h")
	case errors.Is(err, domain.ErrAllSlotsFailed):
		h.logger.Error("local storage unavailable", "user_id", userID, "op", op, "error", err)
		httputil.Error(w, http.StatusServiceUnavailable, "storage unavailable, try again")
	default:
		h.logger.Error("mfa operation failed", "user_id", userID, "op", op, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal error")
	}
}

package mfa_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tendant/mfa-vault/internal/config"
	httpserver "github.com/tendant/mfa-vault/internal/http"
	"github.com/tendant/mfa-vault/pkg/audit"
	"github.com/tendant/mfa-vault/pkg/auth"
	"github.com/tendant/mfa-vault/pkg/crypto"
	"github.com/tendant/mfa-vault/pkg/store"
	"github.com/tendant/mfa-vault/pkg/syncer"
	"github.com/tendant/mfa-vault/pkg/totp"
)

// newTestServer wires the whole stack behind the real router, rate limiting
// off so repeated requests in one test do not trip it.
func newTestServer(t *testing.T) (http.Handler, *syncer.Coordinator) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := audit.NewRecorder()

	cipher, err := crypto.NewAESGCM(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}

	slots := store.NewMemorySlots()
	coordinator := syncer.NewCoordinator(syncer.Config{
		Attempts:       2,
		AttemptTimeout: time.Second,
		BackoffBase:    time.Millisecond,
	}, syncer.NewMemoryRemote(), cipher, recorder, logger)
	creds := store.NewCredentialStore(store.Config{DeviceFingerprint: "test-node"}, slots, coordinator, logger)

	recovery := auth.NewRecoveryService(auth.RecoveryConfig{
		SigningKey: []byte("test-signing-key"),
		Issuer:     "mfa-vault-test",
	}, slots, creds, recorder, logger)
	creds.SetBypassChecker(recovery)

	mfaService := auth.NewMFAService(auth.MFAConfig{Issuer: "mfa-vault-test"},
		creds, auth.NewLockoutGuard(auth.LockoutConfig{}), recorder, logger)

	router := httpserver.NewRouter(httpserver.RouterConfig{
		Logger:          logger,
		MFAService:      mfaService,
		RecoveryService: recovery,
		RateLimitConfig: config.RateLimitConfig{Enabled: false},
	})
	return router, coordinator
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.FingerprintHeader, "test-client-device")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", w.Code)
	}
}

func TestSetupConfirmVerifyFlow(t *testing.T) {
	h, coordinator := newTestServer(t)

	// Setup
	w := doJSON(t, h, "POST", "/v1/mfa/setup", map[string]string{"user_id": "user-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("setup = %d, body %s", w.Code, w.Body)
	}
	var setup struct {
		Secret          string   `json:"secret"`
		ProvisioningURI string   `json:"provisioning_uri"`
		BackupCodes     []string `json:"backup_codes"`
	}
	decodeBody(t, w, &setup)
	if setup.Secret == "" || setup.ProvisioningURI == "" {
		t.Fatalf("incomplete setup response: %+v", setup)
	}
	if len(setup.BackupCodes) != 8 {
		t.Fatalf("backup codes = %d, want 8", len(setup.BackupCodes))
	}

	// Confirm with a live code
	code, err := totp.Generate(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	w = doJSON(t, h, "POST", "/v1/mfa/setup/confirm", map[string]string{"user_id": "user-1", "code": code})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm = %d, body %s", w.Code, w.Body)
	}

	// Status reflects the enabled credential
	w = doJSON(t, h, "GET", "/v1/mfa/status?user_id=user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var status struct {
		HasSetup bool `json:"has_setup"`
		Verified bool `json:"verified"`
		Enabled  bool `json:"enabled"`
	}
	decodeBody(t, w, &status)
	if !status.HasSetup || !status.Verified || !status.Enabled {
		t.Errorf("status = %+v, want all true", status)
	}

	// Verify at login
	code, err = totp.Generate(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	w = doJSON(t, h, "POST", "/v1/mfa/verify", map[string]string{"user_id": "user-1", "code": code})
	if w.Code != http.StatusOK {
		t.Errorf("verify = %d, body %s", w.Code, w.Body)
	}

	// Backup code works too
	w = doJSON(t, h, "POST", "/v1/mfa/verify", map[string]string{"user_id": "user-1", "code": setup.BackupCodes[0]})
	if w.Code != http.StatusOK {
		t.Errorf("verify with backup code = %d, body %s", w.Code, w.Body)
	}

	// Setup again while enabled conflicts
	w = doJSON(t, h, "POST", "/v1/mfa/setup", map[string]string{"user_id": "user-1"})
	if w.Code != http.StatusConflict {
		t.Errorf("setup while enabled = %d, want 409", w.Code)
	}

	// Disable, then verification is refused
	w = doJSON(t, h, "POST", "/v1/mfa/disable", map[string]string{"user_id": "user-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("disable = %d, body %s", w.Code, w.Body)
	}
	w = doJSON(t, h, "POST", "/v1/mfa/verify", map[string]string{"user_id": "user-1", "code": code})
	if w.Code != http.StatusBadRequest {
		t.Errorf("verify while disabled = %d, want 400", w.Code)
	}

	coordinator.Wait()
}

func TestRequestValidation(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"setup missing user", "POST", "/v1/mfa/setup", map[string]string{}, http.StatusBadRequest},
		{"confirm missing code", "POST", "/v1/mfa/setup/confirm", map[string]string{"user_id": "u"}, http.StatusBadRequest},
		{"verify missing code", "POST", "/v1/mfa/verify", map[string]string{"user_id": "u"}, http.StatusBadRequest},
		{"status missing user", "GET", "/v1/mfa/status", nil, http.StatusBadRequest},
		{"confirm without setup", "POST", "/v1/mfa/setup/confirm", map[string]string{"user_id": "u", "code": "123456"}, http.StatusBadRequest},
		{"disable without setup", "POST", "/v1/mfa/disable", map[string]string{"user_id": "u"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.want)
			}
		})
	}
}

func TestMalformedBody(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/mfa/setup", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", w.Code)
	}
}

func TestWrongCodeAndLockout(t *testing.T) {
	h, coordinator := newTestServer(t)

	w := doJSON(t, h, "POST", "/v1/mfa/setup", map[string]string{"user_id": "user-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("setup = %d", w.Code)
	}
	var setup struct {
		Secret string `json:"secret"`
	}
	decodeBody(t, w, &setup)
	code, err := totp.Generate(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	w = doJSON(t, h, "POST", "/v1/mfa/setup/confirm", map[string]string{"user_id": "user-1", "code": code})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm = %d", w.Code)
	}

	// Three wrong codes are 401s, the fourth attempt is locked out.
	for i := 0; i < 3; i++ {
		w = doJSON(t, h, "POST", "/v1/mfa/verify", map[string]string{"user_id": "user-1", "code": "000000"})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("wrong code attempt %d = %d, want 401", i+1, w.Code)
		}
	}
	w = doJSON(t, h, "POST", "/v1/mfa/verify", map[string]string{"user_id": "user-1", "code": "000000"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("locked attempt = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("locked response missing Retry-After header")
	}
	var lockedBody struct {
		LockedUntil time.Time `json:"locked_until"`
	}
	decodeBody(t, w, &lockedBody)
	if lockedBody.LockedUntil.IsZero() {
		t.Error("locked response missing locked_until")
	}

	// Status reports the lockout for this device.
	w = doJSON(t, h, "GET", "/v1/mfa/status?user_id=user-1", nil)
	var status struct {
		LockedUntil *time.Time `json:"locked_until"`
	}
	decodeBody(t, w, &status)
	if status.LockedUntil == nil {
		t.Error("status missing locked_until during lockout")
	}

	coordinator.Wait()
}

func TestRecoveryEndpoints(t *testing.T) {
	h, coordinator := newTestServer(t)

	w := doJSON(t, h, "POST", "/v1/mfa/setup", map[string]string{"user_id": "user-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("setup = %d", w.Code)
	}
	var setup struct {
		Secret string `json:"secret"`
	}
	decodeBody(t, w, &setup)
	code, err := totp.Generate(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	w = doJSON(t, h, "POST", "/v1/mfa/setup/confirm", map[string]string{"user_id": "user-1", "code": code})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm = %d", w.Code)
	}

	// Bypass validation
	w = doJSON(t, h, "POST", "/v1/mfa/recovery/bypass", map[string]string{"user_id": "user-1", "reason": "lost phone", "ttl": "nonsense"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad ttl = %d, want 400", w.Code)
	}
	w = doJSON(t, h, "POST", "/v1/mfa/recovery/bypass", map[string]string{"user_id": "user-1", "reason": "lost phone", "ttl": "25h"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("over-limit ttl = %d, want 400", w.Code)
	}
	w = doJSON(t, h, "POST", "/v1/mfa/recovery/bypass", map[string]string{"user_id": "user-1", "reason": "", "ttl": "1h"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty reason = %d, want 400", w.Code)
	}

	// A valid bypass suspends enforcement on this node.
	w = doJSON(t, h, "POST", "/v1/mfa/recovery/bypass", map[string]string{"user_id": "user-1", "reason": "lost phone", "ttl": "1h"})
	if w.Code != http.StatusOK {
		t.Fatalf("bypass = %d, body %s", w.Code, w.Body)
	}
	var bypass struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	decodeBody(t, w, &bypass)
	if !bypass.ExpiresAt.After(time.Now()) {
		t.Errorf("ExpiresAt = %v, want future", bypass.ExpiresAt)
	}
	w = doJSON(t, h, "GET", "/v1/mfa/status?user_id=user-1", nil)
	var status struct {
		Enabled  bool `json:"enabled"`
		Verified bool `json:"verified"`
	}
	decodeBody(t, w, &status)
	if status.Enabled {
		t.Error("enabled = true during bypass")
	}
	if !status.Verified {
		t.Error("bypass altered the credential")
	}

	// Reset demands confirmation
	w = doJSON(t, h, "POST", "/v1/mfa/recovery/reset", map[string]string{"user_id": "user-1", "confirm": "someone-else"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unconfirmed reset = %d, want 400", w.Code)
	}
	w = doJSON(t, h, "POST", "/v1/mfa/recovery/reset", map[string]string{"user_id": "user-1", "confirm": "user-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("reset = %d, body %s", w.Code, w.Body)
	}

	w = doJSON(t, h, "GET", "/v1/mfa/status?user_id=user-1", nil)
	var after struct {
		HasSetup bool `json:"has_setup"`
	}
	decodeBody(t, w, &after)
	if after.HasSetup {
		t.Error("credential survived reset")
	}

	coordinator.Wait()
}

func TestSecurityHeadersApplied(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, "GET", "/health", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestVerifyRejectsUnknownUser(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, "POST", "/v1/mfa/verify", map[string]string{"user_id": "ghost", "code": "123456"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("verify unknown user = %d, want 400", w.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, w, &body)
	if body.Error == "" {
		t.Error("error body missing")
	}
}

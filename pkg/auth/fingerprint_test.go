package auth

import (
	"net/http/httptest"
	"testing"
)

func TestDeviceFingerprintHeaderWins(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/mfa/verify", nil)
	r.Header.Set(FingerprintHeader, "  client-fp-123  ")

	if got := DeviceFingerprint(r); got != "client-fp-123" {
		t.Errorf("DeviceFingerprint = %q, want %q", got, "client-fp-123")
	}
}

func TestDeviceFingerprintDerivedIsStable(t *testing.T) {
	derive := func(ua string) string {
		r := httptest.NewRequest("POST", "/v1/mfa/verify", nil)
		r.RemoteAddr = "203.0.113.7:51422"
		r.Header.Set("User-Agent", ua)
		return DeviceFingerprint(r)
	}

	a, b := derive("agent-1"), derive("agent-1")
	if a != b {
		t.Error("same client produced different fingerprints")
	}
	if len(a) != 64 {
		t.Errorf("derived fingerprint length = %d, want 64 hex chars", len(a))
	}
	if derive("agent-2") == a {
		t.Error("different user agents produced the same fingerprint")
	}
}

func TestClientIPForwardedFor(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{"xff single", "198.51.100.4", "", "10.0.0.1:1234", "198.51.100.4"},
		{"xff chain takes first", "198.51.100.4, 10.0.0.2", "", "10.0.0.1:1234", "198.51.100.4"},
		{"real ip fallback", "", "198.51.100.9", "10.0.0.1:1234", "198.51.100.9"},
		{"remote addr fallback", "", "", "192.0.2.1:9999", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

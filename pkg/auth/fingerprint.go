package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// FingerprintHeader lets the login UI pass the client device's own
// fingerprint through.
const FingerprintHeader = "X-Device-Fingerprint"

// DeviceFingerprint identifies the calling device: the explicit header when
// present, otherwise a hash of request metadata. Informational, not a trust
// boundary.
func DeviceFingerprint(r *http.Request) string {
	if fp := strings.TrimSpace(r.Header.Get(FingerprintHeader)); fp != "" {
		return fp
	}
	return hashFingerprint(clientIP(r), r.UserAgent())
}

// hashFingerprint creates a SHA-256 hash of the fingerprint components.
func hashFingerprint(ip, userAgent string) string {
	hash := sha256.Sum256([]byte(ip + "|" + userAgent))
	return hex.EncodeToString(hash[:])
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

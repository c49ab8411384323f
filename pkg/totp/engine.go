package totp

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// RFC 6238 parameters. Every authenticator app this service talks to uses
// the SHA1/6-digit/30-second profile.
const (
	Digits = 6
	Period = 30

	// DefaultWindow accepts the previous, current and next 30-second step
	// to absorb clock skew between the server and the user's device.
	DefaultWindow = 1

	// secretSize is 20 random bytes, a 160-bit secret per RFC 4226.
	secretSize = 20
)

func validateOpts(window uint) totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    Period,
		Skew:      window,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Generate returns the 6-digit code for the given canonical secret at time t.
// Leading zeros are preserved.
func Generate(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, validateOpts(0))
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}
	return code, nil
}

// Validate checks candidate against the codes for counters within ±window
// steps of t. It reports only match/no-match; neither the secret nor the
// candidate ever reaches a log from here.
func Validate(secret, candidate string, t time.Time, window uint) bool {
	ok, err := totp.ValidateCustom(candidate, secret, t, validateOpts(window))
	if err != nil {
		return false
	}
	return ok
}

// NewKey provisions a fresh 160-bit TOTP key. The returned key carries both
// the Base32 secret and the otpauth:// URI used for QR rendering.
func NewKey(issuer, accountName string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      Period,
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return key, nil
}

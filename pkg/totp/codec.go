package totp

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// minSecretLength is the minimum canonical secret length in Base32
	// characters: 16 chars = 80 bits, the RFC 4226 floor.
	minSecretLength = 16
)

// base32Pattern matches the Base32 alphabet with optional trailing padding.
var base32Pattern = regexp.MustCompile(`^[A-Z2-7]+=*$`)

// Codec errors. Normalize never substitutes a default secret; a value that
// cannot be repaired is rejected with one of these.
var (
	ErrSecretEmpty           = errors.New("totp secret is empty")
	ErrSecretInvalidAlphabet = errors.New("totp secret contains characters outside the Base32 alphabet")
)

// SecretTooShortError reports a secret that decoded to fewer Base32
// characters than the 80-bit minimum.
type SecretTooShortError struct {
	Length int
}

func (e *SecretTooShortError) Error() string {
	return fmt.Sprintf("totp secret too short: %d Base32 chars, need at least %d", e.Length, minSecretLength)
}

// Normalize turns stored secret material of any historical shape into the
// canonical form: unpadded Base32, uppercase, no whitespace, no encryption
// scheme tags. Older records wrapped secrets with one or more "<scheme>:"
// prefixes (e.g. "gcm:cbc:JBSW..."), so everything up to the last ':' is
// discarded. If non-alphabet characters remain after cleanup, a recovery
// pass strips them and the result is accepted only when at least 16
// characters (80 bits) survive.
//
// Normalize is pure and deterministic: same input, same output, no I/O.
func Normalize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrSecretEmpty
	}

	// Drop scheme tag chains, keep the payload after the last ':'.
	if i := strings.LastIndexByte(raw, ':'); i >= 0 {
		raw = raw[i+1:]
	}

	// Strip all whitespace and uppercase.
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, raw)
	s = strings.ToUpper(s)

	if s == "" {
		return "", ErrSecretEmpty
	}

	if base32Pattern.MatchString(s) {
		s = strings.TrimRight(s, "=")
		if len(s) < minSecretLength {
			return "", &SecretTooShortError{Length: len(s)}
		}
		return s, nil
	}

	// Recovery pass: keep only alphabet characters and re-validate. Accept
	// the repaired value only when enough entropy is left to be a real
	// secret rather than a coincidence.
	recovered := strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '2' && r <= '7') {
			return r
		}
		return -1
	}, s)
	if len(recovered) >= minSecretLength {
		return recovered, nil
	}
	return "", ErrSecretInvalidAlphabet
}

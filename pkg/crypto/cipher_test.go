package crypto

import (
	"errors"
	"strings"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNewAESGCM_KeySize(t *testing.T) {
	if _, err := NewAESGCM(make([]byte, 16)); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("16-byte key: error = %v, want ErrInvalidKeySize", err)
	}
	if _, err := NewAESGCM(testKey()); err != nil {
		t.Errorf("32-byte key: error = %v", err)
	}
}

func TestAESGCM_RoundTrip(t *testing.T) {
	c, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatalf("NewAESGCM error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"totp secret", "JBSWY3DPEHPK3PXP"},
		{"empty string", ""},
		{"backup codes json", `[{"hash":"abc","consumed":false}]`},
		{"long text", strings.Repeat("a", 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tagged, err := c.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt error = %v", err)
			}
			if !strings.HasPrefix(tagged, SchemeGCM+":") {
				t.Errorf("Encrypt output %q missing scheme tag", tagged)
			}

			got, err := c.Decrypt(tagged)
			if err != nil {
				t.Fatalf("Decrypt error = %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("round trip = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestAESGCM_LegacyTagChain(t *testing.T) {
	c, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatalf("NewAESGCM error = %v", err)
	}

	tagged, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("Encrypt error = %v", err)
	}

	// Simulate a record that went through a scheme migration and kept the
	// retired tag in front of the current one.
	payload := strings.TrimPrefix(tagged, SchemeGCM+":")
	legacy := "gcm:cbc:" + payload

	got, err := c.Decrypt(legacy)
	if err != nil {
		t.Fatalf("Decrypt(legacy chain) error = %v", err)
	}
	if got != "JBSWY3DPEHPK3PXP" {
		t.Errorf("Decrypt(legacy chain) = %q", got)
	}
}

func TestAESGCM_DecryptErrors(t *testing.T) {
	c, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatalf("NewAESGCM error = %v", err)
	}

	if _, err := c.Decrypt("gcm:!!!not-base64!!!"); err == nil {
		t.Error("Decrypt accepted invalid base64")
	}
	if _, err := c.Decrypt("gcm:QUJD"); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("short ciphertext: error = %v, want ErrCiphertextTooShort", err)
	}

	// Tampered ciphertext must fail authentication.
	tagged, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("Encrypt error = %v", err)
	}
	tampered := tagged[:len(tagged)-2] + "=="
	if _, err := c.Decrypt(tampered); err == nil {
		t.Error("Decrypt accepted tampered ciphertext")
	}

	// A different key must not open the value.
	other, err := NewAESGCM(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewAESGCM error = %v", err)
	}
	if _, err := other.Decrypt(tagged); err == nil {
		t.Error("Decrypt succeeded with the wrong key")
	}
}

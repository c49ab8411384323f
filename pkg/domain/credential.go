package domain

import (
	"time"

	"github.com/google/uuid"
)

// BackupCodeCount is the number of single-use recovery codes issued per credential.
const BackupCodeCount = 8

// BackupCode is a single-use recovery code. Only the argon2id hash is kept;
// the plain code is shown to the user exactly once at setup.
type BackupCode struct {
	ID         uuid.UUID  `json:"id"`
	Hash       string     `json:"hash"`
	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// MfaCredential is the single logical MFA credential for one user. It is the
// unit of replication: every slot (local or remote) holds a whole-value
// snapshot of this struct.
type MfaCredential struct {
	UserID string `json:"user_id"`

	// Secret is canonical unpadded Base32 uppercase. Nothing outside
	// totp.Normalize may produce this field.
	Secret string `json:"secret"`

	BackupCodes []BackupCode `json:"backup_codes"`

	// Verified is set after the user has proven possession once during
	// setup. Enabled means verification is enforced at login. A verified
	// credential can be temporarily disabled, but never the reverse:
	// Enabled implies Verified.
	Verified bool `json:"verified"`
	Enabled  bool `json:"enabled"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`

	// OriginDeviceFingerprint records which device created the credential.
	// Informational only, not a trust boundary.
	OriginDeviceFingerprint string `json:"origin_device_fingerprint,omitempty"`

	// DeviceFingerprints lists devices that have verified against this
	// credential, for the remote record.
	DeviceFingerprints []string `json:"device_fingerprints,omitempty"`
}

// MarkVerified promotes the credential after the first successful code check.
func (c *MfaCredential) MarkVerified(now time.Time) {
	c.Verified = true
	c.Enabled = true
	c.LastUsedAt = now
}

// Disable turns off enforcement while keeping the proven credential around.
func (c *MfaCredential) Disable() {
	c.Enabled = false
}

// CheckInvariant reports whether the enabled-implies-verified invariant holds.
func (c *MfaCredential) CheckInvariant() bool {
	return !c.Enabled || c.Verified
}

// UnconsumedBackupCodes returns the number of recovery codes still usable.
func (c *MfaCredential) UnconsumedBackupCodes() int {
	n := 0
	for _, bc := range c.BackupCodes {
		if !bc.Consumed {
			n++
		}
	}
	return n
}

// TouchDevice records a device fingerprint on the credential, deduplicated.
func (c *MfaCredential) TouchDevice(fingerprint string) {
	if fingerprint == "" {
		return
	}
	for _, fp := range c.DeviceFingerprints {
		if fp == fingerprint {
			return
		}
	}
	c.DeviceFingerprints = append(c.DeviceFingerprints, fingerprint)
}

// Clone returns a deep copy so slot writes are whole-value replacements.
func (c *MfaCredential) Clone() *MfaCredential {
	cp := *c
	cp.BackupCodes = make([]BackupCode, len(c.BackupCodes))
	copy(cp.BackupCodes, c.BackupCodes)
	cp.DeviceFingerprints = append([]string(nil), c.DeviceFingerprints...)
	return &cp
}

// SlotRecord is what one physical slot stores: a credential snapshot or a
// tombstone left behind by a reset. UserID is carried outside the credential
// so a tombstone (which has no credential) can still be attributed.
type SlotRecord struct {
	UserID         string         `json:"user_id"`
	Credential     *MfaCredential `json:"credential,omitempty"`
	Tombstone      bool           `json:"tombstone,omitempty"`
	StoredAt       time.Time      `json:"stored_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at,omitempty"`
}

// RemoteCredentialRecord is the one-row-per-user shape of the cloud record
// store. Secret material is opaque ciphertext at this layer.
type RemoteCredentialRecord struct {
	UserID               string    `json:"user_id"`
	EncryptedSecret      string    `json:"encrypted_secret"`
	EncryptedBackupCodes string    `json:"encrypted_backup_codes"`
	Enabled              bool      `json:"enabled"`
	Verified             bool      `json:"verified"`
	CreatedAt            time.Time `json:"created_at"`
	LastUsedAt           time.Time `json:"last_used_at"`
	DeviceFingerprints   []string  `json:"device_fingerprints"`
	Tombstone            bool      `json:"tombstone"`
}

// MFASetupResponse contains data returned when setting up MFA.
type MFASetupResponse struct {
	Secret          string   // Base32 TOTP secret (for manual entry)
	ProvisioningURI string   // otpauth:// URI for QR rendering
	BackupCodes     []string // Plain text backup codes (shown once)
}

// MFAStatus is the answer to "where does this user's MFA stand".
type MFAStatus struct {
	HasSetup    bool
	Verified    bool
	Enabled     bool
	LockedUntil *time.Time
}

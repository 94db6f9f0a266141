// Package credstore persists enrollment codes and device credentials.
// Secrets are stored as blake2b-256 digests only; the raw code or token is
// returned exactly once, at mint time.
package credstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrDeviceExists   = errors.New("device already enrolled")
	ErrTokenUnknown   = errors.New("device token unknown")
	ErrDeviceNotFound = errors.New("device not found")
)

// DeviceRecord is the persisted identity of an enrolled device. TokenHash is
// immutable after enrollment; Username and DeviceName are metadata only.
type DeviceRecord struct {
	DeviceID   string
	TokenHash  string
	Username   string
	DeviceName string
	CreatedAt  time.Time
	LastSeen   time.Time
}

// HashSecret digests a raw enrollment code or device token for storage and
// lookup. Deterministic so the devices table can be indexed by token hash.
func HashSecret(raw string) string {
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// MintEnrollmentCode generates a high-entropy single-use enrollment code.
func MintEnrollmentCode() (string, error) {
	return mintSecret("ec_")
}

// MintDeviceToken generates a device's long-lived credential.
func MintDeviceToken() (string, error) {
	return mintSecret("dt_")
}

func mintSecret(prefix string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return prefix + hex.EncodeToString(b), nil
}

package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed credential store.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateEnrollmentCode mints a code, persists its hash with the given TTL and
// returns the raw code for out-of-band delivery to the operator.
func (s *Store) CreateEnrollmentCode(ctx context.Context, ttl time.Duration) (string, time.Time, error) {
	raw, err := MintEnrollmentCode()
	if err != nil {
		return "", time.Time{}, err
	}

	expiresAt := time.Now().UTC().Add(ttl)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrollment_codes (code_hash, expires_at) VALUES ($1, $2)`,
		HashSecret(raw), expiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("insert enrollment code: %w", err)
	}

	slog.Info("Enrollment code created", "expires_at", expiresAt)
	return raw, expiresAt, nil
}

// ConsumeEnrollmentCode marks the matching unexpired, unused code as used and
// reports whether exactly one row was updated. The conditional UPDATE is the
// only consumption path, so concurrent attempts on the same code yield
// exactly one success.
func (s *Store) ConsumeEnrollmentCode(ctx context.Context, raw string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrollment_codes
		    SET used_at = now()
		  WHERE code_hash = $1
		    AND used_at IS NULL
		    AND expires_at > now()`,
		HashSecret(raw))
	if err != nil {
		return false, fmt.Errorf("consume enrollment code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RegisterDevice persists a freshly enrolled device. Enrollment is one-shot
// per device id.
func (s *Store) RegisterDevice(ctx context.Context, deviceID, rawToken, username, deviceName string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO devices (device_id, token_hash, username, device_name)
		 VALUES ($1, $2, $3, $4)`,
		deviceID, HashSecret(rawToken), username, deviceName)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDeviceExists
		}
		return fmt.Errorf("insert device: %w", err)
	}

	slog.Info("Device enrolled", "device_id", deviceID, "username", username)
	return nil
}

// LookupDeviceIDByToken resolves a presented raw token to the device id it
// was minted for.
func (s *Store) LookupDeviceIDByToken(ctx context.Context, rawToken string) (string, error) {
	var deviceID string
	err := s.pool.QueryRow(ctx,
		`SELECT device_id FROM devices WHERE token_hash = $1`,
		HashSecret(rawToken)).Scan(&deviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrTokenUnknown
		}
		return "", fmt.Errorf("lookup device by token: %w", err)
	}
	return deviceID, nil
}

// TouchDevice updates last_seen and, when non-empty values are given,
// the device's identity metadata.
func (s *Store) TouchDevice(ctx context.Context, deviceID, username, deviceName string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE devices
		    SET last_seen   = now(),
		        username    = COALESCE(NULLIF($2, ''), username),
		        device_name = COALESCE(NULLIF($3, ''), device_name)
		  WHERE device_id = $1`,
		deviceID, username, deviceName)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// GetDevice fetches the persisted record for a device id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*DeviceRecord, error) {
	var rec DeviceRecord
	err := s.pool.QueryRow(ctx,
		`SELECT device_id, token_hash, username, device_name, created_at, last_seen
		   FROM devices WHERE device_id = $1`,
		deviceID).Scan(&rec.DeviceID, &rec.TokenHash, &rec.Username, &rec.DeviceName, &rec.CreatedAt, &rec.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &rec, nil
}

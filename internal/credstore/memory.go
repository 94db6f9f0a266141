package credstore

import (
	"context"
	"sync"
	"time"
)

type enrollmentCode struct {
	createdAt time.Time
	expiresAt time.Time
	usedAt    *time.Time
}

// MemoryStore keeps enrollment codes and device records in process memory
// with the same semantics as the Postgres store. Used by tests and DB-less
// development runs.
type MemoryStore struct {
	mu      sync.Mutex
	codes   map[string]*enrollmentCode // keyed by code hash
	devices map[string]*DeviceRecord   // keyed by device id
	byToken map[string]string          // token hash -> device id
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:   make(map[string]*enrollmentCode),
		devices: make(map[string]*DeviceRecord),
		byToken: make(map[string]string),
		now:     time.Now,
	}
}

func (m *MemoryStore) CreateEnrollmentCode(_ context.Context, ttl time.Duration) (string, time.Time, error) {
	raw, err := MintEnrollmentCode()
	if err != nil {
		return "", time.Time{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expiresAt := now.Add(ttl)
	m.codes[HashSecret(raw)] = &enrollmentCode{createdAt: now, expiresAt: expiresAt}
	return raw, expiresAt, nil
}

func (m *MemoryStore) ConsumeEnrollmentCode(_ context.Context, raw string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code, ok := m.codes[HashSecret(raw)]
	if !ok || code.usedAt != nil {
		return false, nil
	}
	now := m.now()
	if !now.Before(code.expiresAt) {
		return false, nil
	}
	code.usedAt = &now
	return true, nil
}

func (m *MemoryStore) RegisterDevice(_ context.Context, deviceID, rawToken, username, deviceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[deviceID]; exists {
		return ErrDeviceExists
	}

	now := m.now()
	tokenHash := HashSecret(rawToken)
	m.devices[deviceID] = &DeviceRecord{
		DeviceID:   deviceID,
		TokenHash:  tokenHash,
		Username:   username,
		DeviceName: deviceName,
		CreatedAt:  now,
		LastSeen:   now,
	}
	m.byToken[tokenHash] = deviceID
	return nil
}

func (m *MemoryStore) LookupDeviceIDByToken(_ context.Context, rawToken string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deviceID, ok := m.byToken[HashSecret(rawToken)]
	if !ok {
		return "", ErrTokenUnknown
	}
	return deviceID, nil
}

func (m *MemoryStore) TouchDevice(_ context.Context, deviceID, username, deviceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	rec.LastSeen = m.now()
	if username != "" {
		rec.Username = username
	}
	if deviceName != "" {
		rec.DeviceName = deviceName
	}
	return nil
}

func (m *MemoryStore) GetDevice(_ context.Context, deviceID string) (*DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *rec
	return &cp, nil
}

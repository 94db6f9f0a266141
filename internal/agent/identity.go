// Package agent implements the device-side session: identity persistence,
// the reconnecting connection loop, and the bridge that hands inbound
// commands to the application.
package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Identity is the device's persistent identity. DeviceToken is empty until
// first enrollment succeeds.
type Identity struct {
	DeviceID    string `yaml:"device_id"`
	Username    string `yaml:"username"`
	ServerURL   string `yaml:"server_url"`
	DeviceToken string `yaml:"device_token,omitempty"`
}

// IdentityFile persists the identity as YAML. The token lands here after
// enroll_ok so later restarts reconnect without a code.
type IdentityFile struct {
	mu   sync.Mutex
	path string
}

func NewIdentityFile(path string) *IdentityFile {
	return &IdentityFile{path: path}
}

// Load reads the identity, returning (nil, nil) when the file does not exist
// yet.
func (f *IdentityFile) Load() (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return &id, nil
}

func (f *IdentityFile) Save(id *Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

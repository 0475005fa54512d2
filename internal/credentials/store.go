package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrStoreNotFound   = errors.New("credential store entry not found")
	ErrStoreInsecure   = errors.New("credential store file is group or world accessible")
	ErrStoreUnreadable = errors.New("credential store entry could not be read")
)

// serviceName is the fixed name the store entry is keyed by.
const serviceName = "buildctl"

const storeFileName = "credentials.json"

// StoreEntry is the on-disk credential record. The private key may be held
// inline or referenced by path; inline wins when both are present.
type StoreEntry struct {
	KeyID          string `json:"key_id"`
	IssuerID       string `json:"issuer_id"`
	PrivateKeyPEM  string `json:"private_key_pem,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
}

func (e StoreEntry) privateKeyPEM() ([]byte, error) {
	if e.PrivateKeyPEM != "" {
		return []byte(e.PrivateKeyPEM), nil
	}
	if e.PrivateKeyPath == "" {
		return nil, nil
	}
	keyPEM, err := os.ReadFile(e.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read private key file: %v", ErrCredentialMalformed, err)
	}
	return keyPEM, nil
}

// Store reads the local credential file under the user config directory.
// The file must not be readable by group or others.
type Store struct {
	path string
}

func NewStore() (*Store, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("locate user config dir: %w", err)
	}
	return &Store{path: filepath.Join(configDir, serviceName, storeFileName)}, nil
}

// NewStoreAt points the store at an explicit file path, used by tests.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load() (StoreEntry, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return StoreEntry{}, ErrStoreNotFound
		}
		return StoreEntry{}, fmt.Errorf("%w: %v", ErrStoreUnreadable, err)
	}

	if info.Mode().Perm()&0o077 != 0 {
		return StoreEntry{}, fmt.Errorf("%w: %s has mode %04o, want 0600 or stricter",
			ErrStoreInsecure, s.path, info.Mode().Perm())
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return StoreEntry{}, fmt.Errorf("%w: %v", ErrStoreUnreadable, err)
	}

	var entry StoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return StoreEntry{}, fmt.Errorf("%w: parse %s: %v", ErrCredentialMalformed, s.path, err)
	}

	return entry, nil
}

// Save writes the entry with owner-only permissions, creating the parent
// directory if needed. Used by `buildctl auth login` style tooling; the
// resolver itself never writes.
func (s *Store) Save(entry StoreEntry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential store dir: %w", err)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential store entry: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credential store entry: %w", err)
	}

	return nil
}

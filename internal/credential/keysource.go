package credential

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

const (
	secretSize  = 32
	keyFileName = "master.key"
	keyFileMode = 0o600
)

// KeySource loads and creates the raw master secret.
type KeySource interface {
	GetKey() ([]byte, error)
	SetKey() ([]byte, error)
}

var (
	keyringSet = keyring.Set
	keyringGet = keyring.Get
	randRead   = rand.Read
)

// Keyring stores the master secret hex-encoded in the OS keyring.
type Keyring struct {
	Service string
	User    string
}

// NewKeyring returns a keyring source for the given service name.
func NewKeyring(service string) *Keyring {
	return &Keyring{Service: service, User: "master"}
}

// SetKey generates and stores a fresh secret.
func (k *Keyring) SetKey() ([]byte, error) {
	key := make([]byte, secretSize)
	if _, err := randRead(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := keyringSet(k.Service, k.User, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("store key in keyring: %w", err)
	}
	return key, nil
}

// GetKey reads the secret. A missing entry is reported as ErrNoKey.
func (k *Keyring) GetKey() ([]byte, error) {
	v, err := keyringGet(k.Service, k.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	return decodeKey(v)
}

// FileKeyStore keeps the secret in a 0600 file; used when no OS keyring is available.
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore stores the key file under dir.
func NewFileKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{dir: dir}
}

func (f *FileKeyStore) path() string { return filepath.Join(f.dir, keyFileName) }

// SetKey generates a secret and writes it atomically (temp file + rename).
func (f *FileKeyStore) SetKey() ([]byte, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	key := make([]byte, secretSize)
	if _, err := randRead(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, ".master.key.tmp.*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(hex.EncodeToString(key)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("write key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, keyFileMode); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, f.path()); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("rename key file: %w", err)
	}
	return key, nil
}

// GetKey reads the secret file. A missing file is reported as ErrNoKey.
func (f *FileKeyStore) GetKey() ([]byte, error) {
	data, err := os.ReadFile(f.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return decodeKey(string(data))
}

// FallbackSource tries the primary source and falls back on any error other than ErrNoKey.
type FallbackSource struct {
	Primary  KeySource
	Fallback KeySource
}

func (s FallbackSource) GetKey() ([]byte, error) {
	key, err := s.Primary.GetKey()
	if err == nil || errors.Is(err, ErrNoKey) {
		return key, err
	}
	return s.Fallback.GetKey()
}

func (s FallbackSource) SetKey() ([]byte, error) {
	key, err := s.Primary.SetKey()
	if err == nil {
		return key, nil
	}
	return s.Fallback.SetKey()
}

// LoadOrCreate returns the stored secret, generating one on first use.
func LoadOrCreate(src KeySource) ([]byte, error) {
	key, err := src.GetKey()
	if errors.Is(err, ErrNoKey) {
		return src.SetKey()
	}
	return key, err
}

func decodeKey(v string) ([]byte, error) {
	key, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid key format: %w", err)
	}
	if len(key) != secretSize {
		return nil, fmt.Errorf("invalid key length: expected %d, got %d", secretSize, len(key))
	}
	return key, nil
}

// Package credential implements the master-secret credential store: it is
// either locked, or unlocked and able to decrypt material sealed under the
// master secret (attachment keys in part records).
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrLocked  = errors.New("credential store is locked")
	ErrDecrypt = errors.New("decryption failed")
	ErrNoKey   = errors.New("no master key stored")
)

const (
	gcmPrefix = "gcm1"
	hkdfInfo  = "message-job-runner master cipher"
)

// Store is the credential capability jobs depend on.
type Store interface {
	IsUnlocked() bool
	Decrypt(ciphertext []byte) ([]byte, error)
}

// MasterSecret is an in-memory credential store.
type MasterSecret struct {
	mu        sync.RWMutex
	aead      cipher.AEAD
	listeners []func()
}

// NewMasterSecret returns a locked store.
func NewMasterSecret() *MasterSecret {
	return &MasterSecret{}
}

// Unlock derives the cipher key from secret and notifies unlock listeners.
func (m *MasterSecret) Unlock(secret []byte) error {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return fmt.Errorf("derive cipher key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("new gcm: %w", err)
	}

	m.mu.Lock()
	m.aead = aead
	fns := append([]func(){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

// Lock forgets the derived key.
func (m *MasterSecret) Lock() {
	m.mu.Lock()
	m.aead = nil
	m.mu.Unlock()
}

// IsUnlocked reports whether Decrypt can succeed.
func (m *MasterSecret) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aead != nil
}

// OnUnlock registers fn to run after every successful Unlock.
func (m *MasterSecret) OnUnlock(fn func()) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Encrypt seals plaintext as prefix | nonce | ciphertext.
func (m *MasterSecret) Encrypt(plaintext []byte) ([]byte, error) {
	m.mu.RLock()
	aead := m.aead
	m.mu.RUnlock()
	if aead == nil {
		return nil, ErrLocked
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	out := make([]byte, 0, len(gcmPrefix)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, gcmPrefix...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt. Corrupt input yields ErrDecrypt.
func (m *MasterSecret) Decrypt(ciphertext []byte) ([]byte, error) {
	m.mu.RLock()
	aead := m.aead
	m.mu.RUnlock()
	if aead == nil {
		return nil, ErrLocked
	}

	if len(ciphertext) < len(gcmPrefix)+aead.NonceSize() || string(ciphertext[:len(gcmPrefix)]) != gcmPrefix {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecrypt)
	}
	body := ciphertext[len(gcmPrefix):]
	nonce, data := body[:aead.NonceSize()], body[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

var _ Store = (*MasterSecret)(nil)

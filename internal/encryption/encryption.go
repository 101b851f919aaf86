package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Service encrypts identifier values (SSN, MRN, insurance numbers) before
// they reach durable storage. AES-256-GCM with a random per-value nonce.
type Service interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
	RotateKey() error
}

type service struct {
	mu  sync.RWMutex
	gcm cipher.AEAD
}

// NewService builds a service from MPI_ENCRYPTION_KEY (64 hex characters)
// or, when unset, a process-local random key. A random key is fine for tests
// and single-run tools but makes stored ciphertexts unreadable after restart.
func NewService() (Service, error) {
	key, err := loadKey()
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return &service{gcm: gcm}, nil
}

func (s *service) Encrypt(plaintext []byte) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := s.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *service) Decrypt(encodedCiphertext string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encodedCiphertext)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(ciphertext) < s.gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:s.gcm.NonceSize()]
	ciphertext = ciphertext[s.gcm.NonceSize():]

	return s.gcm.Open(nil, nonce, ciphertext, nil)
}

// RotateKey swaps in a fresh random key. Values encrypted under the old key
// must be re-encrypted by the caller before the old key is discarded.
func (s *service) RotateKey() error {
	newKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, newKey); err != nil {
		return err
	}

	gcm, err := newGCM(newKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.gcm = gcm
	s.mu.Unlock()
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func loadKey() ([]byte, error) {
	if envKey := os.Getenv("MPI_ENCRYPTION_KEY"); envKey != "" {
		key, err := hex.DecodeString(envKey)
		if err != nil {
			return nil, fmt.Errorf("MPI_ENCRYPTION_KEY must be a valid hex string: %v", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("MPI_ENCRYPTION_KEY must be exactly 32 bytes (64 hex characters) for AES-256")
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const keyFileName = ".key"

// FileStore keeps secrets as AES-256-GCM encrypted files in a directory.
// The encryption key is generated on first use and stored next to the
// secrets with 0600 permissions; the directory itself is created 0700.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and loads or generates the
// encryption key.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create %s: %w", dir, err)
	}
	s := &FileStore{dir: dir}
	if _, err := s.loadKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) loadKey() ([]byte, error) {
	path := filepath.Join(s.dir, keyFileName)
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("credstore: key file %s has %d bytes, want 32", path, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("credstore: read key file: %w", err)
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("credstore: generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("credstore: write key file: %w", err)
	}
	return key, nil
}

func (s *FileStore) aead() (cipher.AEAD, error) {
	key, err := s.loadKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credstore: init GCM: %w", err)
	}
	return aead, nil
}

// secretPath maps a logical name to a file, rejecting names that would
// escape the store directory.
func (s *FileStore) secretPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("credstore: invalid secret name %q", name)
	}
	return filepath.Join(s.dir, name+".cred"), nil
}

// Store encrypts and writes the secret. The file layout is nonce followed by
// the GCM ciphertext.
func (s *FileStore) Store(_ context.Context, name, secret string) error {
	path, err := s.secretPath(name)
	if err != nil {
		return err
	}
	aead, err := s.aead()
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("credstore: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(secret), nil)
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("credstore: write secret %q: %w", name, err)
	}
	return nil
}

// Retrieve decrypts and returns the secret.
func (s *FileStore) Retrieve(_ context.Context, name string) (string, error) {
	path, err := s.secretPath(name)
	if err != nil {
		return "", err
	}
	sealed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("credstore: read secret %q: %w", name, err)
	}
	aead, err := s.aead()
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("credstore: secret %q is truncated", name)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("credstore: decrypt secret %q: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes the secret file. Deleting a missing secret is not an error.
func (s *FileStore) Delete(_ context.Context, name string) error {
	path, err := s.secretPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credstore: delete secret %q: %w", name, err)
	}
	return nil
}

// Exists reports whether the secret file is present.
func (s *FileStore) Exists(_ context.Context, name string) (bool, error) {
	path, err := s.secretPath(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("credstore: stat secret %q: %w", name, err)
}

var _ Backend = (*FileStore)(nil)

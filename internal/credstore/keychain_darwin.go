//go:build darwin

package credstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// KeychainStore stores secrets in the macOS keychain via the security CLI.
type KeychainStore struct {
	service string
}

// NewKeychainStore returns a store scoped to the given keychain service name.
func NewKeychainStore(service string) *KeychainStore {
	return &KeychainStore{service: service}
}

func (s *KeychainStore) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "security", args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		// security exits 44 with "could not be found" for missing items.
		if strings.Contains(msg, "could not be found") {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("credstore: security %s: %s: %w", args[0], msg, err)
	}
	return out.String(), nil
}

// Store upserts the secret as a generic password item.
func (s *KeychainStore) Store(ctx context.Context, name, secret string) error {
	_, err := s.run(ctx, "add-generic-password", "-U",
		"-s", s.service, "-a", name, "-w", secret)
	return err
}

// Retrieve reads the secret back.
func (s *KeychainStore) Retrieve(ctx context.Context, name string) (string, error) {
	out, err := s.run(ctx, "find-generic-password",
		"-s", s.service, "-a", name, "-w")
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(out, "\n"), nil
}

// Delete removes the secret. Deleting a missing secret is not an error.
func (s *KeychainStore) Delete(ctx context.Context, name string) error {
	_, err := s.run(ctx, "delete-generic-password",
		"-s", s.service, "-a", name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Exists reports whether the secret is present in the keychain.
func (s *KeychainStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Retrieve(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

var _ Backend = (*KeychainStore)(nil)

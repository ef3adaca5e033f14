//go:build !darwin

package credstore

import "context"

// KeychainStore is only available on macOS. On other platforms every
// operation returns ErrUnsupported so a Composite falls through to the
// next backend.
type KeychainStore struct{}

// NewKeychainStore returns a stub store; the service name is ignored.
func NewKeychainStore(string) *KeychainStore { return &KeychainStore{} }

func (s *KeychainStore) Store(context.Context, string, string) error { return ErrUnsupported }

func (s *KeychainStore) Retrieve(context.Context, string) (string, error) {
	return "", ErrUnsupported
}

func (s *KeychainStore) Delete(context.Context, string) error { return ErrUnsupported }

func (s *KeychainStore) Exists(context.Context, string) (bool, error) {
	return false, ErrUnsupported
}

var _ Backend = (*KeychainStore)(nil)

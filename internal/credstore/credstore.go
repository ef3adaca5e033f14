// Package credstore persists agent credentials: the access token used for
// the control-plane handshake and anything else the agent must keep across
// restarts.
//
// # Backends
//
// [FileStore] encrypts secrets with AES-256-GCM under a per-install random
// key (key file 0600, directory 0700) and works everywhere. [KeychainStore]
// delegates to the macOS keychain via the security CLI and is unsupported on
// other platforms. [Composite] layers backends: reads take the first hit,
// writes go to the first backend that accepts, deletes are attempted
// everywhere.
package credstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Retrieve when no secret exists under the name.
var ErrNotFound = errors.New("credstore: secret not found")

// ErrUnsupported is returned by backends that cannot run on this platform.
var ErrUnsupported = errors.New("credstore: backend not supported on this platform")

// Backend stores named secrets.
type Backend interface {
	Store(ctx context.Context, name, secret string) error
	Retrieve(ctx context.Context, name string) (string, error)
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// Composite layers backends in priority order.
type Composite struct {
	backends []Backend
}

// NewComposite creates a Composite over backends, tried in the given order.
func NewComposite(backends ...Backend) *Composite {
	return &Composite{backends: backends}
}

// Store writes the secret to the first backend that accepts it.
func (c *Composite) Store(ctx context.Context, name, secret string) error {
	var errs []error
	for _, b := range c.backends {
		if err := b.Store(ctx, name, secret); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("credstore: no backends configured")
	}
	return fmt.Errorf("credstore: store %q: %w", name, errors.Join(errs...))
}

// Retrieve returns the secret from the first backend that has it.
func (c *Composite) Retrieve(ctx context.Context, name string) (string, error) {
	for _, b := range c.backends {
		secret, err := b.Retrieve(ctx, name)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnsupported) {
			return "", err
		}
	}
	return "", ErrNotFound
}

// Delete removes the secret from every backend. Individual failures are
// swallowed so a partial delete still clears what it can.
func (c *Composite) Delete(ctx context.Context, name string) error {
	for _, b := range c.backends {
		_ = b.Delete(ctx, name)
	}
	return nil
}

// Exists reports whether any backend holds the secret.
func (c *Composite) Exists(ctx context.Context, name string) (bool, error) {
	for _, b := range c.backends {
		ok, err := b.Exists(ctx, name)
		if err != nil && !errors.Is(err, ErrUnsupported) {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// TokenSource adapts a Backend to the agent client's token interface,
// reading and persisting the access token under a fixed name.
type TokenSource struct {
	backend Backend
	name    string
}

// NewTokenSource creates a TokenSource reading the secret called name.
func NewTokenSource(backend Backend, name string) *TokenSource {
	if name == "" {
		name = "access-token"
	}
	return &TokenSource{backend: backend, name: name}
}

// Token returns the stored access token.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	return t.backend.Retrieve(ctx, t.name)
}

// Store persists a rotated access token.
func (t *TokenSource) Store(ctx context.Context, token string) error {
	return t.backend.Store(ctx, t.name, token)
}

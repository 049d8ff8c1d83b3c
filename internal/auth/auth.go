// Package auth supplies bearer credentials to the API client.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Provider supplies the current bearer credential and handles sign-out.
//
// Token returns "" with a nil error when no credential is available.
type Provider interface {
	Token(ctx context.Context) (string, error)
	SignOut(ctx context.Context) error
}

// Listener is called after a provider signs out.
type Listener func()

// notifier fans sign-out events out to registered listeners.
type notifier struct {
	mu        sync.Mutex
	listeners []Listener
}

// OnSignOut registers fn to run after every sign-out.
func (n *notifier) OnSignOut(fn Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func (n *notifier) notify() {
	n.mu.Lock()
	listeners := append([]Listener(nil), n.listeners...)
	n.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// StaticProvider holds a token in memory, typically from configuration.
type StaticProvider struct {
	notifier
	mu    sync.RWMutex
	token string
}

// NewStatic returns a provider for a fixed token.
func NewStatic(token string) *StaticProvider {
	return &StaticProvider{token: strings.TrimSpace(token)}
}

func (p *StaticProvider) Token(_ context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, nil
}

func (p *StaticProvider) SignOut(_ context.Context) error {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
	p.notify()
	return nil
}

// FileProvider reads the token from a file on every call so that a
// concurrent `onboard login` takes effect without a restart.
type FileProvider struct {
	notifier
	Path string
}

// NewFile returns a provider backed by the token file at path.
func NewFile(path string) *FileProvider {
	return &FileProvider{Path: path}
}

func (p *FileProvider) Token(_ context.Context) (string, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes token to the file, creating the parent directory.
func (p *FileProvider) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	if err := os.WriteFile(p.Path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func (p *FileProvider) SignOut(_ context.Context) error {
	err := os.Remove(p.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	p.notify()
	return nil
}

// Chain returns the first non-empty token of its providers and signs all of
// them out together.
type Chain []Provider

func (c Chain) Token(ctx context.Context) (string, error) {
	for _, p := range c {
		tok, err := p.Token(ctx)
		if err != nil {
			return "", err
		}
		if tok != "" {
			return tok, nil
		}
	}
	return "", nil
}

func (c Chain) SignOut(ctx context.Context) error {
	var errs []error
	for _, p := range c {
		if err := p.SignOut(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package persist keeps the active onboarding session pointer across
// restarts.
//
// A Backend stores one session id. The Adapter in front of it never fails:
// storage errors are logged and treated as "no pointer", so an unavailable
// store degrades to a fresh start instead of blocking the workflow.
package persist

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// SessionKey is the well-known name of the pointer in every backend.
const SessionKey = "onboarding_session_id"

// ErrNotFound is returned by a Backend that holds no pointer.
var ErrNotFound = errors.New("no persisted session")

// Backend is a single-value store for the session pointer.
type Backend interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, id string) error
	Delete(ctx context.Context) error
}

// Adapter is the error-free view of a Backend used by the session manager.
type Adapter struct {
	backend Backend
	log     zerolog.Logger
}

// NewAdapter wraps b.
func NewAdapter(b Backend, log zerolog.Logger) *Adapter {
	return &Adapter{backend: b, log: log}
}

// Get returns the stored session id, if any.
func (a *Adapter) Get(ctx context.Context) (string, bool) {
	id, err := a.backend.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.log.Warn().Err(err).Msg("read persisted session failed")
		}
		return "", false
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

// Set stores id as the active session.
func (a *Adapter) Set(ctx context.Context, id string) {
	if err := a.backend.Save(ctx, id); err != nil {
		a.log.Warn().Err(err).Str("session_id", id).Msg("persist session failed")
	}
}

// Clear forgets the active session.
func (a *Adapter) Clear(ctx context.Context) {
	if err := a.backend.Delete(ctx); err != nil && !errors.Is(err, ErrNotFound) {
		a.log.Warn().Err(err).Msg("clear persisted session failed")
	}
}

// Memory is an in-process Backend.
type Memory struct {
	mu sync.Mutex
	id string
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id == "" {
		return "", ErrNotFound
	}
	return m.id, nil
}

func (m *Memory) Save(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	return nil
}

func (m *Memory) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = ""
	return nil
}

package persist

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenBackend struct{}

var errDisk = errors.New("disk unavailable")

func (brokenBackend) Load(context.Context) (string, error) { return "", errDisk }
func (brokenBackend) Save(context.Context, string) error    { return errDisk }
func (brokenBackend) Delete(context.Context) error          { return errDisk }

func roundTrip(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	a := NewAdapter(b, zerolog.Nop())

	_, ok := a.Get(ctx)
	assert.False(t, ok)

	a.Set(ctx, "s1")
	id, ok := a.Get(ctx)
	require.True(t, ok)
	assert.Equal(t, "s1", id)

	a.Set(ctx, "s2")
	id, _ = a.Get(ctx)
	assert.Equal(t, "s2", id)

	a.Clear(ctx)
	_, ok = a.Get(ctx)
	assert.False(t, ok)

	a.Clear(ctx)
}

func TestMemory_RoundTrip(t *testing.T) {
	roundTrip(t, NewMemory())
}

func TestFile_RoundTrip(t *testing.T) {
	roundTrip(t, NewFile(filepath.Join(t.TempDir(), "nested", SessionKey)))
}

func TestFile_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), SessionKey)
	ctx := context.Background()
	require.NoError(t, NewFile(path).Save(ctx, "s-restart"))

	id, err := NewFile(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s-restart", id)
}

func TestFile_EmptyFileIsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), SessionKey)
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))

	_, err := NewFile(path).Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdapter_SwallowsBackendErrors(t *testing.T) {
	var buf bytes.Buffer
	a := NewAdapter(brokenBackend{}, zerolog.New(&buf))
	ctx := context.Background()

	_, ok := a.Get(ctx)
	assert.False(t, ok)
	a.Set(ctx, "s1")
	a.Clear(ctx)

	assert.Contains(t, buf.String(), "read persisted session failed")
	assert.Contains(t, buf.String(), "persist session failed")
	assert.Contains(t, buf.String(), "clear persisted session failed")
}

func TestNewRedis_RejectsBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "", "")
	assert.Error(t, err)

	_, err = NewRedis(context.Background(), "http://localhost:6379", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestRedis_RoundTrip(t *testing.T) {
	url := os.Getenv("ONBOARD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ONBOARD_TEST_REDIS_URL not set")
	}
	r, err := NewRedis(context.Background(), url, "onboard-test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	assert.Equal(t, "onboard-test:"+SessionKey, r.Key())

	roundTrip(t, r)
}

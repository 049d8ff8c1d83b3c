package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider_SignOutClearsToken(t *testing.T) {
	ctx := context.Background()
	p := NewStatic("  abc  ")

	tok, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	calls := 0
	p.OnSignOut(func() { calls++ })
	require.NoError(t, p.SignOut(ctx))

	tok, err = p.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)
	assert.Equal(t, 1, calls)
}

func TestFileProvider_SaveAndRead(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "token")
	p := NewFile(path)

	tok, err := p.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok, "missing file means no credential")

	require.NoError(t, p.Save("secret"))
	tok, err = p.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", tok)

	signedOut := false
	p.OnSignOut(func() { signedOut = true })
	require.NoError(t, p.SignOut(ctx))
	assert.True(t, signedOut)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Signing out twice is not an error.
	require.NoError(t, p.SignOut(ctx))
}

func TestChain_FirstNonEmptyToken(t *testing.T) {
	ctx := context.Background()
	empty := NewStatic("")
	second := NewStatic("two")
	c := Chain{empty, second}

	tok, err := c.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", tok)

	require.NoError(t, c.SignOut(ctx))
	tok, err = c.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

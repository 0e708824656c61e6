package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer("test-key")
	require.NoError(t, err)

	sealed, err := s.Seal("ya29.refresh-token")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "ya29")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ya29.refresh-token", opened)
}

func TestSealer_EmptyAndLegacy(t *testing.T) {
	s, err := NewSealer("test-key")
	require.NoError(t, err)

	sealed, err := s.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	opened, err := s.Open("plain-legacy-token")
	require.NoError(t, err)
	assert.Equal(t, "plain-legacy-token", opened)
}

func TestSealer_WrongKey(t *testing.T) {
	a, err := NewSealer("key-a")
	require.NoError(t, err)
	b, err := NewSealer("key-b")
	require.NoError(t, err)

	sealed, err := a.Seal("secret")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = a.Open(sealedPrefix + "!!!")
	assert.ErrorIs(t, err, ErrInvalidSealed)
}

func TestNewSealer_EmptyKey(t *testing.T) {
	_, err := NewSealer("")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

package vault

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := New(testKey())
	require.NoError(t, err)

	for _, token := range []string{
		"eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJ4In0.c2ln",
		"",
		"short",
		"with spaces and ünïcôde ✓",
	} {
		sealed, err := v.Seal(token)
		require.NoError(t, err)

		got, err := v.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, token, got)
	}
}

func TestSealUniqueNonce(t *testing.T) {
	t.Parallel()

	v, err := New(testKey())
	require.NoError(t, err)

	a, err := v.Seal("same-token")
	require.NoError(t, err)
	b, err := v.Seal("same-token")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "two seals of the same plaintext must differ")
}

func TestOpenTamperedRecord(t *testing.T) {
	t.Parallel()

	v, err := New(testKey())
	require.NoError(t, err)

	sealed, err := v.Seal("secret-token")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)

	// Flip a single byte at every position; the auth tag must reject all of them
	for i := range raw {
		tampered := make([]byte, len(raw))
		copy(tampered, raw)
		tampered[i] ^= 0x01

		_, err := v.Open(base64.StdEncoding.EncodeToString(tampered))
		assert.ErrorIs(t, err, ErrDecryptionFailure, "flipped byte at %d", i)
	}
}

func TestOpenWrongKey(t *testing.T) {
	t.Parallel()

	v1, err := New(testKey())
	require.NoError(t, err)

	other := testKey()
	other[0] ^= 0xFF
	v2, err := New(other)
	require.NoError(t, err)

	sealed, err := v1.Seal("secret-token")
	require.NoError(t, err)

	_, err = v2.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
}

func TestOpenGarbage(t *testing.T) {
	t.Parallel()

	v, err := New(testKey())
	require.NoError(t, err)

	for _, sealed := range []string{"", "not base64 !!!", "AAAA", base64.StdEncoding.EncodeToString([]byte{0x02, 1, 2, 3})} {
		_, err := v.Open(sealed)
		assert.ErrorIs(t, err, ErrDecryptionFailure)
	}
}

func TestNewRejectsBadKeySize(t *testing.T) {
	t.Parallel()

	_, err := New(make([]byte, 16))
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestNewFromBase64(t *testing.T) {
	t.Parallel()

	encoded, err := GenerateKey()
	require.NoError(t, err)

	v, err := NewFromBase64(encoded)
	require.NoError(t, err)

	sealed, err := v.Seal("tok")
	require.NoError(t, err)
	got, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "tok", got)

	_, err = NewFromBase64("%%%")
	assert.Error(t, err)
}

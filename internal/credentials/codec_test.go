package credentials

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec("unit-test-key")
	require.NoError(t, err)

	enc, err := codec.Encrypt("api-secret-value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, Prefix))
	assert.True(t, IsEncrypted(enc))

	plain, err := codec.DecryptMaybe(enc, true)
	require.NoError(t, err)
	assert.Equal(t, "api-secret-value", plain)
}

func TestCodecNonDeterministicNonce(t *testing.T) {
	codec, err := NewCodec("unit-test-key")
	require.NoError(t, err)

	a, err := codec.Encrypt("same-input")
	require.NoError(t, err)
	b, err := codec.Encrypt("same-input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCodecPlaintextPassthrough(t *testing.T) {
	codec, err := NewCodec("unit-test-key")
	require.NoError(t, err)

	// Legacy plaintext rows pass through when not required to be encrypted.
	plain, err := codec.DecryptMaybe("raw-legacy-secret", false)
	require.NoError(t, err)
	assert.Equal(t, "raw-legacy-secret", plain)

	_, err = codec.DecryptMaybe("raw-legacy-secret", true)
	assert.ErrorIs(t, err, ErrPlaintextRejected)
}

func TestCodecEmptyValue(t *testing.T) {
	codec, err := NewCodec("unit-test-key")
	require.NoError(t, err)

	enc, err := codec.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", enc)

	plain, err := codec.DecryptMaybe("", true)
	require.NoError(t, err)
	assert.Equal(t, "", plain)
}

func TestCodecMalformedToken(t *testing.T) {
	codec, err := NewCodec("unit-test-key")
	require.NoError(t, err)

	cases := []string{
		Prefix + "%%%not-base64%%%",
		Prefix + "c2hvcnQ", // decodes but shorter than a nonce
		Prefix,
	}
	for _, tc := range cases {
		_, err := codec.DecryptMaybe(tc, true)
		assert.ErrorIs(t, err, ErrMalformedToken, "value: %s", tc)
	}
}

func TestCodecWrongKey(t *testing.T) {
	codecA, err := NewCodec("key-a")
	require.NoError(t, err)
	codecB, err := NewCodec("key-b")
	require.NoError(t, err)

	enc, err := codecA.Encrypt("secret")
	require.NoError(t, err)

	_, err = codecB.DecryptMaybe(enc, true)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestNewCodecEmptyKey(t *testing.T) {
	_, err := NewCodec("")
	assert.Error(t, err)
}

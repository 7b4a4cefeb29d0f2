package secrets_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumera/remit-engine/secrets"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, noop, err := secrets.NewCipher("deploy-key", "a1b2c3d4e5f60718")
	require.NoError(t, err)
	require.False(t, noop)

	enc, err := c.Encrypt("sftp-p@ssword")
	require.NoError(t, err)
	assert.NotEqual(t, "sftp-p@ssword", enc)

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "sftp-p@ssword", dec)
}

func TestCipher_NonceMakesCiphertextUnique(t *testing.T) {
	c, _, err := secrets.NewCipher("deploy-key", "a1b2c3d4e5f60718")
	require.NoError(t, err)

	first, err := c.Encrypt("same text")
	require.NoError(t, err)
	second, err := c.Encrypt("same text")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCipher_WrongKeyFailsToDecrypt(t *testing.T) {
	good, _, err := secrets.NewCipher("right-key", "a1b2c3d4e5f60718")
	require.NoError(t, err)
	bad, _, err := secrets.NewCipher("wrong-key", "a1b2c3d4e5f60718")
	require.NoError(t, err)

	enc, err := good.Encrypt("secret")
	require.NoError(t, err)
	_, err = bad.Decrypt(enc)
	assert.Error(t, err)
}

func TestCipher_EmptyKeyIsNoop(t *testing.T) {
	c, noop, err := secrets.NewCipher("", "")
	require.NoError(t, err)
	require.True(t, noop)

	enc, err := c.Encrypt("visible")
	require.NoError(t, err)
	assert.Equal(t, "visible", enc)

	dec, err := c.Decrypt("visible")
	require.NoError(t, err)
	assert.Equal(t, "visible", dec)
}

func TestCipher_InvalidSalt(t *testing.T) {
	_, _, err := secrets.NewCipher("key", "not-hex")
	assert.Error(t, err)
}

func TestCipher_GarbageCiphertext(t *testing.T) {
	c, _, err := secrets.NewCipher("key", "a1b2c3d4e5f60718")
	require.NoError(t, err)

	_, err = c.Decrypt("!!! not base64 !!!")
	assert.Error(t, err)

	// Valid base64 but too short to contain a nonce.
	_, err = c.Decrypt("YWJj")
	assert.Error(t, err)
}

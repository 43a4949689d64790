package vault

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(filepath.Join(t.TempDir(), ".secret_key"), true)
	require.NoError(t, err)
	return v
}

func TestSealOpenRoundTrip(t *testing.T) {
	v := newTestVault(t)

	envelope, err := v.Seal([]byte("hunter2"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(envelope, "enc:v2:"))
	assert.NotContains(t, envelope, "hunter2")

	buf, upgraded, err := v.Open(envelope)
	require.NoError(t, err)
	assert.False(t, upgraded)
	assert.Equal(t, "hunter2", buf.String())
	buf.Zero()
}

func TestOpenLegacyEnvelopeReportsUpgrade(t *testing.T) {
	v := newTestVault(t)

	legacy := "enc:v1:" + base64.StdEncoding.EncodeToString([]byte("old-secret"))
	buf, upgraded, err := v.Open(legacy)
	require.NoError(t, err)
	assert.True(t, upgraded)
	assert.Equal(t, "old-secret", buf.String())
	buf.Zero()
}

func TestOpenBareValuePassesThrough(t *testing.T) {
	v := newTestVault(t)
	buf, upgraded, err := v.Open("sk-raw-pasted-key")
	require.NoError(t, err)
	assert.False(t, upgraded)
	assert.Equal(t, "sk-raw-pasted-key", buf.String())
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	v := newTestVault(t)
	envelope, err := v.Seal([]byte("secret"))
	require.NoError(t, err)

	// Flip a character in the ciphertext body.
	raw := []byte(envelope)
	raw[len(raw)-2] ^= 1
	_, _, err = v.Open(string(raw))
	assert.Error(t, err)
}

func TestZeroWipesBuffer(t *testing.T) {
	buf := &SecretBuf{data: []byte("secret")}
	inner := buf.data
	buf.Zero()
	assert.Empty(t, buf.Bytes())
	for _, b := range inner[:cap(inner)] {
		assert.Zero(t, b)
	}
}

func TestDisabledEncryptionUsesPlainEnvelope(t *testing.T) {
	v, err := New("", false)
	require.NoError(t, err)

	envelope, err := v.Seal([]byte("value"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(envelope, "plain:"))

	buf, _, err := v.Open(envelope)
	require.NoError(t, err)
	assert.Equal(t, "value", buf.String())
}

func TestKeyFilePermissionsEnforced(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, ".secret_key")

	_, err := New(keyPath, true)
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Loosening permissions makes the next open fail.
	require.NoError(t, os.Chmod(keyPath, 0o644))
	_, err = New(keyPath, true)
	assert.Error(t, err)
}

package crypt

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	k, err := KeyringFromKey(bytes.Repeat([]byte{7}, keySize))
	require.NoError(t, err)
	return k
}

func TestCodec_SealOpen(t *testing.T) {
	c, err := testKeyring(t).Codec("panels")
	require.NoError(t, err)

	plain := []byte("0123456789abcdef")
	sealed := c.Seal(nil, plain, 4)
	assert.Len(t, sealed, len(plain)+c.Overhead())

	got, err := c.Open(nil, sealed, 4)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestCodec_RowIDIsAuthenticated(t *testing.T) {
	c, err := testKeyring(t).Codec("panels")
	require.NoError(t, err)

	sealed := c.Seal(nil, []byte("payload"), 1)
	_, err = c.Open(nil, sealed, 2)
	assert.Error(t, err)

	other, err := testKeyring(t).Codec("timetrees")
	require.NoError(t, err)
	_, err = other.Open(nil, sealed, 1)
	assert.Error(t, err)

	_, err = c.Open(nil, sealed[:3], 1)
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestCodec_SealAppendsToDst(t *testing.T) {
	c, err := testKeyring(t).Codec("t")
	require.NoError(t, err)

	prefix := []byte("hdr")
	sealed := c.Seal(append([]byte(nil), prefix...), []byte("x"), 0)
	assert.Equal(t, prefix, sealed[:3])

	got, err := c.Open(nil, sealed[3:], 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestOpenKeyring_SaltIsStable(t *testing.T) {
	dir := t.TempDir()
	k1, err := OpenKeyring(dir, "hunter2")
	require.NoError(t, err)
	k2, err := OpenKeyring(dir, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, k1.key, k2.key)

	k3, err := OpenKeyring(dir, "other")
	require.NoError(t, err)
	assert.NotEqual(t, k1.key, k3.key)

	info, err := os.Stat(filepath.Join(dir, SaltFile))
	require.NoError(t, err)
	assert.Equal(t, int64(saltSize), info.Size())
}

func TestOpenKeyring_RejectsDamagedSalt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SaltFile), []byte("short"), 0600))
	_, err := OpenKeyring(dir, "pw")
	assert.Error(t, err)
}

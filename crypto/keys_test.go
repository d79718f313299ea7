package crypto

import (
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()

	encoded := addr.String()
	assert.True(t, strings.HasPrefix(encoded, "gf1"))

	fromBech, err := ParseAddress(encoded)
	require.NoError(t, err)
	assert.Equal(t, addr.Raw(), fromBech)

	_, err = ParseAddress(strings.ToUpper(addr.Hex()[2:]))
	require.Error(t, err, "hex without 0x prefix is treated as bech32")
	fromHex, err := ParseAddress(strings.ToUpper(addr.Hex()))
	require.NoError(t, err)
	assert.Equal(t, addr.Raw(), fromHex)
}

func TestParseAddressRejectsInvalidInput(t *testing.T) {
	_, err := ParseAddress("")
	assert.ErrorIs(t, err, ErrEmptyAddress)

	_, err = ParseAddress("0x1234")
	assert.ErrorIs(t, err, ErrInvalidAddressLength)

	_, err = ParseAddress("0xzz")
	assert.Error(t, err)

	other, err := NewAddress("cosmos", make([]byte, 20))
	require.NoError(t, err)
	_, err = ParseAddress(other.String())
	assert.ErrorIs(t, err, ErrUnexpectedPrefix)
}

func TestPrivateKeyEncodings(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	fromBytes, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	assert.Equal(t, key.PubKey().Address(), fromBytes.PubKey().Address())

	fromHex, err := PrivateKeyFromHex("0x" + hex.EncodeToString(key.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, key.PubKey().Address(), fromHex.PubKey().Address())
}

func TestKeystoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt is slow")
	}
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "signer.keystore")

	require.NoError(t, SaveToKeystore(path, key, "passphrase"))
	loaded, err := LoadFromKeystore(path, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, key.PubKey().Address(), loaded.PubKey().Address())

	_, err = LoadFromKeystore(path, "wrong")
	assert.Error(t, err)

	assert.ErrorIs(t, CreateKeystore(path, key, "passphrase"), ErrKeystoreExists)
	assert.ErrorIs(t, SaveToKeystore(path, nil, ""), ErrNilKey)
	_, err = LoadFromKeystore("", "")
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestPassphraseFromEnv(t *testing.T) {
	pass, err := PassphraseFromEnv("")
	require.NoError(t, err)
	assert.Empty(t, pass)

	t.Setenv("GUARDFLOW_TEST_PASS", "hunter2")
	pass, err = PassphraseFromEnv("GUARDFLOW_TEST_PASS")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pass)

	_, err = PassphraseFromEnv("GUARDFLOW_TEST_PASS_UNSET")
	assert.ErrorIs(t, err, ErrPassphraseUnset)
}

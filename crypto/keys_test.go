package crypto

import (
	"bytes"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0x11}, AddressLength)
	addr := NewAddress(BountyPrefix, raw)
	encoded := addr.String()
	require.True(t, strings.HasPrefix(encoded, "algb1"))

	parsed, err := ParseAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, raw, parsed[:])
}

func TestParseAddressHex(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, AddressLength)
	parsed, err := ParseAddress("0x" + hex.EncodeToString(raw))
	require.NoError(t, err)
	require.Equal(t, raw, parsed[:])

	_, err = ParseAddress("0xabcd")
	require.Error(t, err)
	_, err = ParseAddress("   ")
	require.Error(t, err)
}

func TestParseAddressRejectsForeignPrefix(t *testing.T) {
	foreign := NewAddress("nhb", bytes.Repeat([]byte{0x01}, AddressLength)).String()
	_, err := ParseAddress(foreign)
	require.Error(t, err)
}

func TestDeriveAddressDeterministic(t *testing.T) {
	a := DeriveAddress("escrow/holding")
	b := DeriveAddress("escrow/holding")
	c := DeriveAddress("escrow/other")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, [AddressLength]byte{}, a)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "claimer.json")
	require.NoError(t, SaveToKeystore(path, key, "secret"))

	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().String(), loaded.PubKey().Address().String())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

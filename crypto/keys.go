package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part used when rendering addresses.
type AddressPrefix string

// BountyPrefix is the bech32 prefix for ledger principals.
const BountyPrefix AddressPrefix = "algb"

// AddressLength is the width of a principal address in bytes.
const AddressLength = 20

// Address represents a 20-byte principal with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, fmt.Errorf("address must decode to %d bytes, got %d", AddressLength, len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// ParseAddress accepts either a bech32 address or a 0x-prefixed hex string and
// returns the raw 20 bytes.
func ParseAddress(input string) ([AddressLength]byte, error) {
	var out [AddressLength]byte
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		raw, err := hex.DecodeString(trimmed[2:])
		if err != nil {
			return out, fmt.Errorf("invalid hex address: %w", err)
		}
		if len(raw) != AddressLength {
			return out, fmt.Errorf("hex address must be %d bytes", AddressLength)
		}
		copy(out[:], raw)
		return out, nil
	}
	addr, err := DecodeAddress(trimmed)
	if err != nil {
		return out, err
	}
	if addr.Prefix() != BountyPrefix {
		return out, fmt.Errorf("unexpected address prefix %q", addr.Prefix())
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

// DeriveAddress returns the deterministic address for a label, computed as the
// trailing 20 bytes of keccak256(label). It is used for accounts that have no
// private key, such as the escrow holding account.
func DeriveAddress(label string) [AddressLength]byte {
	var out [AddressLength]byte
	hash := crypto.Keccak256([]byte(label))
	copy(out[:], hash[len(hash)-AddressLength:])
	return out
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(BountyPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

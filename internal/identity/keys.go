// Package identity wraps the secp256k1 key pairs used as companion and client
// identities. A public key is always handled in its 65-byte uncompressed form,
// which doubles as the channel identifier.
package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"cloud-companion/companion/internal/codec"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58/base58"
)

const (
	PrivateKeySize = 32
	PublicKeySize  = 65
)

var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidPublicKey  = errors.New("invalid public key")
)

func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

func PublicKeyBytes(priv *ecdsa.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return crypto.FromECDSAPub(&priv.PublicKey)
}

func MarshalPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil {
		return nil
	}
	return crypto.FromECDSAPub(pub)
}

func PrivateKeyBytes(priv *ecdsa.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return crypto.FromECDSA(priv)
}

func ParsePrivateKey(b []byte) (*ecdsa.PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidPrivateKey, len(b))
	}
	priv, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return priv, nil
}

func ParsePublicKey(b []byte) (*ecdsa.PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(b))
	}
	pub, err := crypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

func ParsePublicKeyHex(s string) ([]byte, error) {
	b, err := codec.DecodeHex(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if _, err := ParsePublicKey(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Equal compares two keys in constant time. Keys of different length are
// never equal; only the length leaks.
func Equal(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Fingerprint is a short human comparable form of a public key, used when the
// two parties verify a pairing out of band.
func Fingerprint(publicKey []byte) string {
	if len(publicKey) == 0 {
		return ""
	}
	sum := sha256.Sum256(publicKey)
	return "cc1" + base58.Encode(sum[:10])
}

package identity

import (
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrMnemonicRequired = errors.New("mnemonic is required")
)

// ExportMnemonic renders the 32-byte private scalar as a 24-word BIP-39
// phrase. The words are the key itself, not a seed a key is derived from.
func ExportMnemonic(priv *ecdsa.PrivateKey) (string, error) {
	if priv == nil {
		return "", ErrInvalidPrivateKey
	}
	return bip39.NewMnemonic(PrivateKeyBytes(priv))
}

func ImportMnemonic(mnemonic string) (*ecdsa.PrivateKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	return ParsePrivateKey(entropy)
}

package client

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"

	"cloud-companion/companion/internal/codec"
	"cloud-companion/companion/internal/identity"
	"cloud-companion/companion/internal/securestore"
)

var ErrNotPaired = errors.New("identity is not paired with a companion")

type IdentityFile struct {
	PrivateKey         codec.HexBytes `json:"privateKey"`
	CompanionPublicKey codec.HexBytes `json:"companionPublicKey,omitempty"`
}

func NewIdentityFile(key *ecdsa.PrivateKey) IdentityFile {
	return IdentityFile{PrivateKey: identity.PrivateKeyBytes(key)}
}

func (f IdentityFile) Key() (*ecdsa.PrivateKey, error) {
	return identity.ParsePrivateKey(f.PrivateKey)
}

func (f IdentityFile) Companion() ([]byte, error) {
	if len(f.CompanionPublicKey) == 0 {
		return nil, ErrNotPaired
	}
	if _, err := identity.ParsePublicKey(f.CompanionPublicKey); err != nil {
		return nil, err
	}
	return append([]byte(nil), f.CompanionPublicKey...), nil
}

func LoadIdentity(path, passphrase string) (IdentityFile, error) {
	data, err := securestore.NewSealer(passphrase).ReadFile(path)
	if err != nil && !errors.Is(err, securestore.ErrPlaintext) {
		return IdentityFile{}, err
	}
	var f IdentityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return IdentityFile{}, fmt.Errorf("parse identity file: %w", err)
	}
	if _, err := f.Key(); err != nil {
		return IdentityFile{}, err
	}
	return f, nil
}

func SaveIdentity(path, passphrase string, f IdentityFile) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return securestore.NewSealer(passphrase).WriteFile(path, data)
}

// Package codec holds the pure encoding pieces of the companion protocol:
// content topic derivation, JSON payload encoding and hex-encoded binary fields.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	AppNamespace = "cloud-companion"
	// TopicHashLen is the number of hex characters of the key hash kept in a topic.
	TopicHashLen = 16
)

var (
	ErrDecodeFailure = errors.New("payload decode failure")
	ErrInvalidHex    = errors.New("invalid hex string")
)

// DeriveTopic maps a public key to its content topic. The hash runs over the
// lowercase hex text of the key, not the raw bytes, so that every client
// computes the same value.
func DeriveTopic(publicKey []byte) string {
	sum := sha256.Sum256([]byte(hex.EncodeToString(publicKey)))
	return "/" + AppNamespace + "/1/" + hex.EncodeToString(sum[:])[:TopicHashLen] + "/json"
}

func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrDecodeFailure)
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("%w: payload is not valid utf-8", ErrDecodeFailure)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return nil
}

func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeHex rejects odd-length input and non-hex characters. Upper and lower
// case digits are both accepted.
func DecodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrInvalidHex, len(s))
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return out, nil
}

type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(EncodeHex(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: expected hex string", ErrInvalidHex)
	}
	b, err := DecodeHex(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

func (h HexBytes) String() string {
	return EncodeHex(h)
}

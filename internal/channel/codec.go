package channel

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/waku-org/go-waku/waku/v2/payload"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"google.golang.org/protobuf/proto"

	"cloud-companion/companion/internal/codec"
	"cloud-companion/companion/internal/identity"
)

// payloadVersion selects asymmetric encryption with an optional signature.
const payloadVersion = 1

var ErrUndecryptable = errors.New("message cannot be decrypted with this key")

// Message is an inbound message after decryption. Signer is nil when the
// sender did not sign it.
type Message struct {
	Topic   string
	Payload []byte
	Signer  []byte
}

type Encoder struct {
	topic     string
	recipient *ecdsa.PublicKey
	signer    *ecdsa.PrivateKey
}

func NewEncoder(localPublicKey, remotePublicKey []byte, signingKey *ecdsa.PrivateKey) (*Encoder, error) {
	if len(localPublicKey) == 0 {
		return nil, fmt.Errorf("%w: local public key is empty", identity.ErrInvalidPublicKey)
	}
	recipient, err := identity.ParsePublicKey(remotePublicKey)
	if err != nil {
		return nil, err
	}
	if signingKey == nil {
		return nil, identity.ErrInvalidPrivateKey
	}
	return &Encoder{
		topic:     codec.DeriveTopic(localPublicKey),
		recipient: recipient,
		signer:    signingKey,
	}, nil
}

func (e *Encoder) Topic() string { return e.topic }

func (e *Encoder) Encode(data []byte, now time.Time) (*wpb.WakuMessage, error) {
	p := payload.Payload{
		Data: data,
		Key: &payload.KeyInfo{
			Kind:    payload.Asymmetric,
			PubKey:  *e.recipient,
			PrivKey: e.signer,
		},
	}
	encoded, err := p.Encode(payloadVersion)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &wpb.WakuMessage{
		Payload:      encoded,
		ContentTopic: e.topic,
		Version:      proto.Uint32(payloadVersion),
		Timestamp:    proto.Int64(now.UnixNano()),
		Ephemeral:    proto.Bool(true),
	}, nil
}

func decodeMessage(msg *wpb.WakuMessage, priv *ecdsa.PrivateKey) (Message, error) {
	if msg == nil || msg.GetVersion() != payloadVersion {
		return Message{}, ErrUndecryptable
	}
	decoded, err := payload.DecodePayload(msg, &payload.KeyInfo{
		Kind:    payload.Asymmetric,
		PrivKey: priv,
	})
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	out := Message{Topic: msg.ContentTopic, Payload: decoded.Data}
	if decoded.PubKey != nil {
		out.Signer = identity.MarshalPublicKey(decoded.PubKey)
	}
	return out, nil
}

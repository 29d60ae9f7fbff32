// Package router decides what an authenticated inbound message may do. The
// sender identity always comes from the recovered signer, never from the
// payload.
package router

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ipfs/go-cid"

	"cloud-companion/companion/internal/channel"
	"cloud-companion/companion/internal/codec"
	"cloud-companion/companion/internal/identity"
	"cloud-companion/companion/internal/metrics"
	"cloud-companion/companion/internal/pairing"
	"cloud-companion/companion/internal/registry"
)

var (
	ErrEmptyPayload    = errors.New("message has no payload")
	ErrSignatureAbsent = errors.New("message is not signed")
	ErrSignerMismatch  = errors.New("signer is not the paired remote key")
	ErrUnknownOwner    = errors.New("topic owner is neither pending nor registered")
	ErrUnknownAction   = errors.New("unknown action")
)

type Pairing interface {
	IsPending(publicKey []byte) bool
	Register(localPublicKey, remotePublicKey []byte, metadata codec.Metadata) error
}

type Registry interface {
	Get(localPublicKey []byte) (registry.Record, bool)
}

type Channels interface {
	BuildEncoder(localPublicKey, remotePublicKey []byte, signingKey *ecdsa.PrivateKey) (*channel.Encoder, error)
	Send(ctx context.Context, enc *channel.Encoder, payload []byte) error
}

type ContentStore interface {
	Add(ctx context.Context, data []byte) (cid.Cid, error)
}

type Router struct {
	pairing  Pairing
	registry Registry
	channels Channels
	content  ContentStore
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(p Pairing, reg Registry, channels Channels, content ContentStore, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		pairing:  p,
		registry: reg,
		channels: channels,
		content:  content,
		logger:   logger.With("component", "router"),
		metrics:  m,
	}
}

// Dispatch is the channel handler. Drops are logged and counted; nothing is
// returned to the transport.
func (r *Router) Dispatch(ctx context.Context, owner []byte, msg channel.Message) {
	err := r.Handle(ctx, owner, msg)
	outcome := outcomeOf(err)
	r.metrics.Inbound(outcome)
	if err == nil {
		return
	}
	attrs := []any{"operation", "dispatch", "topic", msg.Topic, "outcome", outcome, "reason", err.Error()}
	switch outcome {
	case metrics.OutcomeRejected:
		r.logger.Warn("registration rejected", attrs...)
	case metrics.OutcomeFailed:
		r.logger.Error("request failed", attrs...)
	default:
		r.logger.Debug("message dropped", attrs...)
	}
}

func (r *Router) Handle(ctx context.Context, owner []byte, msg channel.Message) error {
	if len(msg.Payload) == 0 {
		return ErrEmptyPayload
	}
	if len(msg.Signer) == 0 {
		return ErrSignatureAbsent
	}
	if r.pairing.IsPending(owner) {
		return r.handleRegistration(ctx, owner, msg)
	}
	rec, ok := r.registry.Get(owner)
	if !ok {
		return ErrUnknownOwner
	}
	if !identity.Equal(msg.Signer, rec.PublicKey) {
		return ErrSignerMismatch
	}
	req, err := codec.DecodeRequest(msg.Payload)
	if err != nil {
		return err
	}
	switch req.Action {
	case codec.ActionPin:
		return r.handlePin(ctx, owner, rec, req.Data)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

func (r *Router) handleRegistration(ctx context.Context, owner []byte, msg channel.Message) error {
	md, err := codec.DecodeMetadata(msg.Payload)
	if err != nil {
		return err
	}
	if err := r.pairing.Register(owner, msg.Signer, md); err != nil {
		return err
	}
	rec, ok := r.registry.Get(owner)
	if !ok {
		r.logger.Error("registered pairing missing from registry", "operation", "register")
		return nil
	}
	r.reply(ctx, owner, rec, codec.Reply{Action: codec.ActionRegistrationSuccess})
	return nil
}

func (r *Router) handlePin(ctx context.Context, owner []byte, rec registry.Record, data []byte) error {
	id, err := r.content.Add(ctx, data)
	if err != nil {
		r.metrics.Pin(false)
		return fmt.Errorf("pin: %w", err)
	}
	r.metrics.Pin(true)
	r.logger.Info("content pinned", "operation", "pin", "cid", id.String(), "size", len(data))
	r.reply(ctx, owner, rec, codec.Reply{Action: codec.ActionUploadSuccess, CID: id.String()})
	return nil
}

// reply is best effort. A failed acknowledgement never undoes the action
// that preceded it.
func (r *Router) reply(ctx context.Context, owner []byte, rec registry.Record, reply codec.Reply) {
	err := r.sendReply(ctx, owner, rec, reply)
	r.metrics.Reply(err == nil)
	if err != nil {
		r.logger.Error("reply failed",
			"operation", "reply",
			"action", reply.Action,
			"remote_public_key", rec.PublicKey.String(),
			"reason", err.Error(),
		)
	}
}

func (r *Router) sendReply(ctx context.Context, owner []byte, rec registry.Record, reply codec.Reply) error {
	signer, err := rec.Signer()
	if err != nil {
		return err
	}
	enc, err := r.channels.BuildEncoder(owner, rec.PublicKey, signer)
	if err != nil {
		return err
	}
	body, err := codec.Encode(reply)
	if err != nil {
		return err
	}
	return r.channels.Send(ctx, enc, body)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeDispatched
	case errors.Is(err, ErrEmptyPayload):
		return metrics.OutcomeEmpty
	case errors.Is(err, ErrSignatureAbsent):
		return metrics.OutcomeUnsigned
	case errors.Is(err, ErrUnknownOwner):
		return metrics.OutcomeUnknownOwner
	case errors.Is(err, ErrSignerMismatch):
		return metrics.OutcomeSignerDenied
	case errors.Is(err, codec.ErrDecodeFailure):
		return metrics.OutcomeDecodeFailed
	case errors.Is(err, pairing.ErrInvalidKey), errors.Is(err, pairing.ErrKeyExpired), errors.Is(err, registry.ErrPersistence):
		return metrics.OutcomeRejected
	case errors.Is(err, ErrUnknownAction):
		return metrics.OutcomeIgnored
	default:
		return metrics.OutcomeFailed
	}
}

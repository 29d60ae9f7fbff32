// Package client is the app side of the protocol: it pairs a client key with
// a companion public key and then talks to the companion over its topic.
package client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud-companion/companion/internal/channel"
	"cloud-companion/companion/internal/codec"
	"cloud-companion/companion/internal/identity"
)

var ErrClosed = errors.New("client is closed")

const defaultReplyBuffer = 16

type Options struct {
	// ResendInterval repeats an unanswered request. Zero sends once.
	ResendInterval time.Duration
	RetryInterval  time.Duration
	RetryMax       time.Duration
	Logger         *slog.Logger
}

type Client struct {
	key       *ecdsa.PrivateKey
	companion []byte
	channels  *channel.Manager
	encoder   *channel.Encoder
	resend    time.Duration
	logger    *slog.Logger

	replies chan codec.Reply
	done    chan struct{}
	once    sync.Once
}

func New(transport channel.Transport, key *ecdsa.PrivateKey, companionPublicKey []byte, opts Options) (*Client, error) {
	if key == nil {
		return nil, identity.ErrInvalidPrivateKey
	}
	if _, err := identity.ParsePublicKey(companionPublicKey); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	companion := append([]byte(nil), companionPublicKey...)
	enc, err := channel.NewEncoder(companion, companion, key)
	if err != nil {
		return nil, err
	}
	c := &Client{
		key:       key,
		companion: companion,
		channels: channel.NewManager(transport, channel.Options{
			RetryInterval: opts.RetryInterval,
			RetryMax:      opts.RetryMax,
			Logger:        opts.Logger,
		}),
		encoder: enc,
		resend:  opts.ResendInterval,
		logger:  opts.Logger.With("component", "client"),
		replies: make(chan codec.Reply, defaultReplyBuffer),
		done:    make(chan struct{}),
	}
	c.channels.SetHandler(c.onMessage)
	return c, nil
}

func (c *Client) Start(ctx context.Context) error {
	return c.channels.Watch(ctx, c.companion, c.key)
}

func (c *Client) PublicKey() []byte {
	return identity.PublicKeyBytes(c.key)
}

func (c *Client) Replies() <-chan codec.Reply {
	return c.replies
}

func (c *Client) Pair(ctx context.Context, name string) error {
	body, err := codec.Encode(codec.Registration{Name: name})
	if err != nil {
		return err
	}
	_, err = c.request(ctx, body, codec.ActionRegistrationSuccess)
	return err
}

func (c *Client) UploadFile(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("file is empty")
	}
	body, err := codec.Encode(codec.Request{Action: codec.ActionPin, Data: data})
	if err != nil {
		return "", err
	}
	reply, err := c.request(ctx, body, codec.ActionUploadSuccess)
	if err != nil {
		return "", err
	}
	return reply.CID, nil
}

// AwaitReply returns the next reply carrying action. Other replies are
// discarded.
func (c *Client) AwaitReply(ctx context.Context, action string) (codec.Reply, error) {
	for {
		select {
		case <-ctx.Done():
			return codec.Reply{}, ctx.Err()
		case <-c.done:
			return codec.Reply{}, ErrClosed
		case reply := <-c.replies:
			if reply.Action == action {
				return reply, nil
			}
			c.logger.Debug("unexpected reply", "operation", "await_reply", "action", reply.Action, "want", action)
		}
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.channels.Close()
	})
}

func (c *Client) request(ctx context.Context, body []byte, want string) (codec.Reply, error) {
	if err := c.channels.Send(ctx, c.encoder, body); err != nil {
		return codec.Reply{}, fmt.Errorf("send: %w", err)
	}
	if c.resend <= 0 {
		return c.AwaitReply(ctx, want)
	}

	type result struct {
		reply codec.Reply
		err   error
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := make(chan result, 1)
	go func() {
		reply, err := c.AwaitReply(waitCtx, want)
		out <- result{reply, err}
	}()

	ticker := time.NewTicker(c.resend)
	defer ticker.Stop()
	for {
		select {
		case r := <-out:
			return r.reply, r.err
		case <-ticker.C:
			if err := c.channels.Send(ctx, c.encoder, body); err != nil {
				c.logger.Warn("resend failed", "operation", "request", "reason", err.Error())
			}
		}
	}
}

func (c *Client) onMessage(_ context.Context, _ []byte, msg channel.Message) {
	if !identity.Equal(msg.Signer, c.companion) {
		c.logger.Debug("reply dropped", "operation", "receive", "reason", "signer is not the companion")
		return
	}
	reply, err := codec.DecodeReply(msg.Payload)
	if err != nil {
		c.logger.Debug("reply dropped", "operation", "receive", "reason", err.Error())
		return
	}
	select {
	case c.replies <- reply:
	case <-c.done:
	default:
		c.logger.Warn("reply dropped", "operation", "receive", "reason", "reply buffer full", "action", reply.Action)
	}
}

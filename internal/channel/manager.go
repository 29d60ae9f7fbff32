// Package channel owns the single shared transport subscription and the
// per-key topics attached to it.
package channel

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"

	"cloud-companion/companion/internal/codec"
	"cloud-companion/companion/internal/identity"
	"cloud-companion/companion/internal/metrics"
	"cloud-companion/companion/internal/waku"
)

var (
	ErrSubscriptionUnavailable = errors.New("shared subscription unavailable")
	ErrClosed                  = errors.New("channel manager is closed")
)

type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

type Subscription interface {
	Subscribe(ctx context.Context, contentTopic string, handler waku.Handler) error
	Unsubscribe(ctx context.Context, contentTopic string) error
	Close()
}

type Transport interface {
	OpenSubscription(ctx context.Context) (Subscription, error)
	Publish(ctx context.Context, msg *wpb.WakuMessage) error
}

type Handler func(ctx context.Context, owner []byte, msg Message)

type Options struct {
	// RetryInterval is the first delay between subscription attempts.
	RetryInterval time.Duration
	// RetryMax caps the delay between attempts. Attempts never stop.
	RetryMax time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type attachment struct {
	owner []byte
	key   *ecdsa.PrivateKey
}

type Manager struct {
	transport Transport
	opts      Options
	logger    *slog.Logger

	lifetime context.Context
	stop     context.CancelFunc

	mu       sync.Mutex
	state    State
	sub      Subscription
	ready    chan struct{}
	attached map[string]attachment
	handler  Handler
	closed   bool
}

func NewManager(transport Transport, opts Options) *Manager {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.RetryMax < opts.RetryInterval {
		opts.RetryMax = opts.RetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.With("component", "channel"),
		lifetime:  lifetime,
		stop:      stop,
		attached:  make(map[string]attachment),
	}
}

func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SharedSubscription returns the one subscription handle, creating it on
// first use. Concurrent callers share a single creation attempt that retries
// until it succeeds or the manager is closed. ctx only bounds how long this
// caller waits; cancelling it leaves the retry loop running.
func (m *Manager) SharedSubscription(ctx context.Context) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	switch m.state {
	case StateReady:
		sub := m.sub
		m.mu.Unlock()
		return sub, nil
	case StateUninitialized:
		m.state = StateConnecting
		m.ready = make(chan struct{})
		go m.connect(m.ready)
	}
	ready := m.ready
	m.mu.Unlock()

	select {
	case <-ready:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sub == nil {
			return nil, ErrClosed
		}
		return m.sub, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionUnavailable, ctx.Err())
	case <-m.lifetime.Done():
		return nil, ErrClosed
	}
}

func (m *Manager) connect(ready chan struct{}) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.RetryInterval
	policy.MaxInterval = m.opts.RetryMax
	policy.MaxElapsedTime = 0

	var sub Subscription
	op := func() error {
		s, err := m.transport.OpenSubscription(m.lifetime)
		m.opts.Metrics.SubscriptionAttempt(err == nil)
		if err != nil {
			return err
		}
		sub = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("shared subscription attempt failed",
			"operation", "subscribe",
			"reason", err.Error(),
			"retry_in", wait.String(),
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(policy, m.lifetime), notify)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil || m.closed {
		if sub != nil {
			sub.Close()
		}
		m.state = StateUninitialized
		close(ready)
		return
	}
	m.sub = sub
	m.state = StateReady
	close(ready)
	m.logger.Info("shared subscription ready", "operation", "subscribe")
}

func (m *Manager) Subscribe(ctx context.Context, priv *ecdsa.PrivateKey) error {
	if priv == nil {
		return identity.ErrInvalidPrivateKey
	}
	owner := identity.PublicKeyBytes(priv)
	return m.attach(ctx, owner, priv)
}

func (m *Manager) Watch(ctx context.Context, remotePublicKey []byte, priv *ecdsa.PrivateKey) error {
	if priv == nil {
		return identity.ErrInvalidPrivateKey
	}
	if _, err := identity.ParsePublicKey(remotePublicKey); err != nil {
		return err
	}
	return m.attach(ctx, append([]byte(nil), remotePublicKey...), priv)
}

func (m *Manager) attach(ctx context.Context, owner []byte, priv *ecdsa.PrivateKey) error {
	sub, err := m.SharedSubscription(ctx)
	if err != nil {
		return err
	}
	topic := codec.DeriveTopic(owner)
	if err := sub.Subscribe(ctx, topic, func(msg *wpb.WakuMessage) {
		m.deliver(owner, priv, msg)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrSubscriptionUnavailable, err)
	}
	m.mu.Lock()
	m.attached[topic] = attachment{owner: owner, key: priv}
	m.mu.Unlock()
	m.logger.Debug("topic attached", "operation", "attach", "topic", topic)
	return nil
}

func (m *Manager) Unsubscribe(ctx context.Context, publicKey []byte) error {
	topic := codec.DeriveTopic(publicKey)
	m.mu.Lock()
	delete(m.attached, topic)
	sub := m.sub
	m.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(ctx, topic); err != nil {
		return err
	}
	m.logger.Debug("topic detached", "operation", "detach", "topic", topic)
	return nil
}

func (m *Manager) Attached(publicKey []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attached[codec.DeriveTopic(publicKey)]
	return ok
}

func (m *Manager) deliver(owner []byte, priv *ecdsa.PrivateKey, raw *wpb.WakuMessage) {
	msg, err := decodeMessage(raw, priv)
	if err != nil {
		m.opts.Metrics.Inbound(metrics.OutcomeUndecryptable)
		m.logger.Debug("message dropped", "operation", "decode", "reason", err.Error())
		return
	}
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return
	}
	h(m.lifetime, owner, msg)
}

func (m *Manager) BuildEncoder(localPublicKey, remotePublicKey []byte, signingKey *ecdsa.PrivateKey) (*Encoder, error) {
	return NewEncoder(localPublicKey, remotePublicKey, signingKey)
}

func (m *Manager) Send(ctx context.Context, enc *Encoder, payload []byte) error {
	if enc == nil {
		return errors.New("encoder is required")
	}
	msg, err := enc.Encode(payload, m.opts.Now())
	if err != nil {
		return err
	}
	return m.transport.Publish(ctx, msg)
}

func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sub := m.sub
	m.sub = nil
	m.state = StateUninitialized
	m.attached = make(map[string]attachment)
	m.mu.Unlock()

	m.stop()
	if sub != nil {
		sub.Close()
	}
}

func NodeTransport(n *waku.Node) Transport {
	return nodeTransport{node: n}
}

type nodeTransport struct {
	node *waku.Node
}

func (t nodeTransport) OpenSubscription(ctx context.Context) (Subscription, error) {
	sub, err := t.node.NewSubscription(ctx)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (t nodeTransport) Publish(ctx context.Context, msg *wpb.WakuMessage) error {
	return t.node.Publish(ctx, msg)
}

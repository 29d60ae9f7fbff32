// Package pairing issues the single pending temp key and turns it into a
// durable pairing when its holder proves possession of a remote key.
package pairing

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud-companion/companion/internal/codec"
	"cloud-companion/companion/internal/identity"
	"cloud-companion/companion/internal/metrics"
	"cloud-companion/companion/internal/registry"
)

const DefaultTTL = 5 * time.Minute

var (
	ErrInvalidKey = errors.New("no matching pending key")
	ErrKeyExpired = errors.New("pending key expired")
)

type State int

const (
	StateIdle State = iota
	StateTempKeyPending
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTempKeyPending:
		return "temp-key-pending"
	case StateRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

type Subscriber interface {
	Subscribe(ctx context.Context, priv *ecdsa.PrivateKey) error
	Unsubscribe(ctx context.Context, publicKey []byte) error
}

type Store interface {
	Put(localPublicKey []byte, rec registry.Record) error
	Len() int
}

type Options struct {
	TTL     time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type tempKey struct {
	key       *ecdsa.PrivateKey
	publicKey []byte
	expiry    time.Time
}

type Coordinator struct {
	subscriber Subscriber
	store      Store
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// mintMu serializes GenerateTempKey so at most one key is minted and
	// subscribed at a time without holding mu across the subscription.
	mintMu sync.Mutex
	mu     sync.Mutex
	slot   *tempKey
}

func NewCoordinator(subscriber Subscriber, store Store, opts Options) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		subscriber: subscriber,
		store:      store,
		ttl:        opts.TTL,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "pairing"),
		metrics:    opts.Metrics,
	}
}

// GenerateTempKey returns the hex public key of the pending temp key. A live
// pending key is returned as is. Otherwise a new key is minted and its topic
// subscribed before it is returned; an expired key is discarded first.
func (c *Coordinator) GenerateTempKey(ctx context.Context) (string, error) {
	c.mintMu.Lock()
	defer c.mintMu.Unlock()

	c.mu.Lock()
	current := c.slot
	if current != nil && !c.now().After(current.expiry) {
		c.mu.Unlock()
		return codec.EncodeHex(current.publicKey), nil
	}
	c.slot = nil
	c.mu.Unlock()

	if current != nil {
		c.release(ctx, current, "replaced")
	}

	key, err := identity.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate temp key: %w", err)
	}
	if err := c.subscriber.Subscribe(ctx, key); err != nil {
		return "", fmt.Errorf("subscribe temp key: %w", err)
	}
	next := &tempKey{
		key:       key,
		publicKey: identity.PublicKeyBytes(key),
		expiry:    c.now().Add(c.ttl),
	}

	c.mu.Lock()
	c.slot = next
	c.mu.Unlock()

	c.logger.Info("temp key issued",
		"operation", "generate_temp_key",
		"local_public_key", codec.EncodeHex(next.publicKey),
		"expires_at", next.expiry.UTC().Format(time.RFC3339),
	)
	return codec.EncodeHex(next.publicKey), nil
}

// Register consumes the pending key and binds it to remotePublicKey, which
// must be the verified signer of the registration message. Exactly one of
// any number of concurrent calls for the same pending key succeeds.
func (c *Coordinator) Register(localPublicKey, remotePublicKey []byte, metadata codec.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := c.slot
	if slot == nil || !identity.Equal(localPublicKey, slot.publicKey) {
		c.metrics.Registration(false)
		return ErrInvalidKey
	}
	if c.now().After(slot.expiry) {
		c.metrics.Registration(false)
		return ErrKeyExpired
	}
	if _, err := identity.ParsePublicKey(remotePublicKey); err != nil {
		c.metrics.Registration(false)
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	rec := registry.Record{
		PrivateKey: identity.PrivateKeyBytes(slot.key),
		PublicKey:  append(codec.HexBytes(nil), remotePublicKey...),
		Metadata:   metadata.Clone(),
	}
	if err := c.store.Put(slot.publicKey, rec); err != nil {
		c.metrics.Registration(false)
		return err
	}
	c.slot = nil
	c.metrics.Registration(true)
	c.metrics.SetPairings(c.store.Len())

	c.logger.Info("pairing registered",
		"operation", "register",
		"local_public_key", codec.EncodeHex(slot.publicKey),
		"remote_public_key", codec.EncodeHex(remotePublicKey),
		"name", metadata.Name(),
	)
	return nil
}

// IsPending reports whether publicKey is the pending temp key, expired or not.
func (c *Coordinator) IsPending(publicKey []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot != nil && identity.Equal(publicKey, c.slot.publicKey)
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	slot := c.slot
	c.mu.Unlock()
	if slot != nil && !c.now().After(slot.expiry) {
		return StateTempKeyPending
	}
	if c.store.Len() > 0 {
		return StateRegistered
	}
	return StateIdle
}

func (c *Coordinator) Sweep(ctx context.Context) bool {
	c.mu.Lock()
	slot := c.slot
	if slot == nil || !c.now().After(slot.expiry) {
		c.mu.Unlock()
		return false
	}
	c.slot = nil
	c.mu.Unlock()

	c.release(ctx, slot, "expired")
	return true
}

func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

func (c *Coordinator) release(ctx context.Context, slot *tempKey, reason string) {
	if err := c.subscriber.Unsubscribe(ctx, slot.publicKey); err != nil {
		c.logger.Warn("temp key unsubscribe failed",
			"operation", "release_temp_key",
			"local_public_key", codec.EncodeHex(slot.publicKey),
			"reason", err.Error(),
		)
		return
	}
	c.logger.Info("temp key released",
		"operation", "release_temp_key",
		"local_public_key", codec.EncodeHex(slot.publicKey),
		"cause", reason,
	)
}

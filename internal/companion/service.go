// Package companion wires the transport, channel manager, pairing
// coordinator, router, registry and content store into one daemon service.
package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud-companion/companion/internal/bootstrap/config"
	"cloud-companion/companion/internal/channel"
	"cloud-companion/companion/internal/codec"
	"cloud-companion/companion/internal/contentstore"
	"cloud-companion/companion/internal/identity"
	"cloud-companion/companion/internal/metrics"
	"cloud-companion/companion/internal/pairing"
	"cloud-companion/companion/internal/registry"
	"cloud-companion/companion/internal/router"
	"cloud-companion/companion/internal/waku"
)

var ErrNotStarted = errors.New("companion service is not started")

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Now drives pairing expiry. Defaults to time.Now.
	Now func() time.Time
}

// Pairing is the management view of a registry entry. Private material is
// never part of it.
type Pairing struct {
	LocalPublicKey  string         `json:"localPublicKey"`
	RemotePublicKey string         `json:"remotePublicKey"`
	Fingerprint     string         `json:"fingerprint"`
	Metadata        codec.Metadata `json:"metadata"`
}

type Health struct {
	Transport    string `json:"transport"`
	NetworkState string `json:"networkState"`
	PeerCount    int    `json:"peerCount"`
	ChannelState string `json:"channelState"`
	PairingState string `json:"pairingState"`
	Pairings     int    `json:"pairings"`
}

type Service struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	node     *waku.Node
	channels *channel.Manager
	registry *registry.Registry
	pairing  *pairing.Coordinator
	router   *router.Router
	content  *contentstore.FS

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg config.Config, opts Options) (*Service, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	content, err := contentstore.NewFS(cfg.Storage.ContentPath())
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}

	node := waku.NewNode(cfg.Network)
	channels := channel.NewManager(channel.NodeTransport(node), channel.Options{
		RetryInterval: cfg.Subscription.RetryInterval,
		RetryMax:      cfg.Subscription.RetryMax,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})
	reg := registry.Load(cfg.Storage.KeysPath(), cfg.Storage.Passphrase, opts.Logger)
	coordinator := pairing.NewCoordinator(channels, reg, pairing.Options{
		TTL:     cfg.Pairing.TTL,
		Now:     opts.Now,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	r := router.New(coordinator, reg, channels, content, opts.Logger, opts.Metrics)
	channels.SetHandler(r.Dispatch)

	return &Service{
		cfg:      cfg,
		logger:   opts.Logger.With("component", "companion"),
		metrics:  opts.Metrics,
		node:     node,
		channels: channels,
		registry: reg,
		pairing:  coordinator,
		router:   r,
		content:  content,
	}, nil
}

// Start brings the node up, resubscribes every stored pairing and starts the
// expiry sweeper. A pairing whose key cannot be restored is skipped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	restored := 0
	for _, entry := range s.registry.All() {
		if err := s.restore(ctx, entry); err != nil {
			if ctx.Err() != nil {
				_ = s.node.Stop(context.Background())
				return err
			}
			s.logger.Warn("pairing not restored",
				"operation", "restore",
				"local_public_key", entry.LocalPublicKey,
				"reason", err.Error(),
			)
			continue
		}
		restored++
	}
	s.metrics.SetPairings(s.registry.Len())

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pairing.RunSweeper(runCtx, s.cfg.Pairing.SweepInterval)
	}()
	s.started = true

	status := s.node.Status()
	s.logger.Info("companion started",
		"operation", "start",
		"transport", status.Transport,
		"network_state", status.State,
		"pairings", restored,
	)
	return nil
}

func (s *Service) restore(ctx context.Context, entry registry.Entry) error {
	signer, err := entry.Record.Signer()
	if err != nil {
		return err
	}
	if codec.EncodeHex(identity.PublicKeyBytes(signer)) != entry.LocalPublicKey {
		return errors.New("stored private key does not match its entry")
	}
	return s.channels.Subscribe(ctx, signer)
}

func (s *Service) GenerateTempKey(ctx context.Context) (string, error) {
	if !s.isStarted() {
		return "", ErrNotStarted
	}
	return s.pairing.GenerateTempKey(ctx)
}

func (s *Service) ListPairings() []Pairing {
	entries := s.registry.All()
	out := make([]Pairing, 0, len(entries))
	for _, e := range entries {
		out = append(out, Pairing{
			LocalPublicKey:  e.LocalPublicKey,
			RemotePublicKey: codec.EncodeHex(e.Record.PublicKey),
			Fingerprint:     identity.Fingerprint(e.Record.PublicKey),
			Metadata:        e.Record.Metadata,
		})
	}
	return out
}

func (s *Service) DeletePairing(ctx context.Context, localPublicKeyHex string) (bool, error) {
	localPublicKey, err := identity.ParsePublicKeyHex(localPublicKeyHex)
	if err != nil {
		return false, err
	}
	deleted, err := s.registry.Delete(localPublicKey)
	if err != nil || !deleted {
		return deleted, err
	}
	if err := s.channels.Unsubscribe(ctx, localPublicKey); err != nil {
		s.logger.Warn("unsubscribe after delete failed",
			"operation", "delete_pairing",
			"local_public_key", codec.EncodeHex(localPublicKey),
			"reason", err.Error(),
		)
	}
	s.metrics.SetPairings(s.registry.Len())
	s.logger.Info("pairing deleted",
		"operation", "delete_pairing",
		"local_public_key", codec.EncodeHex(localPublicKey),
	)
	return true, nil
}

func (s *Service) Health() Health {
	status := s.node.Status()
	return Health{
		Transport:    status.Transport,
		NetworkState: status.State,
		PeerCount:    status.PeerCount,
		ChannelState: s.channels.State().String(),
		PairingState: s.pairing.State().String(),
		Pairings:     s.registry.Len(),
	}
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Service) Content() *contentstore.FS {
	return s.content
}

func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
	s.channels.Close()
	s.started = false
	return s.node.Stop(ctx)
}

func (s *Service) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

package waku

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"

	// PubsubTopic is the relay shard every companion channel rides on.
	PubsubTopic = "/waku/2/default-waku/proto"

	// busPeers is what a mock node reports: the in-process bus stands in for
	// a single relay peer.
	busPeers = 1
)

var (
	ErrNotConnected    = errors.New("waku not connected")
	ErrContentTopic    = errors.New("content topic is required")
	ErrBackendDisabled = errors.New("go-waku backend is not available in this build")

	errMeshTooSmall = errors.New("mesh below peer goal")
)

var peerPollInterval = time.Second

// Handler receives every message published on a subscribed content topic.
// Handlers for different messages may run concurrently.
type Handler func(msg *wpb.WakuMessage)

type Config struct {
	Transport      string
	Port           int
	EnableRelay    bool
	BootstrapNodes []string
	// MinPeers is the mesh size below which the node reports degraded and
	// the backend redials its bootstrap list.
	MinPeers int
	// PeerWait bounds how long Start blocks for MinPeers. Zero returns as
	// soon as the backend is up.
	PeerWait          time.Duration
	RedialInterval    time.Duration
	RedialIntervalMax time.Duration
}

type Status struct {
	Transport string
	State     string
	PeerCount int
	LastSync  time.Time
}

type Node struct {
	mu     sync.RWMutex
	cfg    Config
	status Status
	gw     goWakuBackend
	bus    *messageBus

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
}

type goWakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	ListenAddresses() []string
	SubscribeContentTopic(ctx context.Context, contentTopic string, handler Handler) (func(), error)
	Publish(ctx context.Context, msg *wpb.WakuMessage) error
}

func DefaultConfig() Config {
	return Config{
		Transport:         TransportMock,
		Port:              60000,
		EnableRelay:       true,
		MinPeers:          1,
		PeerWait:          5 * time.Second,
		RedialInterval:    time.Second,
		RedialIntervalMax: 30 * time.Second,
	}
}

func NewNode(cfg Config) *Node {
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg: cfg,
		bus: globalBus,
		status: Status{
			Transport: cfg.Transport,
			State:     StateDisconnected,
		},
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	if cfg.PeerWait < 0 {
		cfg.PeerWait = 0
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = def.RedialInterval
	}
	if cfg.RedialIntervalMax < cfg.RedialInterval {
		cfg.RedialIntervalMax = max(def.RedialIntervalMax, cfg.RedialInterval)
	}
	return cfg
}

// peerGoal is the mesh size the node considers healthy. Only bootstrap nodes
// are dialled directly, so a longer list than that can never be demanded.
func peerGoal(cfg Config) int {
	goal := max(cfg.MinPeers, 1)
	if n := len(cfg.BootstrapNodes); n > 0 && goal > n {
		goal = n
	}
	return goal
}

func stateForPeers(peers, goal int) string {
	if peers >= goal {
		return StateConnected
	}
	return StateDegraded
}

// awaitPeers polls the backend until the mesh reaches goal or wait runs out.
// Running out is not an error; the node comes up degraded and the peer watcher
// promotes it once peers arrive.
func awaitPeers(ctx context.Context, backend goWakuBackend, goal int, wait time.Duration) (int, error) {
	peers := backend.PeerCount()
	if peers >= goal || wait <= 0 {
		return peers, nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = wait

	err := backoff.Retry(func() error {
		peers = backend.PeerCount()
		if peers < goal {
			return errMeshTooSmall
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil && !errors.Is(err, errMeshTooSmall) {
		return peers, err
	}
	return peers, nil
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.setStateLocked(StateConnecting, 0)
	n.mu.Unlock()

	if n.cfg.Transport != TransportGoWaku {
		if err := ctx.Err(); err != nil {
			n.setDisconnected()
			return err
		}
		n.mu.Lock()
		n.setStateLocked(StateConnected, busPeers)
		n.mu.Unlock()
		return nil
	}

	backend := newGoWakuBackend()
	if backend == nil {
		n.setDisconnected()
		return ErrBackendDisabled
	}
	if err := backend.Start(ctx, n.cfg); err != nil {
		n.setDisconnected()
		return err
	}
	goal := peerGoal(n.cfg)
	peers, err := awaitPeers(ctx, backend, goal, n.cfg.PeerWait)
	if err != nil {
		backend.Stop()
		n.setDisconnected()
		return err
	}

	n.mu.Lock()
	n.gw = backend
	n.setStateLocked(stateForPeers(peers, goal), peers)
	n.mu.Unlock()
	n.watchPeers()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopWatching()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	n.setStateLocked(StateDisconnected, 0)
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

func (n *Node) connected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status.State == StateConnected || n.status.State == StateDegraded
}

func (n *Node) NewSubscription(ctx context.Context) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !n.connected() {
		return nil, ErrNotConnected
	}
	return &Subscription{node: n, topics: make(map[string]func())}, nil
}

func (n *Node) subscribeTopic(ctx context.Context, contentTopic string, handler Handler) (func(), error) {
	gw, bus, ok := n.route()
	if !ok {
		return nil, ErrNotConnected
	}
	if gw != nil {
		return gw.SubscribeContentTopic(ctx, contentTopic, handler)
	}
	return bus.subscribe(contentTopic, handler), nil
}

// Publish is fire and forget: a nil error means the message left this node.
func (n *Node) Publish(ctx context.Context, msg *wpb.WakuMessage) error {
	gw, bus, ok := n.route()
	if !ok {
		return ErrNotConnected
	}
	if msg == nil || msg.ContentTopic == "" {
		return ErrContentTopic
	}
	if gw != nil {
		return gw.Publish(ctx, msg)
	}
	bus.publish(msg)
	return nil
}

func (n *Node) route() (goWakuBackend, *messageBus, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	switch n.status.State {
	case StateConnected, StateDegraded:
		return n.gw, n.bus, true
	default:
		return nil, nil, false
	}
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setStateLocked(StateDisconnected, 0)
}

func (n *Node) setStateLocked(state string, peers int) {
	if n.status.State != state {
		slog.Debug("waku state changed", "component", "waku", "from", n.status.State, "to", state, "peers", peers)
	}
	n.status.State = state
	n.status.PeerCount = peers
	n.status.LastSync = time.Now()
}

func (n *Node) watchPeers() {
	n.stopWatching()
	ctx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.watchCancel = cancel
	n.watchWG.Add(1)
	n.mu.Unlock()

	goal := peerGoal(n.cfg)
	go func() {
		defer n.watchWG.Done()
		ticker := time.NewTicker(peerPollInterval)
		defer ticker.Stop()
		for {
			n.samplePeers(goal)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (n *Node) stopWatching() {
	n.mu.Lock()
	cancel := n.watchCancel
	n.watchCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.watchWG.Wait()
	}
}

func (n *Node) samplePeers(goal int) {
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw == nil {
		return
	}
	peers := gw.PeerCount()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if next := stateForPeers(peers, goal); next != n.status.State || peers != n.status.PeerCount {
		n.setStateLocked(next, peers)
	}
}

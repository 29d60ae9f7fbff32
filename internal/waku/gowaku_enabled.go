//go:build real_waku

package waku

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

var errNoRelayNode = errors.New("go-waku node is not running")

type relayNode struct {
	mu   sync.RWMutex
	node *wakuNode.WakuNode

	redialCancel context.CancelFunc
	redialWG     sync.WaitGroup
}

func newGoWakuBackend() goWakuBackend {
	return &relayNode{}
}

func (r *relayNode) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts := []wakuNode.WakuNodeOption{wakuNode.WithHostAddress(hostAddr)}
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	dialAll(ctx, node, cfg.BootstrapNodes)

	r.mu.Lock()
	r.node = node
	r.mu.Unlock()
	if len(cfg.BootstrapNodes) > 0 {
		r.keepMeshed(cfg)
	}
	return nil
}

func (r *relayNode) Stop() {
	r.mu.Lock()
	cancel := r.redialCancel
	r.redialCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		r.redialWG.Wait()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.node != nil {
		r.node.Stop()
		r.node = nil
	}
}

func (r *relayNode) running() *wakuNode.WakuNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.node
}

func (r *relayNode) PeerCount() int {
	node := r.running()
	if node == nil {
		return 0
	}
	return node.PeerCount()
}

func (r *relayNode) ListenAddresses() []string {
	node := r.running()
	if node == nil {
		return nil
	}
	var out []string
	for _, addr := range node.ListenAddresses() {
		out = append(out, addr.String())
	}
	return out
}

func (r *relayNode) SubscribeContentTopic(ctx context.Context, contentTopic string, handler Handler) (func(), error) {
	node := r.running()
	if node == nil {
		return nil, errNoRelayNode
	}
	subs, err := node.Relay().Subscribe(ctx, protocol.NewContentFilter(PubsubTopic, contentTopic))
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		go func(ch <-chan *protocol.Envelope) {
			for env := range ch {
				if env == nil {
					continue
				}
				if msg := env.Message(); msg != nil && msg.ContentTopic == contentTopic {
					handler(msg)
				}
			}
		}(sub.Ch)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, sub := range subs {
				sub.Unsubscribe()
			}
		})
	}, nil
}

func (r *relayNode) Publish(ctx context.Context, msg *wpb.WakuMessage) error {
	node := r.running()
	if node == nil {
		return errNoRelayNode
	}
	_, err := node.Relay().Publish(ctx, msg, relay.WithPubSubTopic(PubsubTopic))
	return err
}

// keepMeshed redials the bootstrap list while the mesh is below its goal,
// backing off between rounds that add nothing.
func (r *relayNode) keepMeshed(cfg Config) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.redialCancel = cancel
	r.redialWG.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.redialWG.Done()
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = cfg.RedialInterval
		policy.MaxInterval = cfg.RedialIntervalMax
		policy.MaxElapsedTime = 0
		retry := backoff.WithContext(policy, ctx)
		goal := peerGoal(cfg)

		wait := cfg.RedialInterval
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			node := r.running()
			if node == nil || node.PeerCount() >= goal {
				policy.Reset()
				wait = cfg.RedialInterval
				continue
			}
			if dialAll(ctx, node, shuffled(cfg.BootstrapNodes)) > 0 && node.PeerCount() >= goal {
				policy.Reset()
				wait = cfg.RedialInterval
				continue
			}
			if wait = retry.NextBackOff(); wait == backoff.Stop {
				return
			}
		}
	}()
}

func dialAll(ctx context.Context, node *wakuNode.WakuNode, addrs []string) int {
	ok := 0
	for _, addr := range addrs {
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("bootstrap dial failed", "component", "waku", "peer_addr", addr, "reason", err.Error())
			continue
		}
		ok++
	}
	return ok
}

func shuffled(addrs []string) []string {
	out := append([]string(nil), addrs...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

//go:build real_waku

package waku

import (
	"context"
	"strings"
	"testing"
	"time"

	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
)

func TestGoWakuRelayExchangeOnContentTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	nodeA := startRealWakuNode(t, ctx, nil)
	bootstrap := firstLoopbackAddr(nodeA.ListenAddresses())
	if bootstrap == "" {
		t.Skip("no loopback listen address for node A")
	}
	nodeB := startRealWakuNode(t, ctx, []string{bootstrap})
	waitForPeerCountAtLeast(t, nodeB, 1, 10*time.Second)

	const topic = "/cloud-companion/1/realwakutest0001/json"
	got := subscribeCollect(t, ctx, nodeB, topic)
	publishUntilDelivered(t, ctx, nodeA, topic, []byte("hello-over-relay"), got)
}

func TestGoWakuFailoverWithFirstBootstrapDown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	nodeA := startRealWakuNode(t, ctx, nil)
	bootstrapA := firstLoopbackAddr(nodeA.ListenAddresses())
	if bootstrapA == "" {
		t.Skip("no loopback listen address for node A")
	}

	cfgDead := DefaultConfig()
	cfgDead.Transport = TransportGoWaku
	cfgDead.Port = 0
	nodeDead := NewNode(cfgDead)
	if err := nodeDead.Start(ctx); err != nil {
		t.Fatalf("start dead node failed: %v", err)
	}
	deadBootstrap := firstLoopbackAddr(nodeDead.ListenAddresses())
	if deadBootstrap == "" {
		t.Skip("no loopback listen address for dead bootstrap node")
	}
	if err := nodeDead.Stop(context.Background()); err != nil {
		t.Fatalf("stop dead bootstrap node failed: %v", err)
	}

	nodeB := startRealWakuNode(t, ctx, []string{deadBootstrap, bootstrapA})
	waitForPeerCountAtLeast(t, nodeB, 1, 10*time.Second)

	const topic = "/cloud-companion/1/realwakutest0002/json"
	got := subscribeCollect(t, ctx, nodeB, topic)
	publishUntilDelivered(t, ctx, nodeA, topic, []byte("online-via-secondary-bootstrap"), got)
}

func subscribeCollect(t *testing.T, ctx context.Context, n *Node, topic string) chan *wpb.WakuMessage {
	t.Helper()
	sub, err := n.NewSubscription(ctx)
	if err != nil {
		t.Fatalf("new subscription failed: %v", err)
	}
	t.Cleanup(sub.Close)
	got := make(chan *wpb.WakuMessage, 16)
	if err := sub.Subscribe(ctx, topic, func(msg *wpb.WakuMessage) {
		select {
		case got <- msg:
		default:
		}
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return got
}

// publishUntilDelivered republishes until the relay mesh has formed and the
// message arrives.
func publishUntilDelivered(t *testing.T, ctx context.Context, n *Node, topic string, payload []byte, got chan *wpb.WakuMessage) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		msg := &wpb.WakuMessage{ContentTopic: topic, Payload: payload, Timestamp: nowNanos()}
		if err := n.Publish(ctx, msg); err != nil {
			t.Logf("publish attempt failed: %v", err)
		}
		select {
		case m := <-got:
			if string(m.Payload) != string(payload) {
				t.Fatalf("unexpected payload %q", m.Payload)
			}
			return
		case <-time.After(time.Second):
		}
	}
	t.Fatal("timed out waiting for message via relay")
}

func nowNanos() *int64 {
	v := time.Now().UnixNano()
	return &v
}

func waitForPeerCountAtLeast(t *testing.T, n *Node, minPeers int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if n.Status().PeerCount >= minPeers {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for peer count >= %d, got %d", minPeers, n.Status().PeerCount)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func startRealWakuNode(t *testing.T, ctx context.Context, bootstrapNodes []string) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	cfg.Port = 0
	cfg.BootstrapNodes = append([]string(nil), bootstrapNodes...)
	cfg.PeerWait = 0
	node := NewNode(cfg)
	if err := node.Start(ctx); err != nil {
		t.Fatalf("start node failed: %v", err)
	}
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	return node
}

func firstLoopbackAddr(addrs []string) string {
	for _, addr := range addrs {
		if strings.Contains(addr, "/p2p/") && strings.Contains(addr, "/tcp/") && strings.Contains(addr, "/127.0.0.1/") {
			return addr
		}
	}
	for _, addr := range addrs {
		if strings.Contains(addr, "/p2p/") && strings.Contains(addr, "/tcp/") {
			return addr
		}
	}
	return ""
}

package waku

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrSubscriptionClosed = errors.New("subscription is closed")

// Subscription groups the content topics one listener is attached to. Each
// topic has at most one handler; subscribing again replaces it.
type Subscription struct {
	node   *Node
	mu     sync.Mutex
	topics map[string]func()
	closed bool
}

func (s *Subscription) Subscribe(ctx context.Context, contentTopic string, handler Handler) error {
	contentTopic = strings.TrimSpace(contentTopic)
	if contentTopic == "" {
		return ErrContentTopic
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	cancel, err := s.node.subscribeTopic(ctx, contentTopic, handler)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrSubscriptionClosed
	}
	previous := s.topics[contentTopic]
	s.topics[contentTopic] = cancel
	s.mu.Unlock()

	if previous != nil {
		previous()
	}
	return nil
}

func (s *Subscription) Unsubscribe(_ context.Context, contentTopic string) error {
	s.mu.Lock()
	cancel := s.topics[contentTopic]
	delete(s.topics, contentTopic)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Subscription) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		out = append(out, topic)
	}
	return out
}

func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := make([]func(), 0, len(s.topics))
	for _, cancel := range s.topics {
		cancels = append(cancels, cancel)
	}
	s.topics = map[string]func(){}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

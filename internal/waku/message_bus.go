package waku

import (
	"sync"

	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"google.golang.org/protobuf/proto"
)

type messageBus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[string]map[uint64]Handler
}

var globalBus = newMessageBus()

func newMessageBus() *messageBus {
	return &messageBus{subscribers: make(map[string]map[uint64]Handler)}
}

func (b *messageBus) publish(msg *wpb.WakuMessage) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subscribers[msg.ContentTopic]))
	for _, h := range b.subscribers[msg.ContentTopic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		copied := proto.Clone(msg).(*wpb.WakuMessage)
		go h(copied)
	}
}

func (b *messageBus) subscribe(contentTopic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subscribers[contentTopic] == nil {
		b.subscribers[contentTopic] = make(map[uint64]Handler)
	}
	b.subscribers[contentTopic][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(contentTopic, id) })
	}
}

func (b *messageBus) unsubscribe(contentTopic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers[contentTopic], id)
	if len(b.subscribers[contentTopic]) == 0 {
		delete(b.subscribers, contentTopic)
	}
}

func (b *messageBus) listeners(contentTopic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[contentTopic])
}

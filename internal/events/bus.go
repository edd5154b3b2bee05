package events

import (
	"sync"

	"github.com/samiralibabic/merlind/internal/protocol"
)

// Notification methods published per session key.
const (
	Diagnostics = "diagnostics"
	Message     = "message"
)

type Bus struct {
	mu          sync.RWMutex
	nextSubID   int
	subscribers map[string]map[int]chan protocol.Notification
}

func NewBus() *Bus {
	return &Bus{
		subscribers: map[string]map[int]chan protocol.Notification{},
	}
}

func (b *Bus) Subscribe(key string) (chan protocol.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	ch := make(chan protocol.Notification, 128)
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = map[int]chan protocol.Notification{}
	}
	b.subscribers[key][id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subscribers[key]; ok {
				if c, ok := subs[id]; ok {
					close(c)
					delete(subs, id)
				}
				if len(subs) == 0 {
					delete(b.subscribers, key)
				}
			}
		})
	}
}

// Publish delivers to every subscriber of key. Slow subscribers lose
// notifications rather than block the publisher.
func (b *Bus) Publish(key, method string, params any) {
	evt := protocol.Notification{
		JSONRPC: protocol.Version,
		Method:  method,
		Params:  params,
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[key] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishMessage sends a transient status message for key.
func (b *Bus) PublishMessage(key, level, text string) {
	if b == nil {
		return
	}
	b.Publish(key, Message, protocol.MessageParams{Path: key, Level: level, Text: text})
}

// Package eventbus is the single in-process fan-out point between
// platform adapters and the pipelines that consume their output: the
// inbound event pipeline and anything else that wants every
// published envelope. Uses an addClient/deleteClient/broadcastMessage
// shape (buffered chan per subscriber) generalized from one SSE-style
// broadcast channel into multiple typed subscriber channels, each fed
// envelope.Envelope values.
package eventbus

import (
	"sync"

	"github.com/rakunlabs/gatekit/internal/envelope"
)

// bufferSize bounds how many unconsumed envelopes a slow subscriber may
// accumulate before it is dropped; sends are non-blocking.
const bufferSize = 256

// Bus fans out published envelopes to every current subscriber. Publish
// never blocks on a slow subscriber: a full subscriber channel is closed
// and removed rather than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan *envelope.Envelope
	next int
}

func New() *Bus {
	return &Bus{subs: make(map[string]chan *envelope.Envelope)}
}

// Subscribe registers a new listener and returns its receive-only channel
// plus an unsubscribe function the caller must defer.
func (b *Bus) Subscribe() (<-chan *envelope.Envelope, func()) {
	b.mu.Lock()
	b.next++
	key := subKey(b.next)
	ch := make(chan *envelope.Envelope, bufferSize)
	b.subs[key] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if c, ok := b.subs[key]; ok {
			delete(b.subs, key)
			close(c)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish fans env out to every subscriber. A subscriber whose buffer is
// full is dropped rather than allowed to backpressure the publisher;
// every adapter calls Publish from its own I/O goroutine and must not
// stall on a slow consumer.
func (b *Bus) Publish(env *envelope.Envelope) {
	var stale []string

	b.mu.RLock()
	for key, ch := range b.subs {
		select {
		case ch <- env:
		default:
			stale = append(stale, key)
		}
	}
	b.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	b.mu.Lock()
	for _, key := range stale {
		if c, ok := b.subs[key]; ok {
			delete(b.subs, key)
			close(c)
		}
	}
	b.mu.Unlock()
}

func subKey(n int) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	var out []byte
	for n > 0 {
		out = append([]byte{digits[n%36]}, out...)
		n /= 36
	}
	return string(out)
}

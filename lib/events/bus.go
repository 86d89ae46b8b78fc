// Package events implements the in-process domain event bus. Delivery is
// synchronous on the publisher's goroutine, so events published from one
// goroutine are observed in FIFO order; handlers that need isolation must
// dispatch onto their own workers.
package events

import (
	"reflect"
	"sync"
)

// CAChanged is published after the certificate authority has been
// generated, rotated, or replaced. Chain carries the PEM-encoded CA
// certificate chain, leaf first.
type CAChanged struct {
	Chain [][]byte
}

// ConnectionState describes the gateway's view of cloud connectivity.
type ConnectionState int

const (
	// NetworkDown means the cloud is unreachable.
	NetworkDown ConnectionState = iota
	// NetworkUp means the cloud is reachable.
	NetworkUp
)

// String returns the wire-level name of the state.
func (s ConnectionState) String() string {
	if s == NetworkUp {
		return "NETWORK_UP"
	}
	return "NETWORK_DOWN"
}

// NetworkStateChanged is published on connectivity transitions.
type NetworkStateChanged struct {
	State ConnectionState
}

// CertificateIssued is published each time a generator produces a leaf
// certificate.
type CertificateIssued struct {
	// Server is true for server-auth leaves, false for client-auth.
	Server bool
}

// SessionCreated is published after a client device session has been
// authenticated and inserted into the session table.
type SessionCreated struct{}

// SessionEvicted is published when a session is evicted to make room for
// a new one.
type SessionEvicted struct{}

// Bus is a typed publish/subscribe table keyed by event type.
// The zero value is not usable; construct with NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]any
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[reflect.Type][]any)}
}

// Subscribe registers fn to be invoked synchronously for every published
// event of type T.
func Subscribe[T any](b *Bus, fn func(T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.handlers[t] = append(b.handlers[t], fn)
}

// Publish delivers event to all subscribers of its type, in subscription
// order, on the caller's goroutine.
func Publish[T any](b *Bus, event T) {
	b.mu.RLock()
	t := reflect.TypeOf((*T)(nil)).Elem()
	handlers := b.handlers[t]
	b.mu.RUnlock()
	for _, h := range handlers {
		h.(func(T))(event)
	}
}

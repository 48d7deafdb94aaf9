// Package repotest provides in-memory implementations of the repo ports
// for tests: a document store backed by a map and a broker that delivers
// synchronously and records every publish.
package repotest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edirooss/evbus/internal/repo"
)

// MemKV is an in-memory repo.ObjectStore.
type MemKV struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemKV() *MemKV {
	return &MemKV{docs: make(map[string][]byte)}
}

func (s *MemKV) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *MemKV) SetJSON(_ context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	s.mu.Lock()
	s.docs[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.docs, key)
	s.mu.Unlock()
	return nil
}

// Has reports whether a document exists at key.
func (s *MemKV) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[key]
	return ok
}

// MemBroker is an in-memory repo.Broker. Publishes are delivered to every
// matching subscription and recorded for assertions.
type MemBroker struct {
	mu        sync.Mutex
	subs      []*MemSubscription
	published []repo.Message
}

func NewMemBroker() *MemBroker {
	return &MemBroker{}
}

func (b *MemBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	b.published = append(b.published, repo.Message{Channel: channel, Payload: payload})
	subs := make([]*MemSubscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(channel, payload)
	}
	return nil
}

func (b *MemBroker) Subscribe(_ context.Context, channels ...string) (repo.Subscription, error) {
	sub := &MemSubscription{
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan repo.Message, 256),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Published returns every publish issued on the given channel, or all
// publishes when channel is empty.
func (b *MemBroker) Published(channel string) []repo.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel == "" {
		out := make([]repo.Message, len(b.published))
		copy(out, b.published)
		return out
	}
	var out []repo.Message
	for _, msg := range b.published {
		if msg.Channel == channel {
			out = append(out, msg)
		}
	}
	return out
}

// MemSubscription is an in-memory repo.Subscription.
type MemSubscription struct {
	mu       sync.Mutex
	channels map[string]struct{}
	out      chan repo.Message
	closed   bool
}

func (s *MemSubscription) Messages() <-chan repo.Message { return s.out }

func (s *MemSubscription) Subscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *MemSubscription) Unsubscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *MemSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

// Subscribed reports whether the subscription covers the channel.
func (s *MemSubscription) Subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *MemSubscription) deliver(channel string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.channels[channel]; !ok {
		return
	}
	select {
	case s.out <- repo.Message{Channel: channel, Payload: payload}:
	default: // drop on backpressure, like the real transport
	}
}

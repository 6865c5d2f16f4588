// SPDX-License-Identifier: AGPL-3.0-or-later
// signalbroker - coordination core for a distributed browser synthesizer
// Copyright (C) 2023-2026 Jacob McSwain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package pubsub

import (
	"sync"

	"github.com/signalmesh/broker/internal/config"
)

func makeInMemoryPubSub(_ *config.Config) (PubSub, error) {
	return &inMemoryPubSub{
		subscribers: make(map[string][]chan []byte),
	}, nil
}

// inMemoryPubSub fans a published message out to every channel currently
// subscribed to its topic, for single-instance deployments where there is
// no Redis to do this across processes.
type inMemoryPubSub struct {
	mu          sync.Mutex
	subscribers map[string][]chan []byte
}

func (ps *inMemoryPubSub) Publish(topic string, message []byte) error {
	// Sends are non-blocking and made under the lock, so each subscriber
	// sees messages in publish order and never a send on a closed channel;
	// a subscriber whose buffer is full misses the message.
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, ch := range ps.subscribers[topic] {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (ps *inMemoryPubSub) Subscribe(topic string) Subscription {
	ch := make(chan []byte, 16)

	ps.mu.Lock()
	ps.subscribers[topic] = append(ps.subscribers[topic], ch)
	ps.mu.Unlock()

	return &inMemorySubscription{
		ps:    ps,
		topic: topic,
		ch:    ch,
	}
}

func (ps *inMemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, subs := range ps.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	ps.subscribers = make(map[string][]chan []byte)
	return nil
}

type inMemorySubscription struct {
	ps    *inMemoryPubSub
	topic string
	ch    chan []byte
}

func (s *inMemorySubscription) Close() error {
	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()

	subs := s.ps.subscribers[s.topic]
	for i, ch := range subs {
		if ch == s.ch {
			s.ps.subscribers[s.topic] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	return nil
}

func (s *inMemorySubscription) Channel() <-chan []byte {
	return s.ch
}

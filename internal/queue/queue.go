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

// Package queue holds messages for recipients that cannot be reached by
// the local instance, so that whichever instance later holds their
// socket can pick the messages up and deliver them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/signalmesh/broker/internal/kv"
)

// Message is a single queued signaling envelope awaiting delivery.
// MessageID is a ULID so that messages queued for the same recipient sort
// into arrival order without needing a separate sequence counter.
type Message struct {
	MessageID string          `json:"messageId"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	QueuedAt  time.Time       `json:"queuedAt"`
}

// Queue is a FIFO-per-recipient mailbox backed by the shared kv store, so
// that a message queued by one instance can be drained by whichever
// instance later holds the recipient's socket.
type Queue struct {
	store kv.KV
	ttl   time.Duration
}

// New creates a Queue whose entries expire ttl after the last push to
// that recipient.
func New(store kv.KV, ttl time.Duration) *Queue {
	return &Queue{store: store, ttl: ttl}
}

func key(recipientID string) string {
	return fmt.Sprintf("queue/%s", recipientID)
}

// Push enqueues a message for recipientID and returns the new queue depth.
func (q *Queue) Push(ctx context.Context, recipientID, source string, payload json.RawMessage) (int, error) {
	msg := Message{
		MessageID: ulid.Make().String(),
		Source:    source,
		Payload:   payload,
		QueuedAt:  time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal queued message: %w", err)
	}

	k := key(recipientID)
	depth, err := q.store.RPush(ctx, k, data)
	if err != nil {
		return 0, fmt.Errorf("failed to push message for %s: %w", recipientID, err)
	}

	if err := q.store.Expire(ctx, k, q.ttl); err != nil {
		return 0, fmt.Errorf("failed to refresh queue ttl for %s: %w", recipientID, err)
	}

	return int(depth), nil
}

// Drain atomically removes and returns every message queued for
// recipientID, oldest first.
func (q *Queue) Drain(ctx context.Context, recipientID string) ([]Message, error) {
	raw, err := q.store.LDrain(ctx, key(recipientID))
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue for %s: %w", recipientID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	messages := make([]Message, 0, len(raw))
	for _, r := range raw {
		var msg Message
		if err := json.Unmarshal(r, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queued message for %s: %w", recipientID, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Delete discards any pending backlog for recipientID without delivering it.
func (q *Queue) Delete(ctx context.Context, recipientID string) error {
	if err := q.store.Delete(ctx, key(recipientID)); err != nil {
		return fmt.Errorf("failed to delete queue for %s: %w", recipientID, err)
	}
	return nil
}

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

// Package pubsub provides a fast-path nudge for leadership change
// notifications. It is an optimization only: the kv-backed notification
// poller in internal/leadership remains the authoritative delivery
// mechanism, so a missed or duplicated pubsub message never causes
// incorrect behavior, only a slightly later wakeup.
package pubsub

import (
	"context"

	"github.com/signalmesh/broker/internal/config"
)

// PubSub is a topic-based fanout used to wake up instances polling the
// leadership notification record sooner than the next poll tick.
type PubSub interface {
	Publish(topic string, message []byte) error
	Subscribe(topic string) Subscription
	Close() error
}

// Subscription is a single subscriber's view of a topic.
type Subscription interface {
	Close() error
	Channel() <-chan []byte
}

// MakePubSub creates a Redis-backed fanout for multi-instance deployments,
// or an in-process one for a single standalone instance.
func MakePubSub(ctx context.Context, config *config.Config) (PubSub, error) {
	if config.Redis.Enabled {
		return makePubSubFromRedis(ctx, config)
	}
	return makeInMemoryPubSub(config)
}

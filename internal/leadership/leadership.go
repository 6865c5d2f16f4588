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

// Package leadership names exactly one active controller at a time. A
// single authoritative record lives in the shared kv store; every
// instance polls a companion notification record to learn about changes
// and fan them out to its own attached synths.
package leadership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalmesh/broker/internal/kv"
	"github.com/signalmesh/broker/internal/metrics"
	"github.com/signalmesh/broker/internal/pubsub"
)

const changeTopic = "leader/changed"

const (
	activeKey       = "leader/active"
	notificationKey = "leader/notification"
)

// ControllerRecord is the single record naming the active controller.
type ControllerRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instanceId"`
}

// ChangeNotification is published every time the active controller
// changes, including to nil (no active controller).
type ChangeNotification struct {
	ControllerID   *string   `json:"controllerId"`
	NotificationID string    `json:"notificationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// Broadcaster delivers a leadership change to every synth this instance
// has attached, locally or via the queue. internal/router implements
// this.
type Broadcaster interface {
	BroadcastActiveController(ctx context.Context, controllerID *string, timestamp time.Time) error
}

// Leadership owns the ControllerRecord/ChangeNotification pair in the kv
// store and the per-instance dedup state for the notification poller.
type Leadership struct {
	store      kv.KV
	instanceID string

	heartbeatTimeout      time.Duration
	notificationStaleness time.Duration

	pubsub  pubsub.PubSub
	metrics *metrics.Metrics

	mu              sync.Mutex
	lastProcessedID string
}

func New(store kv.KV, instanceID string, heartbeatTimeout, notificationStaleness time.Duration) *Leadership {
	return &Leadership{
		store:                 store,
		instanceID:            instanceID,
		heartbeatTimeout:      heartbeatTimeout,
		notificationStaleness: notificationStaleness,
	}
}

// SetPubSub attaches a fanout used to wake PollNotifications sooner than
// its next poll tick. It is an optimization only: PollNotifications keeps
// polling on its ticker even without one.
func (l *Leadership) SetPubSub(ps pubsub.PubSub) {
	l.pubsub = ps
}

// SetMetrics attaches the collector used to record deduped notifications.
// PollNotifications works without one; the call is skipped.
func (l *Leadership) SetMetrics(m *metrics.Metrics) {
	l.metrics = m
}

// GetActive returns the current controller record, or nil if there is
// none. A heartbeat-expired record is deleted and a null notification is
// published as a side effect of reading it.
func (l *Leadership) GetActive(ctx context.Context) (*ControllerRecord, error) {
	record, err := l.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active controller: %w", err)
	}
	if record == nil {
		return nil, nil
	}
	if time.Since(record.Timestamp) > l.heartbeatTimeout {
		if err := l.store.Delete(ctx, activeKey); err != nil {
			return nil, fmt.Errorf("failed to delete expired controller record: %w", err)
		}
		if err := l.publish(ctx, nil); err != nil {
			return nil, fmt.Errorf("failed to publish expiry notification: %w", err)
		}
		return nil, nil
	}
	return record, nil
}

// SetActive attempts to make id the active controller. A heartbeat from
// anyone but the current leader is rejected without writing anything.
// Repeated activation by the current leader silently refreshes the
// timestamp without emitting a new notification.
func (l *Leadership) SetActive(ctx context.Context, id string, isHeartbeat bool) (changed bool, current *ControllerRecord, err error) {
	record, err := l.load(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("failed to load active controller: %w", err)
	}

	now := time.Now()

	if record != nil && record.ID == id {
		record.Timestamp = now
		if err := l.save(ctx, record); err != nil {
			return false, nil, fmt.Errorf("failed to refresh controller heartbeat: %w", err)
		}
		return false, record, nil
	}

	if record != nil && isHeartbeat {
		return false, record, nil
	}

	newRecord := &ControllerRecord{ID: id, Timestamp: now, InstanceID: l.instanceID}
	if err := l.save(ctx, newRecord); err != nil {
		return false, nil, fmt.Errorf("failed to write new controller record: %w", err)
	}
	if err := l.publish(ctx, &id); err != nil {
		return false, nil, fmt.Errorf("failed to publish activation notification: %w", err)
	}
	return true, newRecord, nil
}

// Clear removes the active controller record, but only if id is the
// current leader.
func (l *Leadership) Clear(ctx context.Context, id string) error {
	record, err := l.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active controller: %w", err)
	}
	if record == nil || record.ID != id {
		return nil
	}
	if err := l.store.Delete(ctx, activeKey); err != nil {
		return fmt.Errorf("failed to delete controller record: %w", err)
	}
	return l.publish(ctx, nil)
}

// ForceReset deletes the active controller record unconditionally. It is
// an administrative escape hatch, not part of the normal state machine.
func (l *Leadership) ForceReset(ctx context.Context) error {
	if err := l.store.Delete(ctx, activeKey); err != nil {
		return fmt.Errorf("failed to force-reset controller record: %w", err)
	}
	return l.publish(ctx, nil)
}

// PollNotifications blocks, waking every interval to check for a new
// change notification and broadcasting it, until ctx is cancelled.
func (l *Leadership) PollNotifications(ctx context.Context, interval time.Duration, broadcaster Broadcaster) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var nudge <-chan []byte
	if l.pubsub != nil {
		sub := l.pubsub.Subscribe(changeTopic)
		defer sub.Close()
		nudge = sub.Channel()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-nudge:
			if err := l.pollOnce(ctx, broadcaster); err != nil {
				continue
			}
		case <-ticker.C:
			if err := l.pollOnce(ctx, broadcaster); err != nil {
				continue
			}
		}
	}
}

// pollOnce checks for an unseen, non-stale notification and broadcasts
// it. It is split out from PollNotifications so tests can drive a single
// tick deterministically.
func (l *Leadership) pollOnce(ctx context.Context, broadcaster Broadcaster) error {
	raw, err := l.store.Get(ctx, notificationKey)
	if err != nil {
		return nil //nolint:nilerr // no notification published yet is not an error
	}

	var notification ChangeNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return fmt.Errorf("failed to unmarshal change notification: %w", err)
	}

	l.mu.Lock()
	seen := notification.NotificationID == l.lastProcessedID
	l.mu.Unlock()
	if seen {
		if l.metrics != nil {
			l.metrics.RecordNotificationDeduped()
		}
		return nil
	}

	l.mu.Lock()
	l.lastProcessedID = notification.NotificationID
	l.mu.Unlock()

	if time.Since(notification.Timestamp) > l.notificationStaleness {
		return nil
	}

	return broadcaster.BroadcastActiveController(ctx, notification.ControllerID, notification.Timestamp)
}

func (l *Leadership) publish(ctx context.Context, controllerID *string) error {
	notification := ChangeNotification{
		ControllerID:   controllerID,
		NotificationID: uuid.NewString(),
		Timestamp:      time.Now(),
	}
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal change notification: %w", err)
	}
	if err := l.store.Set(ctx, notificationKey, data); err != nil {
		return err
	}
	if l.pubsub != nil {
		_ = l.pubsub.Publish(changeTopic, data) //nolint:errcheck // best-effort wakeup, ticker is the fallback
	}
	return nil
}

func (l *Leadership) load(ctx context.Context) (*ControllerRecord, error) {
	raw, err := l.store.Get(ctx, activeKey)
	if err != nil {
		return nil, nil //nolint:nilerr // absent record is not an error condition here
	}
	var record ControllerRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal controller record: %w", err)
	}
	return &record, nil
}

func (l *Leadership) save(ctx context.Context, record *ControllerRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal controller record: %w", err)
	}
	return l.store.Set(ctx, activeKey, data)
}

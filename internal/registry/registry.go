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

// Package registry tracks which clients (controllers and synths) are known
// to the system, where they are attached, and for how long they've been
// connected. It is the single place that decides whether a register call
// is a fresh connection or a reconnection.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/signalmesh/broker/internal/kv"
)

const (
	controllerPrefix = "controller-"
	synthPrefix      = "synth-"

	clientKeyPrefix     = "clients/"
	controllerDirPrefix = "controllers/"

	// replacedSocketDrain is how long Register waits for a socket it is
	// about to replace to finish its own close handshake.
	replacedSocketDrain = 100 * time.Millisecond
)

// Socket is the subset of a live connection the registry needs in order to
// replace a stale one on re-registration. internal/router's connection
// type implements this.
type Socket interface {
	Close(code int, reason string) error
}

// Notifier delivers a registry lifecycle event to every attached
// controller, locally or via the cross-instance queue. internal/router
// implements this.
type Notifier interface {
	NotifyControllers(ctx context.Context, event string, clientID string) error
}

// ClientRecord is the durable, TTL-backed state the registry keeps for a
// single client id, independent of which instance currently holds its
// socket.
type ClientRecord struct {
	ID                  string     `json:"id"`
	InstanceID          string     `json:"instanceId"`
	ConnectionTimestamp time.Time  `json:"connectionTimestamp"`
	LastSeen            time.Time  `json:"lastSeen"`
	ReconnectionCount   int        `json:"reconnectionCount"`
	LastReconnectTime   *time.Time `json:"lastReconnectTime,omitempty"`
	IsController        bool       `json:"isController"`
}

// IsController reports whether id carries the controller id prefix.
func IsController(id string) bool {
	return strings.HasPrefix(id, controllerPrefix)
}

// IsSynth reports whether id carries the synth id prefix.
func IsSynth(id string) bool {
	return strings.HasPrefix(id, synthPrefix)
}

func clientKey(id string) string {
	return clientKeyPrefix + id
}

func controllerDirKey(id string) string {
	return controllerDirPrefix + id
}

// Registry is the client-record store. It keeps a local map of live
// sockets for this instance alongside the cross-instance ClientRecord in
// the shared kv store.
type Registry struct {
	store      kv.KV
	instanceID string
	ttl        time.Duration
	notifier   Notifier

	sockets *xsync.Map[string, Socket]
}

func New(store kv.KV, instanceID string, ttl time.Duration, notifier Notifier) *Registry {
	return &Registry{
		store:      store,
		instanceID: instanceID,
		ttl:        ttl,
		notifier:   notifier,
		sockets:    xsync.NewMap[string, Socket](),
	}
}

// Register attaches socket to id, inheriting the prior ClientRecord's
// connectionTimestamp and bumping its reconnectionCount when one exists.
// It reports whether this call was treated as a reconnection (either the
// caller flagged it, or a prior record was found regardless of the flag).
func (r *Registry) Register(ctx context.Context, id string, socket Socket, isReconnect bool, clientTimestamp time.Time) (*ClientRecord, bool, error) {
	if prior, ok := r.sockets.LoadAndDelete(id); ok {
		_ = prior.Close(1000, "Replaced")
		time.Sleep(replacedSocketDrain)
	}

	now := time.Now()
	record := &ClientRecord{
		ID:                  id,
		InstanceID:          r.instanceID,
		ConnectionTimestamp: clientTimestamp,
		LastSeen:            now,
		IsController:        IsController(id),
	}
	if record.ConnectionTimestamp.IsZero() {
		record.ConnectionTimestamp = now
	}

	reconnected := isReconnect
	existing, err := r.load(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing record for %s: %w", id, err)
	}
	if existing != nil {
		reconnected = true
		record.ConnectionTimestamp = existing.ConnectionTimestamp
		record.ReconnectionCount = existing.ReconnectionCount + 1
		record.LastReconnectTime = &now
	}

	if err := r.save(ctx, record); err != nil {
		return nil, false, fmt.Errorf("failed to save record for %s: %w", id, err)
	}

	if record.IsController {
		if err := r.store.Set(ctx, controllerDirKey(id), []byte(r.instanceID)); err != nil {
			return nil, false, fmt.Errorf("failed to write controller directory entry for %s: %w", id, err)
		}
		if err := r.store.Expire(ctx, controllerDirKey(id), r.ttl); err != nil {
			return nil, false, fmt.Errorf("failed to set controller directory ttl for %s: %w", id, err)
		}
	}

	r.sockets.Store(id, socket)

	if !record.IsController && r.notifier != nil {
		event := "client-connected"
		if reconnected {
			event = "client-reconnected"
		}
		if err := r.notifier.NotifyControllers(ctx, event, id); err != nil {
			return record, reconnected, fmt.Errorf("failed to notify controllers about %s: %w", id, err)
		}
	}

	return record, reconnected, nil
}

// Unregister removes id's ClientRecord, its local socket, and its
// controller-directory entry if applicable. For a non-controller it then
// notifies controllers of a disconnection; a controller's departure is
// not announced.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.sockets.Delete(id)

	if err := r.store.Delete(ctx, clientKey(id)); err != nil {
		return fmt.Errorf("failed to delete record for %s: %w", id, err)
	}

	if IsController(id) {
		if err := r.store.Delete(ctx, controllerDirKey(id)); err != nil {
			return fmt.Errorf("failed to delete controller directory entry for %s: %w", id, err)
		}
		return nil
	}

	if r.notifier != nil {
		if err := r.notifier.NotifyControllers(ctx, "client-disconnected", id); err != nil {
			return fmt.Errorf("failed to notify controllers about %s disconnecting: %w", id, err)
		}
	}
	return nil
}

// Touch refreshes lastSeen for id without disturbing connectionTimestamp,
// used for plain heartbeat/message traffic.
func (r *Registry) Touch(ctx context.Context, id string) error {
	record, err := r.load(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load record for %s: %w", id, err)
	}
	if record == nil {
		return nil
	}
	record.LastSeen = time.Now()
	return r.save(ctx, record)
}

// Get returns the current ClientRecord for id, or nil if none exists.
func (r *Registry) Get(ctx context.Context, id string) (*ClientRecord, error) {
	return r.load(ctx, id)
}

// LocalSocket returns the socket this instance holds for id, if any.
func (r *Registry) LocalSocket(id string) (Socket, bool) {
	return r.sockets.Load(id)
}

// SynthInfo annotates a synth's ClientRecord with whether this instance
// holds its socket locally.
type SynthInfo struct {
	ClientRecord
	LocalToThisInstance bool `json:"localToThisInstance"`
}

// ListSynths enumerates every non-expired synth ClientRecord. It does not
// evict anything; that is the reaper's job.
func (r *Registry) ListSynths(ctx context.Context) ([]SynthInfo, error) {
	var (
		cursor uint64
		synths []SynthInfo
	)
	for {
		keys, next, err := r.store.Scan(ctx, cursor, clientKeyPrefix+synthPrefix+"*", 100)
		if err != nil {
			return nil, fmt.Errorf("failed to scan synth records: %w", err)
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, clientKeyPrefix)
			record, err := r.load(ctx, id)
			if err != nil || record == nil {
				continue
			}
			_, local := r.sockets.Load(id)
			synths = append(synths, SynthInfo{ClientRecord: *record, LocalToThisInstance: local})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return synths, nil
}

// ListControllerIDs enumerates every id with a live controller-directory
// entry, across all instances.
func (r *Registry) ListControllerIDs(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		ids    []string
	)
	for {
		keys, next, err := r.store.Scan(ctx, cursor, controllerDirPrefix+"*", 100)
		if err != nil {
			return nil, fmt.Errorf("failed to scan controller directory: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, controllerDirPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// LocalSynthIDs returns the ids of every synth whose socket this instance
// currently holds.
func (r *Registry) LocalSynthIDs() []string {
	var ids []string
	r.sockets.Range(func(id string, _ Socket) bool {
		if IsSynth(id) {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// Delete removes id's ClientRecord without running any notification side
// effects. Used by the reaper, which emits its own client-disconnected
// notification after deciding to evict.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, clientKey(id)); err != nil {
		return fmt.Errorf("failed to delete record for %s: %w", id, err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context, id string) (*ClientRecord, error) {
	raw, err := r.store.Get(ctx, clientKey(id))
	if err != nil {
		return nil, nil //nolint:nilerr // absent record is not an error condition here
	}
	var record ClientRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record for %s: %w", id, err)
	}
	return &record, nil
}

func (r *Registry) save(ctx context.Context, record *ClientRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record for %s: %w", record.ID, err)
	}
	if err := r.store.Set(ctx, clientKey(record.ID), data); err != nil {
		return fmt.Errorf("failed to store record for %s: %w", record.ID, err)
	}
	return r.store.Expire(ctx, clientKey(record.ID), r.ttl)
}

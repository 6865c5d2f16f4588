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

// Package reaper removes synth client records that no controller still
// claims to hold an open peer connection to, once their grace period has
// elapsed. It never touches controllers and never evicts on staleness of
// lastSeen alone.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalmesh/broker/internal/metrics"
	"github.com/signalmesh/broker/internal/registry"
)

// Notifier tells every attached controller that a synth has been
// evicted. internal/router implements this.
type Notifier interface {
	NotifyControllers(ctx context.Context, event string, clientID string) error
}

// Reaper sweeps the registry for synths with no surviving controller
// claim. ActiveWebRTCMap state lives here because the reaper is its only
// consumer; internal/router updates it on every controller-connections
// frame.
type Reaper struct {
	registry *registry.Registry
	notifier Notifier
	grace    time.Duration
	metrics  *metrics.Metrics

	mu    sync.Mutex
	byCtl map[string]map[string]struct{} // controllerID -> set of synth ids it reports connected
}

func New(reg *registry.Registry, notifier Notifier, grace time.Duration) *Reaper {
	return &Reaper{
		registry: reg,
		notifier: notifier,
		grace:    grace,
		byCtl:    make(map[string]map[string]struct{}),
	}
}

// SetMetrics attaches the collector used to record sweep counts, eviction
// counts, and sweep duration. Sweep works without one; calls are skipped.
func (r *Reaper) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// UpdateConnections replaces controllerID's reported set of peer-connected
// synth ids.
func (r *Reaper) UpdateConnections(controllerID string, synthIDs []string) {
	set := make(map[string]struct{}, len(synthIDs))
	for _, id := range synthIDs {
		set[id] = struct{}{}
	}

	r.mu.Lock()
	r.byCtl[controllerID] = set
	r.mu.Unlock()
}

// ForgetController drops controllerID's reported connections, e.g. when
// it deactivates or disconnects, so its stale claims can't keep a synth
// alive forever.
func (r *Reaper) ForgetController(controllerID string) {
	r.mu.Lock()
	delete(r.byCtl, controllerID)
	r.mu.Unlock()
}

func (r *Reaper) claimedSynths() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	union := make(map[string]struct{})
	for _, set := range r.byCtl {
		for id := range set {
			union[id] = struct{}{}
		}
	}
	return union
}

// Sweep enumerates every synth ClientRecord, evicting any whose grace
// period has elapsed and which no controller claims to hold a peer
// connection to. It returns the number of synths evicted.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	evicted := 0
	if r.metrics != nil {
		defer func() {
			r.metrics.RecordReaperSweep(time.Since(start).Seconds(), evicted)
		}()
	}

	claimed := r.claimedSynths()

	synths, err := r.registry.ListSynths(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list synths for sweep: %w", err)
	}

	for _, synth := range synths {
		if time.Since(synth.ConnectionTimestamp) < r.grace {
			continue
		}
		if _, ok := claimed[synth.ID]; ok {
			continue
		}

		if err := r.registry.Delete(ctx, synth.ID); err != nil {
			return evicted, fmt.Errorf("failed to evict %s: %w", synth.ID, err)
		}
		evicted++

		if r.notifier != nil {
			if err := r.notifier.NotifyControllers(ctx, "client-disconnected", synth.ID); err != nil {
				return evicted, fmt.Errorf("failed to notify controllers about evicting %s: %w", synth.ID, err)
			}
		}
	}

	return evicted, nil
}

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

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// NotifyControllers satisfies registry.Notifier and reaper.Notifier. It
// reaches every controller known anywhere in the deployment, delivering
// locally where possible and falling back to the cross-instance queue.
func (rt *Router) NotifyControllers(ctx context.Context, event string, clientID string) error {
	data, err := json.Marshal(clientEventFrame{Type: event, ClientID: clientID})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event for %s: %w", event, clientID, err)
	}

	ids, err := rt.registry.ListControllerIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list controllers: %w", err)
	}

	for _, id := range ids {
		if target, ok := rt.registry.LocalSocket(id); ok {
			if tc, ok := target.(*connection); ok {
				tc.enqueue(data)
				continue
			}
		}
		if _, err := rt.queue.Push(ctx, id, "server", data); err != nil {
			return fmt.Errorf("failed to queue %s event for %s: %w", event, id, err)
		}
	}
	return nil
}

// BroadcastActiveController satisfies leadership.Broadcaster. Per the
// notification poller's own scope, it only reaches synths this instance
// holds a socket for; every other instance's poller does the same for its
// own local synths.
func (rt *Router) BroadcastActiveController(_ context.Context, controllerID *string, timestamp time.Time) error {
	data, err := json.Marshal(activeControllerFrame{
		Type:         "active-controller",
		ControllerID: controllerID,
		Timestamp:    timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal active-controller frame: %w", err)
	}

	for _, id := range rt.registry.LocalSynthIDs() {
		target, ok := rt.registry.LocalSocket(id)
		if !ok {
			continue
		}
		tc, ok := target.(*connection)
		if !ok {
			continue
		}
		tc.enqueue(data)
	}
	return nil
}

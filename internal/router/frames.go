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
	"log/slog"
	"time"

	"github.com/signalmesh/broker/internal/leadership"
	"github.com/signalmesh/broker/internal/registry"
)

type registerFrame struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	ClientType  string `json:"clientType"`
	IsReconnect bool   `json:"isReconnect,omitempty"`
	Timestamp   *int64 `json:"timestamp,omitempty"`
}

type registrationConfirmedFrame struct {
	Type              string `json:"type"`
	ID                string `json:"id"`
	ReconnectionCount int    `json:"reconnectionCount"`
	Timestamp         int64  `json:"timestamp"`
	IsReconnection    bool   `json:"isReconnection"`
}

type activeControllerFrame struct {
	Type         string    `json:"type"`
	ControllerID *string   `json:"controllerId"`
	Timestamp    int64     `json:"timestamp"`
}

type heartbeatAckFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type signalFrame struct {
	Type   string          `json:"type"`
	Target string          `json:"target"`
	Data   json.RawMessage `json:"data"`
	Source string          `json:"source,omitempty"`
}

type controllerConnectionsFrame struct {
	Type        string   `json:"type"`
	Connections []string `json:"connections"`
}

type clientListEntry struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	LastSeen  int64  `json:"lastSeen"`
}

type clientListFrame struct {
	Type    string            `json:"type"`
	Clients []clientListEntry `json:"clients"`
}

type clientEventFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

func buildActiveControllerFrame(active *leadership.ControllerRecord) activeControllerFrame {
	frame := activeControllerFrame{Type: "active-controller", Timestamp: time.Now().UnixMilli()}
	if active != nil {
		id := active.ID
		frame.ControllerID = &id
		frame.Timestamp = active.Timestamp.UnixMilli()
	}
	return frame
}

// handleFrame dispatches a single decoded inbound frame by verb. Unknown
// verbs and frames that fail to decode further are logged and dropped;
// nothing here ever closes the socket.
func (rt *Router) handleFrame(c *connection, verb string, raw []byte) {
	switch verb {
	case verbRegister:
		rt.handleRegister(c, raw)
	case verbHeartbeat:
		rt.handleHeartbeat(c)
	case verbControllerHeartbeat:
		rt.handleControllerHeartbeat(c)
	case verbControllerActivate:
		rt.handleControllerActivate(c)
	case verbControllerDeactivate:
		rt.handleControllerDeactivate(c)
	case verbControllerConnections:
		rt.handleControllerConnections(c, raw)
	case verbRequestActiveController:
		rt.handleRequestActiveController(c)
	case verbOffer, verbAnswer, verbICECandidate:
		rt.handleSignal(c, verb, raw)
	default:
		slog.Warn("dropping unknown verb", "verb", verb)
	}
}

func (rt *Router) handleRegister(c *connection, raw []byte) {
	var f registerFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("dropping malformed register frame", "error", err)
		return
	}
	if f.ID == "" {
		slog.Warn("dropping register frame with empty id")
		return
	}

	var clientTimestamp time.Time
	if f.Timestamp != nil {
		clientTimestamp = time.UnixMilli(*f.Timestamp)
	}

	record, reconnected, err := rt.registry.Register(c.ctx, f.ID, c, f.IsReconnect, clientTimestamp)
	if err != nil {
		slog.Error("register failed", "id", f.ID, "error", err)
		return
	}
	c.bind(f.ID)
	go rt.drainLoop(c)

	if rt.metrics != nil {
		role := "synth"
		if record.IsController {
			role = "controller"
		}
		rt.metrics.RecordClientConnected(role)
		if reconnected {
			rt.metrics.RecordClientReconnected()
		}
	}

	c.sendJSON(registrationConfirmedFrame{
		Type:              "registration-confirmed",
		ID:                f.ID,
		ReconnectionCount: record.ReconnectionCount,
		Timestamp:         record.ConnectionTimestamp.UnixMilli(),
		IsReconnection:    reconnected,
	})

	switch {
	case registry.IsSynth(f.ID):
		active, err := rt.leadership.GetActive(c.ctx)
		if err != nil {
			slog.Error("failed to load active controller for new synth", "id", f.ID, "error", err)
			return
		}
		c.sendJSON(buildActiveControllerFrame(active))
	case registry.IsController(f.ID):
		rt.sendClientList(c.ctx, c)
	}
}

func (rt *Router) handleHeartbeat(c *connection) {
	id := c.boundID()
	if id == "" {
		return
	}
	if err := rt.registry.Touch(c.ctx, id); err != nil {
		slog.Error("heartbeat touch failed", "id", id, "error", err)
		return
	}
	c.sendJSON(heartbeatAckFrame{Type: "heartbeat_ack", Timestamp: time.Now().UnixMilli()})
}

func (rt *Router) handleControllerHeartbeat(c *connection) {
	id := c.boundID()
	if id == "" || !registry.IsController(id) {
		return
	}
	if err := rt.registry.Touch(c.ctx, id); err != nil {
		slog.Error("controller heartbeat touch failed", "id", id, "error", err)
		return
	}
	rt.sendClientList(c.ctx, c)
}

func (rt *Router) handleControllerActivate(c *connection) {
	id := c.boundID()
	if id == "" || !registry.IsController(id) {
		return
	}
	changed, _, err := rt.leadership.SetActive(c.ctx, id, false)
	if err != nil {
		slog.Error("controller-activate failed", "id", id, "error", err)
		return
	}
	if changed && rt.metrics != nil {
		rt.metrics.RecordControllerTransition()
	}

	rt.recordActivation(id)
	rt.sendClientList(c.ctx, c)

	grace := rt.grace
	go func() {
		time.Sleep(grace)
		if _, err := rt.reaper.Sweep(context.Background()); err != nil {
			slog.Error("scheduled reaper sweep failed", "controller", id, "error", err)
		}
	}()
}

func (rt *Router) handleControllerDeactivate(c *connection) {
	id := c.boundID()
	if id == "" || !registry.IsController(id) {
		return
	}
	if err := rt.leadership.Clear(c.ctx, id); err != nil {
		slog.Error("controller-deactivate failed", "id", id, "error", err)
		return
	}
	rt.forgetActivation(id)
	rt.reaper.ForgetController(id)
}

func (rt *Router) handleControllerConnections(c *connection, raw []byte) {
	id := c.boundID()
	if id == "" || !registry.IsController(id) {
		return
	}
	var f controllerConnectionsFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("dropping malformed controller-connections frame", "error", err)
		return
	}
	rt.reaper.UpdateConnections(id, f.Connections)

	if since, ok := rt.activatedSince(id); ok && time.Since(since) > rt.grace/2 {
		if _, err := rt.reaper.Sweep(c.ctx); err != nil {
			slog.Error("reaper sweep triggered by controller-connections failed", "controller", id, "error", err)
		}
	}
}

func (rt *Router) handleRequestActiveController(c *connection) {
	active, err := rt.leadership.GetActive(c.ctx)
	if err != nil {
		slog.Error("request-active-controller failed", "error", err)
		return
	}
	c.sendJSON(buildActiveControllerFrame(active))
}

func (rt *Router) handleSignal(c *connection, verb string, raw []byte) {
	source := c.boundID()
	if source == "" {
		return
	}
	var f signalFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("dropping malformed signaling frame", "verb", verb, "error", err)
		return
	}
	if f.Target == "" {
		return
	}

	out := signalFrame{Type: verb, Target: f.Target, Data: f.Data, Source: source}
	data, err := json.Marshal(out)
	if err != nil {
		slog.Error("failed to marshal signaling frame", "error", err)
		return
	}

	if target, ok := rt.registry.LocalSocket(f.Target); ok {
		if tc, ok := target.(*connection); ok {
			tc.enqueue(data)
			if rt.metrics != nil {
				rt.metrics.RecordSignalingMessage(verb, pathLocal)
			}
			return
		}
	}

	depth, err := rt.queue.Push(context.Background(), f.Target, source, data)
	if err != nil {
		slog.Error("failed to queue signaling message", "target", f.Target, "error", err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordSignalingMessage(verb, pathQueued)
		rt.metrics.RecordMessageQueued()
		rt.metrics.SetQueueDepth(float64(depth))
	}
}

func (rt *Router) sendClientList(ctx context.Context, c *connection) {
	synths, err := rt.registry.ListSynths(ctx)
	if err != nil {
		slog.Error("failed to list synths for client list", "error", err)
		return
	}
	entries := make([]clientListEntry, 0, len(synths))
	for _, s := range synths {
		entries = append(entries, clientListEntry{
			ID:        s.ID,
			Connected: s.LocalToThisInstance,
			LastSeen:  s.LastSeen.UnixMilli(),
		})
	}
	c.sendJSON(clientListFrame{Type: "client-list", Clients: entries})
}

func (rt *Router) drainLoop(c *connection) {
	ticker := time.NewTicker(rt.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			id := c.boundID()
			if id == "" {
				continue
			}
			messages, err := rt.queue.Drain(c.ctx, id)
			if err != nil {
				slog.Error("queue drain failed", "id", id, "error", err)
				continue
			}
			for _, msg := range messages {
				c.enqueue(msg.Payload)
			}
		}
	}
}

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

// Package router is the only piece of the system that holds a live
// WebSocket and knows the signaling frame grammar. It implements the
// Socket/Notifier/Broadcaster interfaces the registry, leadership, and
// reaper packages define, so none of them need to know a transport
// exists.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signalmesh/broker/internal/config"
	"github.com/signalmesh/broker/internal/leadership"
	"github.com/signalmesh/broker/internal/metrics"
	"github.com/signalmesh/broker/internal/queue"
	"github.com/signalmesh/broker/internal/reaper"
	"github.com/signalmesh/broker/internal/registry"
)

const (
	sendBufferSize = 32
	readBufferSize = 1024
	writeBufferSize = 1024
	pingInterval    = 25 * time.Second
	pongWait        = 60 * time.Second
	writeWait       = 10 * time.Second
	maxFrameBytes   = 64 * 1024

	verbRegister               = "register"
	verbHeartbeat              = "heartbeat"
	verbControllerHeartbeat    = "controller-heartbeat"
	verbControllerActivate     = "controller-activate"
	verbControllerDeactivate   = "controller-deactivate"
	verbControllerConnections = "controller-connections"
	verbRequestActiveController = "request-active-controller"
	verbOffer                 = "offer"
	verbAnswer                = "answer"
	verbICECandidate          = "ice-candidate"

	pathLocal  = "local"
	pathQueued = "queued"
)

// Router owns the upgrader and wires every attached connection to the
// registry, leadership service, reaper, and cross-instance queue.
type Router struct {
	registry   *registry.Registry
	leadership *leadership.Leadership
	reaper     *reaper.Reaper
	queue      *queue.Queue
	metrics    *metrics.Metrics

	drainInterval time.Duration
	grace         time.Duration

	upgrader websocket.Upgrader

	mu                     sync.Mutex
	controllerActivatedAt map[string]time.Time
}

// New builds a Router. metrics may be nil, in which case metrics recording
// is skipped.
func New(reg *registry.Registry, lead *leadership.Leadership, rp *reaper.Reaper, q *queue.Queue, m *metrics.Metrics, cfg *config.Config) *Router {
	return &Router{
		registry:               reg,
		leadership:             lead,
		reaper:                 rp,
		queue:                  q,
		metrics:                m,
		drainInterval:          cfg.Leadership.DrainInterval,
		grace:                  cfg.Leadership.GraceDuration,
		controllerActivatedAt:  make(map[string]time.Time),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(cfg.HTTP.CORSHosts, r.Header.Get("Origin"))
			},
		},
	}
}

func checkOrigin(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	if origin == "" {
		return false
	}
	for _, host := range allowed {
		if strings.Contains(origin, host) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection
// until it closes.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		router: rt,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	go c.writePump()
	go c.readPump()
}

// connection is one attached WebSocket. It satisfies registry.Socket.
type connection struct {
	router *Router
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	id string
}

func (c *connection) boundID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *connection) bind(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// Close satisfies registry.Socket: it is invoked when a re-registration on
// another connection replaces this one.
func (c *connection) Close(code int, reason string) error {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.cancel()
	return c.conn.Close()
}

func (c *connection) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Warn("dropping outbound frame, send buffer full", "id", c.boundID())
	}
}

func (c *connection) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal outbound frame", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *connection) readPump() {
	defer func() {
		id := c.boundID()
		if id != "" {
			if err := c.router.registry.Unregister(context.Background(), id); err != nil {
				slog.Error("failed to unregister on disconnect", "id", id, "error", err)
			}
			if registry.IsController(id) {
				c.router.reaper.ForgetController(id)
				c.router.forgetActivation(id)
			}
			if c.router.metrics != nil {
				c.router.metrics.RecordClientDisconnected()
			}
		}
		// Cancel, don't close c.send: enqueue can be called concurrently from
		// the leadership poller and controller notifier after they've looked
		// this socket up in the registry, and a send on a closed channel
		// panics. writePump exits on ctx cancellation instead.
		c.cancel()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			slog.Warn("dropping malformed frame", "error", err)
			continue
		}

		c.router.handleFrame(c, envelope.Type, data)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (rt *Router) forgetActivation(id string) {
	rt.mu.Lock()
	delete(rt.controllerActivatedAt, id)
	rt.mu.Unlock()
}

func (rt *Router) recordActivation(id string) {
	rt.mu.Lock()
	rt.controllerActivatedAt[id] = time.Now()
	rt.mu.Unlock()
}

func (rt *Router) activatedSince(id string) (time.Time, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t, ok := rt.controllerActivatedAt[id]
	return t, ok
}

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

package httpapi

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// mintedIDTTL bounds how long a minted-but-not-yet-registered client id is
// reserved in the kv store before it's eligible for reuse.
const mintedIDTTL = 5 * time.Minute

var defaultICEServers = []iceServerResponse{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

type clientIDRequest struct {
	Type string `json:"type"`
}

type clientIDResponse struct {
	Success  bool   `json:"success"`
	ClientID string `json:"clientId"`
	Type     string `json:"type"`
}

// ClientID mints a new client id of the requested type and reserves it in
// the kv store under a short TTL.
func ClientID(c *gin.Context) {
	var req clientIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	var prefix string
	switch req.Type {
	case "controller":
		prefix = "controller-"
	case "synth":
		prefix = "synth-"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unknown client type"})
		return
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	id := prefix + suffix

	store := mustKV(c)
	key := "minted/" + id
	if err := store.Set(c.Request.Context(), key, []byte(time.Now().Format(time.RFC3339))); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to reserve client id"})
		return
	}
	if err := store.Expire(c.Request.Context(), key, mintedIDTTL); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to reserve client id"})
		return
	}

	c.JSON(http.StatusOK, clientIDResponse{Success: true, ClientID: id, Type: req.Type})
}

type controllerStatusResponse struct {
	ActiveController *string `json:"activeController"`
	Timestamp        *int64  `json:"timestamp,omitempty"`
	TimeoutMs        int64   `json:"timeoutMs"`
}

// ControllerStatus reports the current active controller with no
// authentication required.
func ControllerStatus(c *gin.Context) {
	lead := mustLeadership(c)
	timeoutMs := mustConfig(c).Leadership.HeartbeatTimeout.Milliseconds()

	active, err := lead.GetActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to load active controller"})
		return
	}
	resp := controllerStatusResponse{TimeoutMs: timeoutMs}
	if active != nil {
		resp.ActiveController = &active.ID
		ts := active.Timestamp.UnixMilli()
		resp.Timestamp = &ts
	}
	c.JSON(http.StatusOK, resp)
}

type controllerLockRequest struct {
	ControllerID string `json:"controllerId"`
	Heartbeat    bool   `json:"heartbeat"`
}

type controllerLockResponse struct {
	IsActive         bool    `json:"isActive"`
	ActiveController *string `json:"activeController"`
	Changed          bool    `json:"changed"`
	TimeoutMs        int64   `json:"timeoutMs"`
}

// ControllerLockAcquire attempts to make the requesting controller the
// active one, or refreshes its heartbeat. Requires an authenticated
// session.
func ControllerLockAcquire(c *gin.Context) {
	var req controllerLockRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ControllerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	lead := mustLeadership(c)
	timeoutMs := mustConfig(c).Leadership.HeartbeatTimeout.Milliseconds()

	changed, current, err := lead.SetActive(c.Request.Context(), req.ControllerID, req.Heartbeat)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to acquire lock"})
		return
	}

	resp := controllerLockResponse{Changed: changed, TimeoutMs: timeoutMs}
	if current != nil {
		resp.ActiveController = &current.ID
		resp.IsActive = current.ID == req.ControllerID
	}
	c.JSON(http.StatusOK, resp)
}

type lockHealthResponse struct {
	Consistent       bool    `json:"consistent"`
	ActiveController *string `json:"activeController"`
	AgeMs            int64   `json:"ageMs"`
}

type lockStatusResponse struct {
	Locked            bool    `json:"locked"`
	IsOwner           bool    `json:"isOwner"`
	ActiveController  *string `json:"activeController"`
	RemainingTimeMs   int64   `json:"remainingTimeMs"`
}

// ControllerLockStatus reports the current lock state, or a consistency
// report when called with ?health=check.
func ControllerLockStatus(c *gin.Context) {
	lead := mustLeadership(c)
	timeout := mustConfig(c).Leadership.HeartbeatTimeout

	active, err := lead.GetActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to load lock state"})
		return
	}

	if c.Query("health") == "check" {
		resp := lockHealthResponse{Consistent: true}
		if active != nil {
			resp.ActiveController = &active.ID
			resp.AgeMs = time.Since(active.Timestamp).Milliseconds()
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	resp := lockStatusResponse{}
	if active != nil {
		resp.Locked = true
		resp.ActiveController = &active.ID
		resp.IsOwner = c.Query("controllerId") != "" && c.Query("controllerId") == active.ID
		remaining := timeout - time.Since(active.Timestamp)
		if remaining > 0 {
			resp.RemainingTimeMs = remaining.Milliseconds()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ControllerLockRelease releases the lock, but only if the caller names the
// current leader. Requires an authenticated session.
func ControllerLockRelease(c *gin.Context) {
	var req controllerLockRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ControllerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	lead := mustLeadership(c)
	if err := lead.Clear(c.Request.Context(), req.ControllerID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to release lock"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ControllerClear forces a leadership reset, bypassing ownership checks.
// Requires ?admin_mode=true; otherwise 401.
func ControllerClear(c *gin.Context) {
	if c.Query("admin_mode") != "true" {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "admin mode required"})
		return
	}
	lead := mustLeadership(c)
	if err := lead.ForceReset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to clear lock"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type iceServerResponse struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEServers returns the configured STUN/TURN servers, or a static public
// STUN fallback when none are configured.
func ICEServers(c *gin.Context) {
	cfg := mustConfig(c)
	if len(cfg.ICEServers) == 0 {
		c.JSON(http.StatusOK, gin.H{"iceServers": defaultICEServers})
		return
	}
	servers := make([]iceServerResponse, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		servers = append(servers, iceServerResponse{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}

// Healthz reports whether the server has finished starting its KV
// connection and WebSocket upgrader.
func Healthz(c *gin.Context) {
	ready, ok := c.MustGet("Ready").(*atomic.Bool)
	if !ok || !ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

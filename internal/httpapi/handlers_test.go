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

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/USA-RedDragon/configulator"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/signalmesh/broker/internal/config"
	"github.com/signalmesh/broker/internal/httpapi"
	"github.com/signalmesh/broker/internal/kv"
	"github.com/signalmesh/broker/internal/leadership"
	"github.com/signalmesh/broker/internal/queue"
	"github.com/signalmesh/broker/internal/reaper"
	"github.com/signalmesh/broker/internal/registry"
	"github.com/signalmesh/broker/internal/router"
	"github.com/stretchr/testify/require"
)

const testTimeout = 1 * time.Minute

func newTestServer(t *testing.T, tweak func(*config.Config)) (*gin.Engine, *config.Config) {
	t.Helper()

	cfg, err := configulator.New[config.Config]().Default()
	require.NoError(t, err)
	cfg.Secret = "test-secret"
	cfg.PasswordSalt = "test-salt"
	cfg.Leadership.DrainInterval = 20 * time.Millisecond
	cfg.Leadership.GraceDuration = time.Hour
	if tweak != nil {
		tweak(&cfg)
	}

	store, err := kv.MakeKV(context.Background(), &cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := queue.New(store, cfg.Leadership.QueueTTL)

	var rt *router.Router
	reg := registry.New(store, "instance-1", cfg.Leadership.ClientTTL, notifierFunc(func(ctx context.Context, event, clientID string) error {
		return rt.NotifyControllers(ctx, event, clientID)
	}))
	lead := leadership.New(store, "instance-1", cfg.Leadership.HeartbeatTimeout, cfg.Leadership.NotificationStaleness)
	rp := reaper.New(reg, notifierFunc(func(ctx context.Context, event, clientID string) error {
		return rt.NotifyControllers(ctx, event, clientID)
	}), cfg.Leadership.GraceDuration)
	rt = router.New(reg, lead, rp, q, nil, &cfg)

	ready := &atomic.Bool{}
	ready.Store(true)

	r, err := httpapi.CreateRouter(httpapi.Deps{
		Config:     &cfg,
		KV:         store,
		Registry:   reg,
		Leadership: lead,
		Router:     rt,
		Ready:      ready,
	})
	require.NoError(t, err)
	return r, &cfg
}

type notifierFunc func(ctx context.Context, event, clientID string) error

func (f notifierFunc) NotifyControllers(ctx context.Context, event, clientID string) error {
	return f(ctx, event, clientID)
}

// sessionCookie mints a session cookie carrying user_id, signed with the
// same derived secret the server under test uses, so it round-trips
// exactly as if an external login layer had set it.
func sessionCookie(t *testing.T, cfg *config.Config) *http.Cookie {
	t.Helper()

	engine := gin.New()
	engine.Use(sessions.Sessions("sessions", cookie.NewStore(cfg.GetDerivedSecret())))
	engine.GET("/prime", func(c *gin.Context) {
		session := sessions.Default(c)
		session.Set("user_id", "user-1")
		require.NoError(t, session.Save())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "/prime", nil)
	require.NoError(t, err)
	engine.ServeHTTP(w, req)

	for _, c := range w.Result().Cookies() {
		if c.Name == "sessions" {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func doRequest(t *testing.T, r *gin.Engine, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthzReportsReady(t *testing.T) {
	t.Parallel()
	r, _ := newTestServer(t, nil)

	w := doRequest(t, r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestClientIDMintsControllerAndSynthIDs(t *testing.T) {
	t.Parallel()
	r, _ := newTestServer(t, nil)

	w := doRequest(t, r, http.MethodPost, "/client-id", map[string]string{"type": "controller"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success  bool   `json:"success"`
		ClientID string `json:"clientId"`
		Type     string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Contains(t, resp.ClientID, "controller-")
	require.Equal(t, "controller", resp.Type)
}

func TestClientIDRejectsUnknownType(t *testing.T) {
	t.Parallel()
	r, _ := newTestServer(t, nil)

	w := doRequest(t, r, http.MethodPost, "/client-id", map[string]string{"type": "bogus"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestControllerStatusUnauthenticatedAllowed(t *testing.T) {
	t.Parallel()
	r, _ := newTestServer(t, nil)

	w := doRequest(t, r, http.MethodGet, "/controller/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ActiveController *string `json:"activeController"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Nil(t, resp.ActiveController)
}

func TestControllerLockAcquireRequiresSession(t *testing.T) {
	t.Parallel()
	r, _ := newTestServer(t, nil)

	w := doRequest(t, r, http.MethodPost, "/controller/lock", map[string]any{"controllerId": "controller-1"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestControllerLockAcquireAndStatusRoundTrip(t *testing.T) {
	t.Parallel()
	r, cfg := newTestServer(t, nil)
	sessCookie := sessionCookie(t, cfg)

	w := doRequest(t, r, http.MethodPost, "/controller/lock", map[string]any{"controllerId": "controller-1"}, sessCookie)
	require.Equal(t, http.StatusOK, w.Code)

	var acquireResp struct {
		IsActive bool `json:"isActive"`
		Changed  bool `json:"changed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acquireResp))
	require.True(t, acquireResp.IsActive)
	require.True(t, acquireResp.Changed)

	status := doRequest(t, r, http.MethodGet, "/controller/lock", nil)
	require.Equal(t, http.StatusOK, status.Code)

	var statusResp struct {
		Locked           bool   `json:"locked"`
		ActiveController string `json:"activeController"`
	}
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &statusResp))
	require.True(t, statusResp.Locked)
	require.Equal(t, "controller-1", statusResp.ActiveController)
}

func TestControllerLockStatusHealthCheck(t *testing.T) {
	t.Parallel()
	r, cfg := newTestServer(t, nil)
	sessCookie := sessionCookie(t, cfg)

	w := doRequest(t, r, http.MethodPost, "/controller/lock", map[string]any{"controllerId": "controller-1"}, sessCookie)
	require.Equal(t, http.StatusOK, w.Code)

	health := doRequest(t, r, http.MethodGet, "/controller/lock?health=check", nil)
	require.Equal(t, http.StatusOK, health.Code)

	var resp struct {
		Consistent       bool   `json:"consistent"`
		ActiveController string `json:"activeController"`
	}
	require.NoError(t, json.Unmarshal(health.Body.Bytes(), &resp))
	require.True(t, resp.Consistent)
	require.Equal(t, "controller-1", resp.ActiveController)
}

func TestControllerLockReleaseRequiresSession(t *testing.T) {
	t.Parallel()
	r, _ := newTestServer(t, nil)

	w := doRequest(t, r, http.MethodDelete, "/controller/lock", map[string]any{"controllerId": "controller-1"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestControllerLockAcquireThenRelease(t *testing.T) {
	t.Parallel()
	r, cfg := newTestServer(t, nil)
	sessCookie := sessionCookie(t, cfg)

	w := doRequest(t, r, http.MethodPost, "/controller/lock", map[string]any{"controllerId": "controller-1"}, sessCookie)
	require.Equal(t, http.StatusOK, w.Code)

	del := doRequest(t, r, http.MethodDelete, "/controller/lock", map[string]any{"controllerId": "controller-1"}, sessCookie)
	require.Equal(t, http.StatusOK, del.Code)

	status := doRequest(t, r, http.MethodGet, "/controller/lock", nil)
	require.Equal(t, http.StatusOK, status.Code)
	var resp struct {
		Locked bool `json:"locked"`
	}
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &resp))
	require.False(t, resp.Locked)
}

func TestControllerClearRequiresAdminMode(t *testing.T) {
	t.Parallel()
	r, _ := newTestServer(t, nil)

	w := doRequest(t, r, http.MethodGet, "/controller/clear", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	ok := doRequest(t, r, http.MethodGet, "/controller/clear?admin_mode=true", nil)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestICEServersFallsBackToPublicSTUN(t *testing.T) {
	t.Parallel()
	r, _ := newTestServer(t, nil)

	w := doRequest(t, r, http.MethodGet, "/ice-servers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.ICEServers, 1)
	require.Contains(t, resp.ICEServers[0].URLs[0], "stun:")
}

func TestICEServersReturnsConfigured(t *testing.T) {
	t.Parallel()
	r, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.ICEServers = []config.ICEServer{
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "c"},
		}
	})

	w := doRequest(t, r, http.MethodGet, "/ice-servers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.ICEServers, 1)
	require.Equal(t, "turn:turn.example.com:3478", resp.ICEServers[0].URLs[0])
	require.Equal(t, "u", resp.ICEServers[0].Username)
}

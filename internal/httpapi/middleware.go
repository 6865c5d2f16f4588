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
	"sync/atomic"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/signalmesh/broker/internal/config"
	"github.com/signalmesh/broker/internal/kv"
	"github.com/signalmesh/broker/internal/leadership"
	"github.com/signalmesh/broker/internal/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	ctxRegistry   = "Registry"
	ctxLeadership = "Leadership"
	ctxKV         = "KV"
	ctxConfig     = "Config"
)

// KVProvider injects the shared kv store into the gin context, for the
// handlers (client-id minting) that need it directly rather than through
// one of the domain services.
func KVProvider(store kv.KV) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxKV, store)
		c.Next()
	}
}

// ConfigProvider injects the loaded configuration into the gin context.
func ConfigProvider(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxConfig, cfg)
		c.Next()
	}
}

// RegistryProvider injects the client registry into the gin context.
func RegistryProvider(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxRegistry, reg)
		c.Next()
	}
}

// LeadershipProvider injects the leadership service into the gin context.
func LeadershipProvider(lead *leadership.Leadership) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxLeadership, lead)
		c.Next()
	}
}

// ReadinessProvider injects the readiness flag so /healthz can report
// whether the KV connection and WebSocket upgrader have finished starting.
func ReadinessProvider(ready *atomic.Bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("Ready", ready)
		c.Next()
	}
}

// TracingProvider annotates the active span with the request method and
// path, when tracing is recording.
func TracingProvider() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.path", c.Request.URL.Path),
			)
		}
		c.Next()
	}
}

// RequireSession rejects a request with 401 unless the gin session already
// carries a user_id — this package never establishes that identity itself,
// it only consumes whatever an external authentication layer has placed in
// the session cookie.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if session.Get("user_id") == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthenticated"})
			return
		}
		c.Next()
	}
}

func mustRegistry(c *gin.Context) *registry.Registry {
	return c.MustGet(ctxRegistry).(*registry.Registry)
}

func mustLeadership(c *gin.Context) *leadership.Leadership {
	return c.MustGet(ctxLeadership).(*leadership.Leadership)
}

func mustKV(c *gin.Context) kv.KV {
	return c.MustGet(ctxKV).(kv.KV)
}

func mustConfig(c *gin.Context) *config.Config {
	return c.MustGet(ctxConfig).(*config.Config)
}

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

// Package httpapi serves the client-id minting, controller lock/status, and
// ice-servers endpoints, and upgrades /signal into internal/router's
// WebSocket handler. It never implements login: session presence is
// established by an external authentication layer and merely consumed here.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/signalmesh/broker/internal/config"
	httpsessions "github.com/signalmesh/broker/internal/httpapi/sessions"
	"github.com/signalmesh/broker/internal/kv"
	"github.com/signalmesh/broker/internal/leadership"
	"github.com/signalmesh/broker/internal/registry"
	"github.com/signalmesh/broker/internal/router"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

const (
	defTimeout     = 10 * time.Second
	rateLimitRate  = time.Second
	rateLimitLimit = 20
)

// Deps are the already-constructed domain services this package wires into
// HTTP handlers. RedisClient is nil in single-instance, in-memory-KV mode.
type Deps struct {
	Config      *config.Config
	KV          kv.KV
	Registry    *registry.Registry
	Leadership  *leadership.Leadership
	Router      *router.Router
	RedisClient *redis.Client
	Ready       *atomic.Bool
}

// Server wraps the standard library HTTP server with the start/stop shape
// the rest of this repo's ambient listeners (metrics, pprof) share.
type Server struct {
	*http.Server
}

// MakeServer builds the HTTP server, but does not start listening.
func MakeServer(deps Deps) (Server, error) {
	r, err := CreateRouter(deps)
	if err != nil {
		return Server{}, fmt.Errorf("failed to build router: %w", err)
	}

	s := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.HTTP.Bind, deps.Config.HTTP.Port),
		Handler:      r,
		ReadTimeout:  defTimeout,
		WriteTimeout: defTimeout,
	}
	return Server{s}, nil
}

// CreateRouter assembles the gin engine: ambient middleware, domain-service
// injection, and every route this package serves.
func CreateRouter(deps Deps) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	if err := r.SetTrustedProxies(deps.Config.HTTP.TrustedProxies); err != nil {
		return nil, fmt.Errorf("failed to set trusted proxies: %w", err)
	}

	if deps.Config.Metrics.OTLPEndpoint != "" {
		r.Use(otelgin.Middleware("signalbroker"))
		r.Use(TracingProvider())
	}

	r.Use(ConfigProvider(deps.Config))
	r.Use(KVProvider(deps.KV))
	r.Use(RegistryProvider(deps.Registry))
	r.Use(LeadershipProvider(deps.Leadership))
	r.Use(ReadinessProvider(deps.Ready))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowCredentials = true
	corsConfig.AllowOrigins = deps.Config.HTTP.CORSHosts
	r.Use(cors.New(corsConfig))

	sessionStore, err := buildSessionStore(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build session store: %w", err)
	}
	r.Use(sessions.Sessions("sessions", sessionStore))

	ApplyRoutes(r, buildRateLimiter(deps), deps.Router)

	return r, nil
}

func buildSessionStore(deps Deps) (sessions.Store, error) {
	secret := deps.Config.GetDerivedSecret()
	if deps.RedisClient == nil {
		return cookie.NewStore(secret), nil
	}
	store, err := httpsessions.NewStore(deps.RedisClient, secret)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func buildRateLimiter(deps Deps) gin.HandlerFunc {
	options := &ratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ratelimit.Info) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "too many requests, retry in " + time.Until(info.ResetTime).String(),
			})
		},
		KeyFunc: func(c *gin.Context) string {
			return c.ClientIP()
		},
	}

	if deps.RedisClient == nil {
		store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{Rate: rateLimitRate, Limit: rateLimitLimit})
		return ratelimit.RateLimiter(store, options)
	}
	store := ratelimit.RedisStore(&ratelimit.RedisOptions{
		RedisClient: deps.RedisClient,
		Rate:        rateLimitRate,
		Limit:       rateLimitLimit,
	})
	return ratelimit.RateLimiter(store, options)
}

// Start runs the server in the background, reporting to g on failure.
func (s Server) Start(g *errgroup.Group) {
	g.Go(func() error {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("httpapi server failed: %w", err)
		}
		return nil
	})
}

// Stop gracefully shuts the server down.
func (s Server) Stop(ctx context.Context) error {
	return s.Shutdown(ctx)
}

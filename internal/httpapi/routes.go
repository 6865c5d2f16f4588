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
	"github.com/gin-gonic/gin"
	"github.com/signalmesh/broker/internal/router"
)

// ApplyRoutes mounts every endpoint this package serves onto r.
func ApplyRoutes(r *gin.Engine, ratelimitMW gin.HandlerFunc, rt *router.Router) {
	r.GET("/healthz", Healthz)

	r.POST("/client-id", ratelimitMW, ClientID)
	r.GET("/controller/status", ControllerStatus)
	r.GET("/ice-servers", ICEServers)

	lock := r.Group("/controller/lock")
	lock.Use(ratelimitMW)
	lock.GET("", ControllerLockStatus)
	lock.POST("", RequireSession(), ControllerLockAcquire)
	lock.DELETE("", RequireSession(), ControllerLockRelease)

	r.GET("/controller/clear", ratelimitMW, ControllerClear)

	r.GET("/signal", gin.WrapH(rt))
}

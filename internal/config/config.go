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

package config

import (
	"crypto/sha256"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Config stores the application configuration, loaded via configulator from
// environment variables, flags, and an optional config file.
type Config struct {
	LogLevel     LogLevel `default:"info"`
	Secret       string
	PasswordSalt string
	// InstanceID identifies this process among its horizontally-scaled
	// siblings. Falls back to a generated UUID when unset.
	InstanceID string

	Redis      Redis
	HTTP       HTTP
	Leadership Leadership
	ICEServers []ICEServer
	Metrics    Metrics
	PProf      PProf
}

// Redis configures the shared KV / pub-sub backend. When disabled, an
// in-memory backend is used and horizontal scaling guarantees no longer
// hold (single-instance mode only).
type Redis struct {
	Enabled  bool
	Host     string `default:"localhost"`
	Port     int    `default:"6379"`
	Password string
	DB       int
}

// HTTP configures the public-facing HTTP/WS listener.
type HTTP struct {
	Bind           string `default:"[::]"`
	Port           int    `default:"3005"`
	CanonicalHost  string `default:"http://localhost:3005"`
	CORSHosts      []string
	TrustedProxies []string
	RobotsTXT      RobotsTXT
}

// RobotsTXT holds the /robots.txt settings. They are validated with the
// rest of the HTTP section; no route in this repository serves /robots.txt.
type RobotsTXT struct {
	Mode    RobotsTXTMode `default:"disabled"`
	Content string
}

// Leadership configures every timing constant governing controller
// election, client TTLs, queued-message TTLs, and poller cadence.
type Leadership struct {
	HeartbeatTimeout      time.Duration `default:"30s"`
	GraceDuration         time.Duration `default:"15s"`
	ClientTTL             time.Duration `default:"10m"`
	QueueTTL              time.Duration `default:"5m"`
	NotificationStaleness time.Duration `default:"30s"`
	PollInterval          time.Duration `default:"1s"`
	DrainInterval         time.Duration `default:"500ms"`
}

// ICEServer is a single STUN/TURN server handed to browser clients from
// the /ice-servers endpoint.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Metrics configures the Prometheus metrics listener and optional OTLP
// tracing exporter.
type Metrics struct {
	Enabled      bool
	Bind         string `default:"[::]"`
	Port         int    `default:"9000"`
	OTLPEndpoint string
}

// PProf configures the debug pprof listener.
type PProf struct {
	Enabled        bool
	Bind           string `default:"[::]"`
	Port           int    `default:"6060"`
	TrustedProxies []string
}

const (
	derivedSecretIterations = 4096
	derivedSecretKeyLen     = 32
)

// GetDerivedSecret derives a fixed-length signing key from Secret and
// PasswordSalt for use as the session cookie authentication key.
func (c Config) GetDerivedSecret() []byte {
	return pbkdf2.Key([]byte(c.Secret), []byte(c.PasswordSalt), derivedSecretIterations, derivedSecretKeyLen, sha256.New)
}

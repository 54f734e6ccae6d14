/*
Copyright 2024 WebSSH Gateway Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package web terminates browser websockets and dispatches their commands
// to the session, handshake, SSH and SFTP layers.
package web

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	gateway "github.com/webssh/gateway"
	"github.com/webssh/gateway/lib/defaults"
	"github.com/webssh/gateway/lib/handshake"
	"github.com/webssh/gateway/lib/latency"
	"github.com/webssh/gateway/lib/protocol"
	"github.com/webssh/gateway/lib/session"
	"github.com/webssh/gateway/lib/utils"
)

// ServerConfig wires the gateway's components into the HTTP surface.
type ServerConfig struct {
	// Registry owns the session records.
	Registry *session.Registry
	// Pending is the two-step handshake table.
	Pending *handshake.Pending
	// Keys decrypts authenticate payloads. Nil disables the secure flow.
	Keys *handshake.KeyRing
	// Pinger measures composite latency legs.
	Pinger latency.Pinger
	// Clock drives heartbeats and timestamps.
	Clock clockwork.Clock
	// MaxMessageSize caps inbound websocket frames on /ssh.
	MaxMessageSize int64
	// MaxUploadSize caps decoded SFTP upload payloads.
	MaxUploadSize int64
	// Log is the parent logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("session registry is required")
	}
	if c.Pending == nil {
		return trace.BadParameter("pending table is required")
	}
	if c.Pinger == nil {
		c.Pinger = latency.NewPinger()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = defaults.MaxUploadSize
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Server routes websocket upgrades by path and runs the per-connection
// dispatch loops.
type Server struct {
	cfg       ServerConfig
	log       logrus.FieldLogger
	router    *httprouter.Router
	upgrader  websocket.Upgrader
	validator *protocol.Validator
	tracker   *session.ErrorTracker
}

// NewServer builds the gateway's HTTP handler.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Log.WithField(gateway.ComponentKey, gateway.ComponentWebsocket),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: true,
			// The browser client may be served from anywhere; access
			// control happens at the SSH credential layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		validator: protocol.NewValidator(),
		tracker:   session.NewErrorTracker(cfg.Clock),
	}
	s.validator.SetMaxUploadSize(cfg.MaxUploadSize)

	router := httprouter.New()
	router.GET("/ssh", s.handleSSH)
	router.GET("/monitor", s.handleStub)
	router.GET("/monitor-client", s.handleStub)
	router.GET("/ai", s.handleStub)
	router.NotFound = http.HandlerFunc(s.handleUnknown)
	s.router = router
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleSSH runs the SSH subchannel for one browser connection.
func (s *Server) handleSSH(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("Websocket upgrade failed.")
		return
	}
	stream, err := NewStream(StreamConfig{
		Conn:           conn,
		Clock:          s.cfg.Clock,
		MaxMessageSize: s.cfg.MaxMessageSize,
		Log:            s.cfg.Log,
	})
	if err != nil {
		conn.Close()
		return
	}

	c := &sshChannel{
		srv:      s,
		stream:   stream,
		clientIP: utils.ClientIP(r),
		log:      s.log.WithField("client_ip", utils.ClientIP(r)),
	}
	// The request context dies when this handler returns; the channel
	// lives until the websocket closes.
	go c.run(context.Background())
}

// handleStub accepts upgrades on the monitoring subchannels and drains
// them without acting. The monitoring surfaces are served elsewhere.
func (s *Server) handleStub(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go func() {
		defer conn.Close()
		conn.SetReadLimit(defaults.MonitorMaxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleUnknown destroys sockets that reach an unrecognized path.
func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if conn, err := s.upgrader.Upgrade(w, r, nil); err == nil {
			conn.Close()
		}
		return
	}
	http.NotFound(w, r)
}

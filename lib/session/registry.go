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

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	gateway "github.com/webssh/gateway"
	"github.com/webssh/gateway/lib/defaults"
	"github.com/webssh/gateway/lib/protocol"
)

// RegistryConfig configures a session registry.
type RegistryConfig struct {
	// DetachTTL is how long a detached session survives before teardown.
	DetachTTL time.Duration
	// Clock is used for all timers; tests pass a fake.
	Clock clockwork.Clock
	// OnDestroy, if set, is invoked after a session is fully torn down,
	// outside the registry lock.
	OnDestroy func(sessionID, reason string)
	// Log is the parent logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *RegistryConfig) CheckAndSetDefaults() error {
	if c.DetachTTL <= 0 {
		c.DetachTTL = defaults.SessionTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Registry maps session ids to live session records. It owns the detach
// TTL timers; all map access is serialized through the registry mutex and
// no lock is held across blocking calls.
type Registry struct {
	cfg RegistryConfig
	log logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*Session
	timers   map[string]clockwork.Timer
	// retired holds ids of fully destroyed sessions; ids are never reused.
	retired map[string]struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Log.WithField(gateway.ComponentKey, gateway.ComponentSession),
		sessions: make(map[string]*Session),
		timers:   make(map[string]clockwork.Timer),
		retired:  make(map[string]struct{}),
	}, nil
}

// Open registers a new session. An empty id generates one. Ids of
// destroyed sessions are never accepted again.
func (r *Registry) Open(id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if !protocol.ValidSessionID(id) {
		return nil, trace.BadParameter("invalid session id %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.retired[id]; ok {
		return nil, trace.BadParameter("session id %q was already used", id)
	}
	if _, ok := r.sessions[id]; ok {
		return nil, trace.AlreadyExists("session %q already exists", id)
	}

	s := &Session{
		ID:        id,
		CreatedAt: r.cfg.Clock.Now(),
		state:     StateCreated,
	}
	s.lastActivity = s.CreatedAt
	r.sessions[id] = s

	r.log.WithField("session_id", id).Debug("Session registered.")
	return s, nil
}

// Lookup returns the session for id, or a NotFound error.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, trace.NotFound("session %q not found", id)
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DetachedLen returns the number of detached sessions awaiting reconnect.
// Each armed cleanup timer corresponds to exactly one detached session.
func (r *Registry) DetachedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Bind attaches a client channel to a fresh session. Used on first
// connect; reconnects go through Rebind.
func (r *Registry) Bind(id string, ch ClientChannel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return trace.NotFound("session %q not found", id)
	}
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
	return nil
}

// Rebind atomically replaces the client channel of an existing session and
// cancels any pending detach cleanup. Returns the reattached session.
func (r *Registry) Rebind(id string, ch ClientChannel) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, trace.NotFound("session %q not found", id)
	}

	if timer, ok := r.timers[id]; ok {
		timer.Stop()
		delete(r.timers, id)
	}

	s.mu.Lock()
	old := s.channel
	s.channel = ch
	if s.state == StateDetached {
		if s.shell != nil {
			s.state = StateReady
		} else if s.sshConn != nil {
			s.state = StateConnected
		} else {
			s.state = StateCreated
		}
	}
	s.mu.Unlock()

	if old != nil && old != ch {
		// Best effort: the previous transport is already dead in the
		// common reconnect case.
		_ = old.Close()
	}

	r.log.WithField("session_id", id).Info("Client channel rebound to session.")
	return s, nil
}

// Detach drops the client channel reference, preserving SSH resources, and
// arms the cleanup timer. Reconnecting within the TTL cancels it.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}

	s.mu.Lock()
	s.channel = nil
	if s.state != StateTearing && s.state != StateGone {
		s.state = StateDetached
	}
	s.mu.Unlock()

	if timer, ok := r.timers[id]; ok {
		timer.Stop()
	}
	r.timers[id] = r.cfg.Clock.AfterFunc(r.cfg.DetachTTL, func() {
		r.Destroy(id, "detach ttl expired")
	})

	r.log.WithFields(logrus.Fields{
		"session_id": id,
		"ttl":        r.cfg.DetachTTL,
	}).Info("Session detached, cleanup timer armed.")
}

// Destroy tears a session down: shell first, then the SSH connection, then
// the record itself. Idempotent and callable from any failure site.
func (r *Registry) Destroy(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	if timer, ok := r.timers[id]; ok {
		timer.Stop()
		delete(r.timers, id)
	}
	r.retired[id] = struct{}{}
	r.mu.Unlock()

	s.mu.Lock()
	s.state = StateTearing
	shell := s.shell
	conn := s.sshConn
	ch := s.channel
	cancelSFTP := s.cancelSFTP
	s.shell = nil
	s.sshConn = nil
	s.channel = nil
	s.pump = nil
	s.sftp = nil
	s.cancelSFTP = nil
	s.mu.Unlock()

	if cancelSFTP != nil {
		cancelSFTP()
	}
	if shell != nil {
		if err := shell.Close(); err != nil {
			r.log.WithError(err).Debug("Closing shell stream.")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			r.log.WithError(err).Debug("Closing SSH connection.")
		}
	}
	if ch != nil {
		_ = ch.Close()
	}

	s.mu.Lock()
	s.state = StateGone
	s.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"session_id": id,
		"reason":     reason,
	}).Info("Session destroyed.")

	if r.cfg.OnDestroy != nil {
		r.cfg.OnDestroy(id, reason)
	}
}

// Close destroys every session; used on gateway shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Destroy(id, "gateway shutdown")
	}
}

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

// Package session implements the gateway's session registry: fingerprinted
// session identity, the per-session lifecycle state machine, and deferred
// cleanup that lets a browser reconnect to a live SSH session.
package session

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/webssh/gateway/lib/protocol"
)

// State is a session lifecycle phase.
type State int

const (
	// StateCreated is a registered session with no SSH connection yet.
	StateCreated State = iota
	// StateConnected has a live SSH connection but no shell.
	StateConnected
	// StateReady has an interactive shell streaming.
	StateReady
	// StateDetached has SSH resources alive but no client channel.
	StateDetached
	// StateTearing is mid-teardown.
	StateTearing
	// StateGone is fully destroyed; the id is never reused.
	StateGone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateDetached:
		return "detached"
	case StateTearing:
		return "tearing"
	case StateGone:
		return "gone"
	}
	return "unknown"
}

// ClientChannel is the browser-facing side of a session. The concrete
// implementation lives in lib/web; the session holds it weakly and it may
// be swapped on reconnect.
type ClientChannel interface {
	// WriteEnvelope sends a JSON text frame.
	WriteEnvelope(env protocol.Envelope) error
	// WriteBinary sends a binary frame.
	WriteBinary(frame protocol.BinaryFrame) error
	// Buffered returns the bytes queued on the send side, used for
	// backpressure decisions.
	Buffered() int64
	// Open reports whether the channel can still accept writes.
	Open() bool
	// Close tears the channel down.
	Close() error
}

// ConnectionInfo describes the backend host a session is bound to. It is
// immutable after the first successful connect.
type ConnectionInfo struct {
	Host         string
	Port         int
	Username     string
	ConnectionID string
}

// ShellStream is the interactive shell attached to a session: the ssh
// session plus its pipes. Created once after connect, closed on teardown.
type ShellStream struct {
	Session *ssh.Session
	Stdin   io.WriteCloser
	Stdout  io.Reader
}

// Close closes the shell, releasing the remote PTY.
func (s *ShellStream) Close() error {
	if s == nil || s.Session == nil {
		return nil
	}
	return s.Session.Close()
}

// Backpressure tracks flow control between the SSH stream and the client
// channel. All fields are updated by the session's pump goroutines only.
type Backpressure struct {
	Paused      atomic.Bool
	TotalBytes  atomic.Int64
	PauseCount  atomic.Int64
	ResumeCount atomic.Int64
}

// Latency is the last composite latency measurement for a session.
type Latency struct {
	ClientLegMs int
	HostLegMs   int
	Method      string
	MeasuredAt  time.Time
}

// Session binds one browser client channel to one backend SSH connection.
// The session is the sole owner of the SSH connection and shell stream;
// the registry and channel reference it only by id.
type Session struct {
	// ID is immutable for the life of the session.
	ID string

	// CreatedAt is the registration time.
	CreatedAt time.Time

	// Backpressure counters for the shell pump.
	Backpressure Backpressure

	mu           sync.Mutex
	state        State
	sshConn      *ssh.Client
	shell        *ShellStream
	channel      ClientChannel
	info         ConnectionInfo
	clientIP     string
	lastActivity time.Time
	lastLatency  Latency
	protoVersion string
	pump         any
	sftp         any
	cancelSFTP   func()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records inbound activity; called on every inbound frame and SSH
// stream write.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// BindSSH attaches the owned SSH connection and connection info after a
// successful connect. Info is immutable once set.
func (s *Session) BindSSH(conn *ssh.Client, info ConnectionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sshConn = conn
	if s.info.Host == "" {
		s.info = info
	}
	if s.state == StateCreated {
		s.state = StateConnected
	}
}

// BindShell attaches the interactive shell stream and moves the session to
// Ready.
func (s *Session) BindShell(shell *ShellStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shell = shell
	s.state = StateReady
}

// SSH returns the owned SSH connection, nil before connect.
func (s *Session) SSH() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sshConn
}

// Shell returns the interactive shell stream, nil before Ready.
func (s *Session) Shell() *ShellStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell
}

// Channel returns the current client channel, nil while detached.
func (s *Session) Channel() ClientChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Info returns the bound connection info.
func (s *Session) Info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// SetClientIP snapshots the source address used for composite latency.
func (s *Session) SetClientIP(ip string) {
	s.mu.Lock()
	s.clientIP = ip
	s.mu.Unlock()
}

// ClientIP returns the snapshotted source address.
func (s *Session) ClientIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientIP
}

// RecordLatency stores the last composite measurement.
func (s *Session) RecordLatency(l Latency) {
	s.mu.Lock()
	s.lastLatency = l
	s.mu.Unlock()
}

// LastLatency returns the last composite measurement.
func (s *Session) LastLatency() Latency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLatency
}

// SetProtocolVersion records the envelope version the client negotiated.
func (s *Session) SetProtocolVersion(v string) {
	s.mu.Lock()
	s.protoVersion = v
	s.mu.Unlock()
}

// SetPump attaches the shell pump. The concrete type is owned by lib/term;
// the session holds it so a rebound channel keeps driving the same shell.
func (s *Session) SetPump(p any) {
	s.mu.Lock()
	s.pump = p
	s.mu.Unlock()
}

// Pump returns the attached shell pump, nil before the shell starts.
func (s *Session) Pump() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pump
}

// SetSFTP attaches the session's SFTP record and its cancel hook. The
// concrete type is owned by lib/sftpops.
func (s *Session) SetSFTP(rec any, cancel func()) {
	s.mu.Lock()
	s.sftp = rec
	s.cancelSFTP = cancel
	s.mu.Unlock()
}

// SFTP returns the attached SFTP record, nil before sftp_init.
func (s *Session) SFTP() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sftp
}

// Live reports whether the session still holds any resource: an SSH
// connection, a shell stream, or a client channel.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sshConn != nil || s.shell != nil || s.channel != nil
}

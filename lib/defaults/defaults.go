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

// Package defaults contains default constants used across the gateway.
package defaults

import "time"

const (
	// HTTPListenAddr is the address the gateway binds to unless overridden.
	HTTPListenAddr = "0.0.0.0:8080"

	// SSHPort is the default port for backend SSH connections.
	SSHPort = 22

	// MaxMessageSize caps a single websocket frame on the SSH subchannel.
	MaxMessageSize = 150 * 1024 * 1024

	// MonitorMaxMessageSize caps frames on the monitoring subchannel.
	MonitorMaxMessageSize = 1024 * 1024

	// MaxUploadSize caps a single SFTP upload.
	MaxUploadSize = 100 * 1024 * 1024

	// DownloadConfirmSize is the size above which a download requires an
	// explicit client confirmation before the transfer starts.
	DownloadConfirmSize = 50 * 1024 * 1024

	// TransferChunkSize is the unit of SFTP upload/download streaming.
	TransferChunkSize = 64 * 1024

	// CompressionThreshold is the payload size above which permessage
	// compression kicks in on the websocket.
	CompressionThreshold = 1024

	// MaxRequestIDLength bounds the requestId echoed on error envelopes.
	MaxRequestIDLength = 64

	// MaxCommandLength bounds a single exec command.
	MaxCommandLength = 4096
)

const (
	// SessionTTL is how long a detached session survives without a client
	// channel before teardown. Configurable via SESSION_TTL; the legacy
	// behavior of keeping sessions for a full day requires setting it
	// explicitly.
	SessionTTL = 10 * time.Minute

	// PendingConnectionTTL bounds the lifetime of a registered connection id
	// that never completes authentication.
	PendingConnectionTTL = 30 * time.Minute

	// PendingSweepInterval is how often expired pending connections are
	// garbage collected.
	PendingSweepInterval = 15 * time.Minute

	// ErrorCounterTTL is how long per-session error counters persist
	// without activity.
	ErrorCounterTTL = 24 * time.Hour

	// MaxConnectionRetries is the classified-error threshold after which a
	// component should stop retrying for a session.
	MaxConnectionRetries = 3
)

const (
	// SSHDialTimeout is the outer cap on establishing a backend SSH
	// connection, credentials included.
	SSHDialTimeout = 25 * time.Second

	// SSHReadyTimeout bounds the SSH transport handshake itself.
	SSHReadyTimeout = 20 * time.Second

	// ServerKeepAliveInterval is how often the gateway sends
	// keepalive@openssh.com requests to the backend host.
	ServerKeepAliveInterval = 15 * time.Second

	// ServerKeepAliveMaxCount is the number of missed server keepalives
	// tolerated before the SSH connection is considered dead.
	ServerKeepAliveMaxCount = 3

	// KeepAliveInterval is how often the gateway pings the browser channel.
	KeepAliveInterval = 15 * time.Second

	// KeepAliveTimeout is how long the gateway waits for a pong before it
	// terminates the browser channel.
	KeepAliveTimeout = 45 * time.Second

	// SlowPingThreshold is the websocket ping round trip above which a
	// warning is logged (once per channel).
	SlowPingThreshold = 500 * time.Millisecond

	// LatencyProbeTimeout bounds a single leg of the composite latency
	// measurement when falling back to a TCP connect probe.
	LatencyProbeTimeout = 3 * time.Second

	// ThroughputSampleInterval is how often shell output throughput is
	// sampled for stats.
	ThroughputSampleInterval = 30 * time.Second
)

const (
	// BackpressurePauseThreshold pauses the SSH stream when the websocket
	// send buffer exceeds this many bytes.
	BackpressurePauseThreshold = 4 * 1024 * 1024

	// BackpressureResumeThreshold resumes the SSH stream once the buffer
	// drains below this many bytes.
	BackpressureResumeThreshold = 2 * 1024 * 1024

	// BackpressurePollInterval is the resume polling period while paused.
	BackpressurePollInterval = 100 * time.Millisecond
)

// TerminalType is the TERM value requested for interactive shells.
const TerminalType = "xterm-color"

// KEXAlgorithms are the accepted key exchange algorithms, strongest first.
var KEXAlgorithms = []string{
	"curve25519-sha256",
	"curve25519-sha256@libssh.org",
	"ecdh-sha2-nistp256",
	"ecdh-sha2-nistp384",
	"ecdh-sha2-nistp521",
	"diffie-hellman-group14-sha256",
}

// Ciphers are the accepted symmetric ciphers, strongest first.
var Ciphers = []string{
	"aes128-gcm@openssh.com",
	"aes256-gcm@openssh.com",
	"chacha20-poly1305@openssh.com",
	"aes256-ctr",
	"aes192-ctr",
	"aes128-ctr",
}

// MACAlgorithms are the accepted MACs, strongest first.
var MACAlgorithms = []string{
	"hmac-sha2-256-etm@openssh.com",
	"hmac-sha2-512-etm@openssh.com",
	"hmac-sha2-256",
	"hmac-sha2-512",
}

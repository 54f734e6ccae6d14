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

// Package sshconn establishes and supervises backend SSH connections:
// algorithm preferences, dial timeouts, server keepalives and classified
// error mapping.
package sshconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	gateway "github.com/webssh/gateway"
	"github.com/webssh/gateway/lib/defaults"
	"github.com/webssh/gateway/lib/session"
)

// Credentials selects the SSH authentication method.
type Credentials struct {
	AuthType   string
	Password   string
	PrivateKey string
	Passphrase string
}

// DialConfig describes a backend SSH connection request.
type DialConfig struct {
	Host        string
	Port        int
	Username    string
	Credentials Credentials
	// Timeout caps the whole dial, handshake included. Zero applies the
	// default.
	Timeout time.Duration
	// Log is the parent logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *DialConfig) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("host is required")
	}
	if c.Port == 0 {
		c.Port = defaults.SSHPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return trace.BadParameter("port %v out of range", c.Port)
	}
	if c.Username == "" {
		return trace.BadParameter("username is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.SSHDialTimeout
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

func (c *DialConfig) authMethods() ([]ssh.AuthMethod, error) {
	switch c.Credentials.AuthType {
	case "", "password":
		if c.Credentials.Password == "" {
			return nil, trace.BadParameter("password is required")
		}
		return []ssh.AuthMethod{ssh.Password(c.Credentials.Password)}, nil
	case "key":
		if c.Credentials.PrivateKey == "" {
			return nil, trace.BadParameter("privateKey is required")
		}
		var signer ssh.Signer
		var err error
		if c.Credentials.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.Credentials.PrivateKey), []byte(c.Credentials.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.Credentials.PrivateKey))
		}
		if err != nil {
			return nil, trace.BadParameter("cannot parse private key: %v", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, trace.BadParameter("unsupported auth type %q", c.Credentials.AuthType)
	}
}

// Dial establishes a backend SSH connection with the gateway's algorithm
// preferences. The outer timeout covers TCP connect plus the SSH
// handshake; errors come back classified.
func Dial(ctx context.Context, cfg DialConfig) (*ssh.Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	auth, err := cfg.authMethods()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	log := cfg.Log.WithFields(logrus.Fields{
		gateway.ComponentKey: gateway.ComponentSSH,
		"host":               cfg.Host,
		"port":               cfg.Port,
	})

	clientConfig := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: auth,
		// Host keys are recorded, not verified: browser clients have no
		// known_hosts store to check against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         defaults.SSHReadyTimeout,
		Config: ssh.Config{
			KeyExchanges: defaults.KEXAlgorithms,
			Ciphers:      defaults.Ciphers,
			MACs:         defaults.MACAlgorithms,
		},
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(Classify(err))
	}

	type handshakeResult struct {
		client *ssh.Client
		err    error
	}
	resultC := make(chan handshakeResult, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
		if err != nil {
			resultC <- handshakeResult{err: err}
			return
		}
		resultC <- handshakeResult{client: ssh.NewClient(c, chans, reqs)}
	}()

	select {
	case <-dialCtx.Done():
		conn.Close()
		return nil, trace.Wrap(Classify(dialCtx.Err()))
	case res := <-resultC:
		if res.err != nil {
			conn.Close()
			return nil, trace.Wrap(Classify(res.err))
		}
		log.Debug("SSH connection established.")
		return res.client, nil
	}
}

// KeepAlive sends keepalive@openssh.com requests to the backend host on
// the configured interval. After the miss limit the session is destroyed.
// Runs until the context is cancelled or the connection dies.
func KeepAlive(ctx context.Context, client *ssh.Client, registry *session.Registry, sessionID string, log logrus.FieldLogger) {
	ticker := time.NewTicker(defaults.ServerKeepAliveInterval)
	defer ticker.Stop()

	var missed int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				missed++
				if missed >= defaults.ServerKeepAliveMaxCount {
					log.WithField("session_id", sessionID).Warn("Backend host missed keepalives, tearing session down.")
					registry.Destroy(sessionID, "server keepalive timeout")
					return
				}
				continue
			}
			missed = 0
		}
	}
}

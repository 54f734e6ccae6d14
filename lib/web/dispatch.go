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

package web

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	gateway "github.com/webssh/gateway"
	"github.com/webssh/gateway/lib/defaults"
	"github.com/webssh/gateway/lib/latency"
	"github.com/webssh/gateway/lib/metrics"
	"github.com/webssh/gateway/lib/protocol"
	"github.com/webssh/gateway/lib/session"
	"github.com/webssh/gateway/lib/sftpops"
	"github.com/webssh/gateway/lib/sshconn"
	"github.com/webssh/gateway/lib/term"
	"github.com/webssh/gateway/lib/utils"
)

// sshChannel is the dispatch loop for one /ssh websocket.
type sshChannel struct {
	srv      *Server
	stream   *Stream
	clientIP string
	log      logrus.FieldLogger

	mu   sync.Mutex
	sess *session.Session
}

func (c *sshChannel) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *sshChannel) bindSession(s *session.Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

// run reads the channel until the transport dies. A transport failure
// detaches the session rather than destroying it, so a reconnecting
// browser finds its shell alive.
func (c *sshChannel) run(ctx context.Context) {
	defer func() {
		c.stream.Close()
		if sess := c.session(); sess != nil {
			// Only detach if this channel is still the session's channel;
			// a rebound session belongs to the new transport.
			if sess.Channel() == c.stream {
				c.srv.cfg.Registry.Detach(sess.ID)
				metrics.DetachedSessions.Set(float64(c.srv.cfg.Registry.DetachedLen()))
			}
		}
	}()

	for {
		msgType, raw, err := c.stream.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("Client channel read ended.")
			return
		}
		// Any inbound frame counts as client activity.
		if sess := c.session(); sess != nil {
			sess.Touch(c.srv.cfg.Clock.Now())
		}
		switch msgType {
		case websocket.TextMessage:
			c.handleText(ctx, raw)
		case websocket.BinaryMessage:
			c.handleBinary(raw)
		}
	}
}

// handleText validates a JSON envelope and dispatches by type.
func (c *sshChannel) handleText(ctx context.Context, raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		c.sendError(protocol.CodeInvalidMessage, err.Error(), "")
		return
	}
	msg, verr := c.srv.validator.ValidateEnvelope(env)
	if verr != nil {
		c.sendError(verr.Code, verr.Error(), env.RequestID)
		return
	}

	switch p := msg.Payload.(type) {
	case *protocol.ConnectRequest:
		c.handleConnect(ctx, msg, p)
	case *protocol.AuthenticateRequest:
		// The dial can take tens of seconds; keep reading pings meanwhile.
		go c.handleAuthenticate(ctx, msg, p)
	case *protocol.DataRequest:
		c.handleData(msg, p)
	case *protocol.ResizeRequest:
		c.handleResize(msg, p.SessionID, uint32(p.Cols), uint32(p.Rows))
	case *protocol.DisconnectRequest:
		c.handleDisconnect(msg, p)
	case *protocol.PingRequest:
		c.handlePing(ctx, msg, p)
	case *protocol.ExecRequest:
		go c.handleExec(ctx, msg, p)
	case *protocol.SFTPInitRequest:
		c.handleSFTPInit(msg, p)
	case *protocol.SFTPCloseRequest:
		c.handleSFTPClose(msg, p)
	case *protocol.SFTPCancelRequest:
		c.handleSFTPCancel(msg, p)
	default:
		c.handleSFTPOp(msg)
	}
}

// handleBinary routes raw frames: keystrokes and resizes take this path to
// skip JSON overhead.
func (c *sshChannel) handleBinary(raw []byte) {
	frame, err := protocol.DecodeBinary(raw)
	if err != nil {
		c.sendError(protocol.CodeInvalidMessage, err.Error(), "")
		return
	}
	pump, verr := c.pumpFor(frame.SessionID)
	if verr != nil {
		c.sendError(protocol.CodeNotFound, verr.Error(), "")
		return
	}
	switch frame.Tag {
	case protocol.TagInput:
		if err := pump.WriteInput(frame.Payload); err != nil {
			c.log.WithError(err).Debug("Shell input write failed.")
		}
	case protocol.TagResize:
		size, err := protocol.DecodeResize(frame.Payload)
		if err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error(), "")
			return
		}
		if err := pump.Resize(size.Cols, size.Rows); err != nil {
			c.log.WithError(err).Debug("Resize failed.")
		}
	default:
		c.log.WithField("tag", frame.Tag).Debug("Ignoring unexpected binary frame.")
	}
}

// handleConnect covers the three connect forms: the secure two-step
// registration, a reconnect to a detached session, and the legacy inline
// credential connect.
func (c *sshChannel) handleConnect(ctx context.Context, msg *protocol.Message, req *protocol.ConnectRequest) {
	switch {
	case req.Secure():
		if err := c.srv.cfg.Pending.Register(req.ConnectionID, req.SessionID); err != nil {
			c.sendError(protocol.CodeInvalidConnection, err.Error(), msg.RequestID)
			return
		}
		// A known session id means the shell survived a detach: tell the
		// client it can reattach instead of re-entering credentials.
		status := "need_auth"
		if req.SessionID != "" {
			if _, err := c.srv.cfg.Registry.Lookup(req.SessionID); err == nil {
				status = "reconnected"
			}
		}
		c.sendEnvelope(protocol.TypeConnectionRegistered, map[string]string{
			"connectionId": req.ConnectionID,
			"status":       status,
		}, msg.RequestID)

	case req.SessionID != "" && req.Address == "":
		c.handleReconnect(msg, req.SessionID)

	default:
		host, port := splitAddress(req.Address, req.Port)
		go c.connectSSH(ctx, msg.RequestID, req.SessionID, sshconn.DialConfig{
			Host:     host,
			Port:     port,
			Username: req.Username,
			Credentials: sshconn.Credentials{
				AuthType:   req.AuthType,
				Password:   req.Password,
				PrivateKey: req.PrivateKey,
				Passphrase: req.Passphrase,
			},
			Log: c.log,
		})
	}
}

// handleReconnect rebinds this channel to a detached session.
func (c *sshChannel) handleReconnect(msg *protocol.Message, sessionID string) {
	sess, err := c.srv.cfg.Registry.Rebind(sessionID, c.stream)
	if err != nil {
		c.sendError(protocol.CodeNotFound, "session not found or expired", msg.RequestID)
		return
	}
	sess.SetClientIP(c.clientIP)
	c.bindSession(sess)
	metrics.DetachedSessions.Set(float64(c.srv.cfg.Registry.DetachedLen()))
	c.sendEnvelope(protocol.TypeConnected, map[string]string{"sessionId": sess.ID}, msg.RequestID)
	c.log.WithField("session_id", sess.ID).Info("Session reattached.")
}

// handleAuthenticate finishes the secure two-step connect.
func (c *sshChannel) handleAuthenticate(ctx context.Context, msg *protocol.Message, req *protocol.AuthenticateRequest) {
	rec, err := c.srv.cfg.Pending.Take(req.ConnectionID)
	if err != nil {
		c.sendError(protocol.CodeInvalidConnection, "invalid or expired connection id", msg.RequestID)
		return
	}
	if c.srv.cfg.Keys == nil {
		c.sendError(protocol.CodeMissingCredentials, "secure connect is not configured", msg.RequestID)
		return
	}
	payload, err := c.srv.cfg.Keys.Decrypt(req.KeyID, req.EncryptedPayload)
	if err != nil {
		c.sendError(protocol.CodeDecryptFailed, "cannot decrypt credentials", msg.RequestID)
		return
	}
	c.log.WithField("payload", payload.Redacted()).Debug("Credentials decrypted for connect.")

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = rec.SessionID
	}
	// An existing session reattaches; only unknown ids dial fresh.
	if sessionID != "" {
		if _, err := c.srv.cfg.Registry.Lookup(sessionID); err == nil {
			c.handleReconnect(msg, sessionID)
			return
		}
	}
	host, port := splitAddress(payload.Address, payload.Port)
	c.connectSSH(ctx, msg.RequestID, sessionID, sshconn.DialConfig{
		Host:     host,
		Port:     port,
		Username: payload.Username,
		Credentials: sshconn.Credentials{
			AuthType:   payload.AuthType,
			Password:   payload.Password,
			PrivateKey: payload.PrivateKey,
			Passphrase: payload.Passphrase,
		},
		Log: c.log,
	})
}

// connectSSH opens the session record, dials the backend, starts the
// interactive shell and its pump, and announces the bound session.
func (c *sshChannel) connectSSH(ctx context.Context, requestID, sessionID string, dial sshconn.DialConfig) {
	started := c.srv.cfg.Clock.Now()
	reg := c.srv.cfg.Registry

	sess, err := reg.Open(sessionID)
	if err != nil {
		c.sendError(protocol.CodeInvalidField, err.Error(), requestID)
		return
	}
	if err := reg.Bind(sess.ID, c.stream); err != nil {
		c.sendError(protocol.CodeInternalError, err.Error(), requestID)
		return
	}
	sess.SetClientIP(c.clientIP)
	c.bindSession(sess)

	client, err := sshconn.Dial(ctx, dial)
	if err != nil {
		c.failConnect(sess, requestID, err)
		return
	}
	sess.BindSSH(client, session.ConnectionInfo{
		Host:     dial.Host,
		Port:     dial.Port,
		Username: dial.Username,
	})

	shell, err := openShell(client)
	if err != nil {
		c.failConnect(sess, requestID, err)
		return
	}
	sess.BindShell(shell)

	pump, err := term.NewPump(term.PumpConfig{
		Session: sess,
		Clock:   c.srv.cfg.Clock,
		Log:     c.srv.cfg.Log,
		OnClose: func(error) {
			ch := sess.Channel()
			if ch != nil && ch.Open() {
				env, _ := protocol.NewEnvelope(protocol.TypeClosed, map[string]string{"sessionId": sess.ID})
				if err := ch.WriteEnvelope(env); err != nil {
					c.log.WithError(err).Debug("Dropping closed envelope.")
				}
			}
			reg.Destroy(sess.ID, "shell ended")
		},
	})
	if err != nil {
		c.failConnect(sess, requestID, err)
		return
	}
	sess.SetPump(pump)

	// Pump and keepalive outlive this channel: a reconnecting browser
	// picks up the same shell. Both unwind when the session is destroyed.
	go func() {
		if err := pump.Run(context.Background()); err != nil {
			c.log.WithError(err).Debug("Shell pump ended.")
		}
	}()
	go sshconn.KeepAlive(context.Background(), client, reg, sess.ID, c.log)

	c.srv.tracker.Reset(gateway.ComponentSSH, sess.ID)
	metrics.ActiveSessions.Set(float64(reg.Len()))
	metrics.ConnectLatency.Observe(c.srv.cfg.Clock.Now().Sub(started).Seconds())

	c.sendEnvelope(protocol.TypeConnected, map[string]string{"sessionId": sess.ID}, requestID)
	if err := c.stream.WriteBinary(protocol.BinaryFrame{
		Tag:       protocol.TagConnected,
		SessionID: sess.ID,
	}); err != nil {
		c.log.WithError(err).Debug("Dropping connected frame.")
	}
	c.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"host":       dial.Host,
		"username":   dial.Username,
	}).Info("SSH session established.")
}

// failConnect reports a classified connect failure and tears the half-born
// session down.
func (c *sshChannel) failConnect(sess *session.Session, requestID string, err error) {
	classified := sshconn.Classify(err)
	code := protocol.CodeInternalError
	message := "connection failed"
	var ce *sshconn.ClassifiedError
	if errors.As(classified, &ce) {
		code = ce.Code()
		message = ce.UserMessage()
		metrics.ClassifiedErrors.WithLabelValues(string(ce.Class)).Inc()
	} else {
		metrics.ClassifiedErrors.WithLabelValues(string(sshconn.ClassUnknown)).Inc()
	}
	if _, stop := c.srv.tracker.Record(gateway.ComponentSSH, sess.ID, protocol.KindForCode(code)); stop {
		c.log.WithField("session_id", sess.ID).Warn("Too many connection failures, giving up on session.")
	}
	c.sendError(code, message, requestID)
	c.srv.cfg.Registry.Destroy(sess.ID, "connect failed")
	c.bindSession(nil)
}

// handleData writes terminal input from the JSON path.
func (c *sshChannel) handleData(msg *protocol.Message, req *protocol.DataRequest) {
	pump, err := c.pumpFor(req.SessionID)
	if err != nil {
		c.sendError(protocol.CodeNotFound, err.Error(), msg.RequestID)
		return
	}
	if err := pump.WriteText(req.Data); err != nil {
		c.log.WithError(err).Debug("Shell input write failed.")
	}
}

func (c *sshChannel) handleResize(msg *protocol.Message, sessionID string, cols, rows uint32) {
	pump, err := c.pumpFor(sessionID)
	if err != nil {
		c.sendError(protocol.CodeNotFound, err.Error(), msg.RequestID)
		return
	}
	if err := pump.Resize(cols, rows); err != nil {
		c.log.WithError(err).Debug("Resize failed.")
	}
}

func (c *sshChannel) handleDisconnect(msg *protocol.Message, req *protocol.DisconnectRequest) {
	c.srv.cfg.Registry.Destroy(req.SessionID, "client disconnect")
	c.bindSession(nil)
	c.sendEnvelope(protocol.TypeDisconnected, map[string]string{"sessionId": req.SessionID}, msg.RequestID)
}

// handlePing answers the application-level keep-alive. The pong always
// goes out before any latency result: it is enqueued synchronously, the
// measurement runs behind it.
func (c *sshChannel) handlePing(ctx context.Context, msg *protocol.Message, req *protocol.PingRequest) {
	sess, err := c.srv.cfg.Registry.Lookup(req.SessionID)
	if err != nil {
		c.sendError(protocol.CodeNotFound, "session not found", msg.RequestID)
		return
	}
	sess.Touch(c.srv.cfg.Clock.Now())
	c.sendEnvelope(protocol.TypePong, map[string]any{
		"sessionId": sess.ID,
		"timestamp": c.srv.cfg.Clock.Now().UnixMilli(),
	}, msg.RequestID)

	if !req.MeasureLatency {
		return
	}
	go func() {
		result, err := latency.Measure(ctx, latency.MeasureConfig{
			ClientAddr:            utils.UnwrapIPv4Mapped(c.clientIP),
			HostAddr:              sess.Info().Host,
			ReportedClientLatency: req.WebSocketLatency,
			Pinger:                c.srv.cfg.Pinger,
		})
		if err != nil {
			c.log.WithError(err).Debug("Latency measurement failed.")
			return
		}
		sess.RecordLatency(session.Latency{
			ClientLegMs: result.ClientLatency,
			HostLegMs:   result.ServerLatency,
			Method:      result.Method,
			MeasuredAt:  c.srv.cfg.Clock.Now(),
		})
		c.sendEnvelope(protocol.TypeNetworkLatency, result, msg.RequestID)
	}()
}

// handleExec runs one command over the session's SSH connection and
// replies on the request envelope.
func (c *sshChannel) handleExec(ctx context.Context, msg *protocol.Message, req *protocol.ExecRequest) {
	sess, err := c.srv.cfg.Registry.Lookup(req.SessionID)
	if err != nil || sess.SSH() == nil {
		c.sendError(protocol.CodeNotFound, "session has no ssh connection", msg.RequestID)
		return
	}
	result, err := sshconn.Exec(ctx, sess.SSH(), req.Command)
	if err != nil {
		c.sendError(protocol.CodeInternalError, "command execution failed", msg.RequestID)
		return
	}
	c.sendEnvelope(protocol.TypeData, map[string]any{
		"sessionId": sess.ID,
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exitCode":  result.ExitCode,
	}, msg.RequestID)
}

// handleSFTPInit opens the session's SFTP subchannel.
func (c *sshChannel) handleSFTPInit(msg *protocol.Message, req *protocol.SFTPInitRequest) {
	sess, err := c.srv.cfg.Registry.Lookup(req.SessionID)
	if err != nil || sess.SSH() == nil {
		c.sendError(protocol.CodeNotFound, "session has no ssh connection", msg.RequestID)
		return
	}
	if sess.SFTP() != nil {
		c.sendEnvelope(protocol.TypeSFTPReady, map[string]string{"sessionId": sess.ID}, msg.RequestID)
		return
	}

	fs, err := sftpops.NewRemoteFS(sess.SSH())
	if err != nil {
		c.sendError(protocol.CodeInternalError, "cannot open sftp subchannel", msg.RequestID)
		return
	}
	engine, err := sftpops.NewEngine(sftpops.Config{
		FS:            fs,
		MaxUploadSize: c.srv.cfg.MaxUploadSize,
		Emitter: &sftpops.Emitter{
			SessionID: sess.ID,
			Channel:   sess.Channel,
		},
		RunCommand: func(ctx context.Context, command string) (int, error) {
			result, err := sshconn.Exec(ctx, sess.SSH(), command)
			if err != nil {
				return -1, trace.Wrap(err)
			}
			return result.ExitCode, nil
		},
		Clock: c.srv.cfg.Clock,
		Log:   c.srv.cfg.Log,
	})
	if err != nil {
		fs.Close()
		c.sendError(protocol.CodeInternalError, err.Error(), msg.RequestID)
		return
	}
	sess.SetSFTP(engine, func() { engine.Close() })
	c.sendEnvelope(protocol.TypeSFTPReady, map[string]string{"sessionId": sess.ID}, msg.RequestID)
}

func (c *sshChannel) handleSFTPClose(msg *protocol.Message, req *protocol.SFTPCloseRequest) {
	engine, err := c.engineFor(req.SessionID)
	if err != nil {
		c.sendError(protocol.CodeNotFound, err.Error(), msg.RequestID)
		return
	}
	if err := engine.Close(); err != nil {
		c.log.WithError(err).Debug("Closing sftp subchannel.")
	}
	if sess, lerr := c.srv.cfg.Registry.Lookup(req.SessionID); lerr == nil {
		sess.SetSFTP(nil, nil)
	}
	c.sendEnvelope(protocol.TypeSFTPSuccess, map[string]string{"sessionId": req.SessionID}, msg.RequestID)
}

func (c *sshChannel) handleSFTPCancel(msg *protocol.Message, req *protocol.SFTPCancelRequest) {
	engine, err := c.engineFor(req.SessionID)
	if err != nil {
		c.sendError(protocol.CodeNotFound, err.Error(), msg.RequestID)
		return
	}
	if !engine.Cancel(req.OperationID) {
		c.sendError(protocol.CodeInvalidField, "no such operation", msg.RequestID)
	}
}

// handleSFTPOp launches a long-running SFTP operation; progress and the
// terminal envelope flow back through the serialized stream writer.
func (c *sshChannel) handleSFTPOp(msg *protocol.Message) {
	engine, err := c.engineFor(msg.SessionID)
	if err != nil {
		c.sendError(protocol.CodeNotFound, err.Error(), msg.RequestID)
		return
	}
	outcome := func(op string, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SFTPOperations.WithLabelValues(op, result).Inc()
	}

	ctx := context.Background()
	switch p := msg.Payload.(type) {
	case *protocol.SFTPPathRequest:
		switch msg.Type {
		case protocol.TypeSFTPList:
			go func() { outcome("list", engine.List(ctx, p.OperationID, p.Path)) }()
		case protocol.TypeSFTPStat:
			go func() { outcome("stat", engine.Stat(ctx, p.OperationID, p.Path)) }()
		case protocol.TypeSFTPFastDelete:
			go func() { outcome("fast_delete", engine.FastDelete(ctx, p.OperationID, p.Path)) }()
		case protocol.TypeSFTPDownloadFolder:
			go func() { outcome("download_folder", engine.DownloadFolder(ctx, p.OperationID, p.Path)) }()
		}
	case *protocol.SFTPDeleteRequest:
		go func() { outcome("delete", engine.Delete(ctx, p.OperationID, p.Path)) }()
	case *protocol.SFTPMkdirRequest:
		go func() { outcome("mkdir", engine.Mkdir(ctx, p.OperationID, p.Path)) }()
	case *protocol.SFTPRenameRequest:
		go func() { outcome("rename", engine.Rename(ctx, p.OperationID, p.OldPath, p.NewPath)) }()
	case *protocol.SFTPChmodRequest:
		go func() { outcome("chmod", engine.Chmod(ctx, p.OperationID, p.Path, p.Mode)) }()
	case *protocol.SFTPUploadRequest:
		go func() { outcome("upload", engine.Upload(ctx, p)) }()
	case *protocol.SFTPDownloadRequest:
		go func() { outcome("download", engine.Download(ctx, p)) }()
	default:
		c.sendError(protocol.CodeUnsupportedType, "unsupported message type", msg.RequestID)
	}
}

// splitAddress accepts "host:port" addresses; a parseable embedded port
// overrides the port field.
func splitAddress(address string, port int) (string, int) {
	host, p, err := utils.SplitHostPort(address)
	if err != nil || p == "" {
		return address, port
	}
	n, err := utils.ParsePort(p)
	if err != nil {
		return address, port
	}
	return host, n
}

// pumpFor resolves the shell pump for a session id.
func (c *sshChannel) pumpFor(sessionID string) (*term.Pump, error) {
	sess, err := c.srv.cfg.Registry.Lookup(sessionID)
	if err != nil {
		return nil, trace.NotFound("session not found")
	}
	pump, ok := sess.Pump().(*term.Pump)
	if !ok || pump == nil {
		return nil, trace.NotFound("session has no shell")
	}
	return pump, nil
}

// engineFor resolves the SFTP engine for a session id.
func (c *sshChannel) engineFor(sessionID string) (*sftpops.Engine, error) {
	sess, err := c.srv.cfg.Registry.Lookup(sessionID)
	if err != nil {
		return nil, trace.NotFound("session not found")
	}
	engine, ok := sess.SFTP().(*sftpops.Engine)
	if !ok || engine == nil {
		return nil, trace.NotFound("sftp subchannel is not initialized")
	}
	return engine, nil
}

func (c *sshChannel) sendEnvelope(msgType string, data any, requestID string) {
	env, err := protocol.NewEnvelope(msgType, data)
	if err != nil {
		c.log.WithError(err).Warn("Cannot build envelope.")
		return
	}
	env.RequestID = requestID
	if err := c.stream.WriteEnvelope(env); err != nil {
		c.log.WithError(err).Debug("Dropping envelope.")
	}
}

func (c *sshChannel) sendError(code int, message, requestID string) {
	if err := c.stream.WriteEnvelope(protocol.NewErrorEnvelope(code, message, requestID)); err != nil {
		c.log.WithError(err).Debug("Dropping error envelope.")
	}
}

// openShell starts an interactive shell with a PTY on the SSH connection.
// With a PTY allocated, stderr is folded into the terminal stream.
func openShell(client *ssh.Client) (*session.ShellStream, error) {
	sshSess, err := client.NewSession()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sshSess.RequestPty(defaults.TerminalType, 24, 80, modes); err != nil {
		sshSess.Close()
		return nil, trace.Wrap(err)
	}
	stdin, err := sshSess.StdinPipe()
	if err != nil {
		sshSess.Close()
		return nil, trace.Wrap(err)
	}
	stdout, err := sshSess.StdoutPipe()
	if err != nil {
		sshSess.Close()
		return nil, trace.Wrap(err)
	}
	if err := sshSess.Shell(); err != nil {
		sshSess.Close()
		return nil, trace.Wrap(err)
	}
	return &session.ShellStream{
		Session: sshSess,
		Stdin:   stdin,
		Stdout:  stdout,
	}, nil
}

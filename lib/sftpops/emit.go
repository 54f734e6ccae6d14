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

package sftpops

import (
	"github.com/gravitational/trace"

	"github.com/webssh/gateway/lib/protocol"
	"github.com/webssh/gateway/lib/session"
)

// ChannelFunc returns the session's current client channel. Indirection
// matters: the channel is swapped on reconnect while operations run.
type ChannelFunc func() session.ClientChannel

// Emitter frames SFTP envelopes as binary frames on the client channel.
// Writes from concurrent operations are serialized by the channel itself.
type Emitter struct {
	SessionID string
	Channel   ChannelFunc
}

// Emit sends one SFTP envelope with an optional payload buffer. A detached
// session drops the envelope.
func (e *Emitter) Emit(env protocol.SFTPEnvelope, payload []byte) error {
	ch := e.Channel()
	if ch == nil || !ch.Open() {
		return trace.NotFound("client channel is not open")
	}
	body, err := protocol.EncodeSFTPEnvelope(env, payload)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(ch.WriteBinary(protocol.BinaryFrame{
		Tag:       protocol.TagSFTP,
		SessionID: e.SessionID,
		Payload:   body,
	}))
}

// Success emits the terminal success envelope for an operation.
func (e *Emitter) Success(opID string, payload []byte) error {
	return e.Emit(protocol.SFTPEnvelope{
		OperationID: opID,
		Type:        protocol.TypeSFTPSuccess,
	}, payload)
}

// Error emits the terminal error envelope for an operation.
func (e *Emitter) Error(opID string, err error) error {
	return e.Emit(protocol.SFTPEnvelope{
		OperationID: opID,
		Type:        protocol.TypeSFTPError,
		Error:       trace.UserMessage(err),
	}, nil)
}

// Progress emits one progress envelope.
func (e *Emitter) Progress(env protocol.SFTPEnvelope) error {
	env.Type = protocol.TypeSFTPProgress
	return e.Emit(env, nil)
}

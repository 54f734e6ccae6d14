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

// Package protocol implements the client-channel wire format: JSON text
// envelopes with per-type schema validation and length-prefixed binary
// frames keyed by session id.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// ProtocolVersion is the envelope version the gateway speaks.
const ProtocolVersion = "2.0"

// Client to gateway message types.
const (
	TypeConnect            = "connect"
	TypeAuthenticate       = "authenticate"
	TypeData               = "data"
	TypeResize             = "resize"
	TypeDisconnect         = "disconnect"
	TypePing               = "ping"
	TypeSSHExec            = "ssh_exec"
	TypeSFTPInit           = "sftp_init"
	TypeSFTPList           = "sftp_list"
	TypeSFTPUpload         = "sftp_upload"
	TypeSFTPDownload       = "sftp_download"
	TypeSFTPDownloadFolder = "sftp_download_folder"
	TypeSFTPMkdir          = "sftp_mkdir"
	TypeSFTPStat           = "sftp_stat"
	TypeSFTPDelete         = "sftp_delete"
	TypeSFTPFastDelete     = "sftp_fast_delete"
	TypeSFTPChmod          = "sftp_chmod"
	TypeSFTPRename         = "sftp_rename"
	TypeSFTPCancel         = "sftp_cancel"
	TypeSFTPClose          = "sftp_close"
)

// Gateway to client message types.
const (
	TypeConnected            = "connected"
	TypeDisconnected         = "disconnected"
	TypeClosed               = "closed"
	TypePong                 = "pong"
	TypeNetworkLatency       = "network_latency"
	TypeConnectionRegistered = "connection_id_registered"
	TypeError                = "error"
	TypeSFTPReady            = "sftp_ready"
	TypeSFTPSuccess          = "sftp_success"
	TypeSFTPError            = "sftp_error"
	TypeSFTPProgress         = "sftp_progress"
	TypeSFTPConfirm          = "sftp_confirm"
	TypeSFTPFile             = "sftp_file"
)

// Envelope is the JSON text frame exchanged on the client channel.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Version   string          `json:"version,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewEnvelope marshals data into a versioned envelope of the given type.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, trace.Wrap(err)
	}
	return Envelope{
		Type:      msgType,
		Data:      raw,
		Version:   ProtocolVersion,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Marshal serializes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	out, err := json.Marshal(e)
	return out, trace.Wrap(err)
}

// ParseEnvelope decodes a text frame into an envelope. The payload is left
// raw; per-type validation happens in the Validator.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, trace.BadParameter("malformed message: %v", err)
	}
	if e.Type == "" {
		return Envelope{}, trace.BadParameter("message type is required")
	}
	return e, nil
}

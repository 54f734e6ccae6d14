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

package protocol

import (
	"encoding/binary"
	"encoding/json"

	"github.com/gravitational/trace"
)

// FrameTag identifies the payload type of a binary frame.
type FrameTag byte

const (
	// TagInput carries client keystrokes to the host shell.
	TagInput FrameTag = 0x01
	// TagOutput carries host shell output to the client.
	TagOutput FrameTag = 0x02
	// TagResize carries a PTY window change (cols u32 LE, rows u32 LE).
	TagResize FrameTag = 0x03
	// TagPong answers a client ping on the binary path.
	TagPong FrameTag = 0x04
	// TagConnected announces a bound session on the binary path.
	TagConnected FrameTag = 0x05
	// TagLatency carries an unsolicited network_latency report.
	TagLatency FrameTag = 0x06
	// TagSFTP carries an SFTP envelope (length-prefixed JSON + payload).
	TagSFTP FrameTag = 0x07
)

// BinaryFrame is a decoded binary client-channel frame:
//
//	[tag u8][idLen u8][sessionId][payload]
type BinaryFrame struct {
	Tag       FrameTag
	SessionID string
	Payload   []byte
}

// EncodeBinary serializes a frame for the wire.
func EncodeBinary(f BinaryFrame) ([]byte, error) {
	if len(f.SessionID) == 0 || len(f.SessionID) > MaxSessionIDLength {
		return nil, trace.BadParameter("session id length %v out of range", len(f.SessionID))
	}
	out := make([]byte, 0, 2+len(f.SessionID)+len(f.Payload))
	out = append(out, byte(f.Tag), byte(len(f.SessionID)))
	out = append(out, f.SessionID...)
	out = append(out, f.Payload...)
	return out, nil
}

// DecodeBinary parses a binary frame. Frames shorter than the declared
// header are rejected; decoding never panics on malformed input.
func DecodeBinary(raw []byte) (BinaryFrame, error) {
	if len(raw) < 2 {
		return BinaryFrame{}, trace.BadParameter("binary frame too short: %v bytes", len(raw))
	}
	idLen := int(raw[1])
	if len(raw) < 2+idLen {
		return BinaryFrame{}, trace.BadParameter("binary frame truncated: declared id length %v, %v bytes remain", idLen, len(raw)-2)
	}
	if idLen == 0 {
		return BinaryFrame{}, trace.BadParameter("binary frame is missing a session id")
	}
	return BinaryFrame{
		Tag:       FrameTag(raw[0]),
		SessionID: string(raw[2 : 2+idLen]),
		Payload:   raw[2+idLen:],
	}, nil
}

// ResizePayload is the decoded body of a TagResize frame.
type ResizePayload struct {
	Cols uint32
	Rows uint32
}

// EncodeResize packs a window change into the 8-byte resize payload.
func EncodeResize(p ResizePayload) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], p.Cols)
	binary.LittleEndian.PutUint32(out[4:8], p.Rows)
	return out
}

// DecodeResize unpacks a TagResize payload.
func DecodeResize(raw []byte) (ResizePayload, error) {
	if len(raw) < 8 {
		return ResizePayload{}, trace.BadParameter("resize payload too short: %v bytes", len(raw))
	}
	return ResizePayload{
		Cols: binary.LittleEndian.Uint32(raw[0:4]),
		Rows: binary.LittleEndian.Uint32(raw[4:8]),
	}, nil
}

// SFTPEnvelope is the header of a TagSFTP frame. Large results (directory
// listings, downloaded files) ride in the binary payload that follows the
// header instead of being base64-inflated into JSON.
type SFTPEnvelope struct {
	OperationID string `json:"operationId"`
	Type        string `json:"type"`
	Error       string `json:"error,omitempty"`
	// Progress fields, present on sftp_progress envelopes.
	Progress         int    `json:"progress,omitempty"`
	BytesTransferred int64  `json:"bytesTransferred,omitempty"`
	TotalBytes       int64  `json:"totalBytes,omitempty"`
	EstimatedSize    int64  `json:"estimatedSize,omitempty"`
	Phase            string `json:"phase,omitempty"`
	// Confirm fields, present on sftp_confirm envelopes.
	Size int64 `json:"size,omitempty"`
	// File delivery metadata.
	Filename string `json:"filename,omitempty"`
	Mode     string `json:"mode,omitempty"`
	// Skipped paths reported on the terminal envelope of folder downloads.
	Skipped []string `json:"skipped,omitempty"`
}

// EncodeSFTPEnvelope frames an SFTP envelope and optional payload buffer as
// [headerLen u32 LE][header JSON][payload].
func EncodeSFTPEnvelope(env SFTPEnvelope, payload []byte) ([]byte, error) {
	header, err := json.Marshal(env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]byte, 0, 4+len(header)+len(payload))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(header)))
	out = append(out, lenBuf[:]...)
	out = append(out, header...)
	out = append(out, payload...)
	return out, nil
}

// DecodeSFTPEnvelope parses a TagSFTP frame payload back into its header
// and payload buffer.
func DecodeSFTPEnvelope(raw []byte) (SFTPEnvelope, []byte, error) {
	if len(raw) < 4 {
		return SFTPEnvelope{}, nil, trace.BadParameter("sftp envelope too short")
	}
	headerLen := int(binary.LittleEndian.Uint32(raw[0:4]))
	if len(raw) < 4+headerLen {
		return SFTPEnvelope{}, nil, trace.BadParameter("sftp envelope truncated: declared header %v bytes, %v remain", headerLen, len(raw)-4)
	}
	var env SFTPEnvelope
	if err := json.Unmarshal(raw[4:4+headerLen], &env); err != nil {
		return SFTPEnvelope{}, nil, trace.BadParameter("malformed sftp envelope header: %v", err)
	}
	return env, raw[4+headerLen:], nil
}

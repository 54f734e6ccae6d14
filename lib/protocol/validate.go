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
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/webssh/gateway/lib/defaults"
)

// MaxSessionIDLength bounds session ids on the wire.
const MaxSessionIDLength = 128

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id matches the session id pattern.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ValidationError carries the numeric code and offending field for an
// error envelope reply.
type ValidationError struct {
	Code    int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ConnectRequest starts a session. Legacy mode carries the address and
// credentials inline; secure mode carries only a connectionId and follows
// up with an authenticate message.
type ConnectRequest struct {
	SessionID    string `json:"sessionId,omitempty" validate:"omitempty,session_id"`
	ConnectionID string `json:"connectionId,omitempty" validate:"omitempty,max=128"`
	Address      string `json:"address,omitempty" validate:"omitempty,max=255"`
	Port         int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username     string `json:"username,omitempty" validate:"omitempty,max=255"`
	AuthType     string `json:"authType,omitempty" validate:"omitempty,oneof=password key"`
	Password     string `json:"password,omitempty"`
	PrivateKey   string `json:"privateKey,omitempty"`
	Passphrase   string `json:"passphrase,omitempty"`
}

// Secure reports whether the request uses the two-step handshake.
func (r *ConnectRequest) Secure() bool { return r.ConnectionID != "" }

// AuthenticateRequest completes the two-step secure handshake.
type AuthenticateRequest struct {
	ConnectionID     string `json:"connectionId" validate:"required,max=128"`
	EncryptedPayload string `json:"encryptedPayload" validate:"required,base64"`
	KeyID            string `json:"keyId" validate:"required,max=128"`
	SessionID        string `json:"sessionId,omitempty" validate:"omitempty,session_id"`
}

// DataRequest carries terminal input as UTF-8 text.
type DataRequest struct {
	SessionID string `json:"sessionId" validate:"required,session_id"`
	Data      string `json:"data" validate:"required"`
}

// ResizeRequest updates the PTY window.
type ResizeRequest struct {
	SessionID string `json:"sessionId" validate:"required,session_id"`
	Cols      int    `json:"cols" validate:"required,min=1,max=4096"`
	Rows      int    `json:"rows" validate:"required,min=1,max=4096"`
}

// DisconnectRequest tears a session down explicitly.
type DisconnectRequest struct {
	SessionID string `json:"sessionId" validate:"required,session_id"`
}

// PingRequest is the application-level keep-alive. When MeasureLatency is
// set the gateway measures both network legs and reports network_latency.
type PingRequest struct {
	SessionID        string `json:"sessionId" validate:"required,session_id"`
	WebSocketLatency int    `json:"webSocketLatency,omitempty" validate:"omitempty,min=0"`
	MeasureLatency   bool   `json:"measureLatency,omitempty"`
}

// ExecRequest runs a single command over the session's SSH connection.
type ExecRequest struct {
	SessionID string `json:"sessionId" validate:"required,session_id"`
	Command   string `json:"command" validate:"required,max=4096"`
}

// SFTPInitRequest opens the session's SFTP subchannel.
type SFTPInitRequest struct {
	SessionID string `json:"sessionId" validate:"required,session_id"`
}

// SFTPPathRequest covers list, stat, fast_delete and download_folder.
type SFTPPathRequest struct {
	SessionID   string `json:"sessionId" validate:"required,session_id"`
	OperationID string `json:"operationId" validate:"required,max=128"`
	Path        string `json:"path" validate:"required,max=4096"`
}

// SFTPDeleteRequest deletes a file or directory tree.
type SFTPDeleteRequest struct {
	SessionID   string `json:"sessionId" validate:"required,session_id"`
	OperationID string `json:"operationId" validate:"required,max=128"`
	Path        string `json:"path" validate:"required,max=4096"`
	IsDirectory bool   `json:"isDirectory,omitempty"`
}

// SFTPMkdirRequest creates a single directory level.
type SFTPMkdirRequest struct {
	SessionID   string `json:"sessionId" validate:"required,session_id"`
	OperationID string `json:"operationId" validate:"required,max=128"`
	Path        string `json:"path" validate:"required,max=4096"`
}

// SFTPRenameRequest renames a file atomically.
type SFTPRenameRequest struct {
	SessionID   string `json:"sessionId" validate:"required,session_id"`
	OperationID string `json:"operationId" validate:"required,max=128"`
	OldPath     string `json:"oldPath" validate:"required,max=4096"`
	NewPath     string `json:"newPath" validate:"required,max=4096"`
}

// SFTPChmodRequest sets file permissions from an octal mode integer.
type SFTPChmodRequest struct {
	SessionID   string `json:"sessionId" validate:"required,session_id"`
	OperationID string `json:"operationId" validate:"required,max=128"`
	Path        string `json:"path" validate:"required,max=4096"`
	Mode        int    `json:"mode" validate:"required,min=0,max=4095"`
}

// SFTPUploadRequest streams a base64 payload to a remote file. Binary
// frame uploads bypass the base64 inflation; this JSON form is retained
// for compatibility.
type SFTPUploadRequest struct {
	SessionID   string `json:"sessionId" validate:"required,session_id"`
	OperationID string `json:"operationId" validate:"required,max=128"`
	Filename    string `json:"filename" validate:"required,max=255"`
	Path        string `json:"path" validate:"required,max=4096"`
	Content     string `json:"content" validate:"required"`
}

// SFTPDownloadRequest fetches a remote file. Confirmed acknowledges a
// prior sftp_confirm for oversized files. Mode selects binary-frame or
// base64 data-URI delivery.
type SFTPDownloadRequest struct {
	SessionID   string `json:"sessionId" validate:"required,session_id"`
	OperationID string `json:"operationId" validate:"required,max=128"`
	Path        string `json:"path" validate:"required,max=4096"`
	Confirmed   bool   `json:"confirmed,omitempty"`
	Mode        string `json:"mode,omitempty" validate:"omitempty,oneof=binary base64"`
}

// SFTPCancelRequest flags a long-running operation for cancellation.
type SFTPCancelRequest struct {
	SessionID   string `json:"sessionId" validate:"required,session_id"`
	OperationID string `json:"operationId" validate:"required,max=128"`
}

// SFTPCloseRequest ends the session's SFTP subchannel.
type SFTPCloseRequest struct {
	SessionID string `json:"sessionId" validate:"required,session_id"`
}

// Message is a validated, sanitized client message. Payload holds the
// typed request; unknown JSON properties have been stripped and defaults
// applied.
type Message struct {
	Type        string
	RequestID   string
	SessionID   string
	OperationID string
	Payload     any
}

// Sanitized rebuilds the envelope from the typed payload. Marshaling the
// typed struct drops any properties the schema does not know about.
func (m *Message) Sanitized() (Envelope, error) {
	env, err := NewEnvelope(m.Type, m.Payload)
	if err != nil {
		return Envelope{}, err
	}
	env.RequestID = m.RequestID
	env.Timestamp = 0
	return env, nil
}

// Validator checks inbound messages against per-type schemas.
type Validator struct {
	validate  *validator.Validate
	maxUpload int64
}

// NewValidator builds a validator with the gateway's custom rules
// registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Only fails on programmer error (non-string field), safe to ignore.
	_ = v.RegisterValidation("session_id", func(fl validator.FieldLevel) bool {
		return ValidSessionID(fl.Field().String())
	})
	return &Validator{validate: v, maxUpload: defaults.MaxUploadSize}
}

// SetMaxUploadSize overrides the decoded upload cap. Non-positive values
// keep the default.
func (v *Validator) SetMaxUploadSize(n int64) {
	if n > 0 {
		v.maxUpload = n
	}
}

// Validate checks the base envelope, dispatches to the per-type schema and
// returns a sanitized message. The returned *ValidationError carries the
// numeric code for the error envelope.
func (v *Validator) Validate(raw []byte) (*Message, *ValidationError) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, &ValidationError{Code: CodeInvalidMessage, Message: err.Error()}
	}
	return v.ValidateEnvelope(env)
}

// ValidateEnvelope validates an already-parsed envelope.
func (v *Validator) ValidateEnvelope(env Envelope) (*Message, *ValidationError) {
	if len(env.RequestID) > defaults.MaxRequestIDLength {
		return nil, &ValidationError{
			Code:    CodeInvalidField,
			Field:   "requestId",
			Message: fmt.Sprintf("requestId exceeds %v characters", defaults.MaxRequestIDLength),
		}
	}

	payload, verr := v.decodePayload(env.Type, env.Data)
	if verr != nil {
		verr.Code = normalizeCode(verr.Code)
		return nil, verr
	}

	msg := &Message{
		Type:      env.Type,
		RequestID: env.RequestID,
		Payload:   payload,
	}
	msg.SessionID, msg.OperationID = identity(payload)
	return msg, nil
}

// identity pulls the session and operation ids out of a typed payload so
// the dispatcher can route without re-switching on the concrete type.
func identity(payload any) (sessionID, operationID string) {
	switch p := payload.(type) {
	case *ConnectRequest:
		return p.SessionID, ""
	case *AuthenticateRequest:
		return p.SessionID, ""
	case *DataRequest:
		return p.SessionID, ""
	case *ResizeRequest:
		return p.SessionID, ""
	case *DisconnectRequest:
		return p.SessionID, ""
	case *PingRequest:
		return p.SessionID, ""
	case *ExecRequest:
		return p.SessionID, ""
	case *SFTPInitRequest:
		return p.SessionID, ""
	case *SFTPPathRequest:
		return p.SessionID, p.OperationID
	case *SFTPDeleteRequest:
		return p.SessionID, p.OperationID
	case *SFTPMkdirRequest:
		return p.SessionID, p.OperationID
	case *SFTPRenameRequest:
		return p.SessionID, p.OperationID
	case *SFTPChmodRequest:
		return p.SessionID, p.OperationID
	case *SFTPUploadRequest:
		return p.SessionID, p.OperationID
	case *SFTPDownloadRequest:
		return p.SessionID, p.OperationID
	case *SFTPCancelRequest:
		return p.SessionID, p.OperationID
	case *SFTPCloseRequest:
		return p.SessionID, ""
	}
	return "", ""
}

func normalizeCode(code int) int {
	if code == 0 {
		return CodeInvalidMessage
	}
	return code
}

// decodePayload unmarshals the raw data into the schema struct for the
// message type, applies defaults and runs the field constraints.
func (v *Validator) decodePayload(msgType string, data json.RawMessage) (any, *ValidationError) {
	var payload any
	switch msgType {
	case TypeConnect:
		payload = &ConnectRequest{}
	case TypeAuthenticate:
		payload = &AuthenticateRequest{}
	case TypeData:
		payload = &DataRequest{}
	case TypeResize:
		payload = &ResizeRequest{}
	case TypeDisconnect:
		payload = &DisconnectRequest{}
	case TypePing:
		payload = &PingRequest{}
	case TypeSSHExec:
		payload = &ExecRequest{}
	case TypeSFTPInit:
		payload = &SFTPInitRequest{}
	case TypeSFTPList, TypeSFTPStat, TypeSFTPFastDelete, TypeSFTPDownloadFolder:
		payload = &SFTPPathRequest{}
	case TypeSFTPDelete:
		payload = &SFTPDeleteRequest{}
	case TypeSFTPMkdir:
		payload = &SFTPMkdirRequest{}
	case TypeSFTPRename:
		payload = &SFTPRenameRequest{}
	case TypeSFTPChmod:
		payload = &SFTPChmodRequest{}
	case TypeSFTPUpload:
		payload = &SFTPUploadRequest{}
	case TypeSFTPDownload:
		payload = &SFTPDownloadRequest{}
	case TypeSFTPCancel:
		payload = &SFTPCancelRequest{}
	case TypeSFTPClose:
		payload = &SFTPCloseRequest{}
	default:
		return nil, &ValidationError{
			Code:    CodeUnsupportedType,
			Message: fmt.Sprintf("unsupported message type %q", msgType),
		}
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, &ValidationError{Code: CodeInvalidMessage, Message: fmt.Sprintf("malformed %s payload: %v", msgType, err)}
		}
	}
	applyDefaults(payload)
	if verr := v.check(payload); verr != nil {
		return nil, verr
	}
	if verr := v.crossCheck(msgType, payload); verr != nil {
		return nil, verr
	}
	return payload, nil
}

// applyDefaults fills schema defaults before constraint checks so the
// sanitized copy always carries them.
func applyDefaults(payload any) {
	switch p := payload.(type) {
	case *ConnectRequest:
		if !p.Secure() {
			if p.Port == 0 {
				p.Port = defaults.SSHPort
			}
			if p.AuthType == "" {
				p.AuthType = "password"
			}
		}
	case *SFTPDownloadRequest:
		if p.Mode == "" {
			p.Mode = "binary"
		}
	}
}

// check runs struct-tag constraints and maps the first failure to a code
// and field path.
func (v *Validator) check(payload any) *ValidationError {
	err := v.validate.Struct(payload)
	if err == nil {
		return nil
	}
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return &ValidationError{Code: CodeInvalidMessage, Message: err.Error()}
	}
	first := errs[0]
	code := CodeInvalidField
	if first.Tag() == "required" {
		code = CodeMissingField
	}
	return &ValidationError{
		Code:    code,
		Field:   first.Namespace(),
		Message: fmt.Sprintf("field %s failed %s constraint", first.Field(), first.Tag()),
	}
}

// crossCheck enforces constraints spanning multiple fields.
func (v *Validator) crossCheck(msgType string, payload any) *ValidationError {
	switch p := payload.(type) {
	case *ConnectRequest:
		// Secure mode defers credentials to the authenticate step. A bare
		// sessionId reattaches an existing session. Anything else is a
		// legacy connect and needs the full connection info.
		if p.Secure() || (p.SessionID != "" && p.Address == "") {
			return nil
		}
		if p.Address == "" {
			return &ValidationError{Code: CodeMissingField, Field: "address", Message: "address is required"}
		}
		if p.Username == "" {
			return &ValidationError{Code: CodeMissingField, Field: "username", Message: "username is required"}
		}
		switch p.AuthType {
		case "password":
			if p.Password == "" {
				return &ValidationError{Code: CodeMissingField, Field: "password", Message: "password is required"}
			}
		case "key":
			if p.PrivateKey == "" {
				return &ValidationError{Code: CodeMissingField, Field: "privateKey", Message: "privateKey is required"}
			}
		}
	case *SFTPUploadRequest:
		// Base64 inflates by 4/3; reject before decoding anything huge.
		if int64(base64DecodedLen(len(p.Content))) > v.maxUpload {
			return &ValidationError{
				Code:    CodeMessageTooLarge,
				Field:   "content",
				Message: fmt.Sprintf("upload exceeds %v byte limit", v.maxUpload),
			}
		}
	}
	return nil
}

func base64DecodedLen(encoded int) int {
	return encoded / 4 * 3
}

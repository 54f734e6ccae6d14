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
	"time"
)

// Numeric error codes carried on error envelopes. The ranges partition the
// taxonomy: 1000s validation, 2000s authentication, 3000s connection,
// 4000s system.
const (
	CodeInvalidMessage  = 1001
	CodeMissingField    = 1002
	CodeInvalidField    = 1003
	CodeUnsupportedType = 1004
	CodeMessageTooLarge = 1005

	CodeMissingCredentials = 2001
	CodeAuthFailed         = 2002
	CodeInvalidConnection  = 2003
	CodeDecryptFailed      = 2004

	CodeConnectionRefused = 3001
	CodeNetworkTimeout    = 3002
	CodeHostKeyFailed     = 3003
	CodeConnectionLost    = 3004

	CodeInternalError      = 4001
	CodeResourceExhausted  = 4002
	CodeOperationCancelled = 4003
	CodeNotFound           = 4004
)

// ErrorKind is the internal classification that drives retry decisions.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindValidation ErrorKind = "validation"
	KindTimeout    ErrorKind = "timeout"
	KindSystem     ErrorKind = "system"
	KindUnknown    ErrorKind = "unknown"
)

// KindForCode maps a numeric code to its internal kind.
func KindForCode(code int) ErrorKind {
	switch {
	case code >= 1000 && code < 2000:
		return KindValidation
	case code == CodeNetworkTimeout:
		return KindTimeout
	case code >= 2000 && code < 4000:
		return KindConnection
	case code >= 4000 && code < 5000:
		return KindSystem
	default:
		return KindUnknown
	}
}

// ErrorDetail is the data payload of an error envelope.
type ErrorDetail struct {
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Timestamp    int64  `json:"timestamp"`
}

// NewErrorEnvelope builds the standard error envelope. The requestId of the
// offending message is echoed back when known so the client can correlate.
func NewErrorEnvelope(code int, message, requestID string) Envelope {
	detail := ErrorDetail{
		ErrorCode:    code,
		ErrorMessage: message,
		Timestamp:    time.Now().UnixMilli(),
	}
	raw, _ := json.Marshal(detail)
	return Envelope{
		Type:      TypeError,
		Data:      raw,
		Version:   ProtocolVersion,
		RequestID: requestID,
	}
}

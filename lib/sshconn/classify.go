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

package sshconn

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/webssh/gateway/lib/protocol"
)

// Class buckets a low-level SSH failure for the user-facing envelope.
type Class string

const (
	ClassRefused    Class = "connection_refused"
	ClassTimeout    Class = "network_timeout"
	ClassAuthFailed Class = "auth_failed"
	ClassHostKey    Class = "host_key_failed"
	ClassUnknown    Class = "unknown"
)

// ClassifiedError wraps an SSH failure with its class and a user-facing
// message. The original error is preserved for logging and errors.Is.
type ClassifiedError struct {
	Class   Class
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string { return e.Message + ": " + e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Code returns the numeric error code for the class.
func (e *ClassifiedError) Code() int {
	switch e.Class {
	case ClassRefused:
		return protocol.CodeConnectionRefused
	case ClassTimeout:
		return protocol.CodeNetworkTimeout
	case ClassAuthFailed:
		return protocol.CodeAuthFailed
	case ClassHostKey:
		return protocol.CodeHostKeyFailed
	default:
		return protocol.CodeInternalError
	}
}

// UserMessage returns the string shown to the browser user.
func (e *ClassifiedError) UserMessage() string { return e.Message }

// Classify maps a dial or handshake failure onto the gateway taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var already *ClassifiedError
	if errors.As(err, &already) {
		return err
	}

	classified := &ClassifiedError{Class: ClassUnknown, Message: "connection failed", Err: err}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		classified.Class = ClassRefused
		classified.Message = "connection refused by host"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded), isNetTimeout(err):
		classified.Class = ClassTimeout
		classified.Message = "connection timed out"
	case isAuthFailure(err):
		classified.Class = ClassAuthFailed
		classified.Message = "authentication failed, check credentials"
	case isHostKeyFailure(err):
		classified.Class = ClassHostKey
		classified.Message = "host key verification failed"
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		classified.Class = ClassTimeout
		classified.Message = "host unreachable"
	}
	return classified
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// x/crypto/ssh does not export typed auth errors, so the handshake failure
// string is the only signal available.
func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}

func isHostKeyFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "host key") || strings.Contains(msg, "knownhosts")
}

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
	"fmt"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/webssh/gateway/lib/defaults"
	"github.com/webssh/gateway/lib/protocol"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		err   error
		class Class
		code  int
	}{
		{
			name:  "refused",
			err:   fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED),
			class: ClassRefused,
			code:  protocol.CodeConnectionRefused,
		},
		{
			name:  "deadline",
			err:   context.DeadlineExceeded,
			class: ClassTimeout,
			code:  protocol.CodeNetworkTimeout,
		},
		{
			name:  "auth",
			err:   errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"),
			class: ClassAuthFailed,
			code:  protocol.CodeAuthFailed,
		},
		{
			name:  "host key",
			err:   errors.New("ssh: host key mismatch"),
			class: ClassHostKey,
			code:  protocol.CodeHostKeyFailed,
		},
		{
			name:  "unreachable",
			err:   fmt.Errorf("dial tcp: %w", syscall.EHOSTUNREACH),
			class: ClassTimeout,
			code:  protocol.CodeNetworkTimeout,
		},
		{
			name:  "unknown",
			err:   errors.New("something else entirely"),
			class: ClassUnknown,
			code:  protocol.CodeInternalError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify(tc.err)
			var classified *ClassifiedError
			require.ErrorAs(t, err, &classified)
			require.Equal(t, tc.class, classified.Class)
			require.Equal(t, tc.code, classified.Code())
			// The cause is preserved for inspection.
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestClassifyNil(t *testing.T) {
	t.Parallel()
	require.NoError(t, Classify(nil))
}

func TestClassifyIdempotent(t *testing.T) {
	t.Parallel()

	once := Classify(context.DeadlineExceeded)
	twice := Classify(once)
	require.Same(t, once, twice)
}

func TestDialConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := DialConfig{Host: "h", Username: "u", Credentials: Credentials{Password: "p"}}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, 22, cfg.Port)
	require.NotZero(t, cfg.Timeout)

	bad := DialConfig{Username: "u"}
	require.Error(t, bad.CheckAndSetDefaults())

	badPort := DialConfig{Host: "h", Username: "u", Port: 99999}
	require.Error(t, badPort.CheckAndSetDefaults())
}

func TestExecRejectsOversizedCommand(t *testing.T) {
	t.Parallel()

	// The guard fires before the connection is touched.
	_, err := Exec(context.Background(), nil, strings.Repeat("a", defaults.MaxCommandLength+1))
	require.Error(t, err)
}

func TestAuthMethods(t *testing.T) {
	t.Parallel()

	cfg := DialConfig{Host: "h", Username: "u", Credentials: Credentials{AuthType: "password"}}
	require.NoError(t, cfg.CheckAndSetDefaults())
	_, err := cfg.authMethods()
	require.Error(t, err, "password auth without a password")

	cfg.Credentials = Credentials{AuthType: "key"}
	_, err = cfg.authMethods()
	require.Error(t, err, "key auth without a key")

	cfg.Credentials = Credentials{AuthType: "hardware-token"}
	_, err = cfg.authMethods()
	require.Error(t, err, "unsupported auth type")
}

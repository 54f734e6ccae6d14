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
	"bytes"
	"context"
	"errors"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/webssh/gateway/lib/defaults"
)

// ExecResult is the outcome of a single remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs one command on the backend host over a fresh SSH session and
// waits for it to finish. A nonzero exit status is returned in the result,
// not as an error; transport failures are errors.
func Exec(ctx context.Context, client *ssh.Client, command string) (*ExecResult, error) {
	if len(command) > defaults.MaxCommandLength {
		return nil, trace.BadParameter("command exceeds %v characters", defaults.MaxCommandLength)
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		// Closing the session unblocks Run.
		sess.Close()
		return nil, trace.Wrap(ctx.Err())
	case err := <-done:
		result := &ExecResult{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, trace.Wrap(err)
		}
		return result, nil
	}
}

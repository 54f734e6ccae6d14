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

// Package sftpops implements the per-session SFTP subchannel: directory
// operations, chunked transfers with progress envelopes, streaming folder
// archives and the gated recursive delete engine.
package sftpops

import (
	"errors"
	"io"
	"os"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// FS describes the remote file operations the engine needs. The production
// implementation wraps an sftp client; tests substitute an in-memory fake.
type FS interface {
	// Stat returns info about a file.
	Stat(path string) (os.FileInfo, error)
	// ReadDir returns the entries of a directory.
	ReadDir(path string) ([]os.FileInfo, error)
	// Mkdir creates a single directory level.
	Mkdir(path string) error
	// Remove unlinks a file.
	Remove(path string) error
	// RemoveDirectory removes an empty directory.
	RemoveDirectory(path string) error
	// Rename moves a file atomically.
	Rename(oldPath, newPath string) error
	// Chmod sets file permissions.
	Chmod(path string, mode os.FileMode) error
	// Open opens a file for reading.
	Open(path string) (io.ReadCloser, error)
	// Create opens a file for writing, truncating it.
	Create(path string) (io.WriteCloser, error)
	// Close releases the underlying connection.
	Close() error
}

// remoteFS adapts an sftp client to the FS interface.
type remoteFS struct {
	c *sftp.Client
}

// NewRemoteFS opens an SFTP subchannel on the SSH connection.
func NewRemoteFS(sshClient *ssh.Client) (FS, error) {
	c, err := sftp.NewClient(sshClient,
		sftp.UseConcurrentReads(true),
		sftp.UseConcurrentWrites(true))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &remoteFS{c: c}, nil
}

func (f *remoteFS) Stat(path string) (os.FileInfo, error)      { return f.c.Stat(path) }
func (f *remoteFS) ReadDir(path string) ([]os.FileInfo, error) { return f.c.ReadDir(path) }
func (f *remoteFS) Mkdir(path string) error                    { return f.c.Mkdir(path) }
func (f *remoteFS) Remove(path string) error                   { return f.c.Remove(path) }
func (f *remoteFS) RemoveDirectory(path string) error          { return f.c.RemoveDirectory(path) }
func (f *remoteFS) Rename(oldPath, newPath string) error       { return f.c.Rename(oldPath, newPath) }
func (f *remoteFS) Chmod(path string, mode os.FileMode) error  { return f.c.Chmod(path, mode) }
func (f *remoteFS) Close() error                               { return f.c.Close() }

func (f *remoteFS) Open(path string) (io.ReadCloser, error) {
	file, err := f.c.Open(path)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f *remoteFS) Create(path string) (io.WriteCloser, error) {
	file, err := f.c.Create(path)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// isNotExist reports whether err means the path is already gone. The sftp
// client normalizes SSH_FX_NO_SUCH_FILE to os.ErrNotExist.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	gateway "github.com/webssh/gateway"
	"github.com/webssh/gateway/lib/defaults"
)

// ErrCancelled is the distinguished error for operations unwound by a
// client cancel. Clients render it as info rather than failure.
var ErrCancelled = errors.New("operation cancelled")

// maxDeleteParallelism bounds sibling recursion in the delete walk.
const maxDeleteParallelism = 8

// Config configures one session's SFTP engine.
type Config struct {
	// FS is the remote filesystem.
	FS FS
	// Emitter posts SFTP envelopes to the client channel.
	Emitter *Emitter
	// RunCommand executes a shell command over the session's SSH
	// connection and returns its exit code. Nil disables the fast
	// delete shell path.
	RunCommand func(ctx context.Context, command string) (int, error)
	// ChunkSize is the transfer unit for uploads and downloads.
	ChunkSize int
	// MaxUploadSize caps decoded upload payloads.
	MaxUploadSize int64
	// ConfirmSize is the download size above which an explicit client
	// confirmation is required.
	ConfirmSize int64
	// Clock is used for timestamps.
	Clock clockwork.Clock
	// Log is the parent logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.FS == nil {
		return trace.BadParameter("filesystem is required")
	}
	if c.Emitter == nil {
		return trace.BadParameter("emitter is required")
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaults.TransferChunkSize
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = defaults.MaxUploadSize
	}
	if c.ConfirmSize <= 0 {
		c.ConfirmSize = defaults.DownloadConfirmSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// operation tracks one long-running SFTP call keyed by the client supplied
// operation id. The cancel flag is checked at chunk boundaries.
type operation struct {
	id        string
	cancelled atomic.Bool
	bytes     atomic.Int64
}

// Engine is the SFTP session record: one remote filesystem handle plus the
// in-flight operation table. Created by sftp_init, destroyed by sftp_close
// or session teardown.
type Engine struct {
	cfg       Config
	log       logrus.FieldLogger
	createdAt time.Time

	mu     sync.Mutex
	ops    map[string]*operation
	closed bool
}

// NewEngine builds the SFTP engine for one session.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:       cfg,
		log:       cfg.Log.WithField(gateway.ComponentKey, gateway.ComponentSFTP),
		createdAt: cfg.Clock.Now(),
		ops:       make(map[string]*operation),
	}, nil
}

// begin registers an operation record. A duplicate in-flight id is refused.
func (e *Engine) begin(opID string) (*operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, trace.NotFound("sftp subchannel is closed")
	}
	if _, ok := e.ops[opID]; ok {
		return nil, trace.AlreadyExists("operation %q is already running", opID)
	}
	op := &operation{id: opID}
	e.ops[opID] = op
	return op, nil
}

func (e *Engine) end(op *operation) {
	e.mu.Lock()
	delete(e.ops, op.id)
	e.mu.Unlock()
}

// Cancel flags an in-flight operation; the operation unwinds at its next
// chunk boundary. Returns false when no such operation is running.
func (e *Engine) Cancel(opID string) bool {
	e.mu.Lock()
	op, ok := e.ops[opID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	op.cancelled.Store(true)
	e.log.WithField("operation_id", opID).Info("Operation flagged for cancellation.")
	return true
}

// Close tears the engine down: flags every in-flight operation and closes
// the remote filesystem handle. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, op := range e.ops {
		op.cancelled.Store(true)
	}
	e.mu.Unlock()
	return trace.Wrap(e.cfg.FS.Close())
}

// checkpoint is called at chunk boundaries: it surfaces cancellation from
// either the operation flag or the session context.
func (op *operation) checkpoint(ctx context.Context) error {
	if op.cancelled.Load() {
		return ErrCancelled
	}
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}

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

// Package handshake implements the two-step secure connect flow: a pending
// connection-id table with TTL garbage collection, and the short-lived
// cipher protecting the credential handover.
package handshake

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/gravitational/ttlmap"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	gateway "github.com/webssh/gateway"
	"github.com/webssh/gateway/lib/defaults"
)

// Record is a registered pending connection awaiting authentication.
type Record struct {
	ConnectionID string
	SessionID    string
	Timestamp    time.Time
}

// PendingConfig configures the pending-connection table.
type PendingConfig struct {
	// TTL bounds how long an unauthenticated connection id survives.
	TTL time.Duration
	// SweepInterval is how often expired records are collected.
	SweepInterval time.Duration
	// Clock is used for timestamps and the sweep ticker.
	Clock clockwork.Clock
	// Log is the parent logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *PendingConfig) CheckAndSetDefaults() error {
	if c.TTL <= 0 {
		c.TTL = defaults.PendingConnectionTTL
	}
	// ttlmap rejects TTLs under one second.
	if c.TTL < time.Second {
		c.TTL = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.PendingSweepInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Pending is the table of connection ids registered by the first connect
// step. Records are removed on successful authentication and garbage
// collected when abandoned.
type Pending struct {
	cfg PendingConfig
	log logrus.FieldLogger

	mu      sync.Mutex
	records *ttlmap.TTLMap
}

// NewPending builds an empty pending-connection table.
func NewPending(cfg PendingConfig) (*Pending, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m, err := ttlmap.New(1024, ttlmap.Clock(cfg.Clock))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pending{
		cfg:     cfg,
		log:     cfg.Log.WithField(gateway.ComponentKey, gateway.ComponentHandshake),
		records: m,
	}, nil
}

// Register stores a pending record for connectionID. Re-registering the
// same id refreshes its TTL, which lets an impatient client retry the
// first step.
func (p *Pending) Register(connectionID, sessionID string) error {
	if connectionID == "" {
		return trace.BadParameter("connection id is required")
	}
	rec := &Record{
		ConnectionID: connectionID,
		SessionID:    sessionID,
		Timestamp:    p.cfg.Clock.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.records.Set(connectionID, rec, p.cfg.TTL); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Take removes and returns the record for connectionID. Missing or expired
// ids surface as a NotFound the handler maps to the user-visible "invalid
// or expired connection id".
func (p *Pending) Take(connectionID string) (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Get honors expiry, Remove does not.
	val, ok := p.records.Get(connectionID)
	if !ok || val == nil {
		return nil, trace.NotFound("invalid or expired connection id")
	}
	p.records.Remove(connectionID)
	return val.(*Record), nil
}

// Len returns the number of live pending records.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records.Len()
}

// Sweep removes expired records and returns how many were collected.
func (p *Pending) Sweep() int {
	p.mu.Lock()
	expired := p.records.RemoveExpired(100)
	p.mu.Unlock()
	if expired != 0 {
		p.log.Infof("Removed %v expired pending connections.", expired)
	}
	return expired
}

// Run sweeps on the configured interval until the context is cancelled.
func (p *Pending) Run(ctx context.Context) {
	ticker := p.cfg.Clock.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			p.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

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

package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/webssh/gateway/lib/defaults"
	"github.com/webssh/gateway/lib/protocol"
)

// ErrorTracker counts classified errors per component and session. When a
// connection-kind error count reaches the retry limit the caller should
// stop retrying. Counters expire after 24 hours without activity.
type ErrorTracker struct {
	clock      clockwork.Clock
	maxRetries int
	ttl        time.Duration

	mu       sync.Mutex
	counters map[string]*errorCounter
}

type errorCounter struct {
	count    int
	lastSeen time.Time
}

// NewErrorTracker builds a tracker with the default retry limit.
func NewErrorTracker(clock clockwork.Clock) *ErrorTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ErrorTracker{
		clock:      clock,
		maxRetries: defaults.MaxConnectionRetries,
		ttl:        defaults.ErrorCounterTTL,
		counters:   make(map[string]*errorCounter),
	}
}

// Record counts an error against component+session and reports whether the
// caller should stop retrying. Only connection-kind errors count toward
// the limit.
func (t *ErrorTracker) Record(component, sessionID string, kind protocol.ErrorKind) (count int, shouldStop bool) {
	if kind != protocol.KindConnection && kind != protocol.KindTimeout {
		return 0, false
	}

	key := component + "/" + sessionID
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(now)

	c, ok := t.counters[key]
	if !ok {
		c = &errorCounter{}
		t.counters[key] = c
	}
	c.count++
	c.lastSeen = now
	return c.count, c.count >= t.maxRetries
}

// Reset clears the counter after a successful operation.
func (t *ErrorTracker) Reset(component, sessionID string) {
	t.mu.Lock()
	delete(t.counters, component+"/"+sessionID)
	t.mu.Unlock()
}

// sweepLocked drops counters that have been idle past the TTL.
func (t *ErrorTracker) sweepLocked(now time.Time) {
	for key, c := range t.counters {
		if now.Sub(c.lastSeen) > t.ttl {
			delete(t.counters, key)
		}
	}
}

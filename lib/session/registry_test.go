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
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/webssh/gateway/lib/protocol"
)

// fakeChannel implements ClientChannel for tests.
type fakeChannel struct {
	closed   atomic.Bool
	buffered atomic.Int64
}

func (f *fakeChannel) WriteEnvelope(protocol.Envelope) error   { return nil }
func (f *fakeChannel) WriteBinary(protocol.BinaryFrame) error  { return nil }
func (f *fakeChannel) Buffered() int64                         { return f.buffered.Load() }
func (f *fakeChannel) Open() bool                              { return !f.closed.Load() }
func (f *fakeChannel) Close() error                            { f.closed.Store(true); return nil }

func newTestRegistry(t *testing.T, clock clockwork.Clock, ttl time.Duration) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryConfig{DetachTTL: ttl, Clock: clock})
	require.NoError(t, err)
	return r
}

func TestRegistryOpen(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, clockwork.NewFakeClock(), time.Minute)

	s, err := r.Open("s1")
	require.NoError(t, err)
	require.Equal(t, "s1", s.ID)
	require.Equal(t, StateCreated, s.State())

	// Duplicate ids are rejected.
	_, err = r.Open("s1")
	require.Error(t, err)

	// Generated ids are valid session ids.
	s2, err := r.Open("")
	require.NoError(t, err)
	require.True(t, protocol.ValidSessionID(s2.ID))

	// Malformed ids are rejected.
	_, err = r.Open("not a session id!")
	require.Error(t, err)
}

func TestRegistryIDNeverReused(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, clockwork.NewFakeClock(), time.Minute)

	_, err := r.Open("once")
	require.NoError(t, err)
	r.Destroy("once", "test")

	_, err = r.Open("once")
	require.Error(t, err, "destroyed session id must not be reusable")
}

func TestRegistryDetachExpires(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	ttl := 10 * time.Minute

	var destroyed atomic.Bool
	r, err := NewRegistry(RegistryConfig{
		DetachTTL: ttl,
		Clock:     clock,
		OnDestroy: func(id, reason string) { destroyed.Store(true) },
	})
	require.NoError(t, err)

	s, err := r.Open("s1")
	require.NoError(t, err)
	require.NoError(t, r.Bind("s1", &fakeChannel{}))

	r.Detach("s1")
	require.Equal(t, StateDetached, s.State())
	require.Nil(t, s.Channel())

	clock.Advance(ttl + time.Minute)

	require.Eventually(t, destroyed.Load, time.Second, 10*time.Millisecond)
	_, err = r.Lookup("s1")
	require.Error(t, err)
	require.Equal(t, StateGone, s.State())
}

func TestRegistryDetachedLen(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	ttl := 10 * time.Minute

	done := make(chan struct{})
	r, err := NewRegistry(RegistryConfig{
		DetachTTL: ttl,
		Clock:     clock,
		OnDestroy: func(id, reason string) { close(done) },
	})
	require.NoError(t, err)

	_, err = r.Open("s1")
	require.NoError(t, err)
	require.NoError(t, r.Bind("s1", &fakeChannel{}))
	require.Equal(t, 0, r.DetachedLen())

	r.Detach("s1")
	require.Equal(t, 1, r.DetachedLen())

	// Reattach disarms the timer.
	_, err = r.Rebind("s1", &fakeChannel{})
	require.NoError(t, err)
	require.Equal(t, 0, r.DetachedLen())

	// A TTL-expired destroy must not leave a stale count behind.
	r.Detach("s1")
	require.Equal(t, 1, r.DetachedLen())
	clock.Advance(ttl + time.Minute)
	<-done
	require.Equal(t, 0, r.DetachedLen())
}

func TestRegistryRebindCancelsCleanup(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	ttl := 10 * time.Minute
	r := newTestRegistry(t, clock, ttl)

	s, err := r.Open("s1")
	require.NoError(t, err)
	require.NoError(t, r.Bind("s1", &fakeChannel{}))
	r.Detach("s1")

	fresh := &fakeChannel{}
	got, err := r.Rebind("s1", fresh)
	require.NoError(t, err)
	require.Same(t, s, got, "rebind must reattach the same session")
	require.Same(t, ClientChannel(fresh), s.Channel())

	// The cleanup timer was cancelled: the session survives past the TTL.
	clock.Advance(ttl * 2)
	time.Sleep(20 * time.Millisecond)
	_, err = r.Lookup("s1")
	require.NoError(t, err)
}

func TestRegistryRebindReplacesChannel(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, clockwork.NewFakeClock(), time.Minute)

	_, err := r.Open("s1")
	require.NoError(t, err)
	stale := &fakeChannel{}
	require.NoError(t, r.Bind("s1", stale))

	_, err = r.Rebind("s1", &fakeChannel{})
	require.NoError(t, err)
	require.True(t, stale.closed.Load(), "stale channel should be closed on rebind")
}

func TestRegistryDestroyIdempotent(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()

	var destroys atomic.Int32
	r, err := NewRegistry(RegistryConfig{
		Clock:     clock,
		OnDestroy: func(id, reason string) { destroys.Add(1) },
	})
	require.NoError(t, err)

	_, err = r.Open("s1")
	require.NoError(t, err)

	r.Destroy("s1", "first")
	r.Destroy("s1", "second")
	r.Destroy("missing", "noop")
	require.Equal(t, int32(1), destroys.Load())
}

func TestErrorTracker(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	tracker := NewErrorTracker(clock)

	// Validation errors never count toward the stop limit.
	count, stop := tracker.Record("ssh", "s1", protocol.KindValidation)
	require.Zero(t, count)
	require.False(t, stop)

	for i := 1; i < 3; i++ {
		count, stop = tracker.Record("ssh", "s1", protocol.KindConnection)
		require.Equal(t, i, count)
		require.False(t, stop)
	}
	count, stop = tracker.Record("ssh", "s1", protocol.KindConnection)
	require.Equal(t, 3, count)
	require.True(t, stop, "third connection error reaches the retry limit")

	// Independent sessions have independent counters.
	_, stop = tracker.Record("ssh", "s2", protocol.KindConnection)
	require.False(t, stop)

	// Counters expire after the TTL.
	clock.Advance(25 * time.Hour)
	count, stop = tracker.Record("ssh", "s1", protocol.KindConnection)
	require.Equal(t, 1, count)
	require.False(t, stop)

	// Reset clears immediately.
	tracker.Reset("ssh", "s2")
	count, _ = tracker.Record("ssh", "s2", protocol.KindConnection)
	require.Equal(t, 1, count)
}

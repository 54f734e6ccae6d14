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

package term

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/webssh/gateway/lib/metrics"
	"github.com/webssh/gateway/lib/protocol"
	"github.com/webssh/gateway/lib/session"
)

// fakeChannel records binary frames and exposes a settable buffered count.
type fakeChannel struct {
	mu       sync.Mutex
	frames   []protocol.BinaryFrame
	buffered atomic.Int64
	closed   atomic.Bool
}

func (f *fakeChannel) WriteEnvelope(protocol.Envelope) error { return nil }

func (f *fakeChannel) WriteBinary(frame protocol.BinaryFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload := make([]byte, len(frame.Payload))
	copy(payload, frame.Payload)
	frame.Payload = payload
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeChannel) Buffered() int64 { return f.buffered.Load() }
func (f *fakeChannel) Open() bool      { return !f.closed.Load() }
func (f *fakeChannel) Close() error    { f.closed.Store(true); return nil }

func (f *fakeChannel) output() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, fr := range f.frames {
		out = append(out, fr.Payload...)
	}
	return out
}

func newTestSession(t *testing.T, ch session.ClientChannel) (*session.Session, io.WriteCloser) {
	t.Helper()
	reg, err := session.NewRegistry(session.RegistryConfig{})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	s, err := reg.Open("")
	require.NoError(t, err)
	require.NoError(t, reg.Bind(s.ID, ch))

	stdinR, stdinW := io.Pipe()
	go io.Copy(io.Discard, stdinR)
	stdoutR, stdoutW := io.Pipe()
	s.BindShell(&session.ShellStream{Stdin: stdinW, Stdout: stdoutR})
	return s, stdoutW
}

func TestPumpDeliversOutputInOrder(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	sess, stdout := newTestSession(t, ch)

	pump, err := NewPump(PumpConfig{Session: sess})
	require.NoError(t, err)

	var closed atomic.Bool
	pump.cfg.OnClose = func(error) { closed.Store(true) }

	done := make(chan error, 1)
	go func() { done <- pump.Run(context.Background()) }()

	stdout.Write([]byte("hello "))
	stdout.Write([]byte("world"))
	stdout.Close()

	require.NoError(t, <-done)
	require.True(t, closed.Load())
	require.Equal(t, []byte("hello world"), ch.output())
	for _, fr := range ch.frames {
		require.Equal(t, protocol.TagOutput, fr.Tag)
		require.Equal(t, sess.ID, fr.SessionID)
	}
	require.Equal(t, int64(11), sess.Backpressure.TotalBytes.Load())
}

func TestPumpBackpressure(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	sess, stdout := newTestSession(t, ch)

	pump, err := NewPump(PumpConfig{
		Session:         sess,
		PauseThreshold:  100,
		ResumeThreshold: 50,
		PollInterval:    time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pump.Run(context.Background()) }()

	// Fill the client buffer past the pause threshold, then emit a chunk.
	ch.buffered.Store(500)
	stdout.Write([]byte("chunk"))

	require.Eventually(t, func() bool {
		return sess.Backpressure.Paused.Load()
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, int64(1), sess.Backpressure.PauseCount.Load())

	// Drain the buffer below the resume threshold.
	ch.buffered.Store(10)
	require.Eventually(t, func() bool {
		return !sess.Backpressure.Paused.Load()
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, int64(1), sess.Backpressure.ResumeCount.Load())

	// The chunk itself was delivered before the pause.
	require.Equal(t, []byte("chunk"), ch.output())

	stdout.Close()
	require.NoError(t, <-done)
}

func TestPumpRecordsMetrics(t *testing.T) {
	t.Parallel()

	hostBefore := testutil.ToFloat64(metrics.ShellBytes.WithLabelValues("host_to_client"))
	clientBefore := testutil.ToFloat64(metrics.ShellBytes.WithLabelValues("client_to_host"))
	pauseBefore := testutil.ToFloat64(metrics.BackpressureEvents.WithLabelValues("pause"))
	resumeBefore := testutil.ToFloat64(metrics.BackpressureEvents.WithLabelValues("resume"))

	ch := &fakeChannel{}
	sess, stdout := newTestSession(t, ch)

	pump, err := NewPump(PumpConfig{
		Session:         sess,
		PauseThreshold:  100,
		ResumeThreshold: 50,
		PollInterval:    time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pump.Run(context.Background()) }()

	ch.buffered.Store(500)
	stdout.Write([]byte("output"))
	require.Eventually(t, func() bool {
		return sess.Backpressure.Paused.Load()
	}, 5*time.Second, time.Millisecond)
	ch.buffered.Store(10)
	require.Eventually(t, func() bool {
		return !sess.Backpressure.Paused.Load()
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, pump.WriteInput([]byte("ls\n")))
	stdout.Close()
	require.NoError(t, <-done)

	// Other pumps may run concurrently, so assert minimum growth.
	hostDelta := testutil.ToFloat64(metrics.ShellBytes.WithLabelValues("host_to_client")) - hostBefore
	require.GreaterOrEqual(t, hostDelta, float64(len("output")))
	clientDelta := testutil.ToFloat64(metrics.ShellBytes.WithLabelValues("client_to_host")) - clientBefore
	require.GreaterOrEqual(t, clientDelta, float64(len("ls\n")))
	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.BackpressureEvents.WithLabelValues("pause"))-pauseBefore, 1.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.BackpressureEvents.WithLabelValues("resume"))-resumeBefore, 1.0)
}

func TestPumpDropsWhenChannelClosed(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	ch.closed.Store(true)
	sess, stdout := newTestSession(t, ch)

	pump, err := NewPump(PumpConfig{Session: sess})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pump.Run(context.Background()) }()

	stdout.Write([]byte("lost"))
	stdout.Close()
	require.NoError(t, <-done)

	// The chunk was consumed from the SSH stream but never framed.
	require.Empty(t, ch.frames)
	require.Equal(t, int64(4), sess.Backpressure.TotalBytes.Load())
}

func TestWriteInput(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	sess, _ := newTestSession(t, ch)

	pump, err := NewPump(PumpConfig{Session: sess})
	require.NoError(t, err)

	before := sess.LastActivity()
	time.Sleep(time.Millisecond)
	require.NoError(t, pump.WriteInput([]byte("ls\n")))
	require.True(t, sess.LastActivity().After(before))

	require.NoError(t, pump.WriteText("échо"))
}

func TestWriteInputFailureClosesShell(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	reg, err := session.NewRegistry(session.RegistryConfig{})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	sess, err := reg.Open("")
	require.NoError(t, err)
	require.NoError(t, reg.Bind(sess.ID, ch))

	// Stdin whose reader is gone: writes fail immediately.
	stdinR, stdinW := io.Pipe()
	stdinR.Close()
	stdoutR, _ := io.Pipe()
	sess.BindShell(&session.ShellStream{Stdin: stdinW, Stdout: stdoutR})

	pump, err := NewPump(PumpConfig{Session: sess})
	require.NoError(t, err)
	require.Error(t, pump.WriteInput([]byte("x")))
}

func TestPumpWithoutShell(t *testing.T) {
	t.Parallel()

	reg, err := session.NewRegistry(session.RegistryConfig{})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	sess, err := reg.Open("")
	require.NoError(t, err)

	pump, err := NewPump(PumpConfig{Session: sess})
	require.NoError(t, err)
	require.Error(t, pump.Run(context.Background()))
	require.Error(t, pump.WriteInput([]byte("x")))
	require.Error(t, pump.Resize(80, 24))
}

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

package web

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	gateway "github.com/webssh/gateway"
	"github.com/webssh/gateway/lib/defaults"
	"github.com/webssh/gateway/lib/protocol"
)

// sendQueueDepth bounds the outbound frame queue. SFTP emitters block when
// the queue is full; the shell pump checks Buffered first and pauses.
const sendQueueDepth = 512

// controlWriteTimeout bounds a single ping control write.
const controlWriteTimeout = 10 * time.Second

type outFrame struct {
	messageType int
	data        []byte
}

// StreamConfig configures one client channel.
type StreamConfig struct {
	// Conn is the upgraded websocket connection. The stream takes
	// ownership.
	Conn *websocket.Conn
	// Clock drives the heartbeat.
	Clock clockwork.Clock
	// KeepAliveInterval is the websocket ping period.
	KeepAliveInterval time.Duration
	// KeepAliveTimeout is the silence after which the channel is dead.
	KeepAliveTimeout time.Duration
	// SlowPingThreshold is the round trip above which a warning is
	// logged, once per channel.
	SlowPingThreshold time.Duration
	// MaxMessageSize caps inbound frames.
	MaxMessageSize int64
	// Log is the parent logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *StreamConfig) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("websocket connection is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = defaults.KeepAliveTimeout
	}
	if c.SlowPingThreshold <= 0 {
		c.SlowPingThreshold = defaults.SlowPingThreshold
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Stream is the concrete client channel: a websocket with a serialized
// send side, queued writes with a byte count for backpressure, and a
// ping/pong heartbeat.
type Stream struct {
	cfg StreamConfig
	log logrus.FieldLogger

	sendCh   chan outFrame
	done     chan struct{}
	buffered atomic.Int64
	open     atomic.Bool

	pingSentAt atomic.Int64
	lastPong   atomic.Int64
	slowLogged atomic.Bool

	closeOnce sync.Once
}

// NewStream wraps an upgraded websocket and starts its writer and
// heartbeat goroutines.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Stream{
		cfg:    cfg,
		log:    cfg.Log.WithField(gateway.ComponentKey, gateway.ComponentWebsocket),
		sendCh: make(chan outFrame, sendQueueDepth),
		done:   make(chan struct{}),
	}
	s.open.Store(true)
	s.lastPong.Store(cfg.Clock.Now().UnixNano())

	cfg.Conn.SetReadLimit(cfg.MaxMessageSize)
	cfg.Conn.SetPongHandler(func(string) error {
		s.onPong()
		return nil
	})

	go s.writeLoop()
	go s.heartbeat()
	return s, nil
}

func (s *Stream) onPong() {
	now := s.cfg.Clock.Now()
	s.lastPong.Store(now.UnixNano())
	sent := s.pingSentAt.Load()
	if sent == 0 {
		return
	}
	rtt := now.Sub(time.Unix(0, sent))
	if rtt > s.cfg.SlowPingThreshold && s.slowLogged.CompareAndSwap(false, true) {
		s.log.WithField("rtt", rtt).Warn("Slow websocket ping round trip.")
	}
}

// writeLoop is the single writer of the websocket.
func (s *Stream) writeLoop() {
	for {
		select {
		case frame := <-s.sendCh:
			s.buffered.Add(-int64(len(frame.data)))
			// Small frames skip permessage-deflate. Only the writer
			// goroutine may toggle this.
			s.cfg.Conn.EnableWriteCompression(len(frame.data) >= defaults.CompressionThreshold)
			if err := s.cfg.Conn.WriteMessage(frame.messageType, frame.data); err != nil {
				s.log.WithError(err).Debug("Websocket write failed.")
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// heartbeat pings the client and drops the channel when pongs stop.
func (s *Stream) heartbeat() {
	ticker := s.cfg.Clock.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			now := s.cfg.Clock.Now()
			if now.Sub(time.Unix(0, s.lastPong.Load())) > s.cfg.KeepAliveTimeout {
				s.log.Info("Websocket missed keep-alive deadline, closing.")
				s.Close()
				return
			}
			s.pingSentAt.Store(now.UnixNano())
			err := s.cfg.Conn.WriteControl(websocket.PingMessage, nil, now.Add(controlWriteTimeout))
			if err != nil && err != websocket.ErrCloseSent {
				s.log.WithError(err).Debug("Websocket ping failed.")
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// enqueue queues one frame for the writer, counting its bytes as buffered.
func (s *Stream) enqueue(messageType int, data []byte) error {
	if !s.open.Load() {
		return trace.ConnectionProblem(nil, "client channel is closed")
	}
	s.buffered.Add(int64(len(data)))
	select {
	case s.sendCh <- outFrame{messageType: messageType, data: data}:
		return nil
	case <-s.done:
		s.buffered.Add(-int64(len(data)))
		return trace.ConnectionProblem(nil, "client channel is closed")
	}
}

// WriteEnvelope sends a JSON text frame.
func (s *Stream) WriteEnvelope(env protocol.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return trace.Wrap(err)
	}
	return s.enqueue(websocket.TextMessage, raw)
}

// WriteBinary sends a binary frame.
func (s *Stream) WriteBinary(frame protocol.BinaryFrame) error {
	raw, err := protocol.EncodeBinary(frame)
	if err != nil {
		return trace.Wrap(err)
	}
	return s.enqueue(websocket.BinaryMessage, raw)
}

// Buffered returns the bytes queued on the send side.
func (s *Stream) Buffered() int64 { return s.buffered.Load() }

// Open reports whether the channel accepts writes.
func (s *Stream) Open() bool { return s.open.Load() }

// ReadMessage reads the next inbound frame, refreshing the read deadline.
func (s *Stream) ReadMessage() (int, []byte, error) {
	deadline := s.cfg.Clock.Now().Add(s.cfg.KeepAliveTimeout + s.cfg.KeepAliveInterval)
	if err := s.cfg.Conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, trace.Wrap(err)
	}
	t, data, err := s.cfg.Conn.ReadMessage()
	return t, data, trace.Wrap(err)
}

// Close tears the channel down. Idempotent and safe from any goroutine.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.open.Store(false)
		close(s.done)
		s.cfg.Conn.Close()
	})
	return nil
}

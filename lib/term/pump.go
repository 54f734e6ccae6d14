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

// Package term pumps bytes between an SSH shell stream and the browser
// client channel with byte-accurate backpressure against the channel's
// send buffer.
package term

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"

	gateway "github.com/webssh/gateway"
	"github.com/webssh/gateway/lib/defaults"
	"github.com/webssh/gateway/lib/metrics"
	"github.com/webssh/gateway/lib/protocol"
	"github.com/webssh/gateway/lib/session"
)

// readBufferSize is the unit of shell output reads.
const readBufferSize = 32 * 1024

// PumpConfig configures a shell pump for one session.
type PumpConfig struct {
	// Session owns the shell stream being pumped.
	Session *session.Session
	// OnClose is called once when the host side ends (EOF or error).
	OnClose func(err error)
	// Clock drives the backpressure poll and throughput sampler.
	Clock clockwork.Clock
	// PauseThreshold and ResumeThreshold bound the client send buffer.
	PauseThreshold  int64
	ResumeThreshold int64
	// PollInterval is the resume polling period while paused.
	PollInterval time.Duration
	// Log is the parent logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *PumpConfig) CheckAndSetDefaults() error {
	if c.Session == nil {
		return trace.BadParameter("session is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PauseThreshold <= 0 {
		c.PauseThreshold = defaults.BackpressurePauseThreshold
	}
	if c.ResumeThreshold <= 0 {
		c.ResumeThreshold = defaults.BackpressureResumeThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.BackpressurePollInterval
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Pump streams one session's shell. The host-to-client direction runs in
// Run; the client-to-host direction is driven by the dispatcher calling
// WriteInput.
type Pump struct {
	cfg PumpConfig
	log logrus.FieldLogger
}

// NewPump builds a pump for the session's shell stream.
func NewPump(cfg PumpConfig) (*Pump, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pump{
		cfg: cfg,
		log: cfg.Log.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentTerm,
			"session_id":         cfg.Session.ID,
		}),
	}, nil
}

// Run pumps host output to the client channel until the shell ends or the
// context is cancelled. Chunks are delivered in SSH stream order; when the
// client buffer crosses the pause threshold the SSH stream is not read
// again until the buffer drains.
func (p *Pump) Run(ctx context.Context) error {
	shell := p.cfg.Session.Shell()
	if shell == nil {
		return trace.BadParameter("session has no shell stream")
	}

	var total int64
	var lastSample int64
	sampler := p.cfg.Clock.NewTicker(defaults.ThroughputSampleInterval)
	defer sampler.Stop()

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sampler.Chan():
			p.log.WithFields(logrus.Fields{
				"bytes_total":  total,
				"bytes_period": total - lastSample,
			}).Debug("Shell throughput sample.")
			lastSample = total
		default:
		}

		n, err := shell.Stdout.Read(buf)
		if n > 0 {
			total += int64(n)
			p.cfg.Session.Backpressure.TotalBytes.Add(int64(n))
			metrics.ShellBytes.WithLabelValues("host_to_client").Add(float64(n))
			p.deliver(buf[:n])
			if err := p.throttle(ctx); err != nil {
				return trace.Wrap(err)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.log.Debug("Shell stream ended.")
				p.finish(nil)
				return nil
			}
			p.log.WithError(err).Warn("Shell stream failed.")
			p.finish(err)
			return trace.Wrap(err)
		}
	}
}

// deliver frames one chunk as binary output. A channel that is not open
// drops the chunk: the session will notice teardown on the next write.
func (p *Pump) deliver(chunk []byte) {
	ch := p.cfg.Session.Channel()
	if ch == nil || !ch.Open() {
		return
	}
	frame := protocol.BinaryFrame{
		Tag:       protocol.TagOutput,
		SessionID: p.cfg.Session.ID,
		Payload:   chunk,
	}
	if err := ch.WriteBinary(frame); err != nil {
		p.log.WithError(err).Debug("Dropping shell chunk, channel write failed.")
	}
}

// throttle blocks while the client send buffer is above the pause
// threshold, polling until it drains below the resume threshold.
func (p *Pump) throttle(ctx context.Context) error {
	ch := p.cfg.Session.Channel()
	if ch == nil || ch.Buffered() <= p.cfg.PauseThreshold {
		return nil
	}

	bp := &p.cfg.Session.Backpressure
	bp.Paused.Store(true)
	bp.PauseCount.Add(1)
	metrics.BackpressureEvents.WithLabelValues("pause").Inc()
	p.log.WithField("buffered", ch.Buffered()).Debug("Pausing shell stream, client buffer full.")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.cfg.Clock.After(p.cfg.PollInterval):
		}
		ch := p.cfg.Session.Channel()
		if ch == nil || ch.Buffered() < p.cfg.ResumeThreshold {
			bp.Paused.Store(false)
			bp.ResumeCount.Add(1)
			metrics.BackpressureEvents.WithLabelValues("resume").Inc()
			p.log.Debug("Resuming shell stream.")
			return nil
		}
	}
}

func (p *Pump) finish(err error) {
	if p.cfg.OnClose != nil {
		p.cfg.OnClose(err)
	}
}

// WriteInput writes client keystrokes to the shell. Any write failure
// closes the shell; the host-to-client loop then unwinds via EOF.
func (p *Pump) WriteInput(data []byte) error {
	shell := p.cfg.Session.Shell()
	if shell == nil {
		return trace.NotFound("session has no shell stream")
	}
	p.cfg.Session.Touch(p.cfg.Clock.Now())
	if _, err := shell.Stdin.Write(data); err != nil {
		p.log.WithError(err).Warn("Shell write failed, closing shell.")
		shell.Close()
		return trace.Wrap(err)
	}
	metrics.ShellBytes.WithLabelValues("client_to_host").Add(float64(len(data)))
	return nil
}

// WriteText decodes a UTF-8 text frame and writes it to the shell.
func (p *Pump) WriteText(text string) error {
	decoded, err := unicode.UTF8.NewDecoder().String(text)
	if err != nil {
		return trace.Wrap(err)
	}
	return p.WriteInput([]byte(decoded))
}

// Resize updates the PTY window.
func (p *Pump) Resize(cols, rows uint32) error {
	shell := p.cfg.Session.Shell()
	if shell == nil || shell.Session == nil {
		return trace.NotFound("session has no shell stream")
	}
	if err := shell.Session.WindowChange(int(rows), int(cols)); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

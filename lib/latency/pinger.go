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

// Package latency measures the two legs of the browser-gateway-host path
// independently and reports their composite.
package latency

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	gateway "github.com/webssh/gateway"
	"github.com/webssh/gateway/lib/defaults"
)

var log = logrus.WithField(gateway.ComponentKey, gateway.ComponentLatency)

// Pinger measures the round trip to a host.
type Pinger interface {
	// Ping returns the round trip time to host and the method used
	// ("icmp" or "tcp").
	Ping(ctx context.Context, host string) (time.Duration, string, error)
}

// pingTimePattern extracts the millisecond value from ping output across
// locales: "time=12.3 ms", "time<1ms", "Zeit=12,3 ms".
var pingTimePattern = regexp.MustCompile(`(?i)(?:time|zeit|tiempo|temps)\s*[=<]\s*([0-9]+(?:[.,][0-9]+)?)\s*ms`)

// systemPinger shells out to the system ping binary. Availability of the
// binary is probed once and cached.
type systemPinger struct {
	probeOnce sync.Once
	available bool
}

func (p *systemPinger) ping(ctx context.Context, host string) (time.Duration, error) {
	p.probeOnce.Do(func() {
		_, err := exec.LookPath("ping")
		p.available = err == nil
	})
	if !p.available {
		return 0, trace.NotFound("ping binary not available")
	}

	out, err := exec.CommandContext(ctx, "ping", "-c", "1", "-W", "3", host).CombinedOutput()
	if err != nil {
		return 0, trace.Wrap(err, "ping %v failed", host)
	}
	return parsePingOutput(string(out))
}

// parsePingOutput pulls the round trip milliseconds out of ping output.
func parsePingOutput(out string) (time.Duration, error) {
	m := pingTimePattern.FindStringSubmatch(out)
	if m == nil {
		return 0, trace.BadParameter("cannot parse ping output")
	}
	ms, err := strconv.ParseFloat(replaceComma(m[1]), 64)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

func replaceComma(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r == ',' {
			out[i] = '.'
		}
	}
	return string(out)
}

// tcpPinger times a TCP connect to the host's SSH port. Used when ICMP is
// unavailable or filtered.
type tcpPinger struct {
	port    int
	timeout time.Duration
}

func (p *tcpPinger) ping(_ context.Context, host string) (time.Duration, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", p.port)), p.timeout)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	elapsed := time.Since(start)
	conn.Close()
	return elapsed, nil
}

// compositePinger tries ICMP first and falls back to a TCP connect.
type compositePinger struct {
	icmp *systemPinger
	tcp  *tcpPinger
}

// NewPinger builds the default ICMP-with-TCP-fallback pinger.
func NewPinger() Pinger {
	return &compositePinger{
		icmp: &systemPinger{},
		tcp:  &tcpPinger{port: defaults.SSHPort, timeout: defaults.LatencyProbeTimeout},
	}
}

// Ping measures the round trip to host, preferring ICMP.
func (p *compositePinger) Ping(ctx context.Context, host string) (time.Duration, string, error) {
	rtt, icmpErr := p.icmp.ping(ctx, host)
	if icmpErr == nil {
		return rtt, "icmp", nil
	}
	log.WithError(icmpErr).Debug("ICMP probe failed, falling back to TCP connect.")
	rtt, err := p.tcp.ping(ctx, host)
	if err != nil {
		return 0, "", trace.Wrap(err)
	}
	return rtt, "tcp", nil
}

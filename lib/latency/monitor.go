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

package latency

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"
)

// Result is a composite latency measurement, all values integer
// milliseconds.
type Result struct {
	ClientLatency int    `json:"clientLatency"`
	ServerLatency int    `json:"serverLatency"`
	TotalLatency  int    `json:"totalLatency"`
	Method        string `json:"-"`
}

// MeasureConfig describes one composite measurement.
type MeasureConfig struct {
	// ClientAddr is the browser's source address (gateway to client leg).
	ClientAddr string
	// HostAddr is the backend SSH host (gateway to host leg).
	HostAddr string
	// ReportedClientLatency is the websocket round trip the client
	// measured itself; used when the client leg cannot be probed
	// directly (private addresses, filtered ICMP).
	ReportedClientLatency int
	// Pinger performs the probes.
	Pinger Pinger
}

// Measure probes both legs in parallel and composes the result. Individual
// leg failures degrade to the reported value (client) or zero (host)
// rather than failing the measurement.
func Measure(ctx context.Context, cfg MeasureConfig) (Result, error) {
	if cfg.Pinger == nil {
		return Result{}, trace.BadParameter("pinger is required")
	}

	var clientMs, hostMs int
	method := "reported"

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if cfg.ClientAddr == "" {
			clientMs = cfg.ReportedClientLatency
			return nil
		}
		rtt, m, err := cfg.Pinger.Ping(gctx, cfg.ClientAddr)
		if err != nil {
			clientMs = cfg.ReportedClientLatency
			return nil
		}
		clientMs = roundMs(rtt)
		method = m
		return nil
	})
	g.Go(func() error {
		if cfg.HostAddr == "" {
			return nil
		}
		rtt, _, err := cfg.Pinger.Ping(gctx, cfg.HostAddr)
		if err != nil {
			return nil
		}
		hostMs = roundMs(rtt)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, trace.Wrap(err)
	}

	if clientMs < 0 {
		clientMs = 0
	}
	if hostMs < 0 {
		hostMs = 0
	}
	return Result{
		ClientLatency: clientMs,
		ServerLatency: hostMs,
		TotalLatency:  clientMs + hostMs,
		Method:        method,
	}, nil
}

func roundMs(d time.Duration) int {
	ms := int(d.Round(time.Millisecond) / time.Millisecond)
	if ms < 0 {
		return 0
	}
	return ms
}

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

// Package metrics exposes the gateway's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ActiveSessions tracks sessions currently registered.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_sessions",
		Help: "Number of registered SSH sessions.",
	})

	// DetachedSessions tracks sessions surviving without a client channel.
	DetachedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_detached_sessions",
		Help: "Number of detached sessions awaiting reconnect.",
	})

	// ShellBytes counts bytes pumped between shells and clients.
	ShellBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_shell_bytes_total",
		Help: "Bytes transferred on shell streams.",
	}, []string{"direction"})

	// BackpressureEvents counts pump pause and resume transitions.
	BackpressureEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backpressure_events_total",
		Help: "Shell stream pause/resume transitions.",
	}, []string{"event"})

	// ClassifiedErrors counts errors by classification.
	ClassifiedErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Errors by classification.",
	}, []string{"class"})

	// SFTPOperations counts SFTP calls by type and outcome.
	SFTPOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_sftp_operations_total",
		Help: "SFTP operations by type and outcome.",
	}, []string{"operation", "outcome"})

	// ConnectLatency observes SSH dial-to-ready time.
	ConnectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_connect_seconds",
		Help:    "Time from SSH dial to interactive shell.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

// Register installs the gateway collectors on the registry.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		ActiveSessions,
		DetachedSessions,
		ShellBytes,
		BackpressureEvents,
		ClassifiedErrors,
		SFTPOperations,
		ConnectLatency,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

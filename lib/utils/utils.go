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

// Package utils holds small helpers shared across gateway packages.
package utils

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// SplitHostPort splits a "host:port" string, tolerating a missing port.
func SplitHostPort(hostAndPort string) (string, string, error) {
	if !strings.Contains(hostAndPort, ":") {
		return hostAndPort, "", nil
	}
	host, port, err := net.SplitHostPort(hostAndPort)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	return host, port, nil
}

// ShellQuote wraps s in single quotes safe for POSIX shells. Embedded
// single quotes are closed, escaped and reopened.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// UnwrapIPv4Mapped strips the ::ffff: prefix from IPv4-mapped IPv6
// addresses so downstream consumers see a plain IPv4 string.
func UnwrapIPv4Mapped(addr string) string {
	if ip := net.ParseIP(addr); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return addr
}

// ClientIP extracts the originating client address of a request, trusting
// proxy headers in order: X-Forwarded-For first hop, X-Real-IP, then the
// transport peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return UnwrapIPv4Mapped(first)
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return UnwrapIPv4Mapped(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return UnwrapIPv4Mapped(r.RemoteAddr)
	}
	return UnwrapIPv4Mapped(host)
}

// ParsePort parses a TCP port, enforcing the valid range.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, trace.BadParameter("invalid port: %v", err)
	}
	if port < 1 || port > 65535 {
		return 0, trace.BadParameter("port out of range: %v", port)
	}
	return port, nil
}

// TruncateSecret shortens values of sensitive fields for logging.
func TruncateSecret(s string) string {
	const max = 20
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

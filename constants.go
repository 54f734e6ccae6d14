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

// Package gateway holds constants shared across the gateway codebase.
package gateway

// ComponentKey is the log field name carrying the component label.
const ComponentKey = "component"

const (
	// ComponentWebsocket is the browser-facing websocket subchannel layer.
	ComponentWebsocket = "websocket"

	// ComponentSession is the session registry and lifecycle manager.
	ComponentSession = "session"

	// ComponentHandshake is the secure connect/authenticate handshake.
	ComponentHandshake = "handshake"

	// ComponentSSH is the backend SSH connector.
	ComponentSSH = "ssh"

	// ComponentTerm is the shell I/O pump.
	ComponentTerm = "term"

	// ComponentSFTP is the SFTP operation engine.
	ComponentSFTP = "sftp"

	// ComponentLatency is the composite latency prober.
	ComponentLatency = "latency"

	// ComponentConfig is configuration loading.
	ComponentConfig = "config"
)

// Version is the gateway release version.
const Version = "1.2.0"
